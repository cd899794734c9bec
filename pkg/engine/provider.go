package engine

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// StaticProvider serves the same provider context to every instance.
// An instance label "network" overrides the default network.
type StaticProvider struct {
	base     ProviderContext
	validate *validator.Validate
}

// NewStaticProvider creates a provider source from fixed settings.
func NewStaticProvider(base ProviderContext) *StaticProvider {
	return &StaticProvider{
		base:     base,
		validate: validator.New(),
	}
}

// Snapshot returns a validated copy of the provider context for the document.
func (p *StaticProvider) Snapshot(_ context.Context, doc *Document) (*ProviderContext, error) {
	snap := p.base
	snap.Extra = make(map[string]string, len(p.base.Extra))
	for k, v := range p.base.Extra {
		snap.Extra[k] = v
	}
	if doc != nil {
		if network := doc.Labels["network"]; network != "" {
			snap.Network = network
		}
	}

	if err := p.validate.Struct(snap); err != nil {
		return nil, NewPermanentError("invalid provider context", err).
			WithCode(ErrCodeValidation)
	}

	return &snap, nil
}

// validateProvider checks a provider context produced by any source.
func validateProvider(v *validator.Validate, pc *ProviderContext) error {
	if pc == nil {
		return NewPermanentError("provider context is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := v.Struct(pc); err != nil {
		return NewPermanentError(fmt.Sprintf("invalid provider context for vim %q", pc.VIM), err).
			WithCode(ErrCodeValidation)
	}
	return nil
}
