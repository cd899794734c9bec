package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestEngineError_Classifiers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		transient  bool
		conflict   bool
		permanent  bool
		rejection  bool
		stage      bool
		exhaustion bool
	}{
		{
			name:      "transient",
			err:       NewTransientError("notifier unavailable", io.ErrUnexpectedEOF),
			transient: true,
		},
		{
			name:       "range conflict",
			err:        NewConflictError("range overlaps", nil).WithCode(ErrCodeRangeConflict),
			conflict:   true,
			exhaustion: true,
		},
		{
			name:      "policy denied",
			err:       NewPermanentError("destroy denied", nil).WithCode(ErrCodePolicyDenied),
			permanent: true,
			rejection: true,
		},
		{
			name:      "destroying",
			err:       NewConflictError("instance is being destroyed", nil).WithCode(ErrCodeInstanceDestroying),
			conflict:  true,
			rejection: true,
		},
		{
			name:      "callback timeout",
			err:       NewPermanentError("callback not received", nil).WithCode(ErrCodeCallbackTimeout),
			permanent: true,
			stage:     true,
		},
		{
			name:      "wrapped stage failure",
			err:       fmt.Errorf("session s1: %w", NewPermanentError("handler failed", nil).WithCode(ErrCodeStageFailed)),
			permanent: true,
			stage:     true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
		},
		{
			name: "nil",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
			if got := IsRejection(tt.err); got != tt.rejection {
				t.Errorf("IsRejection() = %v, want %v", got, tt.rejection)
			}
			if got := IsStageFailure(tt.err); got != tt.stage {
				t.Errorf("IsStageFailure() = %v, want %v", got, tt.stage)
			}
			if got := IsResourceExhaustion(tt.err); got != tt.exhaustion {
				t.Errorf("IsResourceExhaustion() = %v, want %v", got, tt.exhaustion)
			}
		})
	}
}

func TestHasCode_InnerError(t *testing.T) {
	inner := NewPermanentError("no free addresses", nil).WithCode(ErrCodeInsufficientCapacity)
	outer := NewPermanentError("handler failed", inner).WithCode(ErrCodeStageFailed)

	if CodeOf(outer) != ErrCodeStageFailed {
		t.Errorf("CodeOf() = %s, want %s", CodeOf(outer), ErrCodeStageFailed)
	}
	if !HasCode(outer, ErrCodeInsufficientCapacity) {
		t.Error("HasCode() should find the inner code")
	}
	if HasCode(outer, ErrCodeRangeConflict) {
		t.Error("HasCode() matched a code not in the chain")
	}
	if !IsResourceExhaustion(outer) {
		t.Error("stage failure caused by exhaustion should report exhaustion")
	}
}

func TestEngineError_UnwrapAndIs(t *testing.T) {
	err := NewTransientError("delivery failed", io.EOF).
		WithResource("edge-1").
		WithOperation("init").
		WithCode(ErrCodeInternal).
		WithDetail("attempt", 2)

	if !errors.Is(err, io.EOF) {
		t.Error("errors.Is should reach the wrapped error")
	}
	if !errors.Is(err, &EngineError{Class: ErrorClassTransient, Code: ErrCodeInternal}) {
		t.Error("errors.Is should match on class and code")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInternal}) {
		t.Error("errors.Is should not match a different class")
	}
	if err.Details["attempt"] != 2 {
		t.Errorf("Details[attempt] = %v", err.Details["attempt"])
	}

	msg := err.Error()
	for _, want := range []string{"[transient]", "[INTERNAL_ERROR]", "resource=edge-1", "operation=init", "EOF"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}
