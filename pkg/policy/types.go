package policy

import (
	"encoding/json"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request and is logged at error level.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from its deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into blueprintd. They survive reloads.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Instance is the blueprint instance the request targeted, if any.
	Instance string `json:"instance,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one input.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Action is "create", "submit", "destroy" or "reserve".
	Action string `json:"action"`

	// Operation is the requested blueprint operation for submit.
	Operation string `json:"operation,omitempty"`

	// Instance describes the target instance.
	Instance *InstanceInput `json:"instance,omitempty"`

	// Payload is the decoded request payload.
	Payload interface{} `json:"payload,omitempty"`

	// Reservation describes an address reservation request.
	Reservation *ReservationInput `json:"reservation,omitempty"`

	// Context provides evaluation context.
	Context InputContext `json:"context"`
}

// InstanceInput is the policy view of a blueprint document.
type InstanceInput struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Status           string            `json:"status"`
	CurrentOperation string            `json:"current_operation,omitempty"`
	Labels           map[string]string `json:"labels"`
}

// ReservationInput is the policy view of a reservation request.
type ReservationInput struct {
	Network string `json:"network"`
	Owner   string `json:"owner"`
	Count   int    `json:"count"`
}

// InputContext carries deployment facts policies may branch on.
type InputContext struct {
	Environment string    `json:"environment,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReservationRequest asks to reserve Count addresses on Network for Owner.
type ReservationRequest struct {
	Network string
	Owner   string
	Count   int
}

// PolicyBundle represents a collection of related policies shipped as one JSON file.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}

// inputFromAdmission builds the policy input of an engine admission request.
func inputFromAdmission(req engine.AdmissionRequest, environment string) *Input {
	in := &Input{
		Action:    req.Action,
		Operation: req.Operation,
		Context: InputContext{
			Environment: environment,
			Timestamp:   time.Now(),
		},
	}

	if doc := req.Instance; doc != nil {
		labels := doc.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		in.Instance = &InstanceInput{
			ID:               doc.ID,
			Type:             doc.Type,
			Status:           string(doc.Status),
			CurrentOperation: doc.CurrentOperation,
			Labels:           labels,
		}
	}

	if len(req.Payload) > 0 {
		var payload interface{}
		if err := json.Unmarshal(req.Payload, &payload); err == nil {
			in.Payload = payload
		}
	}

	return in
}
