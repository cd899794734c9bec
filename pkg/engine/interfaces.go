package engine

import (
	"context"
	"encoding/json"
)

// Persistence stores blueprint documents.
// The engine calls Save after every handler and at worker start and stop.
type Persistence interface {
	// Load returns the document for an instance or a NOT_FOUND error.
	Load(ctx context.Context, instanceID string) (*Document, error)

	// Save inserts or replaces a document.
	Save(ctx context.Context, doc *Document) error

	// Delete removes a document.
	Delete(ctx context.Context, instanceID string) error

	// List returns documents matching the filter.
	List(ctx context.Context, filter Filter) ([]*Document, error)
}

// Blueprint is the live, typed view of an instance.
// Handlers are resolved by name from the capability map, never by reflection.
type Blueprint interface {
	// Document returns the mutable document header owned by the engine.
	Document() *Document

	// Operations returns the supported operation plans keyed by operation name.
	Operations() map[string]OperationPlan

	// Handlers returns the capability map of the blueprint type.
	Handlers() map[string]Handler

	// EncodeState serializes the type specific state into Document().State.
	EncodeState() (json.RawMessage, error)

	// Destroy releases everything the instance holds. Called once on stop.
	Destroy(ctx context.Context) error
}

// Handler is one named piece of blueprint logic.
type Handler func(ctx context.Context, call *Call) (Result, error)

// Call is the argument of a handler invocation.
type Call struct {
	// Session is the session being executed.
	Session *Session

	// List is the handler list the invocation belongs to.
	List ListKind

	// Stage is the index of the stage in the operation plan.
	Stage int

	// Provider is set for Build handlers only.
	Provider *ProviderContext

	// Callback is set when the handler runs as the callback of a suspended Build handler.
	Callback *CallbackEvent

	// Ack is the acknowledgement of the submitting handler, set together with Callback.
	Ack Result
}

// Decode unmarshals the session payload into v. An empty payload leaves v untouched.
func (c *Call) Decode(v interface{}) error {
	if c.Session == nil || len(c.Session.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(c.Session.Payload, v)
}

// Factory rebuilds typed blueprints from persisted documents.
type Factory interface {
	// Build returns the blueprint for the document's type.
	Build(doc *Document) (Blueprint, error)

	// Knows reports whether the type is registered.
	Knows(blueprintType string) bool
}

// EventBus publishes lifecycle events to external subscribers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// Notifier delivers the terminal outcome of a session to its requester.
type Notifier interface {
	NotifyResult(ctx context.Context, n Notification) error
}

// ProviderSource produces the provider context handed to Build handlers.
type ProviderSource interface {
	Snapshot(ctx context.Context, doc *Document) (*ProviderContext, error)
}

// Admission decides whether a request may be queued at all.
// A denial is returned as a Rejection before any state changes.
type Admission interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}

// AdmissionRequest describes a request to an admission controller.
type AdmissionRequest struct {
	// Action is "submit", "create" or "destroy".
	Action string `json:"action"`

	// Operation is the requested operation, empty for destroy.
	Operation string `json:"operation,omitempty"`

	// Instance is a read-only copy of the target document.
	Instance *Document `json:"instance"`

	// Payload is the request payload.
	Payload json.RawMessage `json:"payload,omitempty"`
}
