package engine

import (
	"encoding/json"
	"time"
)

// Document is the persisted record of a blueprint instance.
// The engine owns the header fields; State is opaque and owned by the blueprint type.
type Document struct {
	// ID is the unique identifier of the instance.
	ID string `json:"id"`

	// Type is the blueprint type name (e.g., "k8s", "vrouter").
	Type string `json:"type"`

	// Status is the coarse lifecycle status.
	Status InstanceStatus `json:"status"`

	// DetailedStatus is the name of the handler list currently or last executed.
	DetailedStatus string `json:"detailed_status"`

	// CurrentOperation is the in-flight operation name, empty when idle.
	CurrentOperation string `json:"current_operation"`

	// Labels are key-value pairs used for filtering and admission policies.
	Labels map[string]string `json:"labels,omitempty"`

	// State is the blueprint type specific state.
	State json.RawMessage `json:"state,omitempty"`

	// Pending records a Build handler awaiting its asynchronous callback.
	Pending *PendingCallback `json:"pending,omitempty"`

	// LastError is the message of the last failure, if any.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt is when the instance was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the document was last saved.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the document suitable for read-only projections.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Labels != nil {
		c.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			c.Labels[k] = v
		}
	}
	if d.State != nil {
		c.State = append(json.RawMessage(nil), d.State...)
	}
	if d.Pending != nil {
		p := *d.Pending
		c.Pending = &p
	}
	return &c
}

// OperationPlan is the ordered list of stages run for one operation.
// A plan with no stages completes immediately.
type OperationPlan struct {
	// Stages are executed in order.
	Stages []Stage `json:"stages"`
}

// Stage holds the three ordered handler lists of one phase of an operation.
type Stage struct {
	// Name is an optional label for logs and events.
	Name string `json:"name,omitempty"`

	// Build handlers run first and receive the provider context.
	Build []HandlerRef `json:"build,omitempty"`

	// Configure handlers run after Build.
	Configure []HandlerRef `json:"configure,omitempty"`

	// Teardown handlers run last.
	Teardown []HandlerRef `json:"teardown,omitempty"`
}

// List returns the handler list of the given kind.
func (s Stage) List(kind ListKind) []HandlerRef {
	switch kind {
	case ListBuild:
		return s.Build
	case ListConfigure:
		return s.Configure
	case ListTeardown:
		return s.Teardown
	}
	return nil
}

// HandlerRef names a handler in the blueprint's capability map.
type HandlerRef struct {
	// Method is the handler invoked when the list reaches this entry.
	Method string `json:"method"`

	// Callback, when set, is invoked later with the external confirmation.
	// Only meaningful in Build lists.
	Callback string `json:"callback,omitempty"`

	// Timeout bounds the wait for Callback. Zero uses the registry default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Position addresses one handler inside an operation plan.
type Position struct {
	Stage   int      `json:"stage"`
	List    ListKind `json:"list"`
	Handler int      `json:"handler"`
}

// PendingCallback is the persisted suspension record of a session.
type PendingCallback struct {
	// Session is the suspended session, kept so the work can resume after a restart.
	Session Session `json:"session"`

	// Position is the Build handler that returned the acknowledgement.
	Position Position `json:"position"`

	// Callback is the handler name invoked on confirmation.
	Callback string `json:"callback"`

	// Deadline is when the wait fails with CALLBACK_TIMEOUT.
	Deadline time.Time `json:"deadline"`

	// Ack is the acknowledgement returned by the submitting handler.
	Ack Result `json:"ack,omitempty"`
}

// Session is one admitted request to execute an operation against one instance.
type Session struct {
	// ID is the session identifier returned to the requester.
	ID string `json:"id"`

	// InstanceID is the target instance.
	InstanceID string `json:"instance_id"`

	// Operation is the operation name looked up in the blueprint's plans.
	Operation string `json:"operation"`

	// Payload is the opaque request body handed to every handler.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CallbackURL is where the terminal outcome is delivered, if set.
	CallbackURL string `json:"callback_url,omitempty"`

	// SubmittedAt is when the session was admitted.
	SubmittedAt time.Time `json:"submitted_at"`
}

// CallbackEvent carries an external confirmation back into a suspended session.
type CallbackEvent struct {
	// SessionID identifies the suspended session.
	SessionID string `json:"session_id"`

	// Callback optionally names the expected callback handler; empty matches any.
	Callback string `json:"callback,omitempty"`

	// Payload is the confirmation body handed to the callback handler.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Err marks the confirmation as a failure reported by the external executor.
	Err string `json:"error,omitempty"`
}

// Result is what a handler returns. An empty Result from a Build handler fails the stage.
type Result map[string]interface{}

// Empty reports whether the result carries no data.
func (r Result) Empty() bool {
	return len(r) == 0
}

// ProviderContext is the validated snapshot of external provider settings
// handed to Build handlers.
type ProviderContext struct {
	// VIM is the virtual infrastructure manager endpoint or name.
	VIM string `json:"vim" validate:"required"`

	// KubeAPI is the Kubernetes API endpoint used by cluster-type blueprints.
	KubeAPI string `json:"kube_api,omitempty" validate:"omitempty,url"`

	// Network is the default network for address reservations.
	Network string `json:"network" validate:"required"`

	// Extra holds provider specific values.
	Extra map[string]string `json:"extra,omitempty"`
}

// ShortSummary is the list projection of an instance.
type ShortSummary struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Status           InstanceStatus `json:"status"`
	DetailedStatus   string         `json:"detailed_status,omitempty"`
	CurrentOperation string         `json:"current_operation,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// DetailedSummary is the full projection of an instance.
type DetailedSummary struct {
	ShortSummary
	Labels     map[string]string `json:"labels,omitempty"`
	State      json.RawMessage   `json:"state,omitempty"`
	Pending    *PendingCallback  `json:"pending,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Operations []string          `json:"operations,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Summarize builds the short projection of a document.
func Summarize(doc *Document) ShortSummary {
	return ShortSummary{
		ID:               doc.ID,
		Type:             doc.Type,
		Status:           doc.Status,
		DetailedStatus:   doc.DetailedStatus,
		CurrentOperation: doc.CurrentOperation,
		UpdatedAt:        doc.UpdatedAt,
	}
}

// Filter selects documents in summary queries. Zero values match everything.
type Filter struct {
	Type   string
	Status InstanceStatus
	Labels map[string]string
	IDs    []string
}

// Matches reports whether the document satisfies the filter.
func (f Filter) Matches(doc *Document) bool {
	if f.Type != "" && doc.Type != f.Type {
		return false
	}
	if f.Status != "" && doc.Status != f.Status {
		return false
	}
	for k, v := range f.Labels {
		if doc.Labels[k] != v {
			return false
		}
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == doc.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Event is a lifecycle notification published on the event bus.
type Event struct {
	// Kind is the lifecycle transition.
	Kind EventKind `json:"kind"`

	// InstanceID is the instance the event refers to.
	InstanceID string `json:"instance_id"`

	// SessionID is the session that produced the event.
	SessionID string `json:"session_id,omitempty"`

	// Operation is the operation being executed.
	Operation string `json:"operation,omitempty"`

	// Payload contains kind specific data (stage, list, summary, error).
	Payload map[string]interface{} `json:"payload,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Notification is the terminal outcome delivered to a requester.
type Notification struct {
	InstanceID  string    `json:"instance_id"`
	SessionID   string    `json:"session_id"`
	Operation   string    `json:"operation"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
	CallbackURL string    `json:"-"`
	Timestamp   time.Time `json:"timestamp"`
}

// SubmitRequest is the input of Registry.Submit.
type SubmitRequest struct {
	InstanceID  string          `json:"instance_id" validate:"required"`
	Operation   string          `json:"operation" validate:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty" validate:"omitempty,url"`
}

// Topics used on the event bus.
const (
	TopicLifecycle = "blueprints.lifecycle"
	TopicFailures  = "blueprints.failures"
)
