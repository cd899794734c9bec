package blueprints

import (
	"context"
	"encoding/json"

	"github.com/blueprintd/blueprintd/pkg/config"
	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/netres"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/blueprintd/blueprintd/pkg/transports/ssh"
)

// Kinds of blueprint implementation a catalog type can select.
const (
	KindK8s      = "k8s"
	KindVRouter  = "vrouter"
	KindScripted = "scripted"
)

// Job actions understood by executors.
const (
	ActionCreateVMs = "create_vms"
	ActionDeleteVMs = "delete_vms"
)

// VMSpec describes one machine requested from the VIM.
type VMSpec struct {
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Flavor  string `json:"flavor,omitempty"`
	Image   string `json:"image,omitempty"`
	Address string `json:"address,omitempty"`
}

// Job is an asynchronous request to the VIM. When Callback is set the
// executor confirms completion with engine.Registry.Resume.
type Job struct {
	ID         string   `json:"id"`
	InstanceID string   `json:"instance_id"`
	SessionID  string   `json:"session_id,omitempty"`
	Callback   string   `json:"callback,omitempty"`
	Action     string   `json:"action"`
	VIM        string   `json:"vim,omitempty"`
	VMs        []VMSpec `json:"vms"`
}

// Confirmation is the callback payload of a completed create job.
type Confirmation struct {
	JobID string `json:"job_id"`
	// VMs maps requested machine names to VIM identifiers.
	VMs map[string]string `json:"vms"`
}

// Executor runs VIM jobs.
type Executor interface {
	// Submit queues a job and returns its ID.
	Submit(ctx context.Context, job Job) (string, error)

	// Delete removes machines synchronously. Unknown IDs are ignored.
	Delete(ctx context.Context, instanceID string, vmIDs []string) error
}

// Pusher delivers rendered configuration to a machine.
type Pusher interface {
	Push(ctx context.Context, req ssh.PushRequest) (*ssh.PushResult, error)
}

// Deps are the services blueprint implementations call.
type Deps struct {
	Networks *netres.Registry
	Executor Executor

	// Pusher is nil when configuration pushes are disabled.
	Pusher Pusher

	// Starlark runs scripted handlers.
	Starlark *config.StarlarkEvaluator

	Logger *telemetry.Logger
}

// instance is the part every blueprint kind shares.
type instance struct {
	doc    *engine.Document
	spec   config.TypeSpec
	plans  map[string]engine.OperationPlan
	deps   Deps
	logger *telemetry.Logger
}

func (b *instance) Document() *engine.Document {
	return b.doc
}

func (b *instance) Operations() map[string]engine.OperationPlan {
	return b.plans
}

// network picks the reservation network: the catalog type first, then the
// provider context.
func (b *instance) network(call *engine.Call) (string, error) {
	if b.spec.Network != "" {
		return b.spec.Network, nil
	}
	if call != nil && call.Provider != nil && call.Provider.Network != "" {
		return call.Provider.Network, nil
	}
	return "", engine.NewPermanentError("no network configured for "+b.spec.Name, nil).
		WithCode(engine.ErrCodeValidation).WithResource(b.doc.ID)
}

// decodeState unmarshals the persisted state into v. Empty state is valid.
func decodeState(doc *engine.Document, v interface{}) error {
	if len(doc.State) == 0 || string(doc.State) == "null" {
		return nil
	}
	if err := json.Unmarshal(doc.State, v); err != nil {
		return engine.NewPermanentError("failed to decode blueprint state", err).
			WithCode(engine.ErrCodeInternal).WithResource(doc.ID)
	}
	return nil
}

// decodeConfirmation reads the executor payload of a callback.
func decodeConfirmation(call *engine.Call) (Confirmation, error) {
	var c Confirmation
	if call.Callback == nil || len(call.Callback.Payload) == 0 {
		return c, nil
	}
	if err := json.Unmarshal(call.Callback.Payload, &c); err != nil {
		return c, engine.NewPermanentError("malformed VIM confirmation", err).WithCode(engine.ErrCodeValidation)
	}
	return c, nil
}

func invalidPayload(op string, err error) error {
	return engine.NewPermanentError("invalid payload for "+op, err).
		WithCode(engine.ErrCodeValidation).WithOperation(op)
}

// paramInt reads an integer param. CUE numbers decode as float64 or int64.
func paramInt(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func paramString(params map[string]interface{}, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}
