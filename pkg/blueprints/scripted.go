package blueprints

import (
	"context"
	"encoding/json"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// destroyFunction is called on Destroy when the script defines it.
const destroyFunction = "on_destroy"

// scripted is the scripted blueprint kind. Its state is whatever the script
// returns under the "state" key.
type scripted struct {
	instance
	script    string
	functions []string
	state     map[string]interface{}
}

func newScripted(base instance, script string) (*scripted, error) {
	s := &scripted{instance: base, script: script}
	if err := decodeState(base.doc, &s.state); err != nil {
		return nil, err
	}
	if s.state == nil {
		s.state = make(map[string]interface{})
	}

	fns, err := base.deps.Starlark.Functions(base.spec.Name, script)
	if err != nil {
		return nil, engine.NewPermanentError("failed to load script", err).
			WithCode(engine.ErrCodeInternal).WithResource(base.doc.ID)
	}
	s.functions = fns
	return s, nil
}

// Handlers maps every top-level function of the script.
func (s *scripted) Handlers() map[string]engine.Handler {
	handlers := make(map[string]engine.Handler, len(s.functions))
	for _, fn := range s.functions {
		name := fn
		handlers[name] = func(ctx context.Context, call *engine.Call) (engine.Result, error) {
			return s.call(ctx, name, call)
		}
	}
	return handlers
}

func (s *scripted) EncodeState() (json.RawMessage, error) {
	return json.Marshal(s.state)
}

func (s *scripted) Destroy(ctx context.Context) error {
	for _, fn := range s.functions {
		if fn == destroyFunction {
			_, err := s.call(ctx, fn, nil)
			return err
		}
	}
	return nil
}

// call runs one script function. The function receives a dict describing the
// invocation; a "state" entry in its result replaces the instance state.
func (s *scripted) call(ctx context.Context, function string, call *engine.Call) (engine.Result, error) {
	arg := map[string]interface{}{
		"instance": map[string]interface{}{
			"id":     s.doc.ID,
			"type":   s.doc.Type,
			"labels": stringMap(s.doc.Labels),
		},
		"state":  s.state,
		"params": s.spec.Params,
	}

	if call != nil {
		arg["list"] = string(call.List)
		arg["stage"] = call.Stage
		if call.Session != nil {
			arg["operation"] = call.Session.Operation
			payload, err := rawToMap(call.Session.Payload)
			if err != nil {
				return nil, invalidPayload(call.Session.Operation, err)
			}
			arg["payload"] = payload
		}
		if call.Provider != nil {
			arg["provider"] = map[string]interface{}{
				"vim":      call.Provider.VIM,
				"kube_api": call.Provider.KubeAPI,
				"network":  call.Provider.Network,
				"extra":    stringMap(call.Provider.Extra),
			}
		}
		if call.Callback != nil {
			payload, err := rawToMap(call.Callback.Payload)
			if err != nil {
				return nil, engine.NewPermanentError("malformed callback payload", err).WithCode(engine.ErrCodeValidation)
			}
			arg["callback"] = payload
			arg["ack"] = map[string]interface{}(call.Ack)
		}
	}

	res, err := s.deps.Starlark.Call(ctx, s.spec.Name, s.script, function, arg)
	if err != nil {
		return nil, engine.NewPermanentError("script handler "+function+" failed", err).
			WithCode(engine.ErrCodeStageFailed).WithResource(s.doc.ID)
	}

	if st, ok := res.Output["state"].(map[string]interface{}); ok {
		s.state = st
	}
	return engine.Result(res.Output), nil
}

func stringMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func rawToMap(raw json.RawMessage) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
