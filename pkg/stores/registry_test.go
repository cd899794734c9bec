package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// appliance is a blueprint with a three-handler Configure list.
type appliance struct {
	doc *engine.Document
}

func (a *appliance) Document() *engine.Document { return a.doc }

func (a *appliance) Operations() map[string]engine.OperationPlan {
	return map[string]engine.OperationPlan{
		"configure": {Stages: []engine.Stage{{
			Configure: []engine.HandlerRef{{Method: "step"}, {Method: "step"}, {Method: "step"}},
		}}},
	}
}

func (a *appliance) Handlers() map[string]engine.Handler {
	return map[string]engine.Handler{
		"step": func(context.Context, *engine.Call) (engine.Result, error) { return nil, nil },
	}
}

func (a *appliance) EncodeState() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
func (a *appliance) Destroy(context.Context) error          { return nil }

type applianceFactory struct{}

func (applianceFactory) Build(doc *engine.Document) (engine.Blueprint, error) {
	return &appliance{doc: doc}, nil
}
func (applianceFactory) Knows(t string) bool { return t == "appliance" }

type outcomeSink chan engine.Notification

func (s outcomeSink) NotifyResult(_ context.Context, n engine.Notification) error {
	s <- n
	return nil
}

// Sessions of different instances share one file database without failing each other.
func TestRegistryOverFileStore(t *testing.T) {
	store := openFileStore(t)
	ctx := context.Background()

	const instances = 40
	outcomes := make(outcomeSink, instances)
	reg, err := engine.NewRegistry(engine.Options{
		Store:    store,
		Factory:  applianceFactory{},
		Notifier: outcomes,
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	defer reg.Shutdown(ctx)

	for i := 0; i < instances; i++ {
		id := fmt.Sprintf("fw-%d", i)
		if _, err := reg.CreateInstance(ctx, "appliance", id, nil); err != nil {
			t.Fatalf("failed to create %s: %v", id, err)
		}
	}
	for i := 0; i < instances; i++ {
		req := engine.SubmitRequest{InstanceID: fmt.Sprintf("fw-%d", i), Operation: "configure"}
		if _, err := reg.Submit(ctx, req); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	counts := map[engine.Outcome]int{}
	timeout := time.After(30 * time.Second)
	for i := 0; i < instances; i++ {
		select {
		case n := <-outcomes:
			counts[n.Outcome]++
			if n.Outcome != engine.OutcomeReady {
				t.Errorf("%s ended %s: %s", n.InstanceID, n.Outcome, n.Reason)
			}
		case <-timeout:
			t.Fatalf("timed out with outcomes %v", counts)
		}
	}

	docs, err := store.List(ctx, engine.Filter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	for _, doc := range docs {
		if doc.Status != engine.StatusIdle {
			t.Errorf("%s left in %s", doc.ID, doc.Status)
		}
	}
}
