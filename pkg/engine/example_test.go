package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/blueprintd/blueprintd/pkg/engine"
)

// memoryStore keeps documents in a map.
type memoryStore struct {
	mu   sync.Mutex
	docs map[string]*engine.Document
}

func (s *memoryStore) Load(_ context.Context, id string) (*engine.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		return doc.Clone(), nil
	}
	return nil, engine.NewPermanentError("not found", nil).WithCode(engine.ErrCodeNotFound)
}

func (s *memoryStore) Save(_ context.Context, doc *engine.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *memoryStore) List(_ context.Context, f engine.Filter) ([]*engine.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Document
	for _, doc := range s.docs {
		if f.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// router is a blueprint type with a single deploy operation.
type router struct {
	doc *engine.Document
}

func (r *router) Document() *engine.Document { return r.doc }

func (r *router) Operations() map[string]engine.OperationPlan {
	return map[string]engine.OperationPlan{
		"deploy": {Stages: []engine.Stage{{
			Build:     []engine.HandlerRef{{Method: "createVM"}},
			Configure: []engine.HandlerRef{{Method: "pushConfig"}},
		}}},
	}
}

func (r *router) Handlers() map[string]engine.Handler {
	return map[string]engine.Handler{
		"createVM": func(_ context.Context, call *engine.Call) (engine.Result, error) {
			return engine.Result{"vim": call.Provider.VIM}, nil
		},
		"pushConfig": func(context.Context, *engine.Call) (engine.Result, error) {
			return nil, nil
		},
	}
}

func (r *router) EncodeState() (json.RawMessage, error) { return json.RawMessage(`{}`), nil }
func (r *router) Destroy(context.Context) error          { return nil }

type routerFactory struct{}

func (routerFactory) Build(doc *engine.Document) (engine.Blueprint, error) { return &router{doc: doc}, nil }
func (routerFactory) Knows(t string) bool                                  { return t == "router" }

// printer prints lifecycle events and forwards outcomes to a channel.
type printer struct {
	mu   sync.Mutex
	done chan engine.Notification
}

func (p *printer) Publish(_ context.Context, _ string, ev engine.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if list, ok := ev.Payload["list"]; ok {
		fmt.Println(ev.Kind, list)
		return nil
	}
	fmt.Println(ev.Kind)
	return nil
}

func (p *printer) NotifyResult(_ context.Context, n engine.Notification) error {
	p.done <- n
	return nil
}

func Example_submit() {
	out := &printer{done: make(chan engine.Notification, 1)}
	reg, err := engine.NewRegistry(engine.Options{
		Store:     &memoryStore{docs: map[string]*engine.Document{}},
		Factory:   routerFactory{},
		Bus:       out,
		Notifier:  out,
		Providers: engine.NewStaticProvider(engine.ProviderContext{VIM: "openstack", Network: "mgmt"}),
	})
	if err != nil {
		panic(err)
	}
	defer reg.Shutdown(context.Background())

	ctx := context.Background()
	if _, err := reg.CreateInstance(ctx, "router", "edge-1", nil); err != nil {
		panic(err)
	}
	if _, err := reg.Submit(ctx, engine.SubmitRequest{InstanceID: "edge-1", Operation: "deploy"}); err != nil {
		panic(err)
	}

	n := <-out.done
	fmt.Println(n.Outcome)
	// Output:
	// ProcessingStarted
	// StageStarted build
	// StageEnded build
	// StageStarted configure
	// StageEnded configure
	// ProcessingEnded
	// ready
}
