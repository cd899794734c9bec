package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Persistence.
type memStore struct {
	mu    sync.Mutex
	docs  map[string]*Document
	saves int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*Document)}
}

func (s *memStore) Load(_ context.Context, id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("blueprint not found: %s", id), nil).WithCode(ErrCodeNotFound)
	}
	return doc.Clone(), nil
}

func (s *memStore) Save(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
	s.saves++
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *memStore) List(_ context.Context, filter Filter) ([]*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Document
	for _, doc := range s.docs {
		if filter.Matches(doc) {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

func (s *memStore) get(t *testing.T, id string) *Document {
	t.Helper()
	doc, err := s.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", id, err)
	}
	return doc
}

type publishedEvent struct {
	topic string
	event Event
}

// recorder captures events and notifications.
type recorder struct {
	mu     sync.Mutex
	events []publishedEvent
	notes  []Notification
	notify chan Notification
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan Notification, 256)}
}

func (r *recorder) Publish(_ context.Context, topic string, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, publishedEvent{topic: topic, event: event})
	return nil
}

func (r *recorder) NotifyResult(_ context.Context, n Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
	r.notify <- n
	return nil
}

// wait blocks until the next notification arrives.
func (r *recorder) wait(t *testing.T) Notification {
	t.Helper()
	select {
	case n := <-r.notify:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return Notification{}
	}
}

// quiet asserts no notification arrives within d.
func (r *recorder) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case n := <-r.notify:
		t.Fatalf("unexpected notification: %+v", n)
	case <-time.After(d):
	}
}

// kinds returns the event kinds of one session, with the list for stage events.
func (r *recorder) kinds(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, pe := range r.events {
		if pe.event.SessionID != sessionID {
			continue
		}
		k := string(pe.event.Kind)
		if list, ok := pe.event.Payload["list"].(string); ok && list != "" {
			k += ":" + list
		}
		out = append(out, k)
	}
	return out
}

func (r *recorder) onTopic(topic string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, pe := range r.events {
		if pe.topic == topic {
			out = append(out, pe.event)
		}
	}
	return out
}

// testFactory builds testBlueprints of type "test" sharing one plan table and
// capability map.
type testFactory struct {
	mu        sync.Mutex
	ops       map[string]OperationPlan
	handlers  map[string]Handler
	destroyed []string
}

func (f *testFactory) Build(doc *Document) (Blueprint, error) {
	if doc.Type != "test" {
		return nil, fmt.Errorf("unknown type %s", doc.Type)
	}
	return &testBlueprint{doc: doc, factory: f}, nil
}

func (f *testFactory) Knows(t string) bool { return t == "test" }

func (f *testFactory) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.destroyed...)
	sort.Strings(out)
	return out
}

type testBlueprint struct {
	doc     *Document
	factory *testFactory
}

func (b *testBlueprint) Document() *Document                  { return b.doc }
func (b *testBlueprint) Operations() map[string]OperationPlan { return b.factory.ops }
func (b *testBlueprint) Handlers() map[string]Handler         { return b.factory.handlers }

func (b *testBlueprint) EncodeState() (json.RawMessage, error) {
	if b.doc.State == nil {
		return json.RawMessage(`{}`), nil
	}
	return b.doc.State, nil
}

func (b *testBlueprint) Destroy(context.Context) error {
	b.factory.mu.Lock()
	defer b.factory.mu.Unlock()
	b.factory.destroyed = append(b.factory.destroyed, b.doc.ID)
	return nil
}

type harness struct {
	reg     *Registry
	store   *memStore
	rec     *recorder
	factory *testFactory
}

func newHarness(t *testing.T, ops map[string]OperationPlan, handlers map[string]Handler, mutate ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		store:   newMemStore(),
		rec:     newRecorder(),
		factory: &testFactory{ops: ops, handlers: handlers},
	}
	opts := Options{
		Store:     h.store,
		Factory:   h.factory,
		Bus:       h.rec,
		Notifier:  h.rec,
		Providers: NewStaticProvider(ProviderContext{VIM: "local", Network: "mgmt"}),
	}
	for _, m := range mutate {
		m(&opts)
	}

	reg, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h.reg = reg

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) create(t *testing.T, id string) {
	t.Helper()
	if _, err := h.reg.CreateInstance(context.Background(), "test", id, nil); err != nil {
		t.Fatalf("CreateInstance(%s) error = %v", id, err)
	}
}

func (h *harness) submit(t *testing.T, id, op string) string {
	t.Helper()
	sid, err := h.reg.Submit(context.Background(), SubmitRequest{InstanceID: id, Operation: op})
	if err != nil {
		t.Fatalf("Submit(%s, %s) error = %v", id, op, err)
	}
	return sid
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// returning builds a handler that always returns res.
func returning(res Result) Handler {
	return func(context.Context, *Call) (Result, error) { return res, nil }
}

// collect waits for n notifications and indexes them by session.
func (r *recorder) collect(t *testing.T, n int) map[string]Notification {
	t.Helper()
	out := make(map[string]Notification, n)
	for i := 0; i < n; i++ {
		note := r.wait(t)
		out[note.SessionID] = note
	}
	return out
}

func refs(names ...string) []HandlerRef {
	out := make([]HandlerRef, 0, len(names))
	for _, n := range names {
		out = append(out, HandlerRef{Method: n})
	}
	return out
}
