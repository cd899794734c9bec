package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestNewRegistryRequiresCollaborators(t *testing.T) {
	if _, err := NewRegistry(Options{Factory: &testFactory{}}); err == nil {
		t.Error("NewRegistry() without a store should fail")
	}
	if _, err := NewRegistry(Options{Store: newMemStore()}); err == nil {
		t.Error("NewRegistry() without a factory should fail")
	}
}

func TestCreateInstance(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	ctx := context.Background()

	doc, err := h.reg.CreateInstance(ctx, "test", "edge-1", map[string]string{"site": "lab"})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	if doc.Status != StatusIdle || doc.Labels["site"] != "lab" || string(doc.State) != "{}" {
		t.Errorf("created document = %+v", doc)
	}

	if _, err := h.reg.CreateInstance(ctx, "test", "edge-1", nil); !HasCode(err, ErrCodeAlreadyExists) {
		t.Errorf("duplicate CreateInstance() error = %v, want ALREADY_EXISTS", err)
	}
	if _, err := h.reg.CreateInstance(ctx, "unknown", "edge-2", nil); !HasCode(err, ErrCodeValidation) {
		t.Errorf("CreateInstance() of unknown type error = %v, want VALIDATION_ERROR", err)
	}

	generated, err := h.reg.CreateInstance(ctx, "test", "", nil)
	if err != nil {
		t.Fatalf("CreateInstance() with empty id error = %v", err)
	}
	if generated.ID == "" {
		t.Error("CreateInstance() did not generate an id")
	}
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	h.create(t, "edge-1")
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		code string
	}{
		{"missing operation", SubmitRequest{InstanceID: "edge-1"}, ErrCodeValidation},
		{"missing instance", SubmitRequest{Operation: "noop"}, ErrCodeValidation},
		{"bad callback url", SubmitRequest{InstanceID: "edge-1", Operation: "noop", CallbackURL: "not a url"}, ErrCodeValidation},
		{"unknown instance", SubmitRequest{InstanceID: "ghost", Operation: "noop"}, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.reg.Submit(ctx, tt.req); !HasCode(err, tt.code) {
				t.Errorf("Submit() error = %v, want %s", err, tt.code)
			}
		})
	}
}

type admissionFunc func(ctx context.Context, req AdmissionRequest) error

func (f admissionFunc) Admit(ctx context.Context, req AdmissionRequest) error { return f(ctx, req) }

func TestAdmissionDenial(t *testing.T) {
	deny := admissionFunc(func(_ context.Context, req AdmissionRequest) error {
		if req.Action == "submit" && req.Operation == "scale" {
			return errors.New("scale is frozen")
		}
		if req.Action == "create" && req.Instance.Labels["site"] == "forbidden" {
			return errors.New("site is closed")
		}
		return nil
	})

	ops := map[string]OperationPlan{"noop": {}, "scale": {}}
	h := newHarness(t, ops, nil, func(o *Options) { o.Admission = deny })
	h.create(t, "edge-1")
	ctx := context.Background()

	_, err := h.reg.Submit(ctx, SubmitRequest{InstanceID: "edge-1", Operation: "scale"})
	if !IsRejection(err) || !HasCode(err, ErrCodePolicyDenied) {
		t.Fatalf("Submit() error = %v, want POLICY_DENIED", err)
	}
	if !strings.Contains(err.Error(), "scale is frozen") {
		t.Errorf("denial %q does not carry the policy reason", err)
	}

	if _, err := h.reg.CreateInstance(ctx, "test", "edge-2", map[string]string{"site": "forbidden"}); !HasCode(err, ErrCodePolicyDenied) {
		t.Errorf("CreateInstance() error = %v, want POLICY_DENIED", err)
	}
	if _, err := h.store.Load(ctx, "edge-2"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("denied instance was persisted: %v", err)
	}

	h.submit(t, "edge-1", "noop")
	if note := h.rec.wait(t); note.Outcome != OutcomeReady {
		t.Errorf("admitted session outcome = %s, want ready", note.Outcome)
	}
}

func TestDestroyRunsProcedureAndDeletesDocument(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	h.create(t, "edge-1")
	h.submit(t, "edge-1", "noop")
	h.rec.wait(t)

	done, err := h.reg.Destroy(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	if got := h.factory.destroyedIDs(); !reflect.DeepEqual(got, []string{"edge-1"}) {
		t.Errorf("destroyed = %v, want [edge-1]", got)
	}
	if _, err := h.store.Load(context.Background(), "edge-1"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("document still present after destroy: %v", err)
	}

	_, err = h.reg.Submit(context.Background(), SubmitRequest{InstanceID: "edge-1", Operation: "noop"})
	if !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Submit() after destroy error = %v, want NOT_FOUND", err)
	}
}

func TestDestroyRunsAfterQueuedSessions(t *testing.T) {
	release := make(chan struct{})
	gate := func(ctx context.Context, _ *Call) (Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Result{"ok": true}, nil
	}

	ops := map[string]OperationPlan{"deploy": {Stages: []Stage{{Build: refs("gate")}}}}
	h := newHarness(t, ops, map[string]Handler{"gate": gate})
	h.create(t, "edge-1")
	sid := h.submit(t, "edge-1", "deploy")

	done, err := h.reg.Destroy(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	_, err = h.reg.Submit(context.Background(), SubmitRequest{InstanceID: "edge-1", Operation: "deploy"})
	if !IsRejection(err) || !HasCode(err, ErrCodeInstanceDestroying) {
		t.Errorf("Submit() while destroying error = %v, want INSTANCE_DESTROYING", err)
	}

	close(release)
	note := h.rec.wait(t)
	if note.SessionID != sid || note.Outcome != OutcomeReady {
		t.Errorf("queued session = %+v, want ready before destroy", note)
	}
	<-done
}

func TestDestroyFailsSuspendedSession(t *testing.T) {
	handlers := map[string]Handler{"submitJob": returning(Result{"job": "j-1"})}
	h := newHarness(t, callbackPlan(), handlers)
	h.create(t, "edge-1")
	sid := h.submit(t, "edge-1", "deploy")
	eventually(t, func() bool { return h.store.get(t, "edge-1").Pending != nil })

	parked := h.submit(t, "edge-1", "noop")

	done, err := h.reg.Destroy(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	notes := h.rec.collect(t, 2)
	if n := notes[sid]; n.Outcome != OutcomeFailed || !strings.Contains(n.Reason, "destroyed") {
		t.Errorf("suspended session = %+v, want failed by destroy", n)
	}
	if n := notes[parked]; n.Outcome != OutcomeFailed {
		t.Errorf("parked session = %+v, want failed", n)
	}
	<-done
}

func TestListSummariesAndDetail(t *testing.T) {
	ops := map[string]OperationPlan{"scale": {}, "deploy": {}}
	h := newHarness(t, ops, nil)
	ctx := context.Background()

	for id, tier := range map[string]string{"c": "core", "a": "edge", "b": "edge"} {
		if _, err := h.reg.CreateInstance(ctx, "test", id, map[string]string{"tier": tier}); err != nil {
			t.Fatalf("CreateInstance(%s) error = %v", id, err)
		}
	}

	all, err := h.reg.ListSummaries(ctx, Filter{})
	if err != nil {
		t.Fatalf("ListSummaries() error = %v", err)
	}
	var ids []string
	for _, s := range all {
		ids = append(ids, s.ID)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("ids = %v, want %v", ids, want)
	}

	edge, _ := h.reg.ListSummaries(ctx, Filter{Labels: map[string]string{"tier": "edge"}})
	if len(edge) != 2 {
		t.Errorf("edge summaries = %d, want 2", len(edge))
	}
	none, _ := h.reg.ListSummaries(ctx, Filter{Status: StatusError})
	if len(none) != 0 {
		t.Errorf("error summaries = %d, want 0", len(none))
	}

	detail, err := h.reg.GetDetail(ctx, "a")
	if err != nil {
		t.Fatalf("GetDetail() error = %v", err)
	}
	if want := []string{"deploy", "scale"}; !reflect.DeepEqual(detail.Operations, want) {
		t.Errorf("Operations = %v, want %v", detail.Operations, want)
	}
	if detail.Labels["tier"] != "edge" || detail.Status != StatusIdle {
		t.Errorf("detail = %+v", detail)
	}

	if _, err := h.reg.GetDetail(ctx, "ghost"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("GetDetail() of unknown instance error = %v, want NOT_FOUND", err)
	}
}

func TestShutdownNotifiesQueuedSessions(t *testing.T) {
	entered := make(chan struct{}, 1)
	gate := func(ctx context.Context, _ *Call) (Result, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ops := map[string]OperationPlan{"deploy": {Stages: []Stage{{Build: refs("gate")}}}, "noop": {}}
	h := newHarness(t, ops, map[string]Handler{"gate": gate})
	h.create(t, "edge-1")

	running := h.submit(t, "edge-1", "deploy")
	<-entered
	queued := []string{h.submit(t, "edge-1", "noop"), h.submit(t, "edge-1", "noop")}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.reg.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	notes := h.rec.collect(t, 3)
	if notes[running].Outcome != OutcomeFailed {
		t.Errorf("running session outcome = %s, want failed", notes[running].Outcome)
	}
	for _, sid := range queued {
		if n := notes[sid]; n.Outcome != OutcomeFailed || n.Reason != "engine shutting down" {
			t.Errorf("queued session %s = %+v, want failed by shutdown", sid, n)
		}
	}

	_, err := h.reg.Submit(context.Background(), SubmitRequest{InstanceID: "edge-1", Operation: "noop"})
	if !HasCode(err, ErrCodeShutdown) {
		t.Errorf("Submit() after shutdown error = %v, want SHUTDOWN", err)
	}
}

func TestResumeRequiresSessionID(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	h.create(t, "edge-1")

	if err := h.reg.Resume(context.Background(), "edge-1", CallbackEvent{}); !HasCode(err, ErrCodeValidation) {
		t.Errorf("Resume() without session error = %v, want VALIDATION_ERROR", err)
	}
	if err := h.reg.Resume(context.Background(), "ghost", CallbackEvent{SessionID: "s"}); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Resume() of unknown instance error = %v, want NOT_FOUND", err)
	}
}

func TestRecoverRestartsInterruptedInstances(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	h.create(t, "edge-1")
	h.create(t, "edge-2")
	ctx := context.Background()

	doc := h.store.get(t, "edge-1")
	doc.Status = StatusProcessing
	doc.CurrentOperation = "deploy"
	if err := h.store.Save(ctx, doc); err != nil {
		t.Fatal(err)
	}

	n, err := h.reg.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Recover() = %d, want 1", n)
	}

	eventually(t, func() bool { return h.store.get(t, "edge-1").Status == StatusError })
	if got := h.store.get(t, "edge-1").LastError; !strings.Contains(got, "interrupted") {
		t.Errorf("LastError = %q", got)
	}
	if got := h.store.get(t, "edge-2").Status; got != StatusIdle {
		t.Errorf("idle instance status = %s", got)
	}
}

// gated returns a handler that blocks until release is closed.
func gated(release <-chan struct{}) Handler {
	return func(ctx context.Context, _ *Call) (Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return Result{"ok": true}, nil
	}
}

func TestSessionQueuedBehindStopIsFailed(t *testing.T) {
	release := make(chan struct{})
	ops := map[string]OperationPlan{
		"deploy": {Stages: []Stage{{Build: refs("gate")}}},
		"noop":   {},
	}
	h := newHarness(t, ops, map[string]Handler{"gate": gated(release)})
	h.create(t, "edge-1")
	sid := h.submit(t, "edge-1", "deploy")

	w, err := h.reg.GetOrCreate(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	done, err := h.reg.Destroy(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	// An Enqueue that looked the worker up before Destroy pushes after the stop.
	late := &Session{ID: "late-1", InstanceID: "edge-1", Operation: "noop", SubmittedAt: time.Now()}
	if err := h.reg.deliver(context.Background(), "edge-1", w, message{kind: msgSession, session: late}); err != nil {
		t.Fatalf("deliver() to a live worker error = %v", err)
	}

	close(release)
	notes := h.rec.collect(t, 2)
	if n := notes[sid]; n.Outcome != OutcomeReady {
		t.Errorf("running session = %+v, want ready", n)
	}
	if n := notes["late-1"]; n.Outcome != OutcomeFailed || !strings.Contains(n.Reason, "destroyed") {
		t.Errorf("late session = %+v, want failed by destroy", n)
	}
	<-done

	if w.box.push(message{kind: msgSession, session: late}) {
		t.Error("push to an exited worker should be refused")
	}
}

func TestEnqueueAfterWorkerExitIsRefused(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	h.create(t, "edge-1")

	w, err := h.reg.GetOrCreate(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	done, err := h.reg.Destroy(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	<-done

	s := &Session{ID: "late-1", InstanceID: "edge-1", Operation: "noop", SubmittedAt: time.Now()}
	err = h.reg.deliver(context.Background(), "edge-1", w, message{kind: msgSession, session: s})
	if !HasCode(err, ErrCodeNotFound) && !HasCode(err, ErrCodeInstanceDestroying) {
		t.Errorf("deliver() after destroy error = %v, want NOT_FOUND or INSTANCE_DESTROYING", err)
	}
	h.rec.quiet(t, 50*time.Millisecond)
}

func TestEnqueueReplacesExitedWorker(t *testing.T) {
	h := newHarness(t, map[string]OperationPlan{"noop": {}}, nil)
	h.create(t, "edge-1")

	w, err := h.reg.GetOrCreate(context.Background(), "edge-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	w.cancel()
	<-w.Done()

	s := &Session{ID: "s-1", InstanceID: "edge-1", Operation: "noop", SubmittedAt: time.Now()}
	if err := h.reg.deliver(context.Background(), "edge-1", w, message{kind: msgSession, session: s}); err != nil {
		t.Fatalf("deliver() error = %v", err)
	}
	if n := h.rec.wait(t); n.SessionID != "s-1" || n.Outcome != OutcomeReady {
		t.Errorf("notification = %+v, want s-1 ready on a replacement worker", n)
	}
}

// panickingNotifier panics for one operation and forwards everything else.
type panickingNotifier struct {
	next      Notifier
	operation string
}

func (p panickingNotifier) NotifyResult(ctx context.Context, n Notification) error {
	if n.Operation == p.operation {
		panic("notifier exploded")
	}
	return p.next.NotifyResult(ctx, n)
}

func TestCrashedWorkerFailsQueuedSessions(t *testing.T) {
	release := make(chan struct{})
	ops := map[string]OperationPlan{
		"deploy": {Stages: []Stage{{Build: refs("gate")}}},
		"noop":   {},
	}
	h := newHarness(t, ops, map[string]Handler{"gate": gated(release)}, func(o *Options) {
		o.Notifier = panickingNotifier{next: o.Notifier, operation: "retired"}
	})
	h.create(t, "edge-1")
	first := h.submit(t, "edge-1", "deploy")

	ctx := context.Background()
	retired := &Session{ID: "retired-1", InstanceID: "edge-1", Operation: "retired"}
	queued := &Session{ID: "queued-1", InstanceID: "edge-1", Operation: "noop"}
	for _, s := range []*Session{retired, queued} {
		if err := h.reg.Enqueue(ctx, "edge-1", s); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", s.ID, err)
		}
	}

	close(release)
	if n := h.rec.wait(t); n.SessionID != first || n.Outcome != OutcomeReady {
		t.Fatalf("first session = %+v, want ready", n)
	}
	n := h.rec.wait(t)
	if n.SessionID != "queued-1" || n.Outcome != OutcomeFailed || !strings.Contains(n.Reason, "crashed") {
		t.Errorf("queued session = %+v, want failed after the worker crashed", n)
	}

	h.submit(t, "edge-1", "noop")
	if n := h.rec.wait(t); n.Outcome != OutcomeReady {
		t.Errorf("session after crash = %+v, want ready on a replacement worker", n)
	}
}

func TestLaunchRejectionLeavesNoInstance(t *testing.T) {
	deny := admissionFunc(func(_ context.Context, req AdmissionRequest) error {
		if req.Action == "submit" && req.Operation == "scale" {
			return errors.New("scale is frozen")
		}
		return nil
	})
	h := newHarness(t, map[string]OperationPlan{"noop": {}, "scale": {}}, nil, func(o *Options) { o.Admission = deny })
	ctx := context.Background()

	tests := []struct {
		name      string
		operation string
		code      string
	}{
		{"unsupported operation", "explode", ErrCodeRejected},
		{"denied operation", "scale", ErrCodePolicyDenied},
		{"missing operation", "", ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.reg.Launch(ctx, "test", "edge-1", nil, SubmitRequest{Operation: tt.operation})
			if !HasCode(err, tt.code) {
				t.Fatalf("Launch() error = %v, want %s", err, tt.code)
			}
			if _, err := h.store.Load(ctx, "edge-1"); !HasCode(err, ErrCodeNotFound) {
				t.Errorf("rejected launch persisted the instance: %v", err)
			}
		})
	}

	doc, sid, err := h.reg.Launch(ctx, "test", "edge-1", map[string]string{"site": "lab"}, SubmitRequest{Operation: "noop"})
	if err != nil {
		t.Fatalf("Launch() after rejections error = %v", err)
	}
	if doc.ID != "edge-1" || sid == "" {
		t.Errorf("Launch() = %s, %q", doc.ID, sid)
	}
	if note := h.rec.wait(t); note.Outcome != OutcomeReady || note.SessionID != sid {
		t.Errorf("launched session = %+v, want ready %s", note, sid)
	}
}
