package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultCallbackTimeout bounds how long a Build handler may wait for its callback.
const DefaultCallbackTimeout = 10 * time.Minute

// Options configures a Registry.
type Options struct {
	// Store persists blueprint documents. Required.
	Store Persistence

	// Factory rebuilds typed blueprints from documents. Required.
	Factory Factory

	// Bus receives lifecycle events. Defaults to a no-op bus.
	Bus EventBus

	// Notifier receives terminal session outcomes. Defaults to a no-op notifier.
	Notifier Notifier

	// Providers produces provider contexts for Build handlers. Required when
	// any blueprint type declares Build handlers.
	Providers ProviderSource

	// Admission screens requests before they are queued. Optional.
	Admission Admission

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// CallbackTimeout applies to handler references without their own timeout.
	CallbackTimeout time.Duration
}

// Registry is the process-wide directory of workers, one per instance.
// Directory mutations are serialized; sessions of different instances run in parallel.
type Registry struct {
	store     Persistence
	factory   Factory
	bus       EventBus
	notifier  Notifier
	providers ProviderSource
	admission Admission

	logger          *telemetry.Logger
	metrics         *telemetry.Metrics
	tracer          *telemetry.Tracer
	validate        *validator.Validate
	callbackTimeout time.Duration

	mu       sync.Mutex
	workers  map[string]*Worker
	draining map[string]*Worker
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. No worker runs until an instance is addressed.
func NewRegistry(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("registry requires a persistence store")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("registry requires a blueprint factory")
	}

	r := &Registry{
		store:           opts.Store,
		factory:         opts.Factory,
		bus:             opts.Bus,
		notifier:        opts.Notifier,
		providers:       opts.Providers,
		admission:       opts.Admission,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		validate:        validator.New(),
		callbackTimeout: opts.CallbackTimeout,
		workers:         make(map[string]*Worker),
		draining:        make(map[string]*Worker),
	}

	if r.bus == nil {
		r.bus = nopBus{}
	}
	if r.notifier == nil {
		r.notifier = nopNotifier{}
	}
	if r.providers == nil {
		r.providers = missingProvider{}
	}
	if r.logger == nil {
		r.logger = telemetry.NewNopLogger()
	}
	r.logger = r.logger.NewComponentLogger("engine")
	if r.callbackTimeout <= 0 {
		r.callbackTimeout = DefaultCallbackTimeout
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// GetOrCreate returns the live worker of an instance, starting one from the
// persisted document if none runs. A dead worker is replaced transparently.
func (r *Registry) GetOrCreate(ctx context.Context, instanceID string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, NewPermanentError("engine is shutting down", nil).WithCode(ErrCodeShutdown)
	}

	if w, ok := r.workers[instanceID]; ok {
		if w.Alive() {
			return w, nil
		}
		delete(r.workers, instanceID)
		r.metrics.RecordWorkerRecovery()
		r.logger.WithInstanceID(instanceID).Warn("Worker found dead, recreating from persisted document")
	}

	if _, ok := r.draining[instanceID]; ok {
		return nil, NewConflictError("instance is being destroyed", nil).
			WithCode(ErrCodeInstanceDestroying).WithResource(instanceID)
	}

	doc, err := r.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	bp, err := r.factory.Build(doc)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("failed to rebuild blueprint of type %s", doc.Type), err).
			WithCode(ErrCodeInternal).WithResource(instanceID)
	}

	w := newWorker(r.ctx, r, bp)
	r.workers[instanceID] = w

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.run()
	}()

	r.logger.WithInstanceID(instanceID).Debug("Worker started")
	return w, nil
}

// Recover starts workers for instances left suspended or processing by a
// previous process, so pending callback deadlines are re-armed. It returns
// the number of workers started.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	docs, err := r.store.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, doc := range docs {
		if doc.Pending == nil && !doc.Status.IsBusy() {
			continue
		}
		if _, err := r.GetOrCreate(ctx, doc.ID); err != nil {
			r.logger.WithInstanceID(doc.ID).WithError(err).Error("Failed to recover instance")
			continue
		}
		n++
	}
	if n > 0 {
		r.logger.WithField("instances", n).Info("Recovered interrupted instances")
	}
	return n, nil
}

// Enqueue appends a session to the instance's queue and returns immediately.
func (r *Registry) Enqueue(ctx context.Context, instanceID string, s *Session) error {
	w, err := r.GetOrCreate(ctx, instanceID)
	if err != nil {
		return err
	}
	if s.SubmittedAt.IsZero() {
		s.SubmittedAt = time.Now()
	}
	return r.deliver(ctx, instanceID, w, message{kind: msgSession, session: s})
}

// deliver pushes msg to w. When w exited between lookup and push, the
// instance's current worker is looked up again: a crashed worker is
// replaced, a destroyed instance reports its destroy error.
func (r *Registry) deliver(ctx context.Context, instanceID string, w *Worker, msg message) error {
	for attempt := 0; ; attempt++ {
		if w.box.push(msg) {
			return nil
		}
		if attempt == 1 {
			return NewTransientError("instance worker unavailable", nil).WithResource(instanceID)
		}
		<-w.done

		var err error
		if w, err = r.GetOrCreate(ctx, instanceID); err != nil {
			return err
		}
	}
}

// Submit validates a request, screens it, and queues a new session.
// Unsupported operations and admission denials are returned as rejections
// without touching the instance.
func (r *Registry) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := r.validate.Struct(req); err != nil {
		return "", NewPermanentError("invalid submit request", err).WithCode(ErrCodeValidation)
	}

	doc, err := r.store.Load(ctx, req.InstanceID)
	if err != nil {
		return "", err
	}

	bp, err := r.factory.Build(doc.Clone())
	if err != nil {
		return "", NewPermanentError(fmt.Sprintf("failed to rebuild blueprint of type %s", doc.Type), err).
			WithCode(ErrCodeInternal).WithResource(doc.ID)
	}
	if err := r.accept(ctx, bp, doc, req); err != nil {
		return "", err
	}

	return r.queue(ctx, req)
}

func (r *Registry) queue(ctx context.Context, req SubmitRequest) (string, error) {
	s := &Session{
		ID:          uuid.New().String(),
		InstanceID:  req.InstanceID,
		Operation:   req.Operation,
		Payload:     req.Payload,
		CallbackURL: req.CallbackURL,
		SubmittedAt: time.Now(),
	}
	if err := r.Enqueue(ctx, req.InstanceID, s); err != nil {
		return "", err
	}

	r.logger.WithInstanceID(req.InstanceID).WithSessionID(s.ID).
		WithField("operation", req.Operation).Info("Session queued")
	return s.ID, nil
}

// accept checks that the blueprint supports the operation and that policy
// admits the submission.
func (r *Registry) accept(ctx context.Context, bp Blueprint, doc *Document, req SubmitRequest) error {
	if _, ok := bp.Operations()[req.Operation]; !ok {
		r.metrics.RecordRejection(doc.Type, ErrCodeRejected)
		return NewPermanentError(fmt.Sprintf("operation %q is not supported by type %s", req.Operation, doc.Type), nil).
			WithCode(ErrCodeRejected).WithResource(doc.ID).WithOperation(req.Operation)
	}

	if err := r.admit(ctx, AdmissionRequest{
		Action:    "submit",
		Operation: req.Operation,
		Instance:  doc,
		Payload:   req.Payload,
	}); err != nil {
		r.metrics.RecordRejection(doc.Type, ErrCodePolicyDenied)
		return err
	}
	return nil
}

// CreateInstance persists a new idle instance of a registered type.
// An empty id is replaced by a generated one.
func (r *Registry) CreateInstance(ctx context.Context, blueprintType, id string, labels map[string]string) (*Document, error) {
	bp, err := r.newBlueprint(ctx, blueprintType, id, labels)
	if err != nil {
		return nil, err
	}
	if err := r.store.Save(ctx, bp.Document()); err != nil {
		return nil, err
	}

	r.logger.WithInstanceID(bp.Document().ID).WithField("type", blueprintType).Info("Instance created")
	return bp.Document().Clone(), nil
}

// Launch creates an instance and queues its first session. The operation is
// checked and admitted before the document is saved, so a rejected launch
// leaves no instance behind.
func (r *Registry) Launch(ctx context.Context, blueprintType, id string, labels map[string]string, first SubmitRequest) (*Document, string, error) {
	bp, err := r.newBlueprint(ctx, blueprintType, id, labels)
	if err != nil {
		return nil, "", err
	}
	doc := bp.Document()
	first.InstanceID = doc.ID
	if err := r.validate.Struct(first); err != nil {
		return nil, "", NewPermanentError("invalid submit request", err).WithCode(ErrCodeValidation)
	}
	if err := r.accept(ctx, bp, doc.Clone(), first); err != nil {
		return nil, "", err
	}

	if err := r.store.Save(ctx, doc); err != nil {
		return nil, "", err
	}
	r.logger.WithInstanceID(doc.ID).WithField("type", blueprintType).Info("Instance created")

	// A queueing failure past this point is transient and leaves an idle
	// instance that accepts a plain Submit.
	sid, err := r.queue(ctx, first)
	if err != nil {
		return doc.Clone(), "", err
	}
	return doc.Clone(), sid, nil
}

// newBlueprint builds and admits a new idle instance without saving it.
func (r *Registry) newBlueprint(ctx context.Context, blueprintType, id string, labels map[string]string) (Blueprint, error) {
	if !r.factory.Knows(blueprintType) {
		return nil, NewPermanentError(fmt.Sprintf("unknown blueprint type %q", blueprintType), nil).
			WithCode(ErrCodeValidation)
	}
	if id == "" {
		id = uuid.New().String()
	}

	if _, err := r.store.Load(ctx, id); err == nil {
		return nil, NewConflictError("instance already exists", nil).
			WithCode(ErrCodeAlreadyExists).WithResource(id)
	} else if !HasCode(err, ErrCodeNotFound) {
		return nil, err
	}

	now := time.Now()
	doc := &Document{
		ID:        id,
		Type:      blueprintType,
		Status:    StatusIdle,
		Labels:    labels,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.admit(ctx, AdmissionRequest{Action: "create", Instance: doc.Clone()}); err != nil {
		return nil, err
	}

	bp, err := r.factory.Build(doc)
	if err != nil {
		return nil, NewPermanentError("failed to build blueprint", err).WithCode(ErrCodeInternal)
	}
	state, err := bp.EncodeState()
	if err != nil {
		return nil, NewPermanentError("failed to encode blueprint state", err).WithCode(ErrCodeInternal)
	}
	bp.Document().State = state
	return bp, nil
}

// Resume delivers an external callback to the instance's worker.
func (r *Registry) Resume(ctx context.Context, instanceID string, ev CallbackEvent) error {
	if ev.SessionID == "" {
		return NewPermanentError("callback requires a session id", nil).WithCode(ErrCodeValidation)
	}
	w, err := r.GetOrCreate(ctx, instanceID)
	if err != nil {
		return err
	}
	return r.deliver(ctx, instanceID, w, message{kind: msgResume, callback: &ev})
}

// Destroy removes the instance from the directory and queues a stop behind
// any sessions already submitted. New submissions are rejected until the
// worker has run the destroy procedure and deleted the document.
func (r *Registry) Destroy(ctx context.Context, instanceID string) (<-chan struct{}, error) {
	doc, err := r.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if err := r.admit(ctx, AdmissionRequest{Action: "destroy", Instance: doc}); err != nil {
		return nil, err
	}

	var w *Worker
	for attempt := 0; w == nil; attempt++ {
		if attempt == 2 {
			return nil, NewTransientError("instance worker unavailable", nil).WithResource(instanceID)
		}
		cur, err := r.GetOrCreate(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.draining[instanceID] == cur {
			r.mu.Unlock()
			return nil, NewConflictError("instance is being destroyed", nil).
				WithCode(ErrCodeInstanceDestroying).WithResource(instanceID)
		}
		if r.workers[instanceID] == cur && cur.box.push(message{kind: msgStop}) {
			delete(r.workers, instanceID)
			r.draining[instanceID] = cur
			w = cur
		}
		r.mu.Unlock()

		if w == nil {
			<-cur.done
		}
	}

	go func() {
		<-w.done
		r.mu.Lock()
		if r.draining[instanceID] == w {
			delete(r.draining, instanceID)
		}
		r.mu.Unlock()
	}()

	r.logger.WithInstanceID(instanceID).Info("Instance scheduled for destruction")
	return w.done, nil
}

// ListSummaries returns short summaries of instances matching the filter, ordered by ID.
func (r *Registry) ListSummaries(ctx context.Context, filter Filter) ([]ShortSummary, error) {
	docs, err := r.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]ShortSummary, 0, len(docs))
	for _, doc := range docs {
		if !filter.Matches(doc) {
			continue
		}
		out = append(out, Summarize(doc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDetail returns the detailed summary of one instance.
func (r *Registry) GetDetail(ctx context.Context, instanceID string) (*DetailedSummary, error) {
	doc, err := r.store.Load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	detail := &DetailedSummary{
		ShortSummary: Summarize(doc),
		Labels:       doc.Labels,
		State:        doc.State,
		Pending:      doc.Pending,
		LastError:    doc.LastError,
		CreatedAt:    doc.CreatedAt,
	}
	if bp, err := r.factory.Build(doc.Clone()); err == nil {
		for name := range bp.Operations() {
			detail.Operations = append(detail.Operations, name)
		}
		sort.Strings(detail.Operations)
	}
	return detail, nil
}

// Workers returns the number of live workers.
func (r *Registry) Workers() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, w := range r.workers {
		if w.Alive() {
			n++
		}
	}
	return n
}

// Shutdown stops accepting work, cancels every worker and waits for them to exit.
// Suspended sessions stay persisted and resume in the next process.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("All workers stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for workers: %w", ctx.Err())
	}
}

func (r *Registry) admit(ctx context.Context, req AdmissionRequest) error {
	if r.admission == nil {
		return nil
	}
	if err := r.admission.Admit(ctx, req); err != nil {
		if CodeOf(err) != "" {
			return err
		}
		id := ""
		if req.Instance != nil {
			id = req.Instance.ID
		}
		return NewPermanentError(fmt.Sprintf("%s denied by policy", req.Action), err).
			WithCode(ErrCodePolicyDenied).WithResource(id).WithOperation(req.Operation)
	}
	return nil
}

// missingProvider fails Build handlers when no provider source is configured.
type missingProvider struct{}

func (missingProvider) Snapshot(context.Context, *Document) (*ProviderContext, error) {
	return nil, NewPermanentError("no provider source configured", nil).WithCode(ErrCodeValidation)
}
