package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Worker executes sessions for exactly one blueprint instance, one at a time,
// in submission order. Each worker owns a goroutine and a private mailbox.
type Worker struct {
	id       string
	registry *Registry
	bp       Blueprint
	box      *mailbox
	logger   *telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// parked holds sessions that arrived while a session was suspended.
	parked []*Session

	// timer fires the callback timeout of the suspended session.
	timer *time.Timer
}

func newWorker(parent context.Context, r *Registry, bp Blueprint) *Worker {
	ctx, cancel := context.WithCancel(parent)
	id := bp.Document().ID
	return &Worker{
		id:       id,
		registry: r,
		bp:       bp,
		box:      newMailbox(),
		logger:   r.logger.WithInstanceID(id),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ID returns the instance ID served by the worker.
func (w *Worker) ID() string {
	return w.id
}

// Alive reports whether the worker goroutine is still running.
func (w *Worker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// run is the worker loop. It returns on a stop message or when the worker
// context is cancelled. On any exit the mailbox is closed and every session
// that will not run here is failed.
func (w *Worker) run() {
	reason := "engine shutting down"
	defer close(w.done)
	defer func() { w.drain(reason) }()
	defer func() {
		if r := recover(); r != nil {
			reason = "instance worker crashed"
			w.logger.Errorf("worker loop crashed: %v", r)
		}
	}()

	w.registry.metrics.WorkerStarted()
	defer w.registry.metrics.WorkerStopped()

	w.recover()

	for {
		if w.ctx.Err() != nil {
			return
		}
		msg, ok := w.box.next(w.ctx)
		if !ok {
			return
		}

		switch msg.kind {
		case msgStop:
			reason = "instance destroyed before session started"
			w.stop()
			return
		case msgSession:
			if w.suspended() {
				w.logger.WithSessionID(msg.session.ID).Debug("Session parked behind suspended session")
				w.parked = append(w.parked, msg.session)
				continue
			}
			w.execute(msg.session)
		case msgResume:
			w.resume(msg.callback)
		case msgTimeout:
			w.expire(msg.sessionID)
		}

		for w.ctx.Err() == nil && !w.suspended() && len(w.parked) > 0 {
			next := w.parked[0]
			w.parked = w.parked[1:]
			w.execute(next)
		}
	}
}

// suspended reports whether a Build handler is awaiting its callback.
func (w *Worker) suspended() bool {
	return w.bp.Document().Pending != nil
}

// recover repairs the document of an instance whose previous worker died.
func (w *Worker) recover() {
	doc := w.bp.Document()

	if doc.Pending != nil {
		remaining := time.Until(doc.Pending.Deadline)
		w.logger.WithFields(map[string]interface{}{
			"session_id": doc.Pending.Session.ID,
			"callback":   doc.Pending.Callback,
			"remaining":  remaining.String(),
		}).Info("Re-armed pending callback")
		w.armTimer(doc.Pending.Session.ID, remaining)
		return
	}

	if doc.Status == StatusProcessing {
		doc.Status = StatusError
		doc.CurrentOperation = ""
		doc.LastError = "session interrupted by worker restart"
		if err := w.persist(w.ctx); err != nil {
			w.logger.WithError(err).Error("Failed to persist interrupted instance")
		}
		w.logger.Warn("Instance was processing when its worker died, marked as error")
	}
}

// execute runs a new session from the first stage.
func (w *Worker) execute(s *Session) {
	doc := w.bp.Document()
	logger := w.logger.WithSessionID(s.ID).WithField("operation", s.Operation)

	plan, ok := w.bp.Operations()[s.Operation]
	if !ok {
		w.reject(s, NewPermanentError(fmt.Sprintf("operation %q is not supported by type %s", s.Operation, doc.Type), nil).
			WithCode(ErrCodeRejected).WithResource(doc.ID).WithOperation(s.Operation))
		return
	}

	ctx, span := w.registry.tracer.StartSessionSpan(w.ctx, doc.ID, s.ID, s.Operation)
	defer span.End()
	defer w.guard(ctx, span, s)

	logger.Info("Processing session")
	w.registry.metrics.RecordSessionStarted(doc.Type, s.Operation)

	doc.Status = StatusProcessing
	doc.CurrentOperation = s.Operation
	doc.LastError = ""
	if err := w.persist(ctx); err != nil {
		w.fail(ctx, span, s, err)
		return
	}
	w.emit(ctx, TopicLifecycle, EventProcessingStarted, s, nil)

	w.advance(ctx, span, s, plan, Position{List: ListBuild})
}

// resume continues a suspended session with an external confirmation.
func (w *Worker) resume(ev *CallbackEvent) {
	doc := w.bp.Document()
	pending := doc.Pending
	if pending == nil || pending.Session.ID != ev.SessionID ||
		(ev.Callback != "" && ev.Callback != pending.Callback) {
		w.logger.WithField("session_id", ev.SessionID).
			WithField("callback", ev.Callback).
			Warn("Dropping callback that matches no suspended session")
		w.registry.metrics.RecordStrayCallback(doc.Type)
		return
	}

	w.stopTimer()
	s := pending.Session
	doc.Pending = nil

	ctx, span := w.registry.tracer.StartSessionSpan(w.ctx, doc.ID, s.ID, s.Operation)
	defer span.End()
	defer w.guard(ctx, span, &s)

	w.logger.WithSessionID(s.ID).WithField("callback", pending.Callback).Info("Resuming session")
	telemetry.AddSessionEvent(span, "session.resumed", "callback "+pending.Callback+" received")

	plan, ok := w.bp.Operations()[s.Operation]
	if !ok {
		w.fail(ctx, span, &s, NewPermanentError(fmt.Sprintf("operation %q disappeared while suspended", s.Operation), nil).
			WithCode(ErrCodeStageFailed))
		return
	}

	if ev.Err != "" {
		w.fail(ctx, span, &s, NewPermanentError(fmt.Sprintf("external executor reported failure for %s", pending.Callback), fmt.Errorf("%s", ev.Err)).
			WithCode(ErrCodeStageFailed).WithOperation(s.Operation))
		return
	}

	provider, err := w.provider(ctx)
	if err != nil {
		w.fail(ctx, span, &s, err)
		return
	}

	call := &Call{
		Session:  &s,
		List:     ListBuild,
		Stage:    pending.Position.Stage,
		Provider: provider,
		Callback: ev,
		Ack:      pending.Ack,
	}
	res, err := w.invoke(ctx, pending.Callback, call)
	if perr := w.persist(ctx); perr != nil && err == nil {
		err = perr
	}
	if err != nil {
		w.fail(ctx, span, &s, err)
		return
	}
	if res.Empty() {
		w.fail(ctx, span, &s, emptyResult(pending.Callback, s.Operation))
		return
	}

	w.advance(ctx, span, &s, plan, Position{
		Stage:   pending.Position.Stage,
		List:    ListBuild,
		Handler: pending.Position.Handler + 1,
	})
}

// expire fails a suspended session whose callback did not arrive in time.
func (w *Worker) expire(sessionID string) {
	doc := w.bp.Document()
	if doc.Pending == nil || doc.Pending.Session.ID != sessionID {
		return
	}

	pending := doc.Pending
	s := pending.Session
	doc.Pending = nil
	w.timer = nil

	ctx, span := w.registry.tracer.StartSessionSpan(w.ctx, doc.ID, s.ID, s.Operation)
	defer span.End()

	w.fail(ctx, span, &s, NewPermanentError(fmt.Sprintf("callback %s not received before deadline", pending.Callback), nil).
		WithCode(ErrCodeCallbackTimeout).
		WithOperation(s.Operation).
		WithDetail("deadline", pending.Deadline))
}

// advance runs the plan starting at the given position.
// A list is announced with StageStarted only when it starts at its first handler.
func (w *Worker) advance(ctx context.Context, span trace.Span, s *Session, plan OperationPlan, from Position) {
	doc := w.bp.Document()
	first := true

	for si := from.Stage; si < len(plan.Stages); si++ {
		stage := plan.Stages[si]

		for _, kind := range listOrder {
			start := 0
			if first {
				if kind.index() < from.List.index() {
					continue
				}
				start = from.Handler
				first = false
			}

			refs := stage.List(kind)
			if len(refs) == 0 {
				continue
			}

			if start == 0 {
				doc.DetailedStatus = string(kind)
				if err := w.persist(ctx); err != nil {
					w.fail(ctx, span, s, err)
					return
				}
				w.emit(ctx, TopicLifecycle, EventStageStarted, s, map[string]interface{}{
					"stage": si,
					"name":  stage.Name,
					"list":  string(kind),
				})
			}

			var provider *ProviderContext
			if kind == ListBuild && start < len(refs) {
				var err error
				if provider, err = w.provider(ctx); err != nil {
					w.fail(ctx, span, s, err)
					return
				}
			}

			for hi := start; hi < len(refs); hi++ {
				ref := refs[hi]
				if ref.Callback != "" && kind != ListBuild {
					w.fail(ctx, span, s, NewPermanentError(
						fmt.Sprintf("handler %s in the %s list cannot await callback %s", ref.Method, kind, ref.Callback), nil).
						WithCode(ErrCodeStageFailed).WithOperation(s.Operation))
					return
				}
				call := &Call{Session: s, List: kind, Stage: si, Provider: provider}

				res, err := w.invoke(ctx, ref.Method, call)
				if perr := w.persist(ctx); perr != nil && err == nil {
					err = perr
				}
				if err != nil {
					w.fail(ctx, span, s, err)
					return
				}

				if kind != ListBuild {
					continue
				}
				if ref.Callback != "" {
					w.suspend(ctx, s, Position{Stage: si, List: kind, Handler: hi}, ref, res)
					return
				}
				if res.Empty() {
					w.fail(ctx, span, s, emptyResult(ref.Method, s.Operation))
					return
				}
			}

			w.emit(ctx, TopicLifecycle, EventStageEnded, s, map[string]interface{}{
				"stage":   si,
				"name":    stage.Name,
				"list":    string(kind),
				"summary": Summarize(doc),
			})
		}
	}

	w.complete(ctx, span, s)
}

// suspend records the pending callback and returns control to the mailbox.
func (w *Worker) suspend(ctx context.Context, s *Session, pos Position, ref HandlerRef, ack Result) {
	doc := w.bp.Document()

	timeout := ref.Timeout
	if timeout <= 0 {
		timeout = w.registry.callbackTimeout
	}

	doc.Pending = &PendingCallback{
		Session:  *s,
		Position: pos,
		Callback: ref.Callback,
		Deadline: time.Now().Add(timeout),
		Ack:      ack,
	}
	if err := w.persist(ctx); err != nil {
		w.logger.WithError(err).Error("Failed to persist pending callback")
	}

	w.armTimer(s.ID, timeout)
	telemetry.AddSessionEvent(trace.SpanFromContext(ctx), "session.suspended",
		fmt.Sprintf("%s awaiting %s", ref.Method, ref.Callback))

	w.logger.WithSessionID(s.ID).WithFields(map[string]interface{}{
		"handler":  ref.Method,
		"callback": ref.Callback,
		"timeout":  timeout.String(),
	}).Info("Session suspended awaiting callback")
}

// complete finishes a successful session.
func (w *Worker) complete(ctx context.Context, span trace.Span, s *Session) {
	doc := w.bp.Document()
	doc.Status = StatusIdle
	doc.CurrentOperation = ""
	doc.DetailedStatus = ""
	if err := w.persist(ctx); err != nil {
		w.fail(ctx, span, s, err)
		return
	}

	w.emit(ctx, TopicLifecycle, EventProcessingEnded, s, nil)
	w.notify(ctx, s, OutcomeReady, "")
	w.registry.metrics.RecordSessionCompleted(doc.Type, s.Operation, string(OutcomeReady), time.Since(s.SubmittedAt))
	telemetry.RecordSuccess(span)

	w.logger.WithSessionID(s.ID).WithField("operation", s.Operation).Info("Session completed")
}

// fail records a stage failure. DetailedStatus keeps the failing list name.
func (w *Worker) fail(ctx context.Context, span trace.Span, s *Session, err error) {
	doc := w.bp.Document()
	w.stopTimer()
	doc.Pending = nil
	doc.Status = StatusError
	doc.CurrentOperation = ""
	doc.LastError = err.Error()
	if perr := w.persist(ctx); perr != nil {
		w.logger.WithError(perr).Error("Failed to persist failed instance")
	}

	w.emit(ctx, TopicFailures, EventProcessingFailed, s, map[string]interface{}{
		"error": err.Error(),
		"code":  CodeOf(err),
		"list":  doc.DetailedStatus,
	})
	w.notify(ctx, s, OutcomeFailed, err.Error())

	w.registry.metrics.RecordError(errorClass(err), CodeOf(err))
	w.registry.metrics.RecordSessionCompleted(doc.Type, s.Operation, string(OutcomeFailed), time.Since(s.SubmittedAt))
	telemetry.RecordError(span, err)

	w.logger.WithSessionID(s.ID).WithError(err).
		WithField("operation", s.Operation).
		WithField("list", doc.DetailedStatus).
		Error("Session failed")
}

// reject refuses a session without touching the instance.
func (w *Worker) reject(s *Session, err error) {
	doc := w.bp.Document()
	ctx := w.ctx

	w.emit(ctx, TopicFailures, EventProcessingFailed, s, map[string]interface{}{
		"error":    err.Error(),
		"code":     CodeOf(err),
		"rejected": true,
	})
	w.notify(ctx, s, OutcomeFailed, err.Error())
	w.registry.metrics.RecordRejection(doc.Type, CodeOf(err))

	w.logger.WithSessionID(s.ID).WithError(err).Warn("Session rejected")
}

// guard converts a panic escaping a session into a stage failure.
func (w *Worker) guard(ctx context.Context, span trace.Span, s *Session) {
	if r := recover(); r != nil {
		w.fail(ctx, span, s, NewPermanentError(fmt.Sprintf("session panicked: %v", r), nil).
			WithCode(ErrCodeHandlerPanic).WithOperation(s.Operation))
	}
}

// invoke calls a handler from the capability map.
func (w *Worker) invoke(ctx context.Context, name string, call *Call) (res Result, err error) {
	doc := w.bp.Document()

	handler, ok := w.bp.Handlers()[name]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("handler %s is not provided by type %s", name, doc.Type), nil).
			WithCode(ErrCodeHandlerNotFound).WithOperation(call.Session.Operation)
	}

	ctx, span := w.registry.tracer.StartHandlerSpan(ctx, doc.ID, name, string(call.List))
	defer span.End()
	timer := telemetry.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = NewPermanentError(fmt.Sprintf("handler %s panicked: %v", name, r), nil).
				WithCode(ErrCodeHandlerPanic).WithOperation(call.Session.Operation)
		}

		status := "succeeded"
		if err != nil {
			status = "failed"
			telemetry.RecordError(span, err)
		}
		w.registry.metrics.RecordHandler(doc.Type, name, string(call.List), status, timer.Duration())
	}()

	res, err = handler(ctx, call)
	if err != nil {
		return nil, NewPermanentError(fmt.Sprintf("handler %s failed", name), err).
			WithCode(ErrCodeStageFailed).
			WithResource(doc.ID).
			WithOperation(call.Session.Operation)
	}
	return res, nil
}

// provider returns a validated provider context for Build handlers.
func (w *Worker) provider(ctx context.Context) (*ProviderContext, error) {
	pc, err := w.registry.providers.Snapshot(ctx, w.bp.Document())
	if err != nil {
		return nil, NewPermanentError("provider context unavailable", err).WithCode(ErrCodeStageFailed)
	}
	if err := validateProvider(w.registry.validate, pc); err != nil {
		return nil, NewPermanentError("provider context rejected", err).WithCode(ErrCodeStageFailed)
	}
	return pc, nil
}

// persist saves the document with the blueprint's current state.
// Saves outlive cancellation of the worker context.
func (w *Worker) persist(ctx context.Context) error {
	doc := w.bp.Document()
	state, err := w.bp.EncodeState()
	if err != nil {
		return NewPermanentError("failed to encode blueprint state", err).WithCode(ErrCodeInternal)
	}
	doc.State = state
	doc.UpdatedAt = time.Now()

	if err := w.registry.store.Save(context.WithoutCancel(ctx), doc); err != nil {
		return NewTransientError("failed to persist instance", err).WithResource(doc.ID)
	}
	return nil
}

// emit publishes a lifecycle event. Bus failures are logged, never fatal.
func (w *Worker) emit(ctx context.Context, topic string, kind EventKind, s *Session, payload map[string]interface{}) {
	event := Event{
		Kind:       kind,
		InstanceID: w.id,
		SessionID:  s.ID,
		Operation:  s.Operation,
		Payload:    payload,
		Timestamp:  time.Now(),
	}
	if err := w.registry.bus.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		w.logger.WithError(err).WithField("kind", string(kind)).Warn("Failed to publish lifecycle event")
	}
}

// notify delivers the terminal outcome to the requester.
func (w *Worker) notify(ctx context.Context, s *Session, outcome Outcome, reason string) {
	n := Notification{
		InstanceID:  w.id,
		SessionID:   s.ID,
		Operation:   s.Operation,
		Outcome:     outcome,
		Reason:      reason,
		CallbackURL: s.CallbackURL,
		Timestamp:   time.Now(),
	}
	if err := w.registry.notifier.NotifyResult(context.WithoutCancel(ctx), n); err != nil {
		w.logger.WithSessionID(s.ID).WithError(err).Warn("Failed to notify requester")
	}
}

// stop fails whatever is still waiting, runs the destroy procedure and
// removes the document.
func (w *Worker) stop() {
	doc := w.bp.Document()
	ctx := w.ctx
	w.logger.Info("Stopping worker")

	if doc.Pending != nil {
		s := doc.Pending.Session
		_, span := w.registry.tracer.StartSessionSpan(ctx, doc.ID, s.ID, s.Operation)
		w.fail(ctx, span, &s, NewPermanentError("instance destroyed while awaiting callback", nil).
			WithCode(ErrCodeStageFailed))
		span.End()
	}
	for _, s := range w.parked {
		w.notify(ctx, s, OutcomeFailed, "instance destroyed before session started")
	}
	w.parked = nil

	if err := w.bp.Destroy(ctx); err != nil {
		w.logger.WithError(err).Error("Destroy procedure failed")
	}
	if err := w.registry.store.Delete(context.WithoutCancel(ctx), w.id); err != nil {
		w.logger.WithError(err).Error("Failed to delete instance document")
	}

	w.logger.Info("Worker stopped")
}

// drain closes the mailbox and fails the parked and queued sessions.
// A suspended session stays persisted for the next worker.
func (w *Worker) drain(reason string) {
	w.stopTimer()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dropped := w.parked
	w.parked = nil
	for _, msg := range w.box.close() {
		if msg.kind == msgSession {
			dropped = append(dropped, msg.session)
		}
	}
	for _, s := range dropped {
		w.notifyDropped(ctx, s, reason)
	}
}

// notifyDropped fails one session without letting a notifier panic skip the rest.
func (w *Worker) notifyDropped(ctx context.Context, s *Session, reason string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithSessionID(s.ID).Errorf("notifier panicked: %v", r)
		}
	}()
	w.notify(ctx, s, OutcomeFailed, reason)
}

func (w *Worker) armTimer(sessionID string, d time.Duration) {
	w.stopTimer()
	if d < 0 {
		d = 0
	}
	w.timer = time.AfterFunc(d, func() {
		_ = w.box.push(message{kind: msgTimeout, sessionID: sessionID})
	})
}

func (w *Worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func emptyResult(handler, operation string) *EngineError {
	return NewPermanentError(fmt.Sprintf("build handler %s returned an empty result", handler), nil).
		WithCode(ErrCodeEmptyResult).WithOperation(operation)
}

func errorClass(err error) string {
	switch {
	case IsTransient(err):
		return string(ErrorClassTransient)
	case IsConflict(err):
		return string(ErrorClassConflict)
	default:
		return string(ErrorClassPermanent)
	}
}
