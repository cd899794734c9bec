package blueprints

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blueprintd/blueprintd/pkg/engine"
	"github.com/blueprintd/blueprintd/pkg/telemetry"
	"github.com/google/uuid"
)

// Resumer delivers callbacks to instances. engine.Registry implements it.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, ev engine.CallbackEvent) error
}

// JobStatus is the executor's view of a job.
type JobStatus struct {
	Job
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Job states.
const (
	JobPending   = "pending"
	JobConfirmed = "confirmed"
	JobFailed    = "failed"
)

// LocalExecutor simulates a VIM in-process. Machines are created after a
// fixed delay and confirmed through the bound Resumer.
type LocalExecutor struct {
	delay  time.Duration
	logger *telemetry.Logger

	mu       sync.Mutex
	resumer  Resumer
	jobs     map[string]*JobStatus
	machines map[string]string // vm id -> instance id
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocalExecutor creates an executor that confirms jobs after delay.
func NewLocalExecutor(delay time.Duration, logger *telemetry.Logger) *LocalExecutor {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalExecutor{
		delay:    delay,
		logger:   logger.NewComponentLogger("vim-executor"),
		jobs:     make(map[string]*JobStatus),
		machines: make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind sets the callback target. The engine registry needs the blueprint
// factory, which needs the executor, so binding happens after construction.
func (e *LocalExecutor) Bind(r Resumer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumer = r
}

// Submit queues a job. Jobs with a callback are confirmed asynchronously.
func (e *LocalExecutor) Submit(_ context.Context, job Job) (string, error) {
	if job.InstanceID == "" || job.Action == "" {
		return "", engine.NewPermanentError("job requires an instance and an action", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if job.Callback != "" && job.SessionID == "" {
		return "", engine.NewPermanentError("job with a callback requires a session", nil).
			WithCode(engine.ErrCodeValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", engine.NewTransientError("executor is closed", nil).WithCode(engine.ErrCodeShutdown)
	}
	if job.Callback != "" && e.resumer == nil {
		return "", engine.NewPermanentError("executor is not bound to a registry", nil).
			WithCode(engine.ErrCodeInternal)
	}

	job.ID = uuid.New().String()
	status := &JobStatus{Job: job, State: JobPending, SubmittedAt: time.Now().UTC()}
	e.jobs[job.ID] = status

	e.logger.WithInstanceID(job.InstanceID).WithFields(map[string]interface{}{
		"job":      job.ID,
		"action":   job.Action,
		"machines": len(job.VMs),
	}).Info("VIM job submitted")

	e.wg.Add(1)
	go e.run(job)

	return job.ID, nil
}

// run waits out the delay, performs the job and confirms it.
func (e *LocalExecutor) run(job Job) {
	defer e.wg.Done()

	timer := time.NewTimer(e.delay)
	defer timer.Stop()
	select {
	case <-e.ctx.Done():
		e.finish(job.ID, JobFailed, "executor closed")
		return
	case <-timer.C:
	}

	conf := Confirmation{JobID: job.ID, VMs: make(map[string]string, len(job.VMs))}
	e.mu.Lock()
	for _, vm := range job.VMs {
		id := "vm-" + uuid.New().String()[:8]
		conf.VMs[vm.Name] = id
		e.machines[id] = job.InstanceID
	}
	resumer := e.resumer
	e.mu.Unlock()

	if job.Callback == "" {
		e.finish(job.ID, JobConfirmed, "")
		return
	}

	payload, err := json.Marshal(conf)
	if err != nil {
		e.finish(job.ID, JobFailed, err.Error())
		return
	}

	err = resumer.Resume(e.ctx, job.InstanceID, engine.CallbackEvent{
		SessionID: job.SessionID,
		Callback:  job.Callback,
		Payload:   payload,
	})
	if err != nil {
		e.logger.WithInstanceID(job.InstanceID).WithError(err).Warn("Failed to confirm VIM job")
		e.finish(job.ID, JobFailed, err.Error())
		return
	}
	e.finish(job.ID, JobConfirmed, "")
}

func (e *LocalExecutor) finish(id, state, errMsg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.jobs[id]; ok {
		st.State = state
		st.Error = errMsg
		st.CompletedAt = time.Now().UTC()
	}
}

// Delete removes machines owned by instanceID.
func (e *LocalExecutor) Delete(_ context.Context, instanceID string, vmIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range vmIDs {
		owner, ok := e.machines[id]
		if !ok {
			continue
		}
		if owner != instanceID {
			return engine.NewConflictError(fmt.Sprintf("machine %s belongs to %s", id, owner), nil).
				WithResource(id)
		}
		delete(e.machines, id)
	}

	e.logger.WithInstanceID(instanceID).WithField("machines", len(vmIDs)).Info("VIM machines deleted")
	return nil
}

// Jobs returns every job, oldest first.
func (e *LocalExecutor) Jobs() []JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]JobStatus, 0, len(e.jobs))
	for _, st := range e.jobs {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Machines returns the number of live machines of an instance.
func (e *LocalExecutor) Machines(instanceID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, owner := range e.machines {
		if owner == instanceID {
			n++
		}
	}
	return n
}

// Close cancels pending jobs and waits for them to stop.
func (e *LocalExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
