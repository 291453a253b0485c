// Package worker implements the two-tier foreground/background worker
// pool: per-tick it sizes each queue's worker set to match pending
// demand, bounded by instance and per-user caps, and each worker repeats
// the Claim Protocol, hands the task to a Processor, and records the
// outcome.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/stefankubicki/istota/internal/store"
	"github.com/stefankubicki/istota/internal/telemetry"
)

// DeferredProcessor applies a completed task's scratch-directory
// side-effect files. Declared here rather than imported from
// internal/deferred to keep worker free of a dependency on it; any type
// satisfying this interface (in practice *deferred.Processor) can plug
// in.
type DeferredProcessor interface {
	Process(ctx context.Context, task store.Task, workDir string) error
}

// Delivery routes a completed task's result to its configured outbound
// channel(s). Declared here for the same reason as DeferredProcessor;
// in practice *delivery.Router satisfies it.
type Delivery interface {
	Deliver(ctx context.Context, task store.Task, result string) error
}

// Processor executes a claimed task, returning its result text (for
// TaskStatusCompleted) or an error (routed through retry/failure
// classification by the pool).
type Processor interface {
	Process(ctx context.Context, task store.Task) (result string, actionsTakenJSON string, err error)
}

// UserCaps overrides the instance default concurrency for one user.
type UserCaps struct {
	Foreground int
	Background int
}

// Config controls pool sizing, polling cadence, and per-task limits.
type Config struct {
	MaxForegroundWorkers int // instance-wide cap, default 5
	MaxBackgroundWorkers int // instance-wide cap, default 3

	DefaultUserForegroundCap int // default 2
	DefaultUserBackgroundCap int // default 1
	UserCaps                 map[string]UserCaps

	WorkerIdleTimeout time.Duration // default 60s
	LeaseDuration     time.Duration // default store.DefaultLeaseDuration
	TaskTimeout       time.Duration // default 30m, per-task hard ceiling
	ShutdownTimeout   time.Duration // default 10s

	// ScratchRoot must match the Executor's ScratchRoot so the pool can
	// find a completed task's side-effect files at ScratchRoot/task_<id>.
	ScratchRoot string
	Deferred    DeferredProcessor // optional; skipped if nil
	Delivery    Delivery          // optional; skipped if nil

	// Tracer and Metrics are optional; when set, each claimed task gets a
	// span covering claim through completion, and queue depth, worker
	// occupancy, and retry/failure counts are recorded as they change.
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
}

func (c *Config) setDefaults() {
	if c.MaxForegroundWorkers <= 0 {
		c.MaxForegroundWorkers = 5
	}
	if c.MaxBackgroundWorkers <= 0 {
		c.MaxBackgroundWorkers = 3
	}
	if c.DefaultUserForegroundCap <= 0 {
		c.DefaultUserForegroundCap = 2
	}
	if c.DefaultUserBackgroundCap <= 0 {
		c.DefaultUserBackgroundCap = 1
	}
	if c.WorkerIdleTimeout <= 0 {
		c.WorkerIdleTimeout = 60 * time.Second
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = store.DefaultLeaseDuration
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

func (c Config) capFor(queue store.Queue, userID string) int {
	if o, ok := c.UserCaps[userID]; ok {
		if queue == store.QueueForeground {
			return o.Foreground
		}
		return o.Background
	}
	if queue == store.QueueForeground {
		return c.DefaultUserForegroundCap
	}
	return c.DefaultUserBackgroundCap
}

func (c Config) instanceCapFor(queue store.Queue) int {
	if queue == store.QueueForeground {
		return c.MaxForegroundWorkers
	}
	return c.MaxBackgroundWorkers
}

type workerKey struct {
	userID string
	queue  store.Queue
	slot   int
}

type workerHandle struct {
	cancel context.CancelFunc
}

// Pool is the worker pool (C5): Tick sizes each queue's workers to match
// pending demand; Shutdown stops them cooperatively.
type Pool struct {
	store  *store.Store
	proc   Processor
	config Config
	logger *slog.Logger

	mu              sync.Mutex
	workers         map[workerKey]*workerHandle
	shutdown        bool
	lastQueueDepths map[store.Queue]int64

	wg sync.WaitGroup
}

// recordQueueDepth reports the change in pending-task count since the
// last tick; QueueDepth is an UpDownCounter, the synchronous-instrument
// equivalent of a gauge, so it's fed a delta rather than an absolute.
func (p *Pool) recordQueueDepth(ctx context.Context, queue store.Queue, depth int64) {
	p.mu.Lock()
	prev := p.lastQueueDepths[queue]
	p.lastQueueDepths[queue] = depth
	p.mu.Unlock()
	if delta := depth - prev; delta != 0 {
		p.config.Metrics.QueueDepth.Add(ctx, delta)
	}
}

func New(st *store.Store, proc Processor, cfg Config, logger *slog.Logger) *Pool {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:           st,
		proc:            proc,
		config:          cfg,
		logger:          logger,
		workers:         make(map[workerKey]*workerHandle),
		lastQueueDepths: make(map[store.Queue]int64),
	}
}

// Tick runs one scheduler-loop dispatch pass: a foreground phase followed
// by a background phase, each sizing per-user worker counts to match
// pending demand within caps.
func (p *Pool) Tick(ctx context.Context) {
	p.dispatchQueue(ctx, store.QueueForeground)
	p.dispatchQueue(ctx, store.QueueBackground)
}

func (p *Pool) dispatchQueue(ctx context.Context, queue store.Queue) {
	users, err := p.store.ListUsersWithPending(ctx, queue)
	if err != nil {
		p.logger.Error("list users with pending failed", "queue", queue, "error", err)
		return
	}

	if p.config.Metrics != nil {
		if depth, err := p.store.CountPending(ctx, queue); err == nil {
			p.recordQueueDepth(ctx, queue, int64(depth))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}

	instanceCap := p.config.instanceCapFor(queue)
	activeInQueue := 0
	for k := range p.workers {
		if k.queue == queue {
			activeInQueue++
		}
	}

	for _, userID := range users {
		if activeInQueue >= instanceCap {
			break
		}
		userCap := p.config.capFor(queue, userID)
		existing := 0
		for k := range p.workers {
			if k.queue == queue && k.userID == userID {
				existing++
			}
		}
		for existing < userCap && activeInQueue < instanceCap {
			p.startWorker(ctx, userID, queue, existing)
			existing++
			activeInQueue++
		}
	}
}

func (p *Pool) startWorker(ctx context.Context, userID string, queue store.Queue, slot int) {
	key := workerKey{userID: userID, queue: queue, slot: slot}
	workerCtx, cancel := context.WithCancel(ctx)
	p.workers[key] = &workerHandle{cancel: cancel}

	if p.config.Metrics != nil {
		p.config.Metrics.ActiveWorkers.Add(ctx, 1)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.workers, key)
			p.mu.Unlock()
			if p.config.Metrics != nil {
				p.config.Metrics.ActiveWorkers.Add(context.Background(), -1)
			}
		}()
		p.runWorker(workerCtx, key)
	}()
}

// runWorker repeats the Claim Protocol for (userID, queue) until it goes
// idle past WorkerIdleTimeout or ctx is cancelled.
func (p *Pool) runWorker(ctx context.Context, key workerKey) {
	workerID := fmt.Sprintf("%s-%s-%d-%s", key.userID, key.queue, key.slot, uuid.NewString()[:8])
	idleSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.store.ClaimTask(ctx, key.queue, key.userID, workerID, 0, p.config.LeaseDuration)
		if err != nil {
			if time.Since(idleSince) >= p.config.WorkerIdleTimeout {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}

		idleSince = time.Now()
		p.runTask(ctx, workerID, *task)
	}
}

func (p *Pool) runTask(ctx context.Context, workerID string, task store.Task) {
	if err := p.store.StartTaskRun(ctx, task.ID, workerID); err != nil {
		p.logger.Error("start task run failed", "task_id", task.ID, "error", err)
		return
	}

	traceID := uuid.NewString()
	runID := uuid.NewString()
	logger := p.logger.With("task_id", task.ID, "user_id", task.UserID, "queue", task.Queue, "trace_id", traceID, "run_id", runID)
	logger.Info("task started")

	start := time.Now()
	if p.config.Tracer != nil {
		var span trace.Span
		ctx, span = telemetry.StartSpan(ctx, p.config.Tracer, "task.process",
			telemetry.AttrTaskID.String(fmt.Sprint(task.ID)),
			telemetry.AttrUserID.String(task.UserID),
			telemetry.AttrQueue.String(string(task.Queue)),
			telemetry.AttrWorkerID.String(workerID),
			telemetry.AttrTraceID.String(traceID),
		)
		defer span.End()
	}
	defer func() {
		if p.config.Metrics != nil {
			p.config.Metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, p.config.TaskTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(p.config.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if cancelled, _ := p.store.IsTaskCancelled(context.Background(), task.ID); cancelled {
					cancel()
					return
				}
				if ok, err := p.store.HeartbeatLease(context.Background(), task.ID, workerID); err != nil {
					logger.Warn("lease heartbeat failed", "error", err)
				} else if !ok {
					logger.Warn("lease heartbeat rejected; another worker may hold this task")
				}
			}
		}
	}()

	result, actionsTakenJSON, procErr := p.proc.Process(taskCtx, task)
	cancel()
	<-heartbeatDone

	bgCtx := context.Background()

	if cancelled, _ := p.store.IsTaskCancelled(bgCtx, task.ID); cancelled {
		if err := p.store.CancelTask(bgCtx, task.ID); err != nil {
			logger.Error("cancel task failed", "error", err)
		}
		logger.Info("task cancelled")
		return
	}

	if procErr != nil {
		p.handleFailure(bgCtx, logger, task, procErr.Error())
		return
	}

	if err := p.store.CompleteTask(bgCtx, task.ID, result, actionsTakenJSON); err != nil {
		logger.Error("complete task failed", "error", err)
		return
	}
	if task.ScheduledJobID != nil {
		if err := p.store.RecordScheduledJobSuccess(bgCtx, *task.ScheduledJobID, time.Now().UTC()); err != nil {
			logger.Error("record scheduled job success failed", "job_id", *task.ScheduledJobID, "error", err)
		}
	}

	if p.config.Deferred != nil && p.config.ScratchRoot != "" {
		workDir := filepath.Join(p.config.ScratchRoot, fmt.Sprintf("task_%d", task.ID))
		if err := p.config.Deferred.Process(bgCtx, task, workDir); err != nil {
			logger.Error("deferred effects processing failed", "error", err)
		}
	}

	if p.config.Delivery != nil {
		if err := p.config.Delivery.Deliver(bgCtx, task, result); err != nil {
			logger.Error("delivery failed", "error", err)
		}
	}

	logger.Info("task completed")
}

func (p *Pool) handleFailure(ctx context.Context, logger *slog.Logger, task store.Task, errMsg string) {
	if transient, delay := store.ClassifyExecutorError(errMsg); transient {
		logger.Warn("transient executor error, retrying without consuming attempt budget", "error", errMsg, "delay", delay)
		if err := p.store.SetPendingRetry(ctx, task.ID, errMsg, delay); err != nil {
			logger.Error("set pending retry failed", "error", err)
		}
		if p.config.Metrics != nil {
			p.config.Metrics.TaskRetries.Add(ctx, 1)
		}
		return
	}

	nextAttempt := task.AttemptCount + 1
	if nextAttempt >= task.MaxAttempts {
		logger.Warn("task failed, attempts exhausted", "error", errMsg, "attempt", nextAttempt, "max_attempts", task.MaxAttempts)
		if err := p.store.FailTask(ctx, task.ID, errMsg); err != nil {
			logger.Error("fail task failed", "error", err)
		}
		if task.ScheduledJobID != nil {
			if err := p.store.RecordScheduledJobFailure(ctx, *task.ScheduledJobID, time.Now().UTC(), errMsg); err != nil {
				logger.Error("record scheduled job failure failed", "job_id", *task.ScheduledJobID, "error", err)
			}
		}
		if p.config.Metrics != nil {
			p.config.Metrics.TaskFailures.Add(ctx, 1)
		}
		return
	}

	delay := store.RetryDelayForAttempt(nextAttempt)
	logger.Warn("task failed, scheduling retry", "error", errMsg, "attempt", nextAttempt, "delay", delay)
	if err := p.store.SetPendingRetry(ctx, task.ID, errMsg, delay); err != nil {
		logger.Error("set pending retry failed", "error", err)
	}
	if p.config.Metrics != nil {
		p.config.Metrics.TaskRetries.Add(ctx, 1)
	}
}

// Shutdown stops accepting new dispatch and waits for in-flight workers
// to finish their current task, up to ShutdownTimeout; workers still
// running after the timeout are cancelled so their subprocess receives a
// termination signal.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	handles := make([]*workerHandle, 0, len(p.workers))
	for _, h := range p.workers {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained cleanly")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timeout, cancelling in-flight workers", "timeout", p.config.ShutdownTimeout)
		for _, h := range handles {
			h.cancel()
		}
		<-done
	}
}

// ActiveWorkers reports the current worker count, for status reporting.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
