// Package worker claims runs and drives them step by step through a
// registered Executor.
//
// Coordinators on any number of hosts share one store. They coordinate only
// through the store's compare-and-swap on run status and the owner lease: a
// run is executed by at most one coordinator at a time, and a run whose
// owner disappears is adopted by another once the lease expires.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/service/runs"
	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// Config tunes a Coordinator. Zero fields take the defaults below.
type Config struct {
	WorkerID          string
	PollInterval      time.Duration // 5s
	BatchSize         int           // 10
	Concurrency       int           // 1
	LeaseDuration     time.Duration // 60s
	HeartbeatInterval time.Duration // 10s
	Policy            StepPolicy
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = DefaultStepPolicy().MaxAttempts
	}
	if c.Policy.MaxSteps <= 0 {
		c.Policy.MaxSteps = DefaultStepPolicy().MaxSteps
	}
	return c
}

// releaseTimeout bounds the writes made after the drive context is gone.
const releaseTimeout = 5 * time.Second

// Coordinator polls for claimable runs and drives each one it owns.
type Coordinator struct {
	runs      *runs.Service
	executors *Registry
	cfg       Config
	logger    *slog.Logger
	sink      StatusSink

	sem *semaphore.Weighted

	started    atomic.Bool
	stopped    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	wake       chan struct{}
	inflight   sync.WaitGroup

	mu       sync.Mutex
	active   map[int64]struct{}
	lastPoll *time.Time

	claimed      metric.Int64Counter
	adopted      metric.Int64Counter
	steps        metric.Int64Counter
	stepFailures metric.Int64Counter
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStatusSink publishes the coordinator's status after every poll.
func WithStatusSink(s StatusSink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// New creates a Coordinator. Call Start to begin polling.
func New(runSvc *runs.Service, executors *Registry, cfg Config, logger *slog.Logger, opts ...Option) *Coordinator {
	cfg = cfg.withDefaults()
	c := &Coordinator{
		runs:      runSvc,
		executors: executors,
		cfg:       cfg,
		logger:    logger.With("worker_id", cfg.WorkerID),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
		active:    make(map[int64]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WorkerID identifies this coordinator as a run owner.
func (c *Coordinator) WorkerID() string { return c.cfg.WorkerID }

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Warn("worker: Start called more than once, ignoring")
		return
	}
	c.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelLoop = cancel
	c.logger.Info("worker: started",
		"poll_interval", c.cfg.PollInterval,
		"concurrency", c.cfg.Concurrency,
		"run_types", c.executors.RunTypes())
	go c.pollLoop(loopCtx)
}

// Kick asks for an immediate poll, e.g. right after a run is created.
func (c *Coordinator) Kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Drain stops polling, interrupts in-flight runs and waits for them to be
// released, or until ctx expires.
func (c *Coordinator) Drain(ctx context.Context) {
	if !c.started.Load() || !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.cancelLoop()

	finished := make(chan struct{})
	go func() {
		<-c.done
		c.inflight.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		c.logger.Info("worker: drained")
	case <-ctx.Done():
		c.logger.Warn("worker: drain timed out", "active_runs", c.Status().ActiveRuns)
	}
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	defer c.once.Do(func() { close(c.done) })

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		case <-c.wake:
			c.poll(ctx)
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	now := time.Now().UTC()
	c.mu.Lock()
	c.lastPoll = &now
	free := c.cfg.Concurrency - len(c.active)
	c.mu.Unlock()
	defer c.report(ctx)

	if free <= 0 {
		return
	}
	candidates, err := c.runs.Claimable(ctx, c.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("worker: list claimable runs", "error", err)
		}
		return
	}

	for _, run := range candidates {
		if ctx.Err() != nil {
			return
		}
		if c.isActive(run.ID) {
			continue
		}
		if !c.sem.TryAcquire(1) {
			return
		}
		owned, err := c.acquire(ctx, run)
		if err != nil {
			c.sem.Release(1)
			if errors.Is(err, model.ErrInvalidTransition) || errors.Is(err, model.ErrLeaseLost) || errors.Is(err, model.ErrInvalidOperation) {
				c.logger.Debug("worker: lost race for run", "run_id", run.ID, "error", err)
			} else {
				c.logger.Warn("worker: acquire run", "run_id", run.ID, "error", err)
			}
			continue
		}

		c.mu.Lock()
		c.active[owned.ID] = struct{}{}
		c.mu.Unlock()
		c.inflight.Add(1)
		go c.drive(ctx, owned)
	}
}

func (c *Coordinator) acquire(ctx context.Context, run model.Run) (model.Run, error) {
	if run.Status == model.RunStatusQueued {
		owned, err := c.runs.Claim(ctx, run.ID, c.cfg.WorkerID, c.cfg.LeaseDuration)
		if err == nil {
			c.claimed.Add(ctx, 1)
		}
		return owned, err
	}
	owned, err := c.runs.Adopt(ctx, run.ID, c.cfg.WorkerID, c.cfg.LeaseDuration)
	if err == nil {
		c.adopted.Add(ctx, 1)
	}
	return owned, err
}

func (c *Coordinator) isActive(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// drive executes run until it is terminal, released or lost.
func (c *Coordinator) drive(ctx context.Context, run model.Run) {
	defer func() {
		c.mu.Lock()
		delete(c.active, run.ID)
		c.mu.Unlock()
		c.sem.Release(1)
		c.inflight.Done()
	}()

	owner := c.cfg.WorkerID
	logger := c.logger.With("run_id", run.ID)

	exec, ok := c.executors.Lookup(run.RunType)
	if !ok {
		msg := fmt.Sprintf("no executor registered for run type %q", run.RunType)
		if _, err := c.runs.Fail(ctx, run.ID, owner, msg); err != nil {
			c.abandon(ctx, logger, run.ID, err)
		}
		logger.Warn("worker: run failed", "reason", msg)
		return
	}

	index, attempt, err := c.resumePoint(ctx, run.ID)
	if err != nil {
		c.abandon(ctx, logger, run.ID, err)
		return
	}

	var cursor int64
	for {
		if ctx.Err() != nil {
			c.release(logger, run.ID, "shutdown")
			return
		}

		sig, err := c.runs.Signals(ctx, run.ID)
		if err != nil {
			c.abandon(ctx, logger, run.ID, err)
			return
		}
		if sig.StopRequested {
			if _, err := c.runs.Cancel(ctx, run.ID, owner, "stop requested"); err != nil {
				c.abandon(ctx, logger, run.ID, err)
				return
			}
			logger.Info("worker: run canceled")
			return
		}
		if sig.Paused {
			c.release(logger, run.ID, "paused")
			return
		}
		if c.cfg.Policy.BudgetExhausted(index) {
			if _, err := c.runs.Fail(ctx, run.ID, owner, "step budget exhausted"); err != nil {
				c.abandon(ctx, logger, run.ID, err)
				return
			}
			logger.Warn("worker: run failed", "reason", "step budget exhausted", "steps", index)
			return
		}

		directives, err := c.runs.Directives(ctx, run.ID, cursor)
		if err != nil {
			c.abandon(ctx, logger, run.ID, err)
			return
		}
		if len(directives) > 0 {
			cursor = directives[len(directives)-1].EventID
		}

		if _, err := c.runs.StartStep(ctx, run.ID, owner, index, attempt); err != nil {
			c.abandon(ctx, logger, run.ID, err)
			return
		}
		c.steps.Add(ctx, 1)

		res, lost, stepErr := c.execute(ctx, logger, exec, StepInput{
			Run:        run,
			Index:      index,
			Attempt:    attempt,
			Directives: directives,
			Reporter:   &stepReporter{runs: c.runs, runID: run.ID, index: index},
		})
		if lost {
			logger.Warn("worker: lease lost during step, abandoning run", "step_index", index)
			return
		}
		if stepErr != nil && ctx.Err() != nil {
			c.interrupt(logger, run.ID, index)
			return
		}

		if stepErr != nil {
			c.stepFailures.Add(ctx, 1)
			retry := c.cfg.Policy.ShouldRetry(attempt, stepErr)
			if _, err := c.runs.FailStep(ctx, run.ID, owner, index, stepErr.Error(), retry); err != nil {
				c.abandon(ctx, logger, run.ID, err)
				return
			}
			if !retry {
				msg := failureMessage(index, attempt, stepErr)
				if _, err := c.runs.Fail(ctx, run.ID, owner, msg); err != nil {
					c.abandon(ctx, logger, run.ID, err)
					return
				}
				logger.Warn("worker: run failed", "reason", msg)
				return
			}
			logger.Info("worker: retrying step", "step_index", index, "attempt", attempt, "error", stepErr)
			index++
			attempt++
			continue
		}

		if _, err := c.runs.CompleteStep(ctx, run.ID, owner, index, res.Output); err != nil {
			c.abandon(ctx, logger, run.ID, err)
			return
		}
		if res.Done {
			summary := res.Summary
			if summary == "" {
				summary = "completed"
			}
			if _, err := c.runs.Complete(ctx, run.ID, owner, summary); err != nil {
				c.abandon(ctx, logger, run.ID, err)
				return
			}
			logger.Info("worker: run completed", "steps", index+1)
			return
		}
		index++
		attempt = 1
	}
}

// resumePoint returns the next step index and attempt for a run this
// coordinator just acquired. After adoption the failed stale step counts as
// an attempt.
func (c *Coordinator) resumePoint(ctx context.Context, runID int64) (index, attempt int, err error) {
	steps, err := c.runs.ListSteps(ctx, runID)
	if err != nil {
		return 0, 0, err
	}
	if len(steps) == 0 {
		return 0, 1, nil
	}
	last := steps[len(steps)-1]
	if last.Status == model.StepStatusFailed {
		return last.Index + 1, last.Attempt + 1, nil
	}
	return last.Index + 1, 1, nil
}

// execute runs one step with a heartbeat. lost is true when another worker
// took the run while the step was executing.
func (c *Coordinator) execute(ctx context.Context, logger *slog.Logger, exec Executor, in StepInput) (res StepResult, lost bool, err error) {
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		idx := in.Index
		for {
			select {
			case <-stepCtx.Done():
				return
			case <-ticker.C:
				err := c.runs.Heartbeat(stepCtx, in.Run.ID, c.cfg.WorkerID, &idx, c.cfg.LeaseDuration)
				if errors.Is(err, model.ErrLeaseLost) {
					leaseLost.Store(true)
					cancel()
					return
				}
				if err != nil && stepCtx.Err() == nil {
					logger.Warn("worker: heartbeat failed", "error", err)
				}
			}
		}
	}()

	res, err = safeExecute(stepCtx, exec, in)
	cancel()
	<-hbDone
	return res, leaseLost.Load(), err
}

func safeExecute(ctx context.Context, exec Executor, in StepInput) (res StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return exec.ExecuteStep(ctx, in)
}

// interrupt records a step cut short by shutdown and releases the run so
// another coordinator can continue it.
func (c *Coordinator) interrupt(logger *slog.Logger, runID int64, index int) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if _, err := c.runs.FailStep(ctx, runID, c.cfg.WorkerID, index, "interrupted: worker shutting down", true); err != nil {
		logger.Warn("worker: record interrupted step", "step_index", index, "error", err)
	}
	c.release(logger, runID, "shutdown")
}

// abandon handles an engine error mid-drive. The run is released unless
// ownership is already gone.
func (c *Coordinator) abandon(ctx context.Context, logger *slog.Logger, runID int64, err error) {
	switch {
	case errors.Is(err, model.ErrLeaseLost):
		logger.Warn("worker: lost ownership of run", "error", err)
	case ctx.Err() != nil:
		c.release(logger, runID, "shutdown")
	default:
		logger.Error("worker: engine error, releasing run", "error", err)
		c.release(logger, runID, "engine error")
	}
}

func (c *Coordinator) release(logger *slog.Logger, runID int64, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := c.runs.Release(ctx, runID, c.cfg.WorkerID, reason); err != nil {
		logger.Warn("worker: release run", "reason", reason, "error", err)
		return
	}
	logger.Info("worker: run released", "reason", reason)
}

// Status returns a snapshot of this coordinator.
func (c *Coordinator) Status() model.WorkerStatus {
	c.mu.Lock()
	active := make([]int64, 0, len(c.active))
	for id := range c.active {
		active = append(active, id)
	}
	var last *time.Time
	if c.lastPoll != nil {
		t := *c.lastPoll
		last = &t
	}
	c.mu.Unlock()
	slices.Sort(active)

	return model.WorkerStatus{
		WorkerID:     c.cfg.WorkerID,
		Running:      c.started.Load() && !c.stopped.Load(),
		PollInterval: c.cfg.PollInterval,
		PollSeconds:  c.cfg.PollInterval.Seconds(),
		ActiveRuns:   active,
		Capacity:     c.cfg.Concurrency,
		LastPollAt:   last,
		ReportedAt:   time.Now().UTC(),
	}
}

func (c *Coordinator) report(ctx context.Context) {
	if c.sink == nil || ctx.Err() != nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.sink.Report(rctx, c.Status()); err != nil {
		c.logger.Warn("worker: report status", "error", err)
	}
}

func (c *Coordinator) registerMetrics() {
	meter := telemetry.Meter("kiroku/worker")
	c.claimed, _ = meter.Int64Counter("kiroku.worker.claimed", metric.WithDescription("Runs claimed from the queue"))
	c.adopted, _ = meter.Int64Counter("kiroku.worker.adopted", metric.WithDescription("Ownerless runs adopted"))
	c.steps, _ = meter.Int64Counter("kiroku.worker.steps", metric.WithDescription("Steps started"))
	c.stepFailures, _ = meter.Int64Counter("kiroku.worker.step_failures", metric.WithDescription("Steps that returned an error"))
	_, _ = meter.Int64ObservableGauge("kiroku.worker.active_runs",
		metric.WithDescription("Runs currently driven by this coordinator"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			n := len(c.active)
			c.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}

// stepReporter narrates executor progress for one step.
type stepReporter struct {
	runs  *runs.Service
	runID int64
	index int
}

func (r *stepReporter) Plan(ctx context.Context, plan string) error {
	idx := r.index
	_, err := r.runs.RecordPlan(ctx, r.runID, plan, &idx)
	return err
}

func (r *stepReporter) Message(ctx context.Context, kind, message string) error {
	idx := r.index
	_, err := r.runs.RecordMessage(ctx, r.runID, kind, message, &idx)
	return err
}
