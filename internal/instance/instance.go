// Package instance implements the build-job worker's per-subscription
// state machine: one Instance consumes one inbound delivery at a time,
// drives it through a VM sandbox, and reports its outcome.
//
// The actor-style "one goroutine owns all instance state" structure is
// grounded on this codebase's sandbox/execution service, generalized
// from a mutex-guarded map of concurrent RPC handlers to a single
// message-pump goroutine processing one delivery at a time. Cancellation
// and forced shutdown bypass the pump deliberately (see Cancel and
// Stop): both need to interrupt whatever phase an in-flight job is in,
// not wait behind it in a queue.
package instance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/ireznice/travis-worker/internal/bus"
	"github.com/ireznice/travis-worker/internal/config"
	"github.com/ireznice/travis-worker/internal/crashreporter"
	"github.com/ireznice/travis-worker/internal/envelope"
	"github.com/ireznice/travis-worker/internal/metrics"
	"github.com/ireznice/travis-worker/internal/observer"
	"github.com/ireznice/travis-worker/internal/reporter"
	"github.com/ireznice/travis-worker/internal/runner"
	"github.com/ireznice/travis-worker/internal/trace"
	"github.com/ireznice/travis-worker/internal/vm"
)

// ErrNotReady is returned by Process when the Instance is not currently
// accepting work (not yet started, already working, or stopping/stopped).
var ErrNotReady = errors.New("instance not ready")

// ErrStopped is returned by Process if the Instance stops while a
// delivery is queued or in flight.
var ErrStopped = errors.New("instance stopped")

// VMFactory builds the vm.Handle this Instance will provision once, at
// Start, and reuse for every job it processes over its lifetime.
type VMFactory func() vm.Handle

// Deps are an Instance's collaborators, all constructed eagerly by the
// caller (see internal/workercli) before Start.
type Deps struct {
	Name      string
	Host      string
	VM        VMFactory
	Reporter  *reporter.Reporter
	Observers *observer.Registry
	Crash     crashreporter.Sink
	Metrics   metrics.Sink
	Log       *charmlog.Logger
	Timeouts  config.Timeouts
}

// Instance is a single build-job worker state machine.
type Instance struct {
	deps Deps
	vm   vm.Handle

	mu             sync.Mutex
	state          State
	currentCancel  context.CancelFunc
	currentRunner  *runner.Runner
	currentJobUUID string
	payload        *envelope.Job
	lastError      string

	jobCanceled    atomic.Bool
	forcedShutdown atomic.Bool

	mailbox  chan processRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

type processRequest struct {
	ctx      context.Context
	delivery bus.Delivery
	result   chan error
}

// New constructs an Instance in state created. Call Start before
// Process.
func New(deps Deps) *Instance {
	if deps.Observers == nil {
		deps.Observers = &observer.Registry{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopSink{}
	}
	if deps.Log == nil {
		deps.Log = charmlog.New(os.Stderr)
	}
	return &Instance{
		deps:    deps,
		state:   StateCreated,
		mailbox: make(chan processRequest),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start transitions created -> starting -> ready, provisioning the VM
// backend exactly once along the way, and begins the message-pump
// goroutine. ctx bounds the Instance's entire lifetime; cancelling it is
// equivalent to a forced Stop. If provisioning fails, the Instance is
// left in stopped and Start returns the error without starting the pump.
func (i *Instance) Start(ctx context.Context) error {
	i.setState(StateStarting, "")

	handle := i.deps.VM()
	if err := handle.Prepare(ctx); err != nil {
		i.setState(StateStopped, "vm prepare failed")
		close(i.doneCh)
		return fmt.Errorf("provision vm backend: %w", err)
	}
	i.vm = handle

	i.setState(StateReady, "")
	go i.pump(ctx)
	return nil
}

// State returns the Instance's current lifecycle stage.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) pump(ctx context.Context) {
	defer close(i.doneCh)
	for {
		select {
		case req := <-i.mailbox:
			i.handleProcess(req.ctx, req.delivery)
			req.result <- nil
		case <-i.stopCh:
			i.setState(StateStopped, "")
			return
		case <-ctx.Done():
			i.forcedShutdown.Store(true)
			i.setState(StateStopped, "context cancelled")
			return
		}
	}
}

// Process submits one delivery for processing and blocks until it has
// been fully handled (acked and reported). It returns ErrNotReady
// immediately if the Instance cannot currently accept work.
func (i *Instance) Process(ctx context.Context, delivery bus.Delivery) error {
	i.mu.Lock()
	state := i.state
	i.mu.Unlock()
	if state != StateReady {
		return ErrNotReady
	}

	result := make(chan error, 1)
	select {
	case i.mailbox <- processRequest{ctx: ctx, delivery: delivery, result: result}:
	case <-i.doneCh:
		return ErrStopped
	}

	select {
	case err := <-result:
		return err
	case <-i.doneCh:
		return ErrStopped
	}
}

func (i *Instance) handleProcess(ctx context.Context, delivery bus.Delivery) {
	i.setState(StateWorking, "")
	defer func() {
		i.mu.Lock()
		i.payload = nil
		stopping := i.state == StateStopping
		i.mu.Unlock()
		// A Stop that arrived mid-job keeps the Instance in stopping;
		// the pump then moves it to stopped.
		if !stopping {
			i.setState(StateReady, "")
		}
	}()

	i.jobCanceled.Store(false)

	job, err := envelope.Decode(delivery.Payload)
	if err != nil {
		i.deps.Log.Error("malformed job payload, discarding", "error", err)
		_ = delivery.Ack(ctx)
		return
	}

	log := i.deps.Log.With("component", "instance", "uuid", job.UUID, "job_id", job.JobID)
	jobCtx := trace.WithJobUUID(ctx, job.UUID)

	i.mu.Lock()
	i.currentJobUUID = job.UUID
	i.payload = &job
	i.lastError = ""
	i.mu.Unlock()

	i.deps.Reporter.Reset()
	if err := i.deps.Reporter.Received(jobCtx, job.UUID, job.JobID); err != nil {
		log.Warn("failed to publish job:received", "error", err)
	}

	outcome, runErr := i.runJob(jobCtx, job)
	i.classify(jobCtx, log, delivery, job, outcome, runErr)
}

func (i *Instance) runJob(ctx context.Context, job envelope.Job) (runner.Outcome, error) {
	jobCtx, cancel := context.WithCancel(ctx)
	i.mu.Lock()
	i.currentCancel = cancel
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.currentCancel = nil
		i.currentRunner = nil
		i.mu.Unlock()
		cancel()
	}()

	if i.jobCanceled.Load() {
		return runner.Outcome{State: "cancelled"}, context.Canceled
	}

	opts := vm.Opts{
		JobUUID:     job.UUID,
		Language:    job.Config.Language,
		Dist:        job.Config.Dist,
		Group:       job.Config.Group,
		OSXImage:    job.Config.OSXImage,
		CustomImage: job.Config.CustomImage,
		Env:         job.Config.Env,
	}

	hardLimit, logSilence := i.deps.Timeouts.ResolveTimeouts(job.Timeouts.HardLimitSeconds, job.Timeouts.LogSilenceSeconds)

	var outcome runner.Outcome
	var runErr error
	sandboxErr := i.vm.Sandboxed(jobCtx, opts, func(sessionCtx context.Context, session vm.Session) error {
		if i.jobCanceled.Load() {
			return context.Canceled
		}
		jr := runner.New(job, session, i.deps.Reporter, i.vm.FullName(), runner.Timeouts{HardLimit: hardLimit, LogSilence: logSilence})
		i.mu.Lock()
		i.currentRunner = jr
		i.mu.Unlock()

		outcome, runErr = jr.Run(sessionCtx)
		return runErr
	})
	if sandboxErr != nil && runErr == nil {
		return runner.Outcome{State: "errored"}, fmt.Errorf("%w: %v", runner.ErrVMFatal, sandboxErr)
	}
	return outcome, runErr
}

// classify implements the outcome-classification contract: every
// delivery is acknowledged exactly once, and requeueing — whatever the
// cause, including the worker being forcibly shut down mid-job — is
// always an application-level reporter event, never bus-level
// redelivery.
func (i *Instance) classify(ctx context.Context, log *charmlog.Logger, delivery bus.Delivery, job envelope.Job, outcome runner.Outcome, runErr error) {
	switch {
	case runErr == nil:
		_ = delivery.Ack(ctx)
		if err := i.deps.Reporter.Finished(ctx, job.UUID, job.JobID, outcome.State, ""); err != nil {
			log.Warn("failed to publish job:finished", "error", err)
		}

	case i.forcedShutdown.Load():
		_ = delivery.Ack(ctx)
		if err := i.deps.Reporter.Restart(ctx, job.UUID, job.JobID, "forced shutdown"); err != nil {
			log.Error("failed to publish restart event for forced shutdown", "error", err)
		}

	case errors.Is(runErr, context.Canceled) || i.jobCanceled.Load():
		_ = delivery.Ack(ctx)
		if err := i.deps.Reporter.Finished(ctx, job.UUID, job.JobID, "cancelled", runErr.Error()); err != nil {
			log.Warn("failed to publish job:finished for cancellation", "error", err)
		}

	case errors.Is(runErr, runner.ErrVMFatal), errors.Is(runErr, runner.ErrConnectionFailure),
		errors.Is(runErr, runner.ErrHardLimitExceeded), errors.Is(runErr, runner.ErrLogSilenceExceeded):
		_ = delivery.Ack(ctx)
		i.deps.Metrics.Inc(metrics.CounterJobRequeue, 1, map[string]string{"reason": runErr.Error()})
		if err := i.deps.Reporter.Restart(ctx, job.UUID, job.JobID, runErr.Error()); err != nil {
			log.Error("failed to publish restart event", "error", err)
		}

	default:
		_ = delivery.Ack(ctx)

		stack := string(debug.Stack())
		message := runErr.Error() + "\n" + stack
		i.mu.Lock()
		i.lastError = message
		i.mu.Unlock()
		i.setState(StateErrored, runErr.Error())

		i.deps.Crash.Report(ctx, "instance.process", runErr, map[string]string{"uuid": job.UUID, "stack": stack})
		if err := i.deps.Reporter.Restart(ctx, job.UUID, job.JobID, runErr.Error()); err != nil {
			log.Error("failed to publish restart event for unclassified error", "error", err)
		}

		select {
		case <-time.After(i.deps.Timeouts.RequeueCooldown):
		case <-i.stopCh:
		}
	}
}

// Cancel interrupts the in-flight job, if any, without affecting the
// Instance's ability to accept future deliveries. It never blocks on the
// message pump: it either delegates to the live runner's own Cancel, or
// — if no runner has been constructed yet (the job's sandbox is still
// booting) — cancels the job's context directly. It also sets the
// job-cancelled flag, which runJob checks before and on entering the
// sandbox and classify checks when choosing the outcome. The flag is
// cleared when each delivery starts, so a cancel arriving with no job in
// flight has no effect on later deliveries.
func (i *Instance) Cancel() {
	i.jobCanceled.Store(true)

	i.mu.Lock()
	r := i.currentRunner
	cancel := i.currentCancel
	i.mu.Unlock()

	if r != nil {
		r.Cancel()
		return
	}
	if cancel != nil {
		cancel()
	}
}

// Stop begins shutdown. A graceful stop lets any in-flight job finish
// normally and stops accepting new deliveries once it does. A forced
// stop interrupts the in-flight job immediately (equivalent to Cancel)
// and marks the eventual outcome as abandoned: classify still acks the
// delivery and restarts the job through the reporter, since this
// process can no longer guarantee it will finish running it itself.
func (i *Instance) Stop(force bool) {
	i.mu.Lock()
	if i.state == StateStopping || i.state == StateStopped {
		i.mu.Unlock()
		return
	}
	i.state = StateStopping
	r := i.currentRunner
	cancel := i.currentCancel
	i.mu.Unlock()

	i.notify("stopping")

	if force {
		i.forcedShutdown.Store(true)
		if r != nil {
			r.Cancel()
		}
		if cancel != nil {
			cancel()
		}
	}

	i.stopOnce.Do(func() { close(i.stopCh) })
}

// Done returns a channel closed once the Instance's pump goroutine has
// exited and its state is stopped.
func (i *Instance) Done() <-chan struct{} {
	return i.doneCh
}

func (i *Instance) setState(s State, message string) {
	i.mu.Lock()
	i.state = s
	i.mu.Unlock()
	i.notify(message)
	i.deps.Log.Debug("instance state transition", "component", "instance", "state", s.String())
}

// notify reports the Instance's current status to every registered
// observer, reading the job UUID, payload snapshot, and last error off
// Instance state rather than threading them through every call site.
func (i *Instance) notify(message string) {
	i.mu.Lock()
	state := i.state
	jobUUID := i.currentJobUUID
	payload := i.payload
	lastError := i.lastError
	i.mu.Unlock()
	i.deps.Observers.Notify(observer.Report{
		InstanceName: i.deps.Name,
		Host:         i.deps.Host,
		State:        state.String(),
		JobUUID:      jobUUID,
		LastError:    lastError,
		Payload:      payload,
		Message:      message,
	})
}
