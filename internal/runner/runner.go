// Package runner drives a single job's build script inside an already
// booted VM sandbox session, enforcing the hard-limit and log-silence
// timeouts and forwarding output to the reporter as it arrives.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ireznice/travis-worker/internal/envelope"
	"github.com/ireznice/travis-worker/internal/reporter"
	"github.com/ireznice/travis-worker/internal/vm"
)

// ErrVMFatal indicates the VM itself failed (crashed, lost connection,
// never became reachable) rather than the job's script failing on its
// own terms.
var ErrVMFatal = errors.New("vm fatal error")

// ErrConnectionFailure indicates the guest connection was lost mid-run,
// a narrower case of ErrVMFatal callers may want to classify
// differently (always a transient-infrastructure outcome).
var ErrConnectionFailure = errors.New("runner connection failure")

// ErrLogSilenceExceeded indicates the job produced no output for longer
// than the configured log-silence timeout.
var ErrLogSilenceExceeded = errors.New("log silence timeout exceeded")

// ErrHardLimitExceeded indicates the job ran longer than its configured
// hard limit.
var ErrHardLimitExceeded = errors.New("hard limit exceeded")

// Outcome describes how a job run ended.
type Outcome struct {
	ExitCode int
	State    string // passed|failed|errored|cancelled
}

// Timeouts bounds a single run.
type Timeouts struct {
	HardLimit  time.Duration
	LogSilence time.Duration
}

// Runner drives one job's script inside a live VM session. Construct a
// fresh Runner per job.
type Runner struct {
	job      envelope.Job
	session  vm.Session
	reporter *reporter.Reporter
	vmName   string
	timeouts Timeouts

	cancelFn   context.CancelFunc
	cancelOnce sync.Once
	mu         sync.Mutex
}

// New builds a Runner for job, driving session and reporting log output
// through reporter.
func New(job envelope.Job, session vm.Session, rep *reporter.Reporter, vmName string, timeouts Timeouts) *Runner {
	return &Runner{job: job, session: session, reporter: rep, vmName: vmName, timeouts: timeouts}
}

// Run executes the job's script to completion, to its hard limit, to a
// log-silence timeout, or to cancellation — whichever comes first.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	script, err := r.job.DecodedScript()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrVMFatal, err)
	}
	if len(script) == 0 {
		return Outcome{}, fmt.Errorf("%w: job has no script to run", ErrVMFatal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancelFn = cancel
	r.mu.Unlock()
	defer cancel()

	if r.timeouts.HardLimit > 0 {
		var hardCancel context.CancelFunc
		runCtx, hardCancel = context.WithTimeout(runCtx, r.timeouts.HardLimit)
		defer hardCancel()
	}

	silence := newSilenceWatchdog(runCtx, r.timeouts.LogSilence)
	defer silence.stop()

	onStdout := func(chunk []byte) {
		silence.reset()
		_ = r.reporter.SendLog(ctx, r.job.UUID, r.job.JobID, string(chunk), false)
	}
	onStderr := func(chunk []byte) {
		silence.reset()
		_ = r.reporter.SendLog(ctx, r.job.UUID, r.job.JobID, string(chunk), false)
	}

	command := []string{"/bin/bash", "-lc", string(script)}

	resultCh := make(chan runResult, 1)
	go func() {
		exitCode, runErr := r.session.Run(runCtx, command, onStdout, onStderr)
		resultCh <- runResult{exitCode: exitCode, err: runErr}
	}()

	select {
	case res := <-resultCh:
		_ = r.reporter.SendLog(ctx, r.job.UUID, r.job.JobID, "", true)
		return r.classify(res)
	case <-silence.timedOut():
		cancel()
		<-resultCh
		return Outcome{State: "errored"}, ErrLogSilenceExceeded
	case <-runCtx.Done():
		<-resultCh
		if ctx.Err() != nil {
			return Outcome{State: "cancelled"}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.Canceled) {
			return Outcome{State: "cancelled"}, context.Canceled
		}
		return Outcome{State: "errored"}, ErrHardLimitExceeded
	}
}

type runResult struct {
	exitCode int
	err      error
}

func (r *Runner) classify(res runResult) (Outcome, error) {
	if res.err != nil {
		return Outcome{ExitCode: res.exitCode, State: "errored"}, fmt.Errorf("%w: %v", ErrConnectionFailure, res.err)
	}
	state := "passed"
	if res.exitCode != 0 {
		state = "failed"
	}
	return Outcome{ExitCode: res.exitCode, State: state}, nil
}

// Cancel stops the in-flight run, if any. It is idempotent and safe to
// call from any goroutine, including before Run has started (in which
// case it has no effect — the caller is expected to have already
// observed no run is in flight).
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancelFn
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	r.cancelOnce.Do(cancel)
}

type silenceWatchdog struct {
	mu        sync.Mutex
	timer     *time.Timer
	duration  time.Duration
	fired     chan struct{}
	firedOnce sync.Once
}

func newSilenceWatchdog(ctx context.Context, d time.Duration) *silenceWatchdog {
	w := &silenceWatchdog{fired: make(chan struct{}), duration: d}
	if d <= 0 {
		return w
	}
	w.timer = time.AfterFunc(d, func() {
		w.firedOnce.Do(func() { close(w.fired) })
	})
	go func() {
		<-ctx.Done()
		w.stop()
	}()
	return w
}

func (w *silenceWatchdog) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.duration)
	}
}

func (w *silenceWatchdog) timedOut() <-chan struct{} {
	return w.fired
}

func (w *silenceWatchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
