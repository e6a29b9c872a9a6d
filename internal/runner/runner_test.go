package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/ireznice/travis-worker/internal/envelope"
	"github.com/ireznice/travis-worker/internal/reporter"
)

type fakePublisher struct{ payload [][]byte }

func (p *fakePublisher) Publish(_ context.Context, payload []byte) error {
	p.payload = append(p.payload, payload)
	return nil
}
func (p *fakePublisher) Close() error { return nil }

type fakeSession struct {
	exitCode int
	err      error
	block    chan struct{}
	stdout   []string
}

func (s *fakeSession) Run(ctx context.Context, command []string, onStdout, onStderr func([]byte)) (int, error) {
	for _, line := range s.stdout {
		onStdout([]byte(line))
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return s.exitCode, s.err
}

func jobWithScript(script string) envelope.Job {
	return envelope.Job{
		UUID:   "job-uuid",
		JobID:  1,
		Type:   "test",
		Script: base64.StdEncoding.EncodeToString([]byte(script)),
	}
}

func TestRunPassed(t *testing.T) {
	rep := reporter.New(&fakePublisher{}, &fakePublisher{}, nil)
	r := New(jobWithScript("echo hi"), &fakeSession{exitCode: 0}, rep, "firecracker/sbx_1", Timeouts{})

	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.State != "passed" {
		t.Fatalf("expected passed, got %+v", outcome)
	}
}

func TestRunFailedExitCode(t *testing.T) {
	rep := reporter.New(&fakePublisher{}, &fakePublisher{}, nil)
	r := New(jobWithScript("exit 1"), &fakeSession{exitCode: 1}, rep, "firecracker/sbx_1", Timeouts{})

	outcome, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.State != "failed" || outcome.ExitCode != 1 {
		t.Fatalf("expected failed/1, got %+v", outcome)
	}
}

func TestRunConnectionFailure(t *testing.T) {
	rep := reporter.New(&fakePublisher{}, &fakePublisher{}, nil)
	r := New(jobWithScript("echo hi"), &fakeSession{err: errors.New("vsock reset")}, rep, "firecracker/sbx_1", Timeouts{})

	_, err := r.Run(context.Background())
	if !errors.Is(err, ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
}

func TestRunMissingScript(t *testing.T) {
	rep := reporter.New(&fakePublisher{}, &fakePublisher{}, nil)
	r := New(envelope.Job{UUID: "x", JobID: 1}, &fakeSession{}, rep, "firecracker/sbx_1", Timeouts{})

	_, err := r.Run(context.Background())
	if !errors.Is(err, ErrVMFatal) {
		t.Fatalf("expected ErrVMFatal, got %v", err)
	}
}

func TestCancelStopsInFlightRun(t *testing.T) {
	rep := reporter.New(&fakePublisher{}, &fakePublisher{}, nil)
	session := &fakeSession{block: make(chan struct{})}
	r := New(jobWithScript("sleep 100"), session, rep, "firecracker/sbx_1", Timeouts{})

	done := make(chan struct{})
	go func() {
		outcome, err := r.Run(context.Background())
		if outcome.State != "cancelled" {
			t.Errorf("expected cancelled outcome, got %+v err %v", outcome, err)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Cancel()
	r.Cancel() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after Cancel")
	}
}

func TestRunHardLimitExceeded(t *testing.T) {
	rep := reporter.New(&fakePublisher{}, &fakePublisher{}, nil)
	session := &fakeSession{block: make(chan struct{})}
	r := New(jobWithScript("sleep 100"), session, rep, "firecracker/sbx_1", Timeouts{HardLimit: 20 * time.Millisecond})

	_, err := r.Run(context.Background())
	if !errors.Is(err, ErrHardLimitExceeded) {
		t.Fatalf("expected ErrHardLimitExceeded, got %v", err)
	}
}
