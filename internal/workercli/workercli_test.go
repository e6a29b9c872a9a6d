package workercli

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	charmlog "github.com/charmbracelet/log"

	"github.com/ireznice/travis-worker/internal/bus"
	"github.com/ireznice/travis-worker/internal/instance"
	"github.com/ireznice/travis-worker/internal/metrics"
	"github.com/ireznice/travis-worker/internal/reporter"
	"github.com/ireznice/travis-worker/internal/vm"
)

func TestExitCodeNilIsZero(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d, want 0", got)
	}
}

func TestExitCodeDefaultsToOne(t *testing.T) {
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("ExitCode(plain error) = %d, want 1", got)
	}
}

func TestExitCodeExtractsCustomCode(t *testing.T) {
	if got := ExitCode(exitCodeError{code: 7}); got != 7 {
		t.Fatalf("ExitCode(exitCodeError{7}) = %d, want 7", got)
	}
}

func TestParseAcceptsOverrideFlags(t *testing.T) {
	c := &CLI{}
	parser, err := kong.New(c, kong.Name("travis-worker"))
	if err != nil {
		t.Fatalf("kong.New() error = %v", err)
	}
	if _, err := parser.Parse([]string{"--log-level", "debug", "--name", "worker-7"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if c.LogLevel != "debug" || c.Name != "worker-7" {
		t.Fatalf("unexpected parsed CLI: %+v", c)
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	c := &CLI{}
	parser, err := kong.New(c, kong.Name("travis-worker"))
	if err != nil {
		t.Fatalf("kong.New() error = %v", err)
	}
	if _, err := parser.Parse([]string{"--not-a-real-flag"}); err == nil {
		t.Fatalf("expected parse error for an unknown flag")
	}
}

type fakePublisher struct{}

func (fakePublisher) Publish(context.Context, []byte) error { return nil }
func (fakePublisher) Close() error                          { return nil }

type fakeSession struct{}

func (fakeSession) Run(context.Context, []string, func([]byte), func([]byte)) (int, error) {
	return 0, nil
}

type fakeHandle struct{}

func (fakeHandle) Prepare(context.Context) error { return nil }
func (fakeHandle) Sandboxed(ctx context.Context, _ vm.Opts, body func(context.Context, vm.Session) error) error {
	return body(ctx, fakeSession{})
}
func (fakeHandle) FullName() string { return "fake/sbx" }

func newTestInstance() *instance.Instance {
	rep := reporter.New(fakePublisher{}, fakePublisher{}, nil)
	return instance.New(instance.Deps{
		Name:     "test-worker",
		VM:       func() vm.Handle { return fakeHandle{} },
		Reporter: rep,
		Metrics:  metrics.NoopSink{},
		Log:      charmlog.New(io.Discard),
	})
}

func jobPayload(uuid string, jobID int64) []byte {
	raw, _ := json.Marshal(map[string]any{
		"uuid":   uuid,
		"job_id": jobID,
		"type":   "test",
		"script": base64.StdEncoding.EncodeToString([]byte("echo hi")),
	})
	return raw
}

func TestPumpLoopDrainsDeliveriesInOrder(t *testing.T) {
	inst := newTestInstance()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inst.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	deliveries := make(chan bus.Delivery, 2)
	var acked int
	ack := func(context.Context) error { acked++; return nil }
	deliveries <- bus.NewDelivery("1", jobPayload("job-1", 1), false, ack, nil)
	deliveries <- bus.NewDelivery("2", jobPayload("job-2", 2), false, ack, nil)
	close(deliveries)

	done := make(chan struct{})
	go func() {
		pumpLoop(ctx, inst, deliveries, charmlog.New(io.Discard))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pumpLoop did not drain the delivery channel in time")
	}
	if acked != 2 {
		t.Fatalf("expected both deliveries acked, got %d", acked)
	}
}

func TestPumpLoopStopsWhenInstanceBecomesNotReady(t *testing.T) {
	inst := newTestInstance()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inst.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	inst.Stop(true)
	<-inst.Done()

	deliveries := make(chan bus.Delivery, 1)
	deliveries <- bus.NewDelivery("1", jobPayload("job-1", 1), false, nil, nil)

	done := make(chan struct{})
	go func() {
		pumpLoop(ctx, inst, deliveries, charmlog.New(io.Discard))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pumpLoop did not return after the instance stopped accepting work")
	}
}
