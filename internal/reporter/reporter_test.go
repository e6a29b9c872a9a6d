package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePublisher struct {
	mu      sync.Mutex
	payload [][]byte
	failNext bool
	closed  bool
}

func (p *fakePublisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return errors.New("publish failed")
	}
	p.payload = append(p.payload, append([]byte(nil), payload...))
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestReceivedFinishedRestart(t *testing.T) {
	builds := &fakePublisher{}
	logs := &fakePublisher{}
	r := New(builds, logs, fixedClock(time.Unix(100, 0)))

	if err := r.Received(context.Background(), "job-1", 1); err != nil {
		t.Fatalf("Received() error = %v", err)
	}
	if err := r.Finished(context.Background(), "job-1", 1, "passed", ""); err != nil {
		t.Fatalf("Finished() error = %v", err)
	}
	if err := r.Restart(context.Background(), "job-1", 1, "transient infra error"); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	if len(builds.payload) != 3 {
		t.Fatalf("expected 3 build events, got %d", len(builds.payload))
	}

	var received BuildEvent
	if err := json.Unmarshal(builds.payload[0], &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.Type != "received" || received.At != 100 {
		t.Fatalf("unexpected received event: %+v", received)
	}

	var restart BuildEvent
	if err := json.Unmarshal(builds.payload[2], &restart); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if restart.Type != "restart" || restart.Reason == "" {
		t.Fatalf("unexpected restart event: %+v", restart)
	}
}

func TestSendLogSequenceResetsPerJob(t *testing.T) {
	builds := &fakePublisher{}
	logs := &fakePublisher{}
	r := New(builds, logs, nil)

	r.Reset()
	_ = r.SendLog(context.Background(), "job-1", 1, "line one", false)
	_ = r.SendLog(context.Background(), "job-1", 1, "line two", true)

	var first, second LogChunk
	_ = json.Unmarshal(logs.payload[0], &first)
	_ = json.Unmarshal(logs.payload[1], &second)
	if first.Sequence != 1 || second.Sequence != 2 {
		t.Fatalf("expected sequence 1,2 got %d,%d", first.Sequence, second.Sequence)
	}
	if !second.Final {
		t.Fatalf("expected second chunk to be marked final")
	}

	r.Reset()
	_ = r.SendLog(context.Background(), "job-2", 2, "line one", false)
	var third LogChunk
	_ = json.Unmarshal(logs.payload[2], &third)
	if third.Sequence != 1 {
		t.Fatalf("expected sequence counter to reset to 1, got %d", third.Sequence)
	}
}

func TestLogFailureDoesNotAffectBuildsPublisher(t *testing.T) {
	builds := &fakePublisher{}
	logs := &fakePublisher{failNext: true}
	r := New(builds, logs, nil)

	if err := r.SendLog(context.Background(), "job-1", 1, "boom", false); err == nil {
		t.Fatalf("expected SendLog to surface the publish error")
	}
	if err := r.Received(context.Background(), "job-1", 1); err != nil {
		t.Fatalf("builds publisher should be unaffected by logs failure: %v", err)
	}
}
