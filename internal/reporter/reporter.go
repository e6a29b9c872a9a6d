// Package reporter publishes job progress and log output to the two
// outbound queues every Instance reports through. Both publishers are
// constructed eagerly, at Instance-construction time, so the first
// delivery an Instance processes never races a cold bus connection.
package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ireznice/travis-worker/internal/bus"
)

// BuildEvent is the payload shape published to the builds queue.
type BuildEvent struct {
	Type    string `json:"type"` // received|finished|restart
	UUID    string `json:"uuid"`
	JobID   int64  `json:"job_id"`
	State   string `json:"state,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	At      int64  `json:"at"` // unix seconds
}

// LogChunk is the payload shape published to the logs queue. Sequence is
// per-job, reset at the start of every process() call so downstream
// consumers can detect gaps or reordering.
type LogChunk struct {
	UUID     string `json:"uuid"`
	JobID    int64  `json:"job_id"`
	Sequence int64  `json:"sequence"`
	Content  string `json:"content"`
	Final    bool   `json:"final,omitempty"`
}

// Clock is injectable for deterministic tests.
type Clock func() time.Time

// Reporter publishes to the builds and logs queues independently: a
// stall on one must never block the other.
type Reporter struct {
	builds bus.Publisher
	logs   bus.Publisher
	now    Clock

	seq atomic.Int64
}

// New constructs a Reporter. builds and logs must be independent
// Publisher instances (distinct connections), per this codebase's
// "one publisher per stream" rule.
func New(builds, logs bus.Publisher, now Clock) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{builds: builds, logs: logs, now: now}
}

// Reset zeroes the per-job log sequence counter. Call once at the start
// of processing each delivery.
func (r *Reporter) Reset() {
	r.seq.Store(0)
}

// Received publishes a job:received event.
func (r *Reporter) Received(ctx context.Context, uuid string, jobID int64) error {
	return r.publishBuild(ctx, BuildEvent{Type: "received", UUID: uuid, JobID: jobID, At: r.now().Unix()})
}

// Finished publishes a job:finished event.
func (r *Reporter) Finished(ctx context.Context, uuid string, jobID int64, state, message string) error {
	return r.publishBuild(ctx, BuildEvent{Type: "finished", UUID: uuid, JobID: jobID, State: state, Message: message, At: r.now().Unix()})
}

// Restart publishes an application-level restart event: the worker's
// equivalent of "requeue", distinct from any bus-level redelivery.
func (r *Reporter) Restart(ctx context.Context, uuid string, jobID int64, reason string) error {
	return r.publishBuild(ctx, BuildEvent{Type: "restart", UUID: uuid, JobID: jobID, Reason: reason, At: r.now().Unix()})
}

func (r *Reporter) publishBuild(ctx context.Context, event BuildEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal build event: %w", err)
	}
	return r.builds.Publish(ctx, payload)
}

// SendLog publishes one ordered log chunk. Errors are returned so
// callers can decide whether a log-publishing stall should affect
// overall job outcome — per this codebase's contract, it must not: a
// stalled logs stream is not grounds for failing or requeueing a job.
func (r *Reporter) SendLog(ctx context.Context, uuid string, jobID int64, content string, final bool) error {
	chunk := LogChunk{
		UUID:     uuid,
		JobID:    jobID,
		Sequence: r.seq.Add(1),
		Content:  content,
		Final:    final,
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal log chunk: %w", err)
	}
	return r.logs.Publish(ctx, payload)
}

// Close releases both underlying publishers.
func (r *Reporter) Close() error {
	buildsErr := r.builds.Close()
	logsErr := r.logs.Close()
	if buildsErr != nil {
		return buildsErr
	}
	return logsErr
}
