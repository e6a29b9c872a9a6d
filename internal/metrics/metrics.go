// Package metrics fixes the contractual counter names emitted by a
// worker instance and provides a minimal sink interface for them. No
// metrics client exists anywhere in this codebase's dependency stack, so
// the sink itself is a small stdlib interface; callers who want a real
// backend (statsd, prometheus, etc.) implement Sink and pass it in.
package metrics

import "sync/atomic"

// Counter names are part of the worker's external contract: operators
// build dashboards and alerts against these literal strings.
const (
	CounterJobRequeue = "worker.job.requeue"
)

// Sink receives counter increments. Implementations must be safe for
// concurrent use; a single worker process may run several Instances
// sharing one Sink.
type Sink interface {
	Inc(name string, delta int64, tags map[string]string)
}

// NoopSink discards everything. Useful in tests, and the sink
// instance.New uses when Deps.Metrics is nil.
type NoopSink struct{}

func (NoopSink) Inc(string, int64, map[string]string) {}

// LoggingSink records increments in an in-process counter map and logs
// each increment via the supplied logger function. It is the default
// sink wired by cmd/worker when no external metrics backend is
// configured.
type LoggingSink struct {
	log     func(msg string, keyvals ...any)
	totals  map[string]*int64
}

// NewLoggingSink builds a LoggingSink. log may be nil, in which case
// increments are tracked but never printed.
func NewLoggingSink(log func(msg string, keyvals ...any)) *LoggingSink {
	return &LoggingSink{
		log:    log,
		totals: map[string]*int64{CounterJobRequeue: new(int64)},
	}
}

func (s *LoggingSink) Inc(name string, delta int64, tags map[string]string) {
	counter, ok := s.totals[name]
	if !ok {
		counter = new(int64)
		s.totals[name] = counter
	}
	total := atomic.AddInt64(counter, delta)
	if s.log != nil {
		keyvals := []any{"counter", name, "delta", delta, "total", total}
		for k, v := range tags {
			keyvals = append(keyvals, k, v)
		}
		s.log("metric", keyvals...)
	}
}

// Total returns the current accumulated value for name (0 if never
// incremented). Exposed primarily for tests.
func (s *LoggingSink) Total(name string) int64 {
	counter, ok := s.totals[name]
	if !ok {
		return 0
	}
	return atomic.LoadInt64(counter)
}
