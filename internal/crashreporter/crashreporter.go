// Package crashreporter defines the uplink an Instance uses to report
// unclassified failures, independent of normal job-outcome reporting.
package crashreporter

import (
	"context"
	"fmt"
	"os"
)

// Sink accepts a crash report. Implementations must never propagate
// their own failures back to the caller: a broken crash-reporting
// uplink must not take down job processing.
type Sink interface {
	Report(ctx context.Context, source string, err error, fields map[string]string)
}

// LoggingSink reports to a structured logger and falls back to stderr if
// the logger itself is nil or panics.
type LoggingSink struct {
	log func(msg string, keyvals ...any)
}

// NewLoggingSink builds a LoggingSink around log. If log is nil, reports
// go straight to stderr.
func NewLoggingSink(log func(msg string, keyvals ...any)) *LoggingSink {
	return &LoggingSink{log: log}
}

func (s *LoggingSink) Report(_ context.Context, source string, err error, fields map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "crashreporter: sink panicked while reporting %s: %v (original error: %v)\n", source, r, err)
		}
	}()

	if s == nil || s.log == nil {
		fmt.Fprintf(os.Stderr, "crashreporter: %s: %v %v\n", source, err, fields)
		return
	}

	keyvals := []any{"source", source, "error", err}
	for k, v := range fields {
		keyvals = append(keyvals, k, v)
	}
	s.log("unclassified job failure", keyvals...)
}
