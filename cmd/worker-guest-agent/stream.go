//go:build linux

package main

import (
	"io"
	"sync"

	"github.com/ireznice/travis-worker/internal/vsockexec"
)

// frameSender serializes ExecStreamFrame writes onto a shared connection;
// stdout and stderr copies run on separate goroutines and must not
// interleave partial JSON frames.
type frameSender struct {
	w  io.Writer
	mu sync.Mutex
}

func newFrameSender(w io.Writer) *frameSender {
	return &frameSender{w: w}
}

func (s *frameSender) Send(frame vsockexec.ExecStreamFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return vsockexec.EncodeStreamFrame(s.w, frame)
}

// streamFrameWriter adapts a frameSender into an io.Writer for a single
// output kind, so it can be fed directly into io.MultiWriter/io.Copy.
type streamFrameWriter struct {
	send func(vsockexec.ExecStreamFrame) error
	kind string
}

func (w streamFrameWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if w.send == nil {
		return len(p), nil
	}
	if err := w.send(vsockexec.ExecStreamFrame{
		Type: w.kind,
		Data: append([]byte(nil), p...),
	}); err != nil {
		return 0, err
	}
	return len(p), nil
}
