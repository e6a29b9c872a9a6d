//go:build linux

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ireznice/travis-worker/internal/vsockexec"
)

func TestBuildCommandEnvAppliesDefaults(t *testing.T) {
	env := buildCommandEnv(nil)
	if !containsKey(env, "PATH") {
		t.Fatalf("expected PATH default to be present, got %v", env)
	}
	if !containsKey(env, "HOME") {
		t.Fatalf("expected HOME default to be present, got %v", env)
	}
}

func TestBuildCommandEnvRequestOverridesHost(t *testing.T) {
	env := buildCommandEnv([]string{"HOME=/job/workspace", "CUSTOM=1"})
	if got := lookup(env, "HOME"); got != "/job/workspace" {
		t.Fatalf("expected request HOME to win, got %q", got)
	}
	if got := lookup(env, "CUSTOM"); got != "1" {
		t.Fatalf("expected CUSTOM=1 to be present, got %q", got)
	}
}

func TestFrameSenderSendsValidFrames(t *testing.T) {
	var buf bytes.Buffer
	sender := newFrameSender(&buf)

	if err := sender.Send(vsockexec.ExecStreamFrame{Type: "stdout", Data: []byte("hi")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := sender.Send(vsockexec.ExecStreamFrame{Type: "exit", ExitCode: 0}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var stdout bytes.Buffer
	res, err := vsockexec.DecodeStreamResponse(&buf, vsockexec.StreamCallbacks{
		OnStdout: func(chunk []byte) { stdout.Write(chunk) },
	})
	if err != nil {
		t.Fatalf("DecodeStreamResponse() error = %v", err)
	}
	if stdout.String() != "hi" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if res.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
}

func TestStreamFrameWriterSkipsEmptyWrites(t *testing.T) {
	var sent []vsockexec.ExecStreamFrame
	w := streamFrameWriter{
		send: func(f vsockexec.ExecStreamFrame) error { sent = append(sent, f); return nil },
		kind: "stdout",
	}

	n, err := w.Write(nil)
	if err != nil || n != 0 {
		t.Fatalf("Write(nil) = (%d, %v), want (0, nil)", n, err)
	}
	if len(sent) != 0 {
		t.Fatalf("expected no frame sent for an empty write, got %+v", sent)
	}

	if _, err := w.Write([]byte("chunk")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(sent) != 1 || sent[0].Type != "stdout" || string(sent[0].Data) != "chunk" {
		t.Fatalf("unexpected sent frames: %+v", sent)
	}
}

func containsKey(env []string, key string) bool {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	return false
}

func lookup(env []string, key string) string {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return strings.TrimPrefix(entry, prefix)
		}
	}
	return ""
}
