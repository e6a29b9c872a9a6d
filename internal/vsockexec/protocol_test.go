package vsockexec

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRequestRoundTrip(t *testing.T) {
	req := ExecRequest{
		Command:     []string{"/bin/bash", "-lc", "echo hi"},
		Dir:         "/workspace",
		Env:         []string{"FOO=bar"},
		EntropySeed: []byte{1, 2, 3},
	}

	var buf bytes.Buffer
	if err := EncodeRequest(&buf, req); err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	got, err := DecodeRequest(&buf)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if got.Dir != req.Dir || len(got.Command) != len(req.Command) || got.Command[2] != "echo hi" {
		t.Fatalf("DecodeRequest() = %+v, want %+v", got, req)
	}
}

func TestDecodeRequestRejectsMissingCommand(t *testing.T) {
	_, err := DecodeRequest(bytes.NewReader([]byte(`{"command":[]}`)))
	if err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestDecodeRequestRejectsBlankExecutable(t *testing.T) {
	_, err := DecodeRequest(bytes.NewReader([]byte(`{"command":["  ", "-lc"]}`)))
	if err == nil {
		t.Fatalf("expected error for blank executable")
	}
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	res := ExecResponse{ExitCode: 1, Stdout: "out", Stderr: "err", Error: "boom"}

	var buf bytes.Buffer
	if err := EncodeResponse(&buf, res); err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	got, err := DecodeResponse(&buf)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if got != res {
		t.Fatalf("DecodeResponse() = %+v, want %+v", got, res)
	}
}

func TestDecodeStreamResponseDispatchesCallbacksInOrder(t *testing.T) {
	var buf bytes.Buffer
	frames := []ExecStreamFrame{
		{Type: "stdout", Data: []byte("hello ")},
		{Type: "stderr", Data: []byte("warn")},
		{Type: "stdout", Data: []byte("world")},
		{Type: "exit", ExitCode: 3, Error: "failed"},
	}
	for _, f := range frames {
		if err := EncodeStreamFrame(&buf, f); err != nil {
			t.Fatalf("EncodeStreamFrame() error = %v", err)
		}
	}

	var stdout, stderr bytes.Buffer
	res, err := DecodeStreamResponse(&buf, StreamCallbacks{
		OnStdout: func(chunk []byte) { stdout.Write(chunk) },
		OnStderr: func(chunk []byte) { stderr.Write(chunk) },
	})
	if err != nil {
		t.Fatalf("DecodeStreamResponse() error = %v", err)
	}
	if stdout.String() != "hello world" {
		t.Fatalf("unexpected stdout: %q", stdout.String())
	}
	if stderr.String() != "warn" {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
	if res.ExitCode != 3 || res.Error != "failed" {
		t.Fatalf("unexpected final response: %+v", res)
	}
}

func TestDecodeStreamResponseSkipsEmptyChunks(t *testing.T) {
	var buf bytes.Buffer
	_ = EncodeStreamFrame(&buf, ExecStreamFrame{Type: "stdout", Data: nil})
	_ = EncodeStreamFrame(&buf, ExecStreamFrame{Type: "exit", ExitCode: 0})

	calls := 0
	_, err := DecodeStreamResponse(&buf, StreamCallbacks{
		OnStdout: func([]byte) { calls++ },
	})
	if err != nil {
		t.Fatalf("DecodeStreamResponse() error = %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no callback invocation for an empty chunk, got %d", calls)
	}
}

func TestDecodeStreamResponseBackwardCompatSinglePayload(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeResponse(&buf, ExecResponse{ExitCode: 7, Stdout: "legacy"}); err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	res, err := DecodeStreamResponse(&buf, StreamCallbacks{})
	if err != nil {
		t.Fatalf("DecodeStreamResponse() error = %v", err)
	}
	if res.ExitCode != 7 || res.Stdout != "legacy" {
		t.Fatalf("unexpected backward-compat response: %+v", res)
	}
}

func TestDecodeStreamResponseRejectsUnknownFrameType(t *testing.T) {
	var buf bytes.Buffer
	_ = EncodeStreamFrame(&buf, ExecStreamFrame{Type: "bogus"})

	if _, err := DecodeStreamResponse(&buf, StreamCallbacks{}); err == nil {
		t.Fatalf("expected error for unknown frame type")
	}
}
