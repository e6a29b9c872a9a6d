//go:build linux

package main

import (
	"bytes"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/ireznice/travis-worker/internal/vsockexec"
)

// runJobCommand executes req.Command, streaming stdout/stderr to conn as
// ExecStreamFrame values as they're produced, then writes a final exit
// frame once the process and its pipe copies have both completed.
func runJobCommand(conn net.Conn, req vsockexec.ExecRequest) {
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	cmd.Env = buildCommandEnv(req.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = vsockexec.EncodeResponse(conn, vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = vsockexec.EncodeResponse(conn, vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()})
		return
	}

	if err := cmd.Start(); err != nil {
		_ = vsockexec.EncodeResponse(conn, vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()})
		return
	}

	frames := newFrameSender(conn)
	res := collectOutput(cmd, stdout, stderr, frames)

	if err := frames.Send(vsockexec.ExecStreamFrame{
		Type:     "exit",
		ExitCode: res.ExitCode,
		Error:    res.Error,
	}); err != nil {
		// Fallback for older/newer protocol mismatches.
		_ = vsockexec.EncodeResponse(conn, res)
	}
}

// collectOutput pipes stdout/stderr through frames while also buffering them
// into the returned ExecResponse, then waits for the process to finish.
func collectOutput(cmd *exec.Cmd, stdout, stderr io.Reader, frames *frameSender) vsockexec.ExecResponse {
	var stdoutBuf, stderrBuf bytes.Buffer
	copyErrCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.Copy(io.MultiWriter(&stdoutBuf, streamFrameWriter{send: frames.Send, kind: "stdout"}), stdout)
		copyErrCh <- err
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(io.MultiWriter(&stderrBuf, streamFrameWriter{send: frames.Send, kind: "stderr"}), stderr)
		copyErrCh <- err
	}()

	// Wait for pipe readers to drain before cmd.Wait(), which closes the
	// pipes. Go docs: "It is incorrect to call Wait before all reads from
	// the pipe have completed."
	wg.Wait()
	close(copyErrCh)

	waitErr := cmd.Wait()
	for copyErr := range copyErrCh {
		if copyErr != nil && waitErr == nil {
			waitErr = copyErr
		}
	}

	res := vsockexec.ExecResponse{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}
	switch exitErr := waitErr.(type) {
	case nil:
		res.ExitCode = 0
	case *exec.ExitError:
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = 1
		res.Error = waitErr.Error()
	}
	return res
}

// buildCommandEnv starts from the guest's process environment so
// caller-provided values can override it, while ensuring baseline
// HOME/PATH defaults exist for lookups the job script relies on.
func buildCommandEnv(requestEnv []string) []string {
	base := map[string]string{}
	for _, entry := range os.Environ() {
		key, value := splitEnvEntry(entry)
		base[key] = value
	}
	for _, entry := range requestEnv {
		key, value := splitEnvEntry(entry)
		base[key] = value
	}

	if strings.TrimSpace(base["HOME"]) == "" {
		base["HOME"] = "/root"
	}
	if strings.TrimSpace(base["PATH"]) == "" {
		base["PATH"] = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/root/.local/bin"
	}

	out := make([]string, 0, len(base))
	for key, value := range base {
		out = append(out, key+"="+value)
	}
	return out
}

func splitEnvEntry(entry string) (key, value string) {
	parts := strings.SplitN(entry, "=", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}
