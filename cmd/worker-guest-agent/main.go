//go:build linux

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/mdlayher/vsock"

	"github.com/ireznice/travis-worker/internal/vsockexec"
)

func main() {
	port := uint32(vsockexec.DefaultPort)
	if raw := os.Getenv("WORKER_VSOCK_PORT"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid WORKER_VSOCK_PORT %q: %v\n", raw, err)
			os.Exit(2)
		}
		port = uint32(parsed)
	}

	ln, err := listenVsock(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen vsock: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errorsIsClosed(err) {
				return
			}
			fmt.Fprintf(os.Stderr, "accept: %v\n", err)
			continue
		}
		handleConn(conn)
	}
}

// handleConn serves exactly one ExecRequest per vsock connection, matching
// the host-side contract documented on vsockSession.Run.
func handleConn(conn net.Conn) {
	defer conn.Close()

	req, err := vsockexec.DecodeRequest(conn)
	if err != nil {
		_ = vsockexec.EncodeResponse(conn, vsockexec.ExecResponse{ExitCode: 1, Error: err.Error()})
		return
	}
	if req.JobUUID != "" {
		fmt.Fprintf(os.Stderr, "job %s: exec %v\n", req.JobUUID, req.Command)
	}
	if len(req.EntropySeed) > 0 {
		_ = injectEntropy(req.EntropySeed)
	}

	runJobCommand(conn, req)
}

func errorsIsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed)
}

func listenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}
