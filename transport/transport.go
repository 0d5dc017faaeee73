// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// WorkerFD is the file descriptor number at which a worker process
// inherits its end of the transport socketpair.
const WorkerFD = 3

// readyByte is the single byte a worker writes once its lockdown has
// run and it is about to enter the command loop.
const readyByte = 0x01

// Socketpair creates the transport between the host and one worker
// process. The returned conn is the host end; the file is the child
// end, to be placed in the worker's ExtraFiles (becoming fd 3) and
// closed in the parent after the process has started.
func Socketpair() (net.Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}

	hostFile := os.NewFile(uintptr(fds[0]), "worker-transport-host")
	childFile := os.NewFile(uintptr(fds[1]), "worker-transport-child")

	conn, err := net.FileConn(hostFile)
	// net.FileConn dups the descriptor; the original is closed either
	// way.
	hostFile.Close()
	if err != nil {
		childFile.Close()
		return nil, nil, fmt.Errorf("wrapping host end: %w", err)
	}
	return conn, childFile, nil
}

// WorkerConn wraps the transport descriptor a worker process
// inherited at fd 3.
func WorkerConn() (net.Conn, error) {
	file := os.NewFile(WorkerFD, "transport")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping inherited transport fd %d: %w", WorkerFD, err)
	}
	return conn, nil
}

// SignalReady writes the readiness byte. Workers call this exactly
// once, after lockdown and before the command loop.
func SignalReady(w io.Writer) error {
	if _, err := w.Write([]byte{readyByte}); err != nil {
		return fmt.Errorf("signaling readiness: %w", err)
	}
	return nil
}

// AwaitReady blocks until the readiness byte arrives on conn or the
// timeout elapses. Anything other than the readiness byte is a
// protocol violation.
func AwaitReady(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting readiness deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return fmt.Errorf("awaiting readiness: %w", err)
	}
	if b[0] != readyByte {
		return fmt.Errorf("unexpected readiness byte 0x%02x", b[0])
	}
	return nil
}

// Pipe returns an in-memory transport pair for tests. Both ends are
// synchronous net.Conns, so a test standing in for the worker must
// keep reading — exactly what a mux pump does.
func Pipe() (net.Conn, net.Conn) {
	return net.Pipe()
}
