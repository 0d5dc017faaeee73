// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/enclave-foundation/enclave/lib/codec"
)

// Channel names of the isolation protocol. Host and worker must use
// identical strings or every message lands on a channel nobody
// opened.
const (
	// ChannelCommand carries the control plane: JSON-RPC commands
	// from the host (ping, executeSnap, snapRpc) and their responses,
	// plus id-less out-of-band errors pushed by the worker.
	ChannelCommand = "command"

	// ChannelJSONRPC carries snap provider traffic between the snap
	// and the host's wallet middleware. Opaque to the runtime; the
	// mux only pipes it.
	ChannelJSONRPC = "jsonRpc"
)

// maxFrameLength bounds a single frame. Snap source code travels in
// one executeSnap message, so the limit is generous; anything larger
// indicates a corrupt length prefix.
const maxFrameLength = 16 * 1024 * 1024

// defaultBufferSize is the per-substream inbound queue length.
const defaultBufferSize = 64

// ErrMuxClosed is returned by Send after the mux has shut down.
var ErrMuxClosed = errors.New("mux: closed")

// envelope is the CBOR wire envelope wrapping every payload.
type envelope struct {
	Channel string `cbor:"channel"`
	Payload []byte `cbor:"payload"`
}

// Mux multiplexes named substreams over one duplex transport. Open
// substreams before calling Run; envelopes for channels nobody opened
// are dropped with a log line.
type Mux struct {
	conn   io.ReadWriteCloser
	logger *slog.Logger

	// writeMu serializes frames from concurrent substream writers.
	writeMu sync.Mutex

	mu         sync.Mutex
	streams    map[string]*Stream
	bufferSize int
	closed     bool
	err        error

	// done is closed by shutdown to unblock the pump's substream
	// delivery. The pump goroutine is the sole closer of substream
	// channels, so delivery and close can never race.
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the mux logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mux) { m.logger = logger }
}

// WithBufferSize sets the per-substream inbound queue length.
func WithBufferSize(n int) Option {
	return func(m *Mux) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// New creates a mux over conn. The mux owns conn: closing the mux
// closes the transport, and a transport failure closes the mux.
func New(conn io.ReadWriteCloser, options ...Option) *Mux {
	m := &Mux{
		conn:       conn,
		logger:     slog.Default(),
		streams:    make(map[string]*Stream),
		bufferSize: defaultBufferSize,
		done:       make(chan struct{}),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Open creates the substream for channel. Opening the same channel
// twice is a programming error and fails.
func (m *Mux) Open(channel string) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMuxClosed
	}
	if _, exists := m.streams[channel]; exists {
		return nil, fmt.Errorf("mux: channel %q already open", channel)
	}
	s := &Stream{
		channel: channel,
		mux:     m,
		in:      make(chan []byte, m.bufferSize),
	}
	m.streams[channel] = s
	return s, nil
}

// Run pumps inbound frames to their substreams until the transport
// fails or the mux is closed, then closes every substream's delivery
// channel. It returns the terminal error (nil after an orderly close
// or peer hangup). Run must be called exactly once; substreams only
// learn about shutdown through it.
func (m *Mux) Run() error {
	defer func() {
		m.mu.Lock()
		streams := make([]*Stream, 0, len(m.streams))
		for _, s := range m.streams {
			streams = append(streams, s)
		}
		m.mu.Unlock()
		for _, s := range streams {
			close(s.in)
		}
	}()

	var header [4]byte
	for {
		if _, err := io.ReadFull(m.conn, header[:]); err != nil {
			return m.shutdown(readError(err))
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > maxFrameLength {
			return m.shutdown(fmt.Errorf("mux: frame length %d exceeds limit", length))
		}

		frame := make([]byte, length)
		if _, err := io.ReadFull(m.conn, frame); err != nil {
			return m.shutdown(readError(err))
		}

		var env envelope
		if err := codec.Unmarshal(frame, &env); err != nil {
			return m.shutdown(fmt.Errorf("mux: decoding envelope: %w", err))
		}

		m.mu.Lock()
		s, ok := m.streams[env.Channel]
		m.mu.Unlock()
		if !ok {
			m.logger.Debug("dropping message for unknown channel", "channel", env.Channel)
			continue
		}

		// Blocks when the substream's buffer is full: backpressure
		// is inherited by the shared pump, which in turn stalls the
		// peer's writes.
		select {
		case s.in <- env.Payload:
		case <-m.done:
			return m.shutdown(nil)
		}
	}
}

// readError maps orderly EOF to nil so a peer hanging up cleanly is
// not reported as a fault.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// send frames one payload for channel onto the transport.
func (m *Mux) send(channel string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	m.mu.Unlock()

	frame, err := codec.Marshal(envelope{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("mux: encoding envelope: %w", err)
	}
	if len(frame) > maxFrameLength {
		return fmt.Errorf("mux: message of %d bytes exceeds frame limit", len(frame))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.conn.Write(header[:]); err != nil {
		return fmt.Errorf("mux: writing frame header: %w", err)
	}
	if _, err := m.conn.Write(frame); err != nil {
		return fmt.Errorf("mux: writing frame: %w", err)
	}
	return nil
}

// Close shuts the mux down: the transport is closed, every substream's
// delivery channel is closed, and subsequent sends fail. Destroying
// the parent destroys all substreams.
func (m *Mux) Close() error {
	m.shutdown(nil)
	return nil
}

// Err returns the terminal error recorded at shutdown, if any.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// shutdown records the terminal error once and closes the transport.
// Substream delivery channels are closed by Run on its way out.
func (m *Mux) shutdown(cause error) error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.err = cause
		m.mu.Unlock()

		close(m.done)
		// Best-effort: the transport may already be gone.
		_ = m.conn.Close()
	})
	return m.Err()
}

// Stream is one named duplex substream of a mux.
type Stream struct {
	channel string
	mux     *Mux
	in      chan []byte
}

// Channel returns the substream's channel name.
func (s *Stream) Channel() string {
	return s.channel
}

// Send writes one message to the peer's substream of the same name.
func (s *Stream) Send(payload []byte) error {
	return s.mux.send(s.channel, payload)
}

// Messages delivers inbound payloads. The channel closes when the
// parent transport closes or fails; consult the mux's Err for the
// cause.
func (s *Stream) Messages() <-chan []byte {
	return s.in
}
