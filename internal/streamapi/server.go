// Package streamapi serves the Meshtastic stream protocol (serial or TCP)
// from the same bridge the BLE peripheral uses.
package streamapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Bridge is the client-facing side of the phone protocol.
type Bridge interface {
	OnConnect(transportName string)
	OnDisconnect(transportName string)
	HandleToRadio(data []byte)
	ReadFromRadio(dst []byte) int
}

// Server fans FromNum wakeups out to the open stream sessions. Register it
// once with the bridge as a notifier.
type Server struct {
	logger *slog.Logger
	bridge Bridge

	mu       sync.Mutex
	sessions map[*session]struct{}
}

func NewServer(logger *slog.Logger, b Bridge) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		logger:   logger,
		bridge:   b,
		sessions: make(map[*session]struct{}),
	}
}

func (s *Server) NotifyFromNum(uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.wakeup()
	}
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Serve runs one client session over rw until the stream fails or ctx is
// done. Opening the stream counts as a connect.
func (s *Server) Serve(ctx context.Context, name string, rw io.ReadWriter) error {
	sess := &session{
		name:   name,
		rw:     rw,
		bridge: s.bridge,
		logger: s.logger.With("transport", name),
		wake:   make(chan struct{}, 1),
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	return sess.run(ctx)
}

type session struct {
	name   string
	rw     io.ReadWriter
	bridge Bridge
	logger *slog.Logger
	wake   chan struct{}

	writeMu sync.Mutex
}

func (s *session) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.bridge.OnConnect(s.name)
	defer s.bridge.OnDisconnect(s.name)

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- s.writeLoop(ctx)
	}()

	readErr := s.readLoop(ctx)
	cancel()
	writeErr := <-writerDone

	if errors.Is(readErr, io.EOF) || errors.Is(readErr, context.Canceled) {
		readErr = nil
	}
	if errors.Is(writeErr, context.Canceled) {
		writeErr = nil
	}

	return errors.Join(readErr, writeErr)
}

func (s *session) readLoop(ctx context.Context) error {
	readFull := readFullContext(ctx, s.rw)
	for {
		payload, err := readFrame(readFull)
		if err != nil {
			if isSkippableFrameError(err) {
				s.logger.Warn("skipping invalid stream frame", "error", err)
				continue
			}
			return err
		}
		s.bridge.HandleToRadio(payload)
		s.wakeup()
	}
}

func (s *session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
			if err := s.drain(ctx); err != nil {
				return err
			}
		}
	}
}

// drain reads FromRadio until the bridge reports nothing left.
func (s *session) drain(ctx context.Context) error {
	var buf [MaxFrameSize]byte
	for {
		n := s.bridge.ReadFromRadio(buf[:])
		if n == 0 {
			return nil
		}
		frame, err := encodeFrame(buf[:n])
		if err != nil {
			return err
		}

		s.writeMu.Lock()
		err = writeFull(ctx, s.rw, frame)
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}
