package streamapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

const DefaultTCPAddr = ":4403"

// ListenTCP accepts stream clients on addr. A new client is refused while
// another one is being served.
func (s *Server) ListenTCP(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultTCPAddr
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	logger := s.logger.With("listen", ln.Addr().String())
	logger.Info("stream api listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var (
		wg   sync.WaitGroup
		busy = make(chan struct{}, 1)
	)
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept stream client: %w", err)
		}

		select {
		case busy <- struct{}{}:
		default:
			logger.Warn("refusing stream client: another client is connected", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-busy }()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	s.logger.Info("stream client connected", "remote", remote)
	if err := s.Serve(connCtx, "tcp", conn); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("stream client session ended", "remote", remote, "error", err)
		return
	}
	s.logger.Info("stream client disconnected", "remote", remote)
}
