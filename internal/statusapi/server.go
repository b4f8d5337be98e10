// Package statusapi serves a small JSON view of a running node over HTTP.
package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skobkin/simsnode/internal/display"
	"github.com/skobkin/simsnode/internal/domain"
	"github.com/skobkin/simsnode/internal/mesh"
	"github.com/skobkin/simsnode/internal/persistence"
	"github.com/skobkin/simsnode/internal/radio"
)

const (
	requestTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Node describes the node itself.
type Node struct {
	DeviceID  domain.DeviceID
	Mode      string
	Version   string
	BootCount uint32
}

type StatusSource interface {
	Status() display.Status
}

type BridgeInfo interface {
	ConnectedCount() int
	QueueLen() int
	PendingTx() int
}

// MeshNode is the native mesh protocol as seen from HTTP handlers. All of
// its methods must be safe to call off the main loop.
type MeshNode interface {
	Send(dest domain.DeviceID, typ mesh.MessageType, prio mesh.Priority, payload []byte) (uint16, error)
	Stats() mesh.Stats
	Neighbours() []mesh.Neighbour
	PendingAcks() int
}

type MessageLister interface {
	ListRecent(ctx context.Context, limit int) ([]persistence.MessageRecord, error)
}

// Deps wires the API to the runtime. Nil members hide their section;
// the /mesh routes exist only when Mesh is set.
type Deps struct {
	Node     Node
	Display  StatusSource
	Radio    func() (radio.Stats, bool)
	Bridge   BridgeInfo
	Mesh     MeshNode
	Messages MessageLister
	Now      func() time.Time
}

type Server struct {
	logger *slog.Logger
	deps   Deps
}

func New(logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Server{logger: logger, deps: deps}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/health", s.health)
	r.Get("/status", s.status)

	if s.deps.Mesh != nil {
		r.Route("/mesh", func(r chi.Router) {
			r.Get("/neighbours", s.neighbours)
			r.Post("/messages", s.sendMessage)
			if s.deps.Messages != nil {
				r.Get("/messages", s.listMessages)
			}
		})
	}

	return r
}

// Serve listens on addr until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
