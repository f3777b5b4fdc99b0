// Package api wires loomd's HTTP surface: the hook-ingestion endpoint and
// the WebSocket upgrade, plus a health check suitable for unauthenticated
// polling by a process supervisor.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/run-vibes/loomd/pkg/eventlog"
	"github.com/run-vibes/loomd/pkg/firehose"
	"github.com/run-vibes/loomd/pkg/hookingest"
	"github.com/run-vibes/loomd/pkg/ptysession"
	"github.com/run-vibes/loomd/pkg/supervision"
	"github.com/run-vibes/loomd/pkg/transport"
)

// Server is the daemon's HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	log         eventlog.Log
	index       *eventlog.CatchupIndex
	sessions    *ptysession.Registry
	firehose    *firehose.Hub
	connManager *transport.ConnectionManager
	hooks       *hookingest.Handler
	natsServer  *supervision.NatsServer
}

// NewServer wires an echo server over the given components. connManager
// serves the WebSocket endpoint; hooks serves the hook-ingestion endpoint.
func NewServer(
	log eventlog.Log,
	index *eventlog.CatchupIndex,
	sessions *ptysession.Registry,
	fh *firehose.Hub,
	connManager *transport.ConnectionManager,
	hooks *hookingest.Handler,
	natsServer *supervision.NatsServer,
) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		log:         log,
		index:       index,
		sessions:    sessions,
		firehose:    fh,
		connManager: connManager,
		hooks:       hooks,
		natsServer:  natsServer,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	s.echo.GET("/health", s.healthHandler)

	s.hooks.ServeEcho(s.echo)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
