package web

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/cjeanneret/SnapDog/internal/debug"
)

// Options configures the HTTP server.
type Options struct {
	Trigger        TriggerConfig
	ThumbnailSize  int
	AllowedOrigins []string // CORS; empty = any origin
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	origins  []string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, app App, opts Options) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("web: sub static fs: %w", err)
	}

	handlers := NewHandlers(broadcaster, app, opts.Trigger, opts.ThumbnailSize, subFS)

	return &Server{
		addr:     addr,
		origins:  opts.AllowedOrigins,
		handlers: handlers,
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handlers.HandleState)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("POST /lens/flip", s.handlers.HandleFlipLens)
	mux.HandleFunc("GET /photos/last", s.handlers.HandleLastPhoto)
	mux.HandleFunc("GET /photos/last/thumbnail", s.handlers.HandleLastThumbnail)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	c := cors.AllowAll()
	if len(s.origins) > 0 {
		c = cors.New(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		})
	}
	return c.Handler(mux)
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		// Cancelling ctx also ends open SSE streams.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
