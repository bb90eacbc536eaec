// Package server exposes the engine over HTTP: the search page, its assets,
// the corpus images and the JSON search API.
package server

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"io/fs"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/nickcecere/imgrep/internal/config"
	"github.com/nickcecere/imgrep/internal/engine"
	"github.com/nickcecere/imgrep/internal/search"
)

//go:embed web
var webFS embed.FS

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Backend is what the HTTP layer needs from the engine.
type Backend interface {
	Search(ctx context.Context, q search.Query) (*search.Response, error)
	Status() engine.Status
	ImageDir() string
	Accepts(name string) bool
}

// Server is the imgrep HTTP service.
type Server struct {
	backend Backend
	cfg     *config.Config
	log     *log.Logger
	router  *gin.Engine
}

// New builds the router. A nil logger uses the default logger.
func New(backend Backend, cfg *config.Config, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}

	if logger.GetLevel() > log.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	tmpl, err := template.ParseFS(webFS, "web/templates/*.html")
	if err != nil {
		return nil, err
	}

	assets, err := fs.Sub(webFS, "web/assets")
	if err != nil {
		return nil, err
	}

	s := &Server{
		backend: backend,
		cfg:     cfg,
		log:     logger,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger(logger))
	r.Use(bodyLimit(cfg.MaxUploadBytes()))

	r.SetHTMLTemplate(tmpl)

	r.GET("/", s.handleIndex)
	r.StaticFS("/assets", http.FS(assets))
	r.GET("/images/:name", s.handleImage)
	r.Match([]string{http.MethodGet, http.MethodPost}, "/api", s.handleSearch)
	r.GET("/api/status", s.handleStatus)
	r.GET("/healthz", s.handleHealth)

	r.NoRoute(func(c *gin.Context) {
		errorResponse(c, http.StatusNotFound, kindNotFound, "not found")
	})

	s.router = r
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	s.log.Info("HTTP server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Shutting down HTTP server")

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
