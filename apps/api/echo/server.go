package echoapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/remote"
)

type (
	Options struct {
		Address        string
		APIKey         string // empty disables authentication
		Debug          bool
		TestMode       bool
		DisableReqLogs bool
		Logger         core.Logger
		// Shutdown is signalled when a shutdown error reaches the error handler.
		Shutdown chan<- struct{}
	}

	Deps struct {
		Records remote.Service
	}

	Server interface {
		http.Handler
		Start() error
		Stop(context.Context) error
	}

	server struct {
		opts *Options
		deps *Deps
		app  *echo.Echo
	}
)

var _ Server = (*server)(nil)

// NewServer returns the reference remote service: the REST API the sync engine talks to.
func NewServer(opts *Options, deps *Deps) Server {
	s := &server{
		opts: opts,
		deps: deps,
		app:  echo.New(),
	}
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.opts.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.opts.Debug || s.opts.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.opts.Logger, s.signalShutdown)
	s.app.Debug = s.opts.Debug

	s.app.GET("/", home)
	s.app.GET("/healthz", healthz)

	v1 := s.app.Group("/v1")
	if s.opts.APIKey != "" {
		v1.Use(apiKeyMiddleware(s.opts.APIKey))
	}
	registerRecordAPI(v1, s.deps.Records)
}

func (s *server) signalShutdown() {
	if s.opts.Shutdown == nil {
		return
	}
	select {
	case s.opts.Shutdown <- struct{}{}:
	default:
	}
}

func (s *server) Start() error {
	return s.app.Start(s.opts.Address)
}

func (s *server) Stop(ctx context.Context) error {
	return s.app.Shutdown(ctx)
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to Masomo Sync API!")
}

func healthz(ctx echo.Context) error {
	return ctx.NoContent(http.StatusNoContent)
}
