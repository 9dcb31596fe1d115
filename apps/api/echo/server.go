package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trezcool/portal/core"
	"github.com/trezcool/portal/core/attendance"
	"github.com/trezcool/portal/core/auth"
	"github.com/trezcool/portal/core/mirror"
	"github.com/trezcool/portal/core/notify"
	"github.com/trezcool/portal/core/portal"
)

type (
	ServerDeps struct {
		Conf       *core.Config
		Logger     core.Logger
		Store      mirror.Store
		AuthSvc    *auth.Service
		Portal     *portal.Portal
		Attendance *attendance.Service
		Validate   *validator.Validate
		Translator ut.Translator

		// Collections restricts the document API to these collections. Empty means any collection.
		Collections    []string
		ResourcesDir   string // served under /resources when set
		DisableReqLogs bool
		Registry       *prometheus.Registry // optional, a new registry is used when nil
	}

	Server interface {
		http.Handler
		Start()
		Errors() <-chan error
		ShutdownSignal() <-chan os.Signal
		Shutdown(ctx context.Context) error
		Close() error
		// Notifier broadcasts notifications to the clients of /v1/notifications/watch.
		Notifier() notify.Notifier
	}

	server struct {
		ServerDeps
		app      *echo.Echo
		jwt      jwtSettings
		hub      *hub
		metrics  *metrics
		errors   chan error
		shutdown chan os.Signal
	}
)

var _ Server = (*server)(nil) // interface compliance check

func NewServer(deps ServerDeps) Server {
	s := &server{
		ServerDeps: deps,
		app:        echo.New(),
		jwt:        newJWTSettings(deps.Conf),
		hub:        newHub(),
		errors:     make(chan error, 1),
		shutdown:   make(chan os.Signal, 1),
	}
	if s.Registry == nil {
		s.Registry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.Registry)
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.Conf.Debug || s.Conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}
	s.app.Use(s.metrics.middleware)

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.Logger, s.Translator, s.signalShutdown)
	s.app.Debug = s.Conf.Debug

	s.app.GET("/", home)
	s.app.GET("/metrics", echo.WrapHandler(s.metrics.handler()))
	if s.ResourcesDir != "" {
		s.app.Static("/resources", s.ResourcesDir)
	}

	v1 := s.app.Group("/v1")
	jwt := middleware.JWTWithConfig(s.jwt.config)
	wsJWT := middleware.JWTWithConfig(s.jwt.wsConfig)

	registerAuthAPI(v1, jwt, s)
	registerDocumentAPI(v1, jwt, wsJWT, s)
	registerCourseAPI(v1, jwt, s)
	registerThemeAPI(v1, jwt, s)
	v1.GET("/notifications/watch", s.watchNotifications, wsJWT)
}

func (s *server) Start() {
	if err := s.app.Start(s.Conf.Server.Host); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *server) Errors() <-chan error { return s.errors }

func (s *server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

func (s *server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.app.Shutdown(ctx)
}

func (s *server) Close() error {
	s.hub.close()
	return s.app.Close()
}

func (s *server) Notifier() notify.Notifier { return s.hub }

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to the Portal API!")
}
