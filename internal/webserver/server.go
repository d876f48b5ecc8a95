// Package webserver hosts the echo HTTP server. Authenticated API routes
// are registered through the Api* helpers; public routes (login, payment
// provider callbacks) through the Pub* helpers.
package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/tillcode/tillgrid/internal/app"
	"go.uber.org/zap"
)

// ContextKeyApp is the echo context key carrying the application context.
const ContextKeyApp = "tillgrid_app"

type WebServer struct {
	app  app.AppContext
	root *echo.Echo
	api  *echo.Group
}

var server *WebServer

// Init builds the global web server for the given application context.
func Init(appCtx app.AppContext) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextKeyApp, appCtx)
			return next(c)
		}
	})
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	api := e.Group("/api")
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(appCtx.Config().Web.Secret),
	}))

	server = &WebServer{app: appCtx, root: e, api: api}
	return server
}

// ApiGET registers an authenticated GET route.
func ApiGET(path string, h echo.HandlerFunc) { server.api.GET(path, h) }

// ApiPOST registers an authenticated POST route.
func ApiPOST(path string, h echo.HandlerFunc) { server.api.POST(path, h) }

// ApiPUT registers an authenticated PUT route.
func ApiPUT(path string, h echo.HandlerFunc) { server.api.PUT(path, h) }

// ApiDELETE registers an authenticated DELETE route.
func ApiDELETE(path string, h echo.HandlerFunc) { server.api.DELETE(path, h) }

// PubGET registers a public GET route.
func PubGET(path string, h echo.HandlerFunc) { server.root.GET(path, h) }

// PubPOST registers a public POST route.
func PubPOST(path string, h echo.HandlerFunc) { server.root.POST(path, h) }

// Echo exposes the underlying echo instance (used in tests).
func (s *WebServer) Echo() *echo.Echo { return s.root }

// Start serves until ctx is cancelled.
func (s *WebServer) Start(ctx context.Context) error {
	cfg := s.app.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.root.Start(addr)
	}()
	zap.L().Info("web server started", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.root.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
