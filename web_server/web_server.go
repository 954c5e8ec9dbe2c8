// Package web_server provides the HTTP ingress of uptime-server: the liveness
// event endpoint, a status API and the websocket live stream.
package web_server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lefinal/uptime-server/errors"
	"github.com/rs/cors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// DefaultServeAddr is the default address to serve on.
	DefaultServeAddr = ":8080"
	// DefaultWriteTimeout is the default timeout for writing.
	DefaultWriteTimeout = 15 * time.Second
	// DefaultReadTimeout is the default timeout for reading.
	DefaultReadTimeout = 15 * time.Second
	// shutdownTimeout is the timeout for graceful shutdown.
	shutdownTimeout = 15 * time.Second
)

// Config is the configuration that is used in order to create and run a
// WebServer.
type Config struct {
	// ServeAddr is the address for the web server to listen on.
	ServeAddr string
	// WriteTimeout is the duration to wait until write fails with a timeout.
	WriteTimeout time.Duration
	// ReadTimeout is the duration to wait until read fails with a timeout.
	ReadTimeout time.Duration
}

// WebServer serves the HTTP API. Create it with NewWebServer, attach routes
// with WebServer.PopulateRoutes and start it with WebServer.Run.
type WebServer struct {
	logger     *zap.Logger
	config     Config
	httpServer *http.Server
	router     *mux.Router
	running    *atomic.Bool
}

// NewWebServer creates a new WebServer. It expects the passed Config to be
// filled correctly, defaults are exported as DefaultServeAddr,
// DefaultWriteTimeout and DefaultReadTimeout.
func NewWebServer(logger *zap.Logger, config Config) (*WebServer, error) {
	if config.ServeAddr == "" {
		return nil, errors.NewInvalidPayloadError("no serve addr provided in config", nil)
	}
	server := &WebServer{
		logger:  logger,
		config:  config,
		router:  mux.NewRouter(),
		running: atomic.NewBool(false),
	}
	server.router.Use(loggingMiddleware(logger))
	server.router.Use(noCacheMiddleware)
	server.router.NotFoundHandler = noCacheMiddleware(loggingMiddleware(logger)(http.NotFoundHandler()))
	server.httpServer = &http.Server{
		Handler: cors.New(cors.Options{
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(server.router),
		Addr:         config.ServeAddr,
		WriteTimeout: config.WriteTimeout,
		ReadTimeout:  config.ReadTimeout,
	}
	return server, nil
}

// Run the web server until the given context.Context is done.
func (server *WebServer) Run(ctx context.Context) error {
	if !server.running.CAS(false, true) {
		return errors.NewInternalError("web server already running", nil)
	}
	serveErr := make(chan error, 1)
	go func() {
		server.logger.Info("web server running", zap.String("addr", server.config.ServeAddr))
		err := server.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			serveErr <- errors.NewCommunicationErrorFromErr(err, "listen and serve", nil)
			return
		}
		serveErr <- nil
	}()
	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	err := server.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return errors.NewInternalErrorFromErr(err, "shutdown web server", nil)
	}
	return nil
}
