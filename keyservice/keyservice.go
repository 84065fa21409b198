package keyservice

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-content-key-service/internal/api"
	"github.com/tinywideclouds/go-content-key-service/internal/session"
	"github.com/tinywideclouds/go-content-key-service/keyservice/config"
)

// Wrapper embeds the BaseServer to inherit standard server functionality.
type Wrapper struct {
	*microservice.BaseServer
	sessions *session.Manager
	logger   zerolog.Logger
}

// Options carries the optional pieces of the service.
type Options struct {
	// Gatherer backs GET /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds key requests served over HTTP.
	RequestTimeout time.Duration
}

// New creates and wires up the entire content key service.
func New(
	cfg *config.Config,
	sessions *session.Manager,
	authMiddleware func(http.Handler) http.Handler, // Accept middleware via DI
	logger zerolog.Logger,
	opts Options,
) *Wrapper {
	// 1. Create the standard base server.
	baseServer := microservice.NewBaseServer(logger, cfg.HTTPListenAddr)

	// 2. Create the service-specific API handlers.
	apiHandler := &api.API{Sessions: sessions, Logger: logger, RequestTimeout: opts.RequestTimeout}

	// 3. Get the mux from the base server and register routes.
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig)
	protected := func(h http.HandlerFunc) http.Handler {
		return corsMiddleware(authMiddleware(h))
	}
	options := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	// --- Sessions ---
	mux.Handle("POST /sessions", protected(apiHandler.CreateSessionHandler))
	mux.Handle("OPTIONS /sessions", corsMiddleware(options))
	mux.Handle("DELETE /sessions/{sessionID}", protected(apiHandler.DeleteSessionHandler))
	mux.Handle("OPTIONS /sessions/{sessionID}", corsMiddleware(options))

	// --- Key requests ---
	mux.Handle("POST /sessions/{sessionID}/keys", protected(apiHandler.RequestKeyHandler))
	mux.Handle("POST /sessions/{sessionID}/persistable", protected(apiHandler.RegisterPersistableHandler))
	mux.Handle("POST /sessions/{sessionID}/renew", protected(apiHandler.RenewHandler))
	mux.Handle("PUT /sessions/{sessionID}/keys/{keyID}", protected(apiHandler.UpdateKeyHandler))
	mux.Handle("POST /sessions/{sessionID}/keys/{keyID}/ack", protected(apiHandler.AcknowledgeUpdateHandler))
	mux.Handle("GET /sessions/{sessionID}/updates", protected(apiHandler.PendingUpdatesHandler))
	mux.Handle("OPTIONS /sessions/{sessionID}/{rest...}", corsMiddleware(options))

	// --- Persisted keys ---
	mux.Handle("GET /keys", protected(apiHandler.ListKeysHandler))
	mux.Handle("DELETE /keys", protected(apiHandler.DeleteAllKeysHandler))
	mux.Handle("DELETE /keys/{keyID}", protected(apiHandler.DeleteKeyHandler))
	mux.Handle("OPTIONS /keys", corsMiddleware(options))
	mux.Handle("OPTIONS /keys/{keyID}", corsMiddleware(options))

	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return &Wrapper{
		BaseServer: baseServer,
		sessions:   sessions,
		logger:     logger,
	}
}

// Start runs the HTTP server and handles the readiness logic.
func (w *Wrapper) Start() error {
	errChan := make(chan error, 1)
	httpReadyChan := make(chan struct{})
	w.BaseServer.SetReadyChannel(httpReadyChan)

	go func() {
		if err := w.BaseServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error().Err(err).Msg("HTTP server failed")
			errChan <- err
		}
		close(errChan)
	}()

	// Wait for EITHER the server to be ready OR for it to fail on startup
	select {
	case <-httpReadyChan:
		w.logger.Info().Msg("HTTP listener is active.")
		w.SetReady(true)
		w.logger.Info().Msg("Service is now ready.")

	case err := <-errChan:
		return err
	}

	// Wait for the server goroutine to exit (which happens on Shutdown)
	return <-errChan
}

// StopSessions tears down every open session. Call it after Shutdown so no
// handler is still waiting on an engine.
func (w *Wrapper) StopSessions() {
	w.sessions.StopAll()
	w.logger.Info().Msg("All sessions stopped")
}
