// Package test assembles the content key service for end-to-end tests.
package test

import (
	"net/http"
	"net/http/httptest"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-content-key-service/internal/keymodule"
	"github.com/tinywideclouds/go-content-key-service/internal/metrics"
	"github.com/tinywideclouds/go-content-key-service/internal/session"
	fs "github.com/tinywideclouds/go-content-key-service/internal/storage/firestore"
	inmemorystore "github.com/tinywideclouds/go-content-key-service/internal/storage/inmemory"
	"github.com/tinywideclouds/go-content-key-service/keyservice"
	"github.com/tinywideclouds/go-content-key-service/keyservice/config"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTPListenAddr: ":0",
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: []string{"*"}, // Allow all for tests
			Role:           middleware.CorsRoleDefault,
		},
	}
}

// NewTestServer creates and starts a new httptest.Server for end-to-end testing.
// It assembles the service with an in-memory store, the passthrough key
// module and the given license service. The returned registry backs /metrics.
func NewTestServer(
	license contentkey.LicenseService,
	authMiddleware func(http.Handler) http.Handler,
) (*httptest.Server, *keyservice.Wrapper, *prometheus.Registry) {
	return newTestServer(inmemorystore.New(), license, authMiddleware)
}

// NewTestKeyService creates and starts a new httptest.Server for the key service,
// backed by a real (emulated) Firestore client.
func NewTestKeyService(
	fsClient *firestore.Client,
	collectionName string,
	license contentkey.LicenseService,
	authMiddleware func(http.Handler) http.Handler,
) *httptest.Server {
	store := fs.NewFirestoreStore(fsClient, collectionName, zerolog.Nop())
	server, _, _ := newTestServer(store, license, authMiddleware)
	return server
}

func newTestServer(
	store contentkey.Store,
	license contentkey.LicenseService,
	authMiddleware func(http.Handler) http.Handler,
) (*httptest.Server, *keyservice.Wrapper, *prometheus.Registry) {
	logger := zerolog.Nop()
	reg := prometheus.NewRegistry()

	sessions := session.NewManager(session.Options{
		Store:   store,
		License: license,
		Module:  keymodule.New(),
		Metrics: metrics.New(reg),
	}, logger)

	service := keyservice.New(testConfig(), sessions, authMiddleware, logger, keyservice.Options{
		Gatherer:       reg,
		RequestTimeout: 10 * time.Second,
	})
	server := httptest.NewServer(service.Mux())
	return server, service, reg
}
