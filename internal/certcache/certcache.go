// Package certcache caches the application certificate fetched from the
// license service so that concurrent key requests share one fetch.
package certcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

const certKey = "application-certificate"

// Cache fronts LicenseService.RequestApplicationCertificate.
type Cache struct {
	source contentkey.LicenseService
	logger zerolog.Logger
	c      *gocache.Cache
	sf     singleflight.Group
}

// New creates a certificate cache. A ttl of zero or less keeps the
// certificate until Invalidate is called.
func New(source contentkey.LicenseService, ttl time.Duration, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	return &Cache{
		source: source,
		logger: logger.With().Str("component", "certcache").Logger(),
		c:      gocache.New(ttl, time.Minute),
	}
}

// Certificate returns the cached certificate, fetching it when absent.
// Failures wrap contentkey.ErrMissingCertificate.
func (c *Cache) Certificate(ctx context.Context) ([]byte, error) {
	if v, ok := c.c.Get(certKey); ok {
		return bytes.Clone(v.([]byte)), nil
	}

	v, err, shared := c.sf.Do(certKey, func() (interface{}, error) {
		if v, ok := c.c.Get(certKey); ok {
			return v, nil
		}
		cert, err := c.source.RequestApplicationCertificate(ctx)
		if err != nil {
			return nil, err
		}
		if len(cert) == 0 {
			return nil, errors.New("empty certificate")
		}
		c.c.SetDefault(certKey, cert)
		c.logger.Debug().Int("byteLength", len(cert)).Msg("Fetched application certificate")
		return cert, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Bool("shared", shared).Msg("Application certificate unavailable")
		if errors.Is(err, contentkey.ErrMissingCertificate) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", contentkey.ErrMissingCertificate, err)
	}
	return bytes.Clone(v.([]byte)), nil
}

// Invalidate drops the cached certificate.
func (c *Cache) Invalidate() {
	c.c.Delete(certKey)
}
