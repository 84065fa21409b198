// Package licensehttp implements contentkey.LicenseService against an HTTP
// key server speaking the FairPlay-style JSON protocol: the request blob is
// POSTed base64 encoded and the server answers with
// {"ckc": "<base64>", "persistence_duration": <seconds>}.
package licensehttp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

const (
	// RetryReasonHeader carries the server's retry reason on a rejection.
	RetryReasonHeader = "X-Retry-Reason"
	// IdentifierPlaceholder in LicenseURL is replaced by the escaped key id.
	IdentifierPlaceholder = "{identifier}"

	tokenIssuer      = "contentkeyd"
	maxResponseBytes = 1 << 20
	tracerName       = "github.com/tinywideclouds/go-content-key-service/internal/licensehttp"
)

// Config describes the license server.
type Config struct {
	LicenseURL string
	// CertificateBase64 takes precedence over CertificateURL.
	CertificateBase64 string
	CertificateURL    string
	// JWTSecret, when set, signs an HS256 bearer token per request.
	JWTSecret string
	TokenTTL  time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

type licenseResponse struct {
	CKC                 string   `json:"ckc"`
	PersistenceDuration *float64 `json:"persistence_duration,omitempty"`
}

// Client talks to one license server.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// New validates cfg and returns a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if cfg.LicenseURL == "" {
		return nil, errors.New("license URL is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		tracer:  otel.Tracer(tracerName),
		logger:  logger.With().Str("component", "license_client").Logger(),
	}, nil
}

// RequestApplicationCertificate returns the configured certificate, or
// fetches it from CertificateURL.
func (c *Client) RequestApplicationCertificate(ctx context.Context) ([]byte, error) {
	if c.cfg.CertificateBase64 != "" {
		cert, err := base64.StdEncoding.DecodeString(c.cfg.CertificateBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode configured certificate: %v", contentkey.ErrMissingCertificate, err)
		}
		return cert, nil
	}
	if c.cfg.CertificateURL == "" {
		return nil, fmt.Errorf("%w: no certificate configured", contentkey.ErrMissingCertificate)
	}

	ctx, span := c.tracer.Start(ctx, "license.certificate")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.CertificateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contentkey.ErrMissingCertificate, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "certificate fetch failed")
		return nil, fmt.Errorf("%w: %v", contentkey.ErrMissingCertificate, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%w: certificate endpoint returned %s", contentkey.ErrMissingCertificate, resp.Status)
	}
	cert, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contentkey.ErrMissingCertificate, err)
	}
	return cert, nil
}

// RequestLicense exchanges requestBlob for a license response.
func (c *Client) RequestLicense(ctx context.Context, requestBlob []byte, identifier string, headers map[string]string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "license.request", trace.WithAttributes(
		attribute.String("contentkey.id", identifier),
		attribute.Int("contentkey.request_bytes", len(requestBlob)),
	))
	defer span.End()

	ckc, err := c.requestLicense(ctx, requestBlob, identifier, headers, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, contentkey.KindOf(err).String())
		return nil, err
	}
	return ckc, nil
}

func (c *Client) requestLicense(ctx context.Context, requestBlob []byte, identifier string, headers map[string]string, span trace.Span) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %v", contentkey.ErrTransport, err)
	}

	target := strings.ReplaceAll(c.cfg.LicenseURL, IdentifierPlaceholder, url.PathEscape(identifier))
	body := strings.NewReader(base64.StdEncoding.EncodeToString(requestBlob))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contentkey.ErrTransport, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if c.cfg.JWTSecret != "" {
		token, err := c.signToken(identifier)
		if err != nil {
			return nil, fmt.Errorf("%w: sign token: %v", contentkey.ErrTransport, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", identifier).Msg("License request failed")
		return nil, fmt.Errorf("%w: %v", contentkey.ErrTransport, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		err := fmt.Errorf("%w: license server returned %s", contentkey.ErrTransport, resp.Status)
		if reason := contentkey.ParseRetryReason(resp.Header.Get(RetryReasonHeader)); reason != contentkey.RetryReasonNone {
			return nil, &contentkey.RetryError{Reason: reason, Err: err}
		}
		return nil, err
	}

	var lr licenseResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&lr); err != nil {
		return nil, fmt.Errorf("%w: decode license response: %v", contentkey.ErrInvalidServerResponse, err)
	}
	if lr.CKC == "" {
		return nil, fmt.Errorf("%w: license response has no ckc", contentkey.ErrInvalidServerResponse)
	}
	ckc, err := base64.StdEncoding.DecodeString(lr.CKC)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ckc: %v", contentkey.ErrInvalidServerResponse, err)
	}

	ev := c.logger.Debug().Str("key", identifier).Dur("elapsed", time.Since(start)).Int("byteLength", len(ckc))
	if lr.PersistenceDuration != nil {
		ev = ev.Float64("persistenceDuration", *lr.PersistenceDuration)
		span.SetAttributes(attribute.Float64("contentkey.persistence_duration", *lr.PersistenceDuration))
	}
	ev.Msg("Received license response")
	return ckc, nil
}

func (c *Client) signToken(identifier string) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(tokenIssuer).
		Subject(identifier).
		IssuedAt(now).
		Expiration(now.Add(c.cfg.TokenTTL)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(c.cfg.JWTSecret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
