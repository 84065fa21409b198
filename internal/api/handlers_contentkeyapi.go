package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-content-key-service/internal/engine"
	"github.com/tinywideclouds/go-content-key-service/internal/session"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// Response headers describing a served key.
const (
	HeaderKeySource    = "X-Key-Source"
	HeaderKeyPersisted = "X-Key-Persisted"
	HeaderRetry        = "X-Retry"
)

const maxBodyBytes = 1 << 20

// API holds the dependencies of the HTTP control surface.
type API struct {
	Sessions *session.Manager
	Logger   zerolog.Logger
	// RequestTimeout bounds how long a handler waits on a key request.
	// Zero means the request context alone applies.
	RequestTimeout time.Duration
}

type sessionResponse struct {
	SessionID string    `json:"session_id"`
	Created   time.Time `json:"created"`
}

type keyRequestBody struct {
	KeyRef            string            `json:"key_ref"`
	Kind              string            `json:"kind,omitempty"`
	PersistableDenied bool              `json:"persistable_denied,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
}

type persistableRequestBody struct {
	KeyRef     string `json:"key_ref"`
	StreamName string `json:"stream_name,omitempty"`
}

type keyListResponse struct {
	Keys []string `json:"keys"`
}

type pendingUpdatesResponse struct {
	Pending []string `json:"pending"`
}

// CreateSessionHandler opens a new session.
func (a *API) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.Create()
	if err != nil {
		a.Logger.Error().Err(err).Msg("Failed to create session")
		response.WriteJSONError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: s.ID, Created: s.Created}, a.Logger)
}

// DeleteSessionHandler stops a session and its renewal ticker.
func (a *API) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionID")
	if err := a.Sessions.Stop(id); err != nil {
		a.writeError(w, err, a.Logger.With().Str("session", id).Logger())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RequestKeyHandler answers a key request and returns the usable key bytes.
func (a *API) RequestKeyHandler(w http.ResponseWriter, r *http.Request) {
	s, logger, ok := a.session(w, r)
	if !ok {
		return
	}

	var body keyRequestBody
	if err := decodeBody(r, &body); err != nil {
		logger.Warn().Err(err).Msg("Failed to unmarshal JSON body")
		response.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON body format")
		return
	}
	kind, err := parseRequestKind(body.Kind)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	logger = logger.With().Str("key_ref", body.KeyRef).Str("kind", kind.String()).Logger()

	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	res, err := s.RequestKey(ctx, contentkey.Request{
		KeyRef:            body.KeyRef,
		Kind:              kind,
		PersistableDenied: body.PersistableDenied,
		Headers:           body.Headers,
	})
	if err != nil {
		if res.Retry {
			w.Header().Set(HeaderRetry, "true")
		}
		a.writeError(w, err, logger)
		return
	}

	logger.Info().Str("source", res.Source.String()).Int("byteLength", len(res.Key)).Msg("Key served")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(HeaderKeySource, res.Source.String())
	w.Header().Set(HeaderKeyPersisted, strconv.FormatBool(res.Persisted))
	_, _ = w.Write(res.Key)
}

// RegisterPersistableHandler preloads a persistable key. The request is
// accepted immediately; completion is reported through the notifier.
func (a *API) RegisterPersistableHandler(w http.ResponseWriter, r *http.Request) {
	s, logger, ok := a.session(w, r)
	if !ok {
		return
	}

	var body persistableRequestBody
	if err := decodeBody(r, &body); err != nil {
		logger.Warn().Err(err).Msg("Failed to unmarshal JSON body")
		response.WriteJSONError(w, http.StatusBadRequest, "Invalid JSON body format")
		return
	}
	if _, err := contentkey.ParseKeyID(body.KeyRef); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "Invalid key reference")
		return
	}

	s.RegisterPersistableKeyRequest(body.KeyRef, body.StreamName)
	logger.Info().Str("key_ref", body.KeyRef).Str("stream", body.StreamName).Msg("Persistable key registered")
	w.WriteHeader(http.StatusAccepted)
}

// RenewHandler renews the most recent network-served key of a session.
func (a *API) RenewHandler(w http.ResponseWriter, r *http.Request) {
	s, logger, ok := a.session(w, r)
	if !ok {
		return
	}

	ctx, cancel := a.requestContext(r.Context())
	defer cancel()

	if _, err := s.RenewMostRecent().Wait(ctx); err != nil {
		a.writeError(w, err, logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateKeyHandler replaces a persisted key according to the update policy.
func (a *API) UpdateKeyHandler(w http.ResponseWriter, r *http.Request) {
	s, logger, ok := a.session(w, r)
	if !ok {
		return
	}
	keyID := r.PathValue("keyID")

	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read request body")
		response.WriteJSONError(w, http.StatusInternalServerError, "Failed to read request body")
		return
	}
	if len(blob) == 0 {
		response.WriteJSONError(w, http.StatusBadRequest, "Request body must not be empty")
		return
	}

	if err := s.Engine().UpdatePersistedKey(r.Context(), keyID, blob); err != nil {
		a.writeError(w, err, logger.With().Str("key", keyID).Logger())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AcknowledgeUpdateHandler commits a staged key update.
func (a *API) AcknowledgeUpdateHandler(w http.ResponseWriter, r *http.Request) {
	s, logger, ok := a.session(w, r)
	if !ok {
		return
	}
	keyID := r.PathValue("keyID")
	if err := s.Engine().AcknowledgeUpdate(r.Context(), keyID); err != nil {
		a.writeError(w, err, logger.With().Str("key", keyID).Logger())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PendingUpdatesHandler lists staged key updates of a session.
func (a *API) PendingUpdatesHandler(w http.ResponseWriter, r *http.Request) {
	s, _, ok := a.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pendingUpdatesResponse{Pending: s.Engine().PendingUpdates()}, a.Logger)
}

// ListKeysHandler lists the persisted key identifiers.
func (a *API) ListKeysHandler(w http.ResponseWriter, r *http.Request) {
	ids, err := a.Sessions.Store().List(r.Context())
	if err != nil {
		a.writeError(w, err, a.Logger)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, keyListResponse{Keys: ids}, a.Logger)
}

// DeleteKeyHandler removes one persisted key.
func (a *API) DeleteKeyHandler(w http.ResponseWriter, r *http.Request) {
	keyID := r.PathValue("keyID")
	logger := a.Logger.With().Str("key", keyID).Logger()
	if keyID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "Invalid key identifier")
		return
	}
	if err := a.Sessions.Store().Delete(r.Context(), keyID); err != nil {
		a.writeError(w, err, logger)
		return
	}
	logger.Info().Msg("Persisted key deleted")
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllKeysHandler removes every persisted key.
func (a *API) DeleteAllKeysHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Store().DeleteAll(r.Context()); err != nil {
		a.writeError(w, err, a.Logger)
		return
	}
	a.Logger.Info().Msg("All persisted keys deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) session(w http.ResponseWriter, r *http.Request) (*session.Session, zerolog.Logger, bool) {
	id := r.PathValue("sessionID")
	logger := a.Logger.With().Str("session", id).Logger()
	s, err := a.Sessions.Get(id)
	if err != nil {
		logger.Warn().Msg("Session not found")
		response.WriteJSONError(w, http.StatusNotFound, "Session not found")
		return nil, logger, false
	}
	return s, logger, true
}

func (a *API) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.RequestTimeout > 0 {
		return context.WithTimeout(ctx, a.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *API) writeError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	status, msg := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		logger.Warn().Err(err).Int("status", status).Msg("Request rejected")
	}
	response.WriteJSONError(w, status, msg)
}

// statusForError maps domain errors onto HTTP status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "Session not found"
	case errors.Is(err, engine.ErrNothingToRenew):
		return http.StatusConflict, "Nothing to renew"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Key request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Key request cancelled"
	}

	switch contentkey.KindOf(err) {
	case contentkey.KindInvalidIdentifier:
		return http.StatusBadRequest, "Invalid key identifier"
	case contentkey.KindMissingCertificate:
		return http.StatusBadGateway, "Application certificate unavailable"
	case contentkey.KindTransportFailure:
		return http.StatusBadGateway, "License service unavailable"
	case contentkey.KindInvalidServerResponse:
		return http.StatusBadGateway, "Invalid license response"
	case contentkey.KindExpiredLease:
		return http.StatusConflict, "Lease expired"
	case contentkey.KindObsoleteKey:
		return http.StatusGone, "Key is obsolete"
	case contentkey.KindTimedOut:
		return http.StatusGatewayTimeout, "License request timed out"
	case contentkey.KindCancelled:
		return http.StatusServiceUnavailable, "Key request cancelled"
	case contentkey.KindPersistenceFailure:
		return http.StatusInternalServerError, "Key store failure"
	}

	if errors.Is(err, contentkey.ErrKeyNotFound) {
		return http.StatusNotFound, "Key not found"
	}
	return http.StatusInternalServerError, "Internal error"
}

func parseRequestKind(s string) (contentkey.RequestKind, error) {
	switch s {
	case "", contentkey.RequestOnline.String():
		return contentkey.RequestOnline, nil
	case contentkey.RequestPersistable.String():
		return contentkey.RequestPersistable, nil
	case contentkey.RequestRenewal.String():
		return contentkey.RequestRenewal, nil
	}
	return 0, errors.New("kind must be one of online, persistable, renewal")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Don't use WriteJSONError, the response is already half-written
		logger.Error().Err(err).Msg("Failed to marshal JSON response")
	}
}
