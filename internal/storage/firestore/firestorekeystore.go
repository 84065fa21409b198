// Package firestore provides a content key store implementation using Google
// Cloud Firestore. Each persisted key is one document in a configurable
// collection; the document ID is the path-escaped canonical identifier.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// keyDocument is the structure stored in a Firestore document.
type keyDocument struct {
	KeyID     string    `firestore:"keyId"`
	Blob      []byte    `firestore:"blob"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// Store is a concrete implementation of the contentkey.Store interface using Firestore.
type Store struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
	logger     zerolog.Logger
}

// NewFirestoreStore creates a new Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, collectionName string, logger zerolog.Logger) *Store {
	return &Store{
		client:     client,
		collection: client.Collection(collectionName),
		logger:     logger.With().Str("component", "firestore_store").Str("collection", collectionName).Logger(),
	}
}

func docID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", contentkey.ErrInvalidIdentifier)
	}
	return url.PathEscape(id), nil
}

// Exists reports whether a document is held for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	key, err := docID(id)
	if err != nil {
		return false, err
	}
	_, err = s.collection.Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("%w: get %s: %w", contentkey.ErrPersistence, id, err)
	}
	return true, nil
}

// Load retrieves the key blob for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	key, err := docID(id)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("key", id).Msg("Getting content key")

	doc, err := s.collection.Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Debug().Str("key", id).Msg("Content key not found")
			return nil, fmt.Errorf("key %s: %w", id, contentkey.ErrKeyNotFound)
		}
		s.logger.Warn().Err(err).Str("key", id).Msg("Failed to get content key document")
		return nil, fmt.Errorf("%w: get %s: %w", contentkey.ErrPersistence, id, err)
	}

	var kd keyDocument
	if err := doc.DataTo(&kd); err != nil {
		s.logger.Error().Err(err).Str("key", id).Msg("Failed to parse content key document")
		return nil, fmt.Errorf("%w: parse %s: %w", contentkey.ErrPersistence, id, err)
	}
	return kd.Blob, nil
}

// Store creates or overwrites the document for id. A single Set is atomic.
func (s *Store) Store(ctx context.Context, id string, blob []byte) error {
	key, err := docID(id)
	if err != nil {
		return err
	}
	_, err = s.collection.Doc(key).Set(ctx, keyDocument{KeyID: id, Blob: blob, UpdatedAt: time.Now().UTC()})
	if err != nil {
		s.logger.Error().Err(err).Str("key", id).Msg("Failed to store content key")
		return fmt.Errorf("%w: store %s: %w", contentkey.ErrPersistence, id, err)
	}
	s.logger.Debug().Str("key", id).Int("byteLength", len(blob)).Msg("Stored content key")
	return nil
}

// Delete removes the document for id. Deleting a missing document succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	key, err := docID(id)
	if err != nil {
		return err
	}
	if _, err := s.collection.Doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("%w: delete %s: %w", contentkey.ErrPersistence, id, err)
	}
	return nil
}

// DeleteAll removes every document in the collection, continuing past
// individual failures.
func (s *Store) DeleteAll(ctx context.Context) error {
	refs, err := s.collection.DocumentRefs(ctx).GetAll()
	if err != nil {
		return fmt.Errorf("%w: list collection: %w", contentkey.ErrPersistence, err)
	}

	var errs []error
	for _, ref := range refs {
		if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			s.logger.Warn().Err(err).Str("doc", ref.ID).Msg("Failed to delete content key document")
			errs = append(errs, err)
		}
	}
	s.logger.Info().Int("documents", len(refs)).Int("failed", len(errs)).Msg("Deleted all content keys")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d documents not deleted: %w",
			contentkey.ErrPersistence, len(errs), len(refs), errors.Join(errs...))
	}
	return nil
}

// List returns the identifiers of every stored key, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	iter := s.collection.Select("keyId").Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list collection: %w", contentkey.ErrPersistence, err)
		}
		var kd keyDocument
		if err := doc.DataTo(&kd); err != nil || kd.KeyID == "" {
			id, uerr := url.PathUnescape(doc.Ref.ID)
			if uerr != nil {
				s.logger.Warn().Str("doc", doc.Ref.ID).Msg("Skipping unrecognised content key document")
				continue
			}
			kd.KeyID = id
		}
		ids = append(ids, kd.KeyID)
	}
	sort.Strings(ids)
	return ids, nil
}
