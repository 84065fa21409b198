// Package filesystem provides a content key store backed by a dedicated
// directory holding one file per persisted key.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// keySuffix is appended to the escaped identifier to form a file name.
const keySuffix = "-Key"

// tempPattern names in-progress writes; they are never listed.
const tempPattern = ".write-*"

// Store is a concrete implementation of the contentkey.Store interface using
// plain files. Writes go to a temporary file that is renamed into place, so a
// reader sees either the previous blob or the new one.
type Store struct {
	dir    string
	logger zerolog.Logger

	once    sync.Once
	initErr error
}

// New creates a filesystem store rooted at dir. The directory is created on
// first use.
func New(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "filesystem_store").Str("dir", dir).Logger(),
	}
}

// Dir returns the storage root.
func (s *Store) Dir() string { return s.dir }

// ready creates the storage root once. A failure is permanent for this store.
func (s *Store) ready() error {
	s.once.Do(func() {
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			s.logger.Error().Err(err).Msg("Unable to create content key directory")
			s.initErr = fmt.Errorf("%w: create %s: %v", contentkey.ErrStoreUnavailable, s.dir, err)
		}
	})
	return s.initErr
}

func (s *Store) path(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty id", contentkey.ErrInvalidIdentifier)
	}
	return filepath.Join(s.dir, url.PathEscape(id)+keySuffix), nil
}

// Exists reports whether a key file exists for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	p, err := s.path(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: stat %s: %w", contentkey.ErrPersistence, id, err)
	}
}

// Load reads the key file for id.
func (s *Store) Load(ctx context.Context, id string) ([]byte, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("key %s: %w", id, contentkey.ErrKeyNotFound)
		}
		s.logger.Warn().Err(err).Str("key", id).Msg("Failed to read persisted key")
		return nil, fmt.Errorf("%w: read %s: %w", contentkey.ErrPersistence, id, err)
	}
	return blob, nil
}

// Store writes blob for id atomically.
func (s *Store) Store(ctx context.Context, id string, blob []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	p, err := s.path(id)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %w", contentkey.ErrPersistence, id, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: write %s: %w", contentkey.ErrPersistence, id, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: sync %s: %w", contentkey.ErrPersistence, id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", contentkey.ErrPersistence, id, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("%w: rename %s: %w", contentkey.ErrPersistence, id, err)
	}
	committed = true

	s.logger.Debug().Str("key", id).Int("byteLength", len(blob)).Msg("Persisted content key")
	return nil
}

// Delete removes the key file for id. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %w", contentkey.ErrPersistence, id, err)
	}
	s.logger.Debug().Str("key", id).Msg("Deleted persisted content key")
	return nil
}

// DeleteAll removes every entry in the storage root, including abandoned
// temporary files. It keeps going after a failed removal.
func (s *Store) DeleteAll(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %w", contentkey.ErrPersistence, s.dir, err)
	}

	var errs []error
	removed := 0
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to delete persisted key")
			errs = append(errs, err)
			continue
		}
		removed++
	}
	s.logger.Info().Int("removed", removed).Int("failed", len(errs)).Msg("Deleted all persisted content keys")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %d of %d entries not deleted: %w",
			contentkey.ErrPersistence, len(errs), len(entries), errors.Join(errs...))
	}
	return nil
}

// List returns the identifiers of every key file, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", contentkey.ErrPersistence, s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, keySuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, keySuffix))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("Skipping unrecognised key file")
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
