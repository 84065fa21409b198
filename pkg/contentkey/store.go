package contentkey

import "context"

// Store defines the public interface for persisted content keys.
// Any component that can store and retrieve key blobs (filesystem, in-memory,
// Firestore, etc.) must implement this interface. Blobs are opaque: no
// framing or metadata is added.
//
// Implementations must be safe for concurrent use by independent engines.
type Store interface {
	// Exists reports whether a persisted record exists for id.
	Exists(ctx context.Context, id string) (bool, error)

	// Load returns the persisted blob for id, or an error wrapping
	// ErrKeyNotFound when there is none.
	Load(ctx context.Context, id string) ([]byte, error)

	// Store writes blob for id. A partially written record must never be
	// observable through Exists or Load.
	Store(ctx context.Context, id string, blob []byte) error

	// Delete removes the record for id. Deleting a missing record succeeds.
	Delete(ctx context.Context, id string) error

	// DeleteAll removes every record, continuing past individual failures and
	// returning their aggregate.
	DeleteAll(ctx context.Context) error

	// List returns the identifiers of every persisted record.
	List(ctx context.Context) ([]string, error)
}
