package contentkey

import "context"

// LicenseService exchanges opaque request blobs for opaque license responses
// with a remote key server.
type LicenseService interface {
	// RequestApplicationCertificate returns the application certificate used
	// to build request blobs. A failure is fatal to any new key request.
	RequestApplicationCertificate(ctx context.Context) ([]byte, error)

	// RequestLicense submits a request blob for identifier and returns the
	// license response blob.
	RequestLicense(ctx context.Context, requestBlob []byte, identifier string, headers map[string]string) ([]byte, error)
}

// KeyModule is the trusted platform capability that wraps and unwraps key
// material. Its blobs are never interpreted outside the module.
type KeyModule interface {
	// RequestBlob builds the request blob for contentID bound to cert.
	RequestBlob(cert, contentID []byte) ([]byte, error)

	// UsableKey converts a license response into key material usable for
	// the current playback only.
	UsableKey(response []byte) ([]byte, error)

	// PersistableKey converts a license response into a blob suitable for
	// durable storage and later reuse.
	PersistableKey(response []byte) ([]byte, error)
}

// Notifier receives key lifecycle events for the playback layer.
type Notifier interface {
	// OnAllKeysSavedForStream fires once per stream when every identifier
	// registered for it has been persisted.
	OnAllKeysSavedForStream(streamName string)

	// OnKeyRequestFailed fires for every terminal key request failure.
	OnKeyRequestFailed(identifier string, kind ErrorKind)

	// OnKeyRenewed fires when a renewal of identifier completed.
	OnKeyRenewed(identifier string)
}
