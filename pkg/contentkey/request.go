package contentkey

// RequestKind is the closed set of key request variants.
type RequestKind int

const (
	// RequestOnline is a streaming request raised by the playback pipeline.
	RequestOnline RequestKind = iota + 1
	// RequestPersistable asks for a key that can be stored for offline use.
	RequestPersistable
	// RequestRenewal renews the response data of an earlier request.
	RequestRenewal
)

func (k RequestKind) String() string {
	switch k {
	case RequestOnline:
		return "online"
	case RequestPersistable:
		return "persistable"
	case RequestRenewal:
		return "renewal"
	}
	return "unknown"
}

// Request is a key request surfaced by the host.
type Request struct {
	// KeyRef is the raw scheme-prefixed reference (e.g. "skd://key65").
	KeyRef string
	// Kind defaults to RequestOnline.
	Kind RequestKind
	// PersistableDenied is set when the host context cannot hold persistable
	// keys (e.g. an AirPlay session). Such requests are answered online.
	PersistableDenied bool
	// Headers are forwarded to the license service.
	Headers map[string]string
}

// Source says where a key came from.
type Source int

const (
	SourceNone Source = iota
	SourceLicenseService
	SourceStore
)

func (s Source) String() string {
	switch s {
	case SourceLicenseService:
		return "license_service"
	case SourceStore:
		return "store"
	}
	return "none"
}

// Result is the outcome of a key request.
type Result struct {
	ID KeyID
	// Kind is the path the request was answered on.
	Kind   RequestKind
	Key    []byte
	Source Source
	// Persisted is true when the key was written to the store by this request.
	Persisted bool
	// Retry is true when the failure carries a qualifying retry reason and the
	// host should resubmit.
	Retry bool
	Err   error
}

// OK reports whether the result carries a usable key.
func (r Result) OK() bool { return r.Err == nil && r.Key != nil }
