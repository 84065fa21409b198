// Package contentkey contains the public domain models, interfaces, and
// errors for the content key service. It defines the public contract shared
// by the engine, the stores and the license transport.
package contentkey

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Scheme is the prefix every content key reference carries (e.g. "skd://key65").
const Scheme = "skd://"

// KeyID is a parsed content key identifier. The zero value is not valid.
type KeyID struct {
	id    string
	bytes []byte
}

// ParseKeyID strips the scheme prefix from raw and returns the canonical
// identifier. Matching is case sensitive and nothing is trimmed.
func ParseKeyID(raw string) (KeyID, error) {
	if !strings.HasPrefix(raw, Scheme) {
		return KeyID{}, fmt.Errorf("%w: %q is missing %s", ErrInvalidIdentifier, raw, Scheme)
	}
	id := raw[len(Scheme):]
	if id == "" || !utf8.ValidString(id) {
		return KeyID{}, fmt.Errorf("%w: %q cannot be encoded", ErrInvalidIdentifier, raw)
	}
	return KeyID{id: id, bytes: []byte(id)}, nil
}

// String returns the canonical identifier ("key65" for "skd://key65").
func (k KeyID) String() string { return k.id }

// Bytes returns a copy of the UTF-8 encoded identifier handed to the key module.
func (k KeyID) Bytes() []byte {
	b := make([]byte, len(k.bytes))
	copy(b, k.bytes)
	return b
}

// URI returns the identifier with its scheme prefix restored.
func (k KeyID) URI() string { return Scheme + k.id }

// Equal reports whether both identifiers have the same canonical form.
func (k KeyID) Equal(other KeyID) bool { return k.id == other.id }

// IsZero reports whether k was never successfully parsed.
func (k KeyID) IsZero() bool { return k.id == "" }
