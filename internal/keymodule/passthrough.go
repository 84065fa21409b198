// Package keymodule provides a development KeyModule that frames key
// material without any cryptography. It lets the service run end to end
// against a test license server; production deployments plug in the
// platform's trusted module instead.
package keymodule

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

var (
	requestMagic     = []byte("SPC1")
	responseMagic    = []byte("CKC1")
	persistableMagic = []byte("PCK1")
)

// certDigestLen is the number of certificate digest bytes bound into a request.
const certDigestLen = 8

// Passthrough is a contentkey.KeyModule for development and tests.
type Passthrough struct{}

// New returns a passthrough key module.
func New() *Passthrough { return &Passthrough{} }

// RequestBlob returns magic | digest(cert)[:8] | contentID.
func (Passthrough) RequestBlob(cert, contentID []byte) ([]byte, error) {
	if len(cert) == 0 {
		return nil, contentkey.ErrMissingCertificate
	}
	if len(contentID) == 0 {
		return nil, fmt.Errorf("%w: empty content id", contentkey.ErrInvalidIdentifier)
	}
	sum := sha256.Sum256(cert)
	blob := make([]byte, 0, len(requestMagic)+certDigestLen+len(contentID))
	blob = append(blob, requestMagic...)
	blob = append(blob, sum[:certDigestLen]...)
	blob = append(blob, contentID...)
	return blob, nil
}

// UsableKey strips the response framing and returns the key material.
func (Passthrough) UsableKey(response []byte) ([]byte, error) {
	key, ok := bytes.CutPrefix(response, responseMagic)
	if !ok || len(key) == 0 {
		return nil, fmt.Errorf("%w: unrecognised response framing", contentkey.ErrInvalidServerResponse)
	}
	return bytes.Clone(key), nil
}

// PersistableKey reframes the key material as a storable blob.
func (p Passthrough) PersistableKey(response []byte) ([]byte, error) {
	key, err := p.UsableKey(response)
	if err != nil {
		return nil, err
	}
	return append(bytes.Clone(persistableMagic), key...), nil
}

// ContentID extracts the content id from a request blob. Test license
// servers use it to answer requests.
func ContentID(requestBlob []byte) ([]byte, error) {
	rest, ok := bytes.CutPrefix(requestBlob, requestMagic)
	if !ok || len(rest) <= certDigestLen {
		return nil, fmt.Errorf("malformed request blob")
	}
	return bytes.Clone(rest[certDigestLen:]), nil
}

// EncodeResponse frames key material the way a license server would.
func EncodeResponse(key []byte) []byte {
	return append(bytes.Clone(responseMagic), key...)
}
