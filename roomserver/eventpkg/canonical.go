package eventpkg

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
)

// CanonicalJSON re-encodes input with object keys sorted and all
// insignificant whitespace removed. encoding/json already emits map keys in
// sorted order, so round-tripping through a generic interface{} is
// sufficient to produce the canonical form this core relies on for event ids,
// as long as numbers are decoded with UseNumber: decoding
// straight into interface{} turns every number into a float64, which loses
// precision on integers beyond 2^53 and would hash a different event id than
// a spec-compliant implementation for the same content.
func CanonicalJSON(input []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// HashAndEncode returns the unpadded base64url encoding of the SHA-256 hash
// of data.
func HashAndEncode(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// computeEventID derives the content-addressable event id from an event's
// canonical, redacted JSON: "$" followed by the unpadded base64url SHA-256
// hash of the canonical bytes.
func computeEventID(redactedCanonical []byte) string {
	return "$" + HashAndEncode(redactedCanonical)
}
