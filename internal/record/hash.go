package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashing.
// Version suffix enables future algorithm migration.
const (
	DomainFingerprint = "crmsync/fingerprint/v1"
	DomainContent     = "crmsync/content/v1"
)

// Hash is a SHA-256 digest. It marshals as lower-case hex.
type Hash [sha256.Size]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a hex-encoded hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("parse hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) Hash {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Fingerprint computes the content hash of a row's tracked columns under
// the given schema. The schema identity is part of the hashed object, so a
// schema change alone changes every fingerprint.
func Fingerprint(row Row, schema Schema) (Hash, error) {
	fields, err := CanonicalRow(row, schema.TrackedColumns)
	if err != nil {
		return Hash{}, fmt.Errorf("fingerprint: %w", err)
	}
	data := make([]byte, 0, len(fields)+64)
	data = append(data, `{"fields":`...)
	data = append(data, fields...)
	data = append(data, `,"schema":`...)
	schemaID, err := MarshalCanonical(schema.ID())
	if err != nil {
		return Hash{}, fmt.Errorf("fingerprint: %w", err)
	}
	data = append(data, schemaID...)
	data = append(data, '}')
	return hashWithDomain(DomainFingerprint, data), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(row Row, schema Schema) Hash {
	h, err := Fingerprint(row, schema)
	if err != nil {
		panic(err)
	}
	return h
}
