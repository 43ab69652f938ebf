// Package record provides the shared data model for crmsync.
//
// This package contains type definitions, the canonical encoding used for
// fingerprints, and the hashing helpers built on it. All other internal
// packages import record; record imports nothing internal.
//
// Key design constraints:
//   - Fingerprints are SHA-256 over canonical JSON (RFC 8785 key order, NFC)
//   - Canonicalization normalizes for hashing only; stored values are untouched
//   - Category is a closed enum; unknown values never leave this package
//   - All JSON tags use snake_case
package record
