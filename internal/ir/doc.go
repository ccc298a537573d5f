// Package ir provides the constrained value model for artifact definitions.
//
// Expressions and auxiliary state of reactive artifacts are carried as
// Values. The transaction log treats them as opaque payloads; this package
// only defines their shape, their JSON form and their canonical encoding.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - null is a real value (Null{}), and a nil Value means Null{}
//   - Canonical encoding follows RFC 8785 (UTF-16 key order, NFC strings)
//
// ir imports nothing internal.
package ir
