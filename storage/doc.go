// Package storage provides interfaces and record types for authorization
// code and token pair persistence.
//
// The storage package defines the core storage interfaces used throughout
// the library:
//   - CodeStore: single-use authorization codes
//   - TokenStore: access/refresh token pairs, stored as SHA-256 hashes
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlite: SQLite-backed storage for production
package storage
