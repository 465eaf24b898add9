// Package storage persists clients, services, status records and the
// mirrored schedule set.
//
// It supports:
//   - SQLite (modernc.org/sqlite, no cgo) for single-node installs
//   - PostgreSQL through the pgx database/sql driver
//
// Basic-auth passwords are sealed with internal/secret before they are
// written and opened on read.
package storage
