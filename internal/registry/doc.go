// Package registry keeps the local mirror databases of one kind (directory,
// people, projects, metadata, data, ...) and their links to remote
// databases.
//
// # Overview
//
// A Registry is the only place a Mirror is created, so there is exactly one
// Mirror per key. EnsureLocal is a lookup-or-create of the local side;
// EnsureSynced attaches (or replaces) the remote side and SetConnection
// reconciles the running replication with the mirror's sync flag.
//
// Re-running EnsureSynced with an equal connection.Info and equal Options is
// a no-op, which makes activation idempotent: repeated directory and listing
// events never restart healthy replications.
//
// Key Types
//
//   - type Registry: mirrors of one kind, keyed by id
//   - type Mirror: local database plus optional remote link
//   - type RemoteLink: remote handle, running connection and its handler
//   - type Opener: builds local and remote database handles
package registry
