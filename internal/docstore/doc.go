// Package docstore defines the document database abstraction the sync engine
// replicates between.
//
// # Overview
//
// A Database is a named set of JSON documents addressed by id. Every write
// produces a new revision string ("<generation>-<digest>"); writers pass the
// revision they last read as the expected version and get
// common.ErrVersionConflict when somebody else wrote first. Deletes leave a
// tombstone so that replication can carry them.
//
// Each database exposes a change feed ordered by an opaque sequence cursor.
// Replication reads the feed of one database and applies changes to
// another with PutReplicated, which keeps whichever revision wins
// (higher generation, then greater digest) so both directions converge.
//
// Implementations
//
//   - docstore/sqlstore: sqlite (local mirrors) and postgres (remote clusters)
//   - docstore/couchstore: CouchDB over HTTP (remote clusters)
//
// Typical Usage
//
//	rev, err := docstore.PutJSON(ctx, db, "local-autoincrement-state-p-f-x", "", state)
//	var st models.AutoIncrementState
//	rev, err = docstore.GetJSON(ctx, db, id, &st)
//	resp, err := db.Changes(ctx, docstore.ChangesRequest{Since: cursor, Wait: 10 * time.Second})
package docstore
