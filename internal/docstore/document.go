package docstore

import (
	"context"
	"encoding/json"
	"time"
)

// SinceNow starts a change feed at the current end of the database.
const SinceNow = "now"

// Document is one stored document. Data holds the JSON body without any of
// the reserved (_id, _rev, ...) members.
type Document struct {
	ID          string
	Rev         string
	Deleted     bool
	Data        json.RawMessage
	Attachments map[string]Attachment
}

// Attachment is a binary blob stored alongside a document.
type Attachment struct {
	ContentType string `json:"content_type"`
	Digest      string `json:"digest,omitempty"`
	Data        []byte `json:"data"`
}

// Change is one entry of a change feed. Doc is the document at Rev; for
// deletions it is a tombstone.
type Change struct {
	Seq     string
	ID      string
	Rev     string
	Deleted bool
	Doc     *Document
}

// ChangesRequest selects a window of the change feed.
//
// Since is the cursor returned as LastSeq by a previous call ("" starts from
// the beginning, SinceNow from the current end). Limit caps the batch size,
// zero means no cap. When Wait is positive and nothing is available the call
// blocks up to Wait for a new change.
type ChangesRequest struct {
	Since string
	Limit int
	Wait  time.Duration
}

// ChangesResponse is one batch of the change feed.
type ChangesResponse struct {
	Results []Change
	LastSeq string
}

// Database is a named document database.
type Database interface {
	// Name returns the database name.
	Name() string

	// Get returns the current revision of a document, or common.ErrorNotFound
	// when it does not exist or is deleted.
	Get(ctx context.Context, id string) (*Document, error)

	// Put writes doc. doc.Rev is the expected current revision ("" to create).
	// It returns the new revision or common.ErrVersionConflict.
	Put(ctx context.Context, doc *Document) (string, error)

	// Delete writes a tombstone over revision rev.
	Delete(ctx context.Context, id, rev string) (string, error)

	// AllDocs lists live documents whose id starts with prefix, ordered by id.
	// Attachment payloads are not loaded.
	AllDocs(ctx context.Context, prefix string) ([]*Document, error)

	// Changes reads the change feed.
	Changes(ctx context.Context, req ChangesRequest) (ChangesResponse, error)

	// PutReplicated stores doc with its revision as-is if that revision wins
	// over the stored one. It reports whether anything was written.
	PutReplicated(ctx context.Context, doc *Document) (bool, error)

	// Close releases the handle.
	Close() error
}
