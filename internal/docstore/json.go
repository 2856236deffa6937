package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
)

// forceDeleteAttempts bounds the read-delete loop of ForceDelete.
const forceDeleteAttempts = 5

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrorNotFound)
}

// IsConflict reports whether err is an expected-revision mismatch.
func IsConflict(err error) bool {
	return errors.Is(err, common.ErrVersionConflict)
}

// Encode marshals v into a document body.
func Encode(id, rev string, v any) (*Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode doc[%s]: %w", id, err)
	}
	return &Document{ID: id, Rev: rev, Data: data}, nil
}

// Decode unmarshals the body of doc into v.
func Decode(doc *Document, v any) error {
	if len(doc.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("failed to decode doc[%s]: %w", doc.ID, err)
	}
	return nil
}

// GetJSON reads id and decodes it into v, returning the current revision.
func GetJSON(ctx context.Context, db Database, id string, v any) (string, error) {
	doc, err := db.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if err := Decode(doc, v); err != nil {
		return "", err
	}
	return doc.Rev, nil
}

// PutJSON encodes v and writes it over the expected revision rev.
func PutJSON(ctx context.Context, db Database, id, rev string, v any) (string, error) {
	doc, err := Encode(id, rev, v)
	if err != nil {
		return "", err
	}
	return db.Put(ctx, doc)
}

// ForceDelete tombstones id whatever its current revision is. A missing
// document is not an error.
func ForceDelete(ctx context.Context, db Database, id string) error {
	var err error
	for i := 0; i < forceDeleteAttempts; i++ {
		var doc *Document
		doc, err = db.Get(ctx, id)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read doc[%s] for delete: %w", id, err)
		}

		_, err = db.Delete(ctx, id, doc.Rev)
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return fmt.Errorf("failed to delete doc[%s]: %w", id, err)
		}
	}
	return fmt.Errorf("failed to delete doc[%s]: %w", id, err)
}
