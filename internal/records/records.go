// Package records reads and writes the record layout of a project data
// database.
//
// A record document (rec-) lists every revision of the record and its
// heads. Revisions (frev-) are immutable and map field names to value
// documents (avp-). File values live in attachment documents (att-) so
// they can be left out of replication.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const maxAttempts = 5

// DataResolver returns the local data database of a project.
type DataResolver interface {
	DataDB(projectID string) (docstore.Database, error)
}

// Store gives access to the records of every active project.
type Store struct {
	data DataResolver
	log  logging.Logger
	now  func() time.Time
}

func New(data DataResolver, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{data: data, log: log.With("component", "records"), now: time.Now}
}

func NewRecordID() string { return models.RecordPrefix + uuid.NewString() }

// NewRevisionID returns a revision id. Ids sort by creation time.
func NewRevisionID() string {
	return models.RevisionPrefix + strings.ToLower(ulid.Make().String())
}

func NewAVPID() string { return models.AVPPrefix + uuid.NewString() }

func newAttachmentID() string { return models.AttachmentPrefix + uuid.NewString() }

// Timestamp formats t the way records store times.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a stored time. Malformed values give the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) db(projectID string) (docstore.Database, error) {
	db, err := s.data.DataDB(projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to open data db[%s]: %w", projectID, err)
	}
	return db, nil
}

// GetRecord returns a record with its current document revision in Rev.
func (s *Store) GetRecord(ctx context.Context, projectID, recordID string) (*models.Record, error) {
	db, err := s.db(projectID)
	if err != nil {
		return nil, err
	}
	return getRecord(ctx, db, recordID)
}

func getRecord(ctx context.Context, db docstore.Database, recordID string) (*models.Record, error) {
	doc, err := db.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to get record[%s]: %w", recordID, err)
	}
	return decodeRecord(doc)
}

func decodeRecord(doc *docstore.Document) (*models.Record, error) {
	rec := &models.Record{}
	if err := docstore.Decode(doc, rec); err != nil {
		return nil, err
	}
	rec.ID = doc.ID
	rec.Rev = doc.Rev
	if rec.Revisions == nil {
		rec.Revisions = []string{}
	}
	if rec.Heads == nil {
		rec.Heads = []string{}
	}
	return rec, nil
}

// ListRecords returns every record of a project ordered by id.
func (s *Store) ListRecords(ctx context.Context, projectID string) ([]*models.Record, error) {
	db, err := s.db(projectID)
	if err != nil {
		return nil, err
	}
	docs, err := db.AllDocs(ctx, models.RecordPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list records[%s]: %w", projectID, err)
	}

	out := make([]*models.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := decodeRecord(doc)
		if err != nil {
			s.log.Warn(ctx, "skipping unreadable record", "record", doc.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Conflicts returns the ids of the records with more than one head.
func (s *Store) Conflicts(ctx context.Context, projectID string) ([]string, error) {
	recs, err := s.ListRecords(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range recs {
		if len(r.Heads) > 1 {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (s *Store) GetRevision(ctx context.Context, projectID, revisionID string) (*models.Revision, error) {
	db, err := s.db(projectID)
	if err != nil {
		return nil, err
	}
	return getRevision(ctx, db, revisionID)
}

func getRevision(ctx context.Context, db docstore.Database, revisionID string) (*models.Revision, error) {
	rev := &models.Revision{}
	if _, err := docstore.GetJSON(ctx, db, revisionID, rev); err != nil {
		return nil, fmt.Errorf("failed to get revision[%s]: %w", revisionID, err)
	}
	rev.ID = revisionID
	if rev.AVPs == nil {
		rev.AVPs = map[string]string{}
	}
	return rev, nil
}

// GetRevisions returns the revisions with the given ids, keyed by id.
func (s *Store) GetRevisions(ctx context.Context, projectID string, ids []string) (map[string]*models.Revision, error) {
	db, err := s.db(projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Revision, len(ids))
	for _, id := range ids {
		rev, err := getRevision(ctx, db, id)
		if err != nil {
			return nil, err
		}
		out[id] = rev
	}
	return out, nil
}

// GetAVPs returns the values with the given ids, keyed by id.
func (s *Store) GetAVPs(ctx context.Context, projectID string, ids []string) (map[string]*models.AVP, error) {
	db, err := s.db(projectID)
	if err != nil {
		return nil, err
	}
	return getAVPs(ctx, db, ids)
}

func getAVPs(ctx context.Context, db docstore.Database, ids []string) (map[string]*models.AVP, error) {
	out := make(map[string]*models.AVP, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		avp := &models.AVP{}
		if _, err := docstore.GetJSON(ctx, db, id, avp); err != nil {
			return nil, fmt.Errorf("failed to get avp[%s]: %w", id, err)
		}
		avp.ID = id
		out[id] = avp
	}
	return out, nil
}

// GetFile loads the payload of one file value. It fails with
// common.ErrorNotFound while the attachment has not been pulled.
func (s *Store) GetFile(ctx context.Context, projectID string, ref models.AttachmentReference) (models.File, error) {
	db, err := s.db(projectID)
	if err != nil {
		return models.File{}, err
	}
	doc, err := db.Get(ctx, ref.AttachmentID)
	if err != nil {
		return models.File{}, fmt.Errorf("failed to get attachment[%s]: %w", ref.AttachmentID, err)
	}
	att, ok := doc.Attachments[ref.Filename]
	if !ok {
		return models.File{}, fmt.Errorf("failed to get attachment[%s/%s]: %w", ref.AttachmentID, ref.Filename, common.ErrorNotFound)
	}
	return models.File{Name: ref.Filename, ContentType: att.ContentType, Data: att.Data}, nil
}

// UpdateHeads records newRev as a head of the record replacing parents,
// re-reading the record on revision conflicts.
func (s *Store) UpdateHeads(ctx context.Context, projectID, recordID string, parents []string, newRev string) error {
	db, err := s.db(projectID)
	if err != nil {
		return err
	}
	return updateHeads(ctx, db, recordID, parents, newRev)
}

func updateHeads(ctx context.Context, db docstore.Database, recordID string, parents []string, newRev string) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		var rec *models.Record
		rec, err = getRecord(ctx, db, recordID)
		if err != nil {
			return err
		}
		err = putHeads(ctx, db, rec, parents, newRev)
		if !docstore.IsConflict(err) {
			return err
		}
	}
	return err
}

// UpdateHeadsAt is UpdateHeads over the exact document revision rec.Rev. A
// record changed since rec was read fails with common.ErrVersionConflict
// and keeps its heads.
func (s *Store) UpdateHeadsAt(ctx context.Context, projectID string, rec *models.Record, parents []string, newRev string) error {
	db, err := s.db(projectID)
	if err != nil {
		return err
	}
	return putHeads(ctx, db, rec, parents, newRev)
}

// putHeads sets heads to (heads + newRev) - parents, both lists sorted.
func putHeads(ctx context.Context, db docstore.Database, rec *models.Record, parents []string, newRev string) error {
	heads := make(map[string]bool, len(rec.Heads)+1)
	for _, h := range rec.Heads {
		heads[h] = true
	}
	heads[newRev] = true
	for _, p := range parents {
		delete(heads, p)
	}

	revisions := make(map[string]bool, len(rec.Revisions)+1)
	for _, r := range rec.Revisions {
		revisions[r] = true
	}
	revisions[newRev] = true

	next := *rec
	next.Heads = sortedKeys(heads)
	next.Revisions = sortedKeys(revisions)

	rev, err := docstore.PutJSON(ctx, db, rec.ID, rec.Rev, &next)
	if err != nil {
		return fmt.Errorf("failed to update heads[%s]: %w", rec.ID, err)
	}
	rec.Heads = next.Heads
	rec.Revisions = next.Revisions
	rec.Rev = rev
	return nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// jsonEqual compares two JSON values semantically. Missing values equal
// null.
func jsonEqual(a, b json.RawMessage) bool {
	var va, vb any
	if len(a) > 0 && json.Unmarshal(a, &va) != nil {
		return false
	}
	if len(b) > 0 && json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
