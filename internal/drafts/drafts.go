// Package drafts keeps in-progress form edits in the local draft database.
//
// Drafts never replicate. Values of attachment fields are stored as
// content-addressed attachments of the draft document and rebuilt into
// files on read.
package drafts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/google/uuid"
)

const (
	// IDPrefix starts the id of every draft.
	IDPrefix = "drf-"

	// DefaultHRIDPrefix marks the field holding the human readable id.
	DefaultHRIDPrefix = "hrid"

	maxAttempts = 5
)

// Filter selects drafts by whether they edit an existing record.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterCreated Filter = "created"
	FilterUpdates Filter = "updates"
)

func (f Filter) match(d *models.Draft) bool {
	switch f {
	case FilterCreated:
		return d.Existing == nil
	case FilterUpdates:
		return d.Existing != nil
	default:
		return true
	}
}

// Update is one save of a form into its draft. Only fields named in
// FieldTypes are taken. Files carries the values of attachment fields.
type Update struct {
	Fields       map[string]json.RawMessage
	Files        map[string][]models.File
	Annotations  map[string]json.RawMessage
	FieldTypes   map[string]string
	Relationship *models.Relationship
}

// Store reads and writes drafts.
type Store struct {
	db  docstore.Database
	log logging.Logger
	now func() time.Time
}

func New(db docstore.Database, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{db: db, log: log.With("component", "drafts"), now: time.Now}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Create starts an empty draft and returns its id. existing is nil for a
// draft of a new record.
func (s *Store) Create(ctx context.Context, projectID string, existing *models.DraftExisting, typ string, fieldTypes map[string]string, recordID string) (string, error) {
	now := s.timestamp()
	d := &models.Draft{
		ID:          IDPrefix + uuid.NewString(),
		ProjectID:   projectID,
		Fields:      map[string]json.RawMessage{},
		Annotations: map[string]json.RawMessage{},
		Attachments: map[string][]string{},
		Existing:    existing,
		Created:     now,
		Updated:     now,
		Type:        typ,
		FieldTypes:  fieldTypes,
		RecordID:    recordID,
	}
	if _, err := docstore.PutJSON(ctx, s.db, d.ID, "", d); err != nil {
		return "", fmt.Errorf("failed to create draft[%s]: %w", d.ID, err)
	}
	s.log.Debug(ctx, "draft created", "draft", d.ID, "project", projectID, "record", recordID)
	return d.ID, nil
}

// Get returns a draft with its files rebuilt.
func (s *Store) Get(ctx context.Context, id string) (*models.Draft, error) {
	doc, err := s.db.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get draft[%s]: %w", id, err)
	}
	d, err := decode(doc)
	if err != nil {
		return nil, err
	}

	d.Files = make(map[string][]models.File, len(d.Attachments))
	for field, names := range d.Attachments {
		files := make([]models.File, 0, len(names))
		for _, name := range names {
			att, ok := doc.Attachments[name]
			if !ok {
				s.log.Warn(ctx, "draft attachment missing", "draft", id, "field", field, "attachment", name)
				continue
			}
			fileName := d.FileNames[name]
			if fileName == "" {
				fileName = name
			}
			files = append(files, models.File{Name: fileName, ContentType: att.ContentType, Data: att.Data})
		}
		d.Files[field] = files
	}
	return d, nil
}

// Set saves upd into the draft id and returns the new revision. Annotations
// are merged per field, other values replace what was stored.
func (s *Store) Set(ctx context.Context, id string, upd Update) (string, error) {
	var err error
	for i := 0; i < maxAttempts; i++ {
		var doc *docstore.Document
		doc, err = s.db.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("failed to get draft[%s]: %w", id, err)
		}

		var d *models.Draft
		d, err = decode(doc)
		if err != nil {
			return "", err
		}
		atts := apply(d, doc.Attachments, upd)
		d.Updated = s.timestamp()

		var next *docstore.Document
		next, err = docstore.Encode(id, doc.Rev, d)
		if err != nil {
			return "", err
		}
		next.Attachments = atts

		var rev string
		rev, err = s.db.Put(ctx, next)
		if err == nil {
			s.log.Debug(ctx, "draft saved", "draft", id, "rev", rev)
			return rev, nil
		}
		if !docstore.IsConflict(err) {
			break
		}
	}
	return "", fmt.Errorf("failed to save draft[%s]: %w", id, err)
}

// apply merges upd into d and returns the attachments the saved draft
// keeps.
func apply(d *models.Draft, current map[string]docstore.Attachment, upd Update) map[string]docstore.Attachment {
	for field, ann := range upd.Annotations {
		d.Annotations[field] = mergeAnnotation(d.Annotations[field], ann)
	}
	if upd.Relationship != nil && upd.Relationship.Parent != nil {
		d.Relationship = upd.Relationship
	}

	added := make(map[string]docstore.Attachment)
	for field, typ := range upd.FieldTypes {
		if files, ok := upd.Files[field]; ok && typ == models.AttachmentFieldType {
			names := make([]string, 0, len(files))
			for _, f := range files {
				name := docstore.Digest(f.Data)
				added[name] = docstore.Attachment{ContentType: f.ContentType, Digest: name, Data: f.Data}
				if f.Name != "" {
					d.FileNames[name] = f.Name
				}
				names = append(names, name)
			}
			d.Attachments[field] = names
			continue
		}
		if v, ok := upd.Fields[field]; ok {
			d.Fields[field] = v
		}
	}

	// Attachments no longer referenced by any field are dropped.
	keep := make(map[string]docstore.Attachment)
	for _, names := range d.Attachments {
		for _, name := range names {
			if a, ok := added[name]; ok {
				keep[name] = a
			} else if a, ok := current[name]; ok {
				keep[name] = a
			}
		}
	}
	for name := range d.FileNames {
		if _, ok := keep[name]; !ok {
			delete(d.FileNames, name)
		}
	}
	return keep
}

// mergeAnnotation merges the members of two annotation objects. Anything
// that is not an object on both sides is replaced.
func mergeAnnotation(old, upd json.RawMessage) json.RawMessage {
	var a, b map[string]json.RawMessage
	if len(old) == 0 || json.Unmarshal(old, &a) != nil || json.Unmarshal(upd, &b) != nil || a == nil || b == nil {
		return upd
	}
	for k, v := range b {
		a[k] = v
	}
	out, err := json.Marshal(a)
	if err != nil {
		return upd
	}
	return out
}

// Delete removes a draft whatever revision it is at.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := docstore.ForceDelete(ctx, s.db, id); err != nil {
		return fmt.Errorf("failed to delete draft[%s]: %w", id, err)
	}
	s.log.Debug(ctx, "draft deleted", "draft", id)
	return nil
}

// DeleteForRecord removes every draft of a record.
func (s *Store) DeleteForRecord(ctx context.Context, projectID, recordID string) error {
	list, err := s.List(ctx, projectID, FilterAll)
	if err != nil {
		return err
	}
	for _, d := range list {
		if d.RecordID != recordID {
			continue
		}
		if err := s.Delete(ctx, d.ID); err != nil {
			return err
		}
	}
	return nil
}

// List returns the drafts of a project matching filter, ordered by id.
// Files are not loaded.
func (s *Store) List(ctx context.Context, projectID string, filter Filter) ([]*models.Draft, error) {
	docs, err := s.db.AllDocs(ctx, IDPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts[%s]: %w", projectID, err)
	}

	var out []*models.Draft
	for _, doc := range docs {
		d, err := decode(doc)
		if err != nil {
			s.log.Warn(ctx, "skipping unreadable draft", "draft", doc.ID, "error", err)
			continue
		}
		if d.ProjectID == projectID && filter.match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListMetadata returns the list view of the drafts of a project keyed by
// draft id. The HRID is the value of the first field, by name, starting
// with hridPrefix (DefaultHRIDPrefix when empty), or the draft id.
func (s *Store) ListMetadata(ctx context.Context, projectID string, filter Filter, hridPrefix string) (map[string]models.DraftMetadata, error) {
	if hridPrefix == "" {
		hridPrefix = DefaultHRIDPrefix
	}
	list, err := s.List(ctx, projectID, filter)
	if err != nil {
		return nil, err
	}

	out := make(map[string]models.DraftMetadata, len(list))
	for _, d := range list {
		hrid := hridOf(d, hridPrefix)
		if hrid == "" {
			hrid = d.ID
		}
		out[d.ID] = models.DraftMetadata{
			ID:        d.ID,
			ProjectID: d.ProjectID,
			Existing:  d.Existing,
			Created:   d.Created,
			Updated:   d.Updated,
			Type:      d.Type,
			HRID:      hrid,
			RecordID:  d.RecordID,
		}
	}
	return out, nil
}

func hridOf(d *models.Draft, prefix string) string {
	names := make([]string, 0, len(d.Fields))
	for name := range d.Fields {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var v string
		if err := json.Unmarshal(d.Fields[name], &v); err == nil && v != "" {
			return v
		}
	}
	return ""
}

func decode(doc *docstore.Document) (*models.Draft, error) {
	d := &models.Draft{}
	if err := docstore.Decode(doc, d); err != nil {
		return nil, err
	}
	d.ID = doc.ID
	d.Rev = doc.Rev
	if d.Fields == nil {
		d.Fields = map[string]json.RawMessage{}
	}
	if d.Annotations == nil {
		d.Annotations = map[string]json.RawMessage{}
	}
	if d.Attachments == nil {
		d.Attachments = map[string][]string{}
	}
	if d.FileNames == nil {
		d.FileNames = map[string]string{}
	}
	return d, nil
}
