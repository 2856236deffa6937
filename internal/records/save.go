package records

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

// Value is one field of a saved form. Files replace Data for attachment
// fields.
type Value struct {
	Type        string
	Data        json.RawMessage
	Annotations json.RawMessage
	Files       []models.File
}

// Save describes a new revision of a record.
type Save struct {
	// RecordID is empty for a new record.
	RecordID string
	// BaseRevision is the revision the form was loaded from, empty for a
	// new record.
	BaseRevision string
	Type         string
	Values       map[string]Value
	Relationship *models.Relationship
	By           string
}

// Saved identifies the revision written by Save.
type Saved struct {
	RecordID   string
	RevisionID string
}

// Save writes a new revision of a record, creating the record if needed.
// Fields whose value and annotations did not change keep the value
// document of the base revision.
func (s *Store) Save(ctx context.Context, projectID string, in Save) (Saved, error) {
	db, err := s.db(projectID)
	if err != nil {
		return Saved{}, err
	}

	now := Timestamp(s.now())
	recordID := in.RecordID
	if recordID == "" {
		recordID = NewRecordID()
	}
	revID := NewRevisionID()

	var (
		base     *models.Revision
		baseAVPs map[string]*models.AVP
		parents  []string
	)
	if in.BaseRevision != "" {
		base, err = getRevision(ctx, db, in.BaseRevision)
		if err != nil {
			return Saved{}, err
		}
		ids := make([]string, 0, len(base.AVPs))
		for _, id := range base.AVPs {
			ids = append(ids, id)
		}
		baseAVPs, err = getAVPs(ctx, db, ids)
		if err != nil {
			return Saved{}, err
		}
		parents = []string{in.BaseRevision}
	}

	typ := in.Type
	if typ == "" && base != nil {
		typ = base.Type
	}
	rev := models.NewRevision(revID, recordID, typ, in.By, now, parents)
	rev.Relationship = in.Relationship

	w := &write{rev: rev}
	for name, v := range in.Values {
		if base != nil && len(v.Files) == 0 {
			if old, ok := baseAVPs[base.AVPs[name]]; ok && jsonEqual(old.Data, v.Data) && jsonEqual(old.Annotations, v.Annotations) {
				rev.AVPs[name] = old.ID
				continue
			}
		}
		w.add(name, v, now)
	}

	if base == nil {
		if err := createRecordIfMissing(ctx, db, models.NewRecord(recordID, typ, in.By, now)); err != nil {
			return Saved{}, err
		}
	}
	if err := w.run(ctx, db); err != nil {
		return Saved{}, err
	}
	s.log.Debug(ctx, "revision saved", "project", projectID, "record", recordID, "revision", revID, "values", len(w.avps))
	return Saved{RecordID: recordID, RevisionID: revID}, nil
}

// DeleteRecord writes a deleted revision on top of base keeping its values.
func (s *Store) DeleteRecord(ctx context.Context, projectID, recordID, baseRevision, by string) (string, error) {
	db, err := s.db(projectID)
	if err != nil {
		return "", err
	}
	base, err := getRevision(ctx, db, baseRevision)
	if err != nil {
		return "", err
	}

	rev := models.NewRevision(NewRevisionID(), recordID, base.Type, by, Timestamp(s.now()), []string{baseRevision})
	for k, v := range base.AVPs {
		rev.AVPs[k] = v
	}
	rev.Deleted = true
	rev.Relationship = base.Relationship

	if err := (&write{rev: rev}).run(ctx, db); err != nil {
		return "", err
	}
	return rev.ID, nil
}

// WriteRevision stores avps, then rev, then makes rev a head replacing its
// parents. When rec is not nil the heads update is made over exactly that
// document revision; otherwise the record is re-read on conflicts.
//
// Values and the revision are written first, so a failure leaves the old
// heads in place with at most some unreferenced documents behind.
func (s *Store) WriteRevision(ctx context.Context, projectID string, rec *models.Record, rev *models.Revision, avps []*models.AVP) error {
	db, err := s.db(projectID)
	if err != nil {
		return err
	}
	return (&write{rev: rev, avps: avps, record: rec}).run(ctx, db)
}

type attachmentDoc struct {
	meta *models.Attachment
	file models.File
}

// write is one revision with the documents it introduces.
type write struct {
	rev    *models.Revision
	avps   []*models.AVP
	atts   []attachmentDoc
	record *models.Record
}

func (w *write) add(name string, v Value, now string) {
	typ := v.Type
	if typ == "" {
		typ = models.UnknownType
	}
	avp := models.NewAVP(NewAVPID(), w.rev.RecordID, w.rev.ID, typ, v.Data, v.Annotations, w.rev.CreatedBy, now)

	for _, f := range v.Files {
		meta := &models.Attachment{
			ID:         newAttachmentID(),
			AVPID:      avp.ID,
			RevisionID: w.rev.ID,
			RecordID:   w.rev.RecordID,
			Filename:   f.Name,
			FileType:   f.ContentType,
			Created:    now,
			CreatedBy:  w.rev.CreatedBy,
		}
		avp.Attachments = append(avp.Attachments, models.AttachmentReference{
			AttachmentID: meta.ID,
			Filename:     f.Name,
			FileType:     f.ContentType,
		})
		w.atts = append(w.atts, attachmentDoc{meta: meta, file: f})
	}

	w.avps = append(w.avps, avp)
	w.rev.AVPs[name] = avp.ID
}

func (w *write) run(ctx context.Context, db docstore.Database) error {
	for _, a := range w.atts {
		doc, err := docstore.Encode(a.meta.ID, "", a.meta)
		if err != nil {
			return err
		}
		doc.Attachments = map[string]docstore.Attachment{
			a.file.Name: {ContentType: a.file.ContentType, Digest: docstore.Digest(a.file.Data), Data: a.file.Data},
		}
		if _, err := db.Put(ctx, doc); err != nil {
			return fmt.Errorf("failed to write attachment[%s]: %w", a.meta.ID, err)
		}
	}
	for _, avp := range w.avps {
		if _, err := docstore.PutJSON(ctx, db, avp.ID, "", avp); err != nil {
			return fmt.Errorf("failed to write avp[%s]: %w", avp.ID, err)
		}
	}
	if _, err := docstore.PutJSON(ctx, db, w.rev.ID, "", w.rev); err != nil {
		return fmt.Errorf("failed to write revision[%s]: %w", w.rev.ID, err)
	}

	if w.record != nil {
		return putHeads(ctx, db, w.record, w.rev.Parents, w.rev.ID)
	}
	return updateHeads(ctx, db, w.rev.RecordID, w.rev.Parents, w.rev.ID)
}

func createRecordIfMissing(ctx context.Context, db docstore.Database, rec *models.Record) error {
	_, err := docstore.PutJSON(ctx, db, rec.ID, "", rec)
	if err == nil || docstore.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("failed to create record[%s]: %w", rec.ID, err)
}
