package merge

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/records"
)

// SaveUserMergeResult writes the resolution of a conflict between the two
// parents of result as a new head replacing both.
//
// A non-nil choice must be the value one of the parents holds for that same
// field. A nil choice clears the field with a fresh null value. Fields without a
// choice take the value of the first parent, or of the second when only it
// has the field. Nothing is written unless every value can be resolved, and
// a record changed since it was read keeps its heads.
func (e *Engine) SaveUserMergeResult(ctx context.Context, result *models.UserMergeResult) (bool, error) {
	if len(result.Parents) != 2 || result.Parents[0] == result.Parents[1] {
		return false, fmt.Errorf("failed to save merge of record[%s]: %w", result.RecordID, common.ErrNoConflict)
	}

	rec, err := e.recs.GetRecord(ctx, result.ProjectID, result.RecordID)
	if err != nil {
		return false, err
	}
	parents, err := e.recs.GetRevisions(ctx, result.ProjectID, result.Parents)
	if err != nil {
		return false, err
	}
	a, b := parents[result.Parents[0]], parents[result.Parents[1]]

	updated := result.Updated
	if updated.IsZero() {
		updated = e.now()
	}
	created := records.Timestamp(updated)
	rev := models.NewRevision(records.NewRevisionID(), result.RecordID, result.Type, result.UpdatedBy, created, result.Parents)
	rev.Relationship = result.Relationship

	var (
		fresh  []*models.AVP
		chosen []string
	)
	for field, choice := range result.FieldChoices {
		if choice == nil {
			typ := result.FieldTypes[field]
			if typ == "" {
				typ = models.UnknownType
			}
			avp := models.NewAVP(records.NewAVPID(), result.RecordID, rev.ID, typ, nil, nil, result.UpdatedBy, created)
			fresh = append(fresh, avp)
			rev.AVPs[field] = avp.ID
			continue
		}
		if !fromParent(field, *choice, a, b) {
			return false, fmt.Errorf("failed to save merge of record[%s]: choice for field %q is not a parent value: %w", result.RecordID, field, common.ErrMergeIntegrity)
		}
		rev.AVPs[field] = *choice
		chosen = append(chosen, *choice)
	}

	for _, field := range fieldsOf(a, b) {
		if _, ok := result.FieldChoices[field]; ok {
			continue
		}
		av, inA := a.AVPs[field]
		bv, inB := b.AVPs[field]
		switch {
		case inA && inB && av != bv:
			return false, fmt.Errorf("failed to save merge of record[%s]: field %q differs and has no choice: %w", result.RecordID, field, common.ErrMergeIntegrity)
		case inA:
			rev.AVPs[field] = av
		default:
			rev.AVPs[field] = bv
		}
	}

	if _, err := e.recs.GetAVPs(ctx, result.ProjectID, chosen); err != nil {
		return false, fmt.Errorf("failed to save merge of record[%s]: chosen value unreadable: %w: %w", result.RecordID, common.ErrMergeIntegrity, err)
	}

	if err := e.recs.WriteRevision(ctx, result.ProjectID, rec, rev, fresh); err != nil {
		e.log.Warn(ctx, "merge not saved", "project", result.ProjectID, "record", result.RecordID, "error", err)
		return false, err
	}
	e.log.Info(ctx, "merge saved", "project", result.ProjectID, "record", result.RecordID, "revision", rev.ID, "parents", result.Parents)
	return true, nil
}

// fromParent reports whether avpID is the value of field in one of revs.
func fromParent(field, avpID string, revs ...*models.Revision) bool {
	for _, r := range revs {
		if v, ok := r.AVPs[field]; ok && v == avpID {
			return true
		}
	}
	return false
}

// fieldsOf is the union of the field names of the given revisions.
func fieldsOf(revs ...*models.Revision) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range revs {
		for f := range r.AVPs {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
