package autoincrement

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

// ReferencesID is the metadata document listing the allocator fields.
const ReferencesID = "local-autoincrementers"

// GetReferences lists the allocator fields of a project.
func (a *Allocator) GetReferences(ctx context.Context, projectID string) ([]models.AutoIncrementReference, error) {
	doc, err := a.references(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return doc.References, nil
}

// AddReferences registers fields as allocator fields. Fields already listed
// are kept once.
func (a *Allocator) AddReferences(ctx context.Context, projectID string, refs []models.AutoIncrementReference) error {
	return a.updateReferences(ctx, projectID, func(doc *models.AutoIncrementReferences) {
		for _, ref := range refs {
			if indexOf(doc.References, ref.FormID, ref.FieldID) < 0 {
				doc.References = append(doc.References, ref)
			}
		}
	})
}

// RemoveReference unregisters one allocator field.
func (a *Allocator) RemoveReference(ctx context.Context, projectID, formID, fieldID string) error {
	return a.updateReferences(ctx, projectID, func(doc *models.AutoIncrementReferences) {
		if i := indexOf(doc.References, formID, fieldID); i >= 0 {
			doc.References = append(doc.References[:i], doc.References[i+1:]...)
		}
	})
}

// DisplayStatus summarises every allocator field of a project.
func (a *Allocator) DisplayStatus(ctx context.Context, projectID string) ([]models.AutoIncrementStatus, error) {
	refs, err := a.GetReferences(ctx, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]models.AutoIncrementStatus, 0, len(refs))
	for _, ref := range refs {
		state, err := a.GetState(ctx, projectID, ref.FormID, ref.FieldID)
		if err != nil {
			return nil, err
		}
		label := ref.Label
		if label == "" {
			label = ref.FormID
		}
		status := models.AutoIncrementStatus{Label: label, LastUsed: state.LastUsedID}
		for _, r := range state.Ranges {
			if r.Using {
				stop := r.Stop
				status.End = &stop
				break
			}
		}
		out = append(out, status)
	}
	return out, nil
}

func (a *Allocator) references(ctx context.Context, projectID string) (*models.AutoIncrementReferences, error) {
	db, err := a.meta.MetadataDB(projectID)
	if err != nil {
		return nil, err
	}

	doc := &models.AutoIncrementReferences{}
	rev, err := docstore.GetJSON(ctx, db, ReferencesID, doc)
	if docstore.IsNotFound(err) {
		return &models.AutoIncrementReferences{References: []models.AutoIncrementReference{}}, nil
	}
	if err != nil {
		a.log.Error(ctx, "failed to get autoincrement references", "project", projectID, "error", err)
		return nil, fmt.Errorf("failed to get autoincrement references[%s]: %w", projectID, err)
	}
	doc.Rev = rev
	if doc.References == nil {
		doc.References = []models.AutoIncrementReference{}
	}
	return doc, nil
}

func (a *Allocator) updateReferences(ctx context.Context, projectID string, mutate func(*models.AutoIncrementReferences)) error {
	db, err := a.meta.MetadataDB(projectID)
	if err != nil {
		return err
	}

	for i := 0; i < maxAttempts; i++ {
		var doc *models.AutoIncrementReferences
		doc, err = a.references(ctx, projectID)
		if err != nil {
			return err
		}
		mutate(doc)

		_, err = docstore.PutJSON(ctx, db, ReferencesID, doc.Rev, doc)
		if err == nil || !docstore.IsConflict(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to save autoincrement references[%s]: %w", projectID, err)
	}
	return nil
}

func indexOf(refs []models.AutoIncrementReference, formID, fieldID string) int {
	for i, r := range refs {
		if r.FormID == formID && r.FieldID == fieldID {
			return i
		}
	}
	return -1
}
