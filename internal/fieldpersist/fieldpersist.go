// Package fieldpersist stores the field values a form carries over from one
// record to the next.
package fieldpersist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

const (
	statePrefix = "local-fieldpersistent-state"
	maxAttempts = 5
)

// Store keeps persistent field values in the local-state database.
type Store struct {
	local docstore.Database
	log   logging.Logger
}

func New(local docstore.Database, log logging.Logger) *Store {
	if log == nil {
		log = logging.Nop()
	}
	return &Store{local: local, log: log.With("component", "fieldpersist")}
}

// StateID is the document id of the state of one form.
func StateID(projectID, formID string) string {
	return statePrefix + "-" + projectID + "-" + formID
}

// Get returns the remembered values of a form, empty if none were saved.
func (s *Store) Get(ctx context.Context, projectID, formID string) (*models.FieldPersistentState, error) {
	st := &models.FieldPersistentState{}
	rev, err := docstore.GetJSON(ctx, s.local, StateID(projectID, formID), st)
	if docstore.IsNotFound(err) {
		return empty(projectID, formID), nil
	}
	if err != nil {
		s.log.Error(ctx, "failed to get persistent fields", "project", projectID, "form", formID, "error", err)
		return nil, fmt.Errorf("failed to get persistent fields[%s/%s]: %w", projectID, formID, err)
	}
	st.Rev = rev
	if st.Data == nil {
		st.Data = map[string]json.RawMessage{}
	}
	if st.Annotations == nil {
		st.Annotations = map[string]json.RawMessage{}
	}
	return st, nil
}

// Set merges data and annotations into the remembered values of a form.
// Fields not mentioned keep their value.
func (s *Store) Set(ctx context.Context, projectID, formID string, data, annotations map[string]json.RawMessage) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		var st *models.FieldPersistentState
		st, err = s.Get(ctx, projectID, formID)
		if err != nil {
			return err
		}
		for k, v := range data {
			st.Data[k] = v
		}
		for k, v := range annotations {
			st.Annotations[k] = v
		}

		_, err = docstore.PutJSON(ctx, s.local, StateID(projectID, formID), st.Rev, st)
		if !docstore.IsConflict(err) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("failed to set persistent fields[%s/%s]: %w", projectID, formID, err)
	}
	return nil
}

// Persist remembers the values of the persistent fields out of a submitted
// form.
func (s *Store) Persist(ctx context.Context, projectID, formID string, values, annotations map[string]json.RawMessage, persistent []string) error {
	if len(persistent) == 0 {
		return nil
	}
	data := make(map[string]json.RawMessage, len(persistent))
	ann := make(map[string]json.RawMessage, len(persistent))
	for _, f := range persistent {
		if v, ok := values[f]; ok {
			data[f] = v
		}
		if v, ok := annotations[f]; ok {
			ann[f] = v
		}
	}
	return s.Set(ctx, projectID, formID, data, ann)
}

func empty(projectID, formID string) *models.FieldPersistentState {
	return &models.FieldPersistentState{
		ProjectID:   projectID,
		FormID:      formID,
		Data:        map[string]json.RawMessage{},
		Annotations: map[string]json.RawMessage{},
	}
}
