package merge

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

// Side names one of the two heads of a Session.
type Side int

const (
	SideA Side = iota
	SideB
)

func (s Side) String() string {
	if s == SideB {
		return "B"
	}
	return "A"
}

// Session is the state of resolving one conflicted record: the heads
// compared, the fields in conflict between them and the choice made for
// each. It is not safe for concurrent use.
type Session struct {
	engine  *Engine
	project string
	record  string

	details   *models.InitialMergeDetails
	a, b      *models.MergeInformation
	conflicts []string
	// choices holds the avp id taken per conflicting field, nil for a
	// rejected field. Fields without an entry are unresolved.
	choices map[string]*string
}

// NewSession loads the heads of a record and starts with the most recent
// head as A and no B.
func NewSession(ctx context.Context, engine *Engine, projectID, recordID string) (*Session, error) {
	details, err := engine.GetInitialMergeDetails(ctx, projectID, recordID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		engine:  engine,
		project: projectID,
		record:  recordID,
		details: details,
		a:       details.InitialHeadData,
	}
	s.reset()
	return s, nil
}

// NoConflict reports that the record has a single head.
func (s *Session) NoConflict() bool {
	return len(s.details.AvailableHeads) < 2
}

func (s *Session) Heads() map[string]models.HeadInfo { return s.details.AvailableHeads }
func (s *Session) A() *models.MergeInformation { return s.a }
func (s *Session) B() *models.MergeInformation { return s.b }

// Conflicts returns the fields that differ between A and B.
func (s *Session) Conflicts() []string { return slices.Clone(s.conflicts) }

// SetA changes head A. All choices are discarded.
func (s *Session) SetA(ctx context.Context, revisionID string) error {
	info, err := s.engine.GetMergeInformationForHead(ctx, s.project, s.record, revisionID)
	if err != nil {
		return err
	}
	s.a = info
	s.reset()
	return nil
}

// SetB changes head B. All choices are discarded.
func (s *Session) SetB(ctx context.Context, revisionID string) error {
	info, err := s.engine.GetMergeInformationForHead(ctx, s.project, s.record, revisionID)
	if err != nil {
		return err
	}
	s.b = info
	s.reset()
	return nil
}

func (s *Session) reset() {
	s.conflicts = ConflictingFields(s.a, s.b)
	s.choices = make(map[string]*string)
}

func (s *Session) checkConflicting(field string) error {
	if !slices.Contains(s.conflicts, field) {
		return common.NewValidationError(fmt.Sprintf("field %s is not in conflict", field))
	}
	return nil
}

func (s *Session) info(side Side) *models.MergeInformation {
	if side == SideB {
		return s.b
	}
	return s.a
}

// Accept takes the value of side for a conflicting field.
func (s *Session) Accept(side Side, field string) error {
	if err := s.checkConflicting(field); err != nil {
		return err
	}
	id := s.info(side).Fields[field].AVPID
	s.choices[field] = &id
	return nil
}

// Reject clears a conflicting field.
func (s *Session) Reject(field string) error {
	if err := s.checkConflicting(field); err != nil {
		return err
	}
	s.choices[field] = nil
	return nil
}

// ChooseAll takes the value of side for every conflicting field.
func (s *Session) ChooseAll(side Side) {
	for _, f := range s.conflicts {
		id := s.info(side).Fields[f].AVPID
		s.choices[f] = &id
	}
}

// Choices returns the resolution of every conflicting field. Unresolved
// fields keep the value of A.
func (s *Session) Choices() map[string]*string {
	out := make(map[string]*string, len(s.conflicts))
	for _, f := range s.conflicts {
		if c, ok := s.choices[f]; ok {
			if c != nil {
				id := *c
				c = &id
			}
			out[f] = c
			continue
		}
		id := s.a.Fields[f].AVPID
		out[f] = &id
	}
	return out
}

// Resolved reports whether a choice was made for every conflicting field.
func (s *Session) Resolved() bool {
	for _, f := range s.conflicts {
		if _, ok := s.choices[f]; !ok {
			return false
		}
	}
	return true
}

// Save writes the choices as a new head replacing A and B. The session is
// left as it was when saving fails.
func (s *Session) Save(ctx context.Context, updatedBy string) (bool, error) {
	if s.a == nil || s.b == nil {
		return false, fmt.Errorf("failed to save merge of record[%s]: %w", s.record, common.ErrNoConflict)
	}

	types := make(map[string]string, len(s.a.Fields)+len(s.b.Fields))
	for f, v := range s.b.Fields {
		types[f] = v.Type
	}
	for f, v := range s.a.Fields {
		types[f] = v.Type
	}

	return s.engine.SaveUserMergeResult(ctx, &models.UserMergeResult{
		ProjectID:    s.project,
		RecordID:     s.record,
		Parents:      []string{s.a.RevisionID, s.b.RevisionID},
		Updated:      s.engine.now(),
		UpdatedBy:    updatedBy,
		Type:         s.a.Type,
		FieldChoices: s.Choices(),
		FieldTypes:   types,
		Relationship: s.a.Relationship,
	})
}
