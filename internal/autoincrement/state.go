package autoincrement

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

const (
	statePrefix = "local-autoincrement-state"

	// maxAttempts bounds the read-modify-write loops on revision conflicts.
	maxAttempts = 10
)

// Validation reasons of SetRanges.
const (
	ReasonUsingRemoved      = "currently used range removed"
	ReasonUsingStartChanged = "currently used range start changed"
	ReasonUsingStopTooLow   = "currently used range stop less than last used id"
	ReasonEmptyRange        = "range start must be less than stop"
)

// MetadataResolver returns the local metadata database of a project.
type MetadataResolver interface {
	MetadataDB(projectID string) (docstore.Database, error)
}

// Allocator issues identifiers and manages their ranges.
type Allocator struct {
	local docstore.Database
	meta  MetadataResolver
	log   logging.Logger
}

// New returns an allocator keeping its state in local.
func New(local docstore.Database, meta MetadataResolver, log logging.Logger) *Allocator {
	if log == nil {
		log = logging.Nop()
	}
	return &Allocator{local: local, meta: meta, log: log.With("component", "autoincrement")}
}

// StateID is the document id of the state of one field.
func StateID(projectID, formID, fieldID string) string {
	return statePrefix + "-" + projectID + "-" + formID + "-" + fieldID
}

// GetState returns the state of a field. A field never seen before has an
// empty state.
func (a *Allocator) GetState(ctx context.Context, projectID, formID, fieldID string) (*models.AutoIncrementState, error) {
	id := StateID(projectID, formID, fieldID)

	state := &models.AutoIncrementState{}
	rev, err := docstore.GetJSON(ctx, a.local, id, state)
	if docstore.IsNotFound(err) {
		return &models.AutoIncrementState{ID: id, Ranges: []models.AutoIncrementRange{}}, nil
	}
	if err != nil {
		a.log.Error(ctx, "failed to get autoincrement state", "project", projectID, "form", formID, "field", fieldID, "error", err)
		return nil, fmt.Errorf("failed to get autoincrement state[%s/%s/%s]: %w", projectID, formID, fieldID, err)
	}
	state.ID = id
	state.Rev = rev
	if state.Ranges == nil {
		state.Ranges = []models.AutoIncrementRange{}
	}
	return state, nil
}

// SetState writes state over its expected revision and updates state.Rev.
// A stale state fails with common.ErrVersionConflict.
func (a *Allocator) SetState(ctx context.Context, state *models.AutoIncrementState) error {
	rev, err := docstore.PutJSON(ctx, a.local, state.ID, state.Rev, state)
	if err != nil {
		return fmt.Errorf("failed to set autoincrement state[%s]: %w", state.ID, err)
	}
	state.Rev = rev
	return nil
}

// GetRanges returns the ranges of a field.
func (a *Allocator) GetRanges(ctx context.Context, projectID, formID, fieldID string) ([]models.AutoIncrementRange, error) {
	state, err := a.GetState(ctx, projectID, formID, fieldID)
	if err != nil {
		return nil, err
	}
	return state.Ranges, nil
}

// SetRanges replaces the ranges of a field. Edits that would let an issued
// value be issued again fail with a *common.ValidationError and leave the
// stored state untouched.
func (a *Allocator) SetRanges(ctx context.Context, projectID, formID, fieldID string, ranges []models.AutoIncrementRange) error {
	state, err := a.GetState(ctx, projectID, formID, fieldID)
	if err != nil {
		return err
	}

	next := slices.Clone(ranges)
	if next == nil {
		next = []models.AutoIncrementRange{}
	}
	if err := checkRanges(state, next); err != nil {
		return err
	}

	state.Ranges = next
	return a.SetState(ctx, state)
}

// checkRanges validates next against the range in use of state. A new
// range in use that is marked used up stops being in use.
func checkRanges(state *models.AutoIncrementState, next []models.AutoIncrementRange) error {
	if len(state.Ranges) == 0 {
		return nil
	}
	for _, cur := range state.Ranges {
		if !cur.Using {
			continue
		}
		i := slices.IndexFunc(next, func(r models.AutoIncrementRange) bool { return r.Using })
		switch {
		case i < 0:
			return common.NewValidationError(ReasonUsingRemoved)
		case next[i].FullyUsed:
			next[i].Using = false
		case next[i].Start != cur.Start:
			return common.NewValidationError(ReasonUsingStartChanged)
		case state.LastUsedID != nil && next[i].Stop <= *state.LastUsedID:
			return common.NewValidationError(ReasonUsingStopTooLow)
		}
	}
	return nil
}

// CreateNewRange appends the range [start, stop) to a field.
func (a *Allocator) CreateNewRange(ctx context.Context, projectID, formID, fieldID string, start, stop int) error {
	if start >= stop {
		return common.NewValidationError(ReasonEmptyRange)
	}

	var err error
	for i := 0; i < maxAttempts; i++ {
		var state *models.AutoIncrementState
		state, err = a.GetState(ctx, projectID, formID, fieldID)
		if err != nil {
			return err
		}
		state.Ranges = append(state.Ranges, NewRange(start, stop))

		err = a.SetState(ctx, state)
		if !docstore.IsConflict(err) {
			return err
		}
	}
	return err
}

// NewRange returns an unused range [start, stop).
func NewRange(start, stop int) models.AutoIncrementRange {
	return models.AutoIncrementRange{Start: start, Stop: stop}
}
