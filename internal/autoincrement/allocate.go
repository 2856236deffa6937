package autoincrement

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

// AllocateNext issues the next identifier of a field. It returns
// common.ErrNoRangesAvailable once every range is used up.
func (a *Allocator) AllocateNext(ctx context.Context, projectID, formID, fieldID string) (int, error) {
	var err error
	for i := 0; i < maxAttempts; i++ {
		var state *models.AutoIncrementState
		state, err = a.GetState(ctx, projectID, formID, fieldID)
		if err != nil {
			return 0, err
		}

		value, aerr := nextValue(state)
		if aerr != nil {
			return 0, fmt.Errorf("failed to allocate[%s/%s/%s]: %w", projectID, formID, fieldID, aerr)
		}

		err = a.SetState(ctx, state)
		if err == nil {
			a.log.Debug(ctx, "identifier allocated", "project", projectID, "form", formID, "field", fieldID, "value", value)
			return value, nil
		}
		if !docstore.IsConflict(err) {
			return 0, err
		}
		a.log.Debug(ctx, "allocation raced, retrying", "project", projectID, "form", formID, "field", fieldID)
	}
	return 0, err
}

// nextValue advances state by one identifier.
func nextValue(state *models.AutoIncrementState) (int, error) {
	for {
		idx, fresh := pickRange(state.Ranges)
		if idx < 0 {
			return 0, common.ErrNoRangesAvailable
		}
		r := &state.Ranges[idx]
		r.Using = true

		value := r.Start
		if !fresh && state.LastUsedID != nil && *state.LastUsedID+1 > value {
			value = *state.LastUsedID + 1
		}
		if value >= r.Stop {
			r.FullyUsed = true
			r.Using = false
			continue
		}

		state.LastUsedID = &value
		if value == r.Stop-1 {
			r.FullyUsed = true
			r.Using = false
		}
		return value, nil
	}
}

// pickRange returns the range in use or, failing that, the first range not
// used up. fresh reports that the range was not in use yet.
func pickRange(ranges []models.AutoIncrementRange) (idx int, fresh bool) {
	for i, r := range ranges {
		if r.Using {
			return i, false
		}
	}
	for i, r := range ranges {
		if !r.FullyUsed {
			return i, true
		}
	}
	return -1, false
}
