package merge

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/records"
)

// outcome of merging one field or one pair of heads.
type outcome int

const (
	outcomeTrivial outcome = iota
	outcomeOurs
	outcomeTheirs
	outcomeConflict
)

// pairResult is the result of merging two heads.
type pairResult struct {
	merged      bool
	fastForward bool
	revision    string
}

type revisionCache struct {
	e       *Engine
	project string
	revs    map[string]*models.Revision
}

func (c *revisionCache) get(ctx context.Context, id string) (*models.Revision, error) {
	if rev, ok := c.revs[id]; ok {
		return rev, nil
	}
	rev, err := c.e.recs.GetRevision(ctx, c.project, id)
	if err != nil {
		return nil, err
	}
	c.revs[id] = rev
	return rev, nil
}

// MergeHeads merges the heads of a record pairwise wherever no field was
// changed on both sides. It reports whether the record was left with a
// single head.
func (e *Engine) MergeHeads(ctx context.Context, projectID, recordID string) (bool, error) {
	rec, err := e.recs.GetRecord(ctx, projectID, recordID)
	if err != nil {
		return false, err
	}

	cache := &revisionCache{e: e, project: projectID, revs: make(map[string]*models.Revision)}
	working := append([]string(nil), rec.Heads...)
	fully := true

	for len(working) > 1 {
		us := working[0]
		var kept []string
		for _, them := range working[1:] {
			res, err := e.mergePair(ctx, cache, us, them)
			if err != nil {
				return false, err
			}
			if !res.merged {
				fully = false
				kept = append(kept, them)
				continue
			}
			e.log.Debug(ctx, "heads merged", "record", recordID, "us", us, "them", them, "into", res.revision, "fast_forward", res.fastForward)
			us = res.revision
		}
		working = kept
	}
	return fully, nil
}

func (e *Engine) mergePair(ctx context.Context, cache *revisionCache, usID, themID string) (pairResult, error) {
	us, err := cache.get(ctx, usID)
	if err != nil {
		return pairResult{}, err
	}
	them, err := cache.get(ctx, themID)
	if err != nil {
		return pairResult{}, err
	}
	base, err := commonAncestor(ctx, cache, us, them)
	if err != nil {
		return pairResult{}, err
	}

	switch base.ID {
	case them.ID:
		return e.fastForward(ctx, cache.project, us, them)
	case us.ID:
		return e.fastForward(ctx, cache.project, them, us)
	}

	if us.Type != them.Type {
		return pairResult{}, fmt.Errorf("failed to merge %s with %s[%s != %s]: %w", usID, themID, us.Type, them.Type, common.ErrTypeMismatch)
	}
	if us.Deleted != them.Deleted {
		return pairResult{}, nil
	}

	parent, ok := pick3(base.Relationship.GetParent(), them.Relationship.GetParent(), us.Relationship.GetParent())
	if !ok {
		return pairResult{}, nil
	}
	linked, ok := pick3(base.Relationship.GetLinked(), them.Relationship.GetLinked(), us.Relationship.GetLinked())
	if !ok {
		return pairResult{}, nil
	}

	avps := make(map[string]string)
	for _, f := range fieldsOf(base, them, us) {
		id, out := mergeField(base.AVPs[f], them.AVPs[f], us.AVPs[f])
		if out == outcomeConflict {
			return pairResult{}, nil
		}
		if id != "" {
			avps[f] = id
		}
	}

	parents := []string{usID, themID}
	sort.Strings(parents)
	rev := models.NewRevision(records.NewRevisionID(), us.RecordID, us.Type, AutomergeUser, records.Timestamp(e.now()), parents)
	rev.AVPs = avps
	rev.Deleted = us.Deleted && them.Deleted
	if parent != nil || len(linked) > 0 {
		rev.Relationship = &models.Relationship{Parent: parent, Linked: linked}
	}

	if err := e.recs.WriteRevision(ctx, cache.project, nil, rev, nil); err != nil {
		return pairResult{}, err
	}
	cache.revs[rev.ID] = rev
	return pairResult{merged: true, revision: rev.ID}, nil
}

// fastForward drops behind, an ancestor of ahead, from the heads.
func (e *Engine) fastForward(ctx context.Context, projectID string, ahead, behind *models.Revision) (pairResult, error) {
	if err := e.recs.UpdateHeads(ctx, projectID, ahead.RecordID, []string{behind.ID}, ahead.ID); err != nil {
		return pairResult{}, err
	}
	return pairResult{merged: true, fastForward: true, revision: ahead.ID}, nil
}

// mergeField merges one field. An empty id means the field is absent.
func mergeField(base, theirs, ours string) (string, outcome) {
	switch {
	case theirs == ours:
		return ours, outcomeTrivial
	case theirs == base:
		return ours, outcomeOurs
	case ours == base:
		return theirs, outcomeTheirs
	default:
		return "", outcomeConflict
	}
}

// pick3 merges a value changed on at most one side.
func pick3[T any](base, theirs, ours T) (T, bool) {
	switch {
	case reflect.DeepEqual(theirs, ours):
		return ours, true
	case reflect.DeepEqual(theirs, base):
		return ours, true
	case reflect.DeepEqual(ours, base):
		return theirs, true
	default:
		var zero T
		return zero, false
	}
}

// commonAncestor walks the histories of us and them breadth first and
// returns the first revision reached from both.
func commonAncestor(ctx context.Context, cache *revisionCache, us, them *models.Revision) (*models.Revision, error) {
	const fromUs, fromThem = 1, 2

	type step struct {
		rev  *models.Revision
		side uint8
	}
	reached := make(map[string]uint8)
	queue := []step{{us, fromUs}, {them, fromThem}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		prev := reached[cur.rev.ID]
		if prev&cur.side != 0 {
			continue
		}
		reached[cur.rev.ID] = prev | cur.side
		if prev != 0 {
			return cur.rev, nil
		}

		for _, p := range cur.rev.Parents {
			parent, err := cache.get(ctx, p)
			if err != nil {
				return nil, err
			}
			queue = append(queue, step{parent, cur.side})
		}
	}
	return nil, fmt.Errorf("failed to find a common ancestor of %s and %s: %w", us.ID, them.ID, common.ErrMergeIntegrity)
}
