package merge

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/records"
)

// AutomergeUser is recorded as the author of automatic merges.
const AutomergeUser = "automerge"

// Engine reads and resolves conflicted records.
type Engine struct {
	recs *records.Store
	log  logging.Logger
	now  func() time.Time
}

func New(recs *records.Store, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{recs: recs, log: log.With("component", "merge"), now: time.Now}
}

// GetInitialMergeDetails lists the heads of a record and resolves the most
// recently created one. Heads that cannot be read are left out.
func (e *Engine) GetInitialMergeDetails(ctx context.Context, projectID, recordID string) (*models.InitialMergeDetails, error) {
	rec, err := e.recs.GetRecord(ctx, projectID, recordID)
	if err != nil {
		return nil, err
	}

	revs := make([]*models.Revision, 0, len(rec.Heads))
	details := &models.InitialMergeDetails{AvailableHeads: make(map[string]models.HeadInfo, len(rec.Heads))}
	for _, id := range rec.Heads {
		rev, err := e.recs.GetRevision(ctx, projectID, id)
		if err != nil {
			e.log.Warn(ctx, "skipping unreadable head", "project", projectID, "record", recordID, "revision", id, "error", err)
			continue
		}
		revs = append(revs, rev)
		details.AvailableHeads[id] = models.HeadInfo{
			Type:      rev.Type,
			Created:   records.ParseTime(rev.Created),
			CreatedBy: rev.CreatedBy,
			Deleted:   rev.Deleted,
		}
	}

	sort.Slice(revs, func(i, j int) bool { return newer(revs[i], revs[j]) })
	for _, rev := range revs {
		info, err := e.information(ctx, projectID, rev)
		if err != nil {
			e.log.Warn(ctx, "failed to resolve head", "project", projectID, "revision", rev.ID, "error", err)
			continue
		}
		details.InitialHead = rev.ID
		details.InitialHeadData = info
		return details, nil
	}
	return nil, fmt.Errorf("failed to resolve any head of record[%s]: %w", recordID, common.ErrorNotFound)
}

// newer orders revisions by creation time, most recent first, then by id.
func newer(a, b *models.Revision) bool {
	ta, tb := records.ParseTime(a.Created), records.ParseTime(b.Created)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}
	return a.ID > b.ID
}

// GetMergeInformationForHead resolves the values of one revision of a
// record. Revisions that are not heads are resolved too.
func (e *Engine) GetMergeInformationForHead(ctx context.Context, projectID, recordID, revisionID string) (*models.MergeInformation, error) {
	rec, err := e.recs.GetRecord(ctx, projectID, recordID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(rec.Heads, revisionID) {
		e.log.Warn(ctx, "merge information requested for a non head", "project", projectID, "record", recordID, "revision", revisionID)
	}

	rev, err := e.recs.GetRevision(ctx, projectID, revisionID)
	if err != nil {
		return nil, err
	}
	return e.information(ctx, projectID, rev)
}

func (e *Engine) information(ctx context.Context, projectID string, rev *models.Revision) (*models.MergeInformation, error) {
	ids := make([]string, 0, len(rev.AVPs))
	for _, id := range rev.AVPs {
		ids = append(ids, id)
	}
	avps, err := e.recs.GetAVPs(ctx, projectID, ids)
	if err != nil {
		return nil, err
	}

	info := &models.MergeInformation{
		ProjectID:    projectID,
		RecordID:     rev.RecordID,
		RevisionID:   rev.ID,
		Type:         rev.Type,
		Updated:      records.ParseTime(rev.Created),
		UpdatedBy:    rev.CreatedBy,
		Fields:       make(map[string]models.FieldMergeInformation, len(rev.AVPs)),
		Deleted:      rev.Deleted,
		Relationship: rev.Relationship,
	}
	for name, id := range rev.AVPs {
		avp := avps[id]
		info.Fields[name] = models.FieldMergeInformation{
			AVPID:       id,
			Data:        avp.Data,
			Type:        avp.Type,
			Annotations: avp.Annotations,
			Created:     records.ParseTime(avp.Created),
			CreatedBy:   avp.CreatedBy,
		}
	}
	return info, nil
}

// FindConflictingFields returns the fields of revisionID whose value
// differs from any other head of the record, sorted.
func (e *Engine) FindConflictingFields(ctx context.Context, projectID, recordID, revisionID string) ([]string, error) {
	rec, err := e.recs.GetRecord(ctx, projectID, recordID)
	if err != nil {
		return nil, err
	}

	ids := rec.Heads
	if !slices.Contains(ids, revisionID) {
		e.log.Warn(ctx, "conflicting fields requested for a non head", "project", projectID, "record", recordID, "revision", revisionID)
		ids = append([]string{revisionID}, ids...)
	}
	revs, err := e.recs.GetRevisions(ctx, projectID, ids)
	if err != nil {
		return nil, err
	}

	base := revs[revisionID]
	found := make(map[string]bool)
	for _, id := range rec.Heads {
		if id == revisionID {
			continue
		}
		for _, f := range conflicting(base.AVPs, revs[id].AVPs) {
			found[f] = true
		}
	}

	out := make([]string, 0, len(found))
	for f := range found {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

// ConflictingFields returns the fields present in both a and b with
// different values, sorted.
func ConflictingFields(a, b *models.MergeInformation) []string {
	if a == nil || b == nil {
		return []string{}
	}
	av := make(map[string]string, len(a.Fields))
	for f, v := range a.Fields {
		av[f] = v.AVPID
	}
	bv := make(map[string]string, len(b.Fields))
	for f, v := range b.Fields {
		bv[f] = v.AVPID
	}
	return conflicting(av, bv)
}

func conflicting(a, b map[string]string) []string {
	out := []string{}
	for f, x := range a {
		if y, ok := b[f]; ok && x != y {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
