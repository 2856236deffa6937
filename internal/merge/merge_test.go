package merge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/sqlstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/records"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const project = "p"

type dataDBs struct {
	store *sqlstore.Store
}

func (d dataDBs) DataDB(projectID string) (docstore.Database, error) {
	return d.store.Database("data_" + projectID), nil
}

type fixture struct {
	recs   *records.Store
	engine *Engine
	record string
	base   string
}

// newFixture creates a record whose first revision has fields a, b and c.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	recs := records.New(dataDBs{store: db}, nil)
	f := &fixture{recs: recs, engine: New(recs, nil)}
	saved, err := recs.Save(context.Background(), project, records.Save{
		Type:   "site",
		Values: values(map[string]string{"a": "1", "b": "1", "c": "1"}),
		By:     "alice",
	})
	require.NoError(t, err)
	f.record, f.base = saved.RecordID, saved.RevisionID
	return f
}

func values(m map[string]string) map[string]records.Value {
	out := make(map[string]records.Value, len(m))
	for k, v := range m {
		b, _ := json.Marshal(v)
		out[k] = records.Value{Type: "faims-core::String", Data: b}
	}
	return out
}

func (f *fixture) edit(t *testing.T, base string, m map[string]string) string {
	t.Helper()
	saved, err := f.recs.Save(context.Background(), project, records.Save{
		RecordID:     f.record,
		BaseRevision: base,
		Values:       values(m),
		By:           "bob",
	})
	require.NoError(t, err)
	return saved.RevisionID
}

func (f *fixture) heads(t *testing.T) []string {
	t.Helper()
	rec, err := f.recs.GetRecord(context.Background(), project, f.record)
	require.NoError(t, err)
	return rec.Heads
}

func (f *fixture) revision(t *testing.T, id string) *models.Revision {
	t.Helper()
	rev, err := f.recs.GetRevision(context.Background(), project, id)
	require.NoError(t, err)
	return rev
}

func (f *fixture) value(t *testing.T, avpID string) string {
	t.Helper()
	avps, err := f.recs.GetAVPs(context.Background(), project, []string{avpID})
	require.NoError(t, err)
	return string(avps[avpID].Data)
}

func TestConflictingFields(t *testing.T) {
	a := &models.MergeInformation{Fields: map[string]models.FieldMergeInformation{
		"same": {AVPID: "avp-1"}, "diff": {AVPID: "avp-2"}, "only-a": {AVPID: "avp-3"},
	}}
	b := &models.MergeInformation{Fields: map[string]models.FieldMergeInformation{
		"same": {AVPID: "avp-1"}, "diff": {AVPID: "avp-9"}, "only-b": {AVPID: "avp-4"},
	}}

	assert.Equal(t, []string{"diff"}, ConflictingFields(a, b))
	assert.Equal(t, []string{"diff"}, ConflictingFields(b, a))
	assert.Empty(t, ConflictingFields(a, nil))
}

func TestGetInitialMergeDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})
	second := f.edit(t, f.base, map[string]string{"a": "y", "b": "1", "c": "1"})

	details, err := f.engine.GetInitialMergeDetails(ctx, project, f.record)
	require.NoError(t, err)
	assert.Equal(t, second, details.InitialHead, "most recent head")
	assert.Len(t, details.AvailableHeads, 2)
	assert.Contains(t, details.AvailableHeads, first)
	assert.Equal(t, "bob", details.AvailableHeads[first].CreatedBy)
	require.NotNil(t, details.InitialHeadData)
	assert.JSONEq(t, `"y"`, string(details.InitialHeadData.Fields["a"].Data))

	fields, err := f.engine.FindConflictingFields(ctx, project, f.record, first)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fields)
}

func TestGetMergeInformationForHead(t *testing.T) {
	f := newFixture(t)

	info, err := f.engine.GetMergeInformationForHead(context.Background(), project, f.record, f.base)
	require.NoError(t, err)
	assert.Equal(t, f.base, info.RevisionID)
	assert.Equal(t, "site", info.Type)
	assert.Equal(t, "alice", info.UpdatedBy)
	assert.Len(t, info.Fields, 3)
	assert.False(t, info.Updated.IsZero())
}

func TestSession_SingleHead(t *testing.T) {
	f := newFixture(t)

	s, err := NewSession(context.Background(), f.engine, project, f.record)
	require.NoError(t, err)
	assert.True(t, s.NoConflict())
	assert.Empty(t, s.Conflicts())

	_, err = s.Save(context.Background(), "u")
	require.ErrorIs(t, err, common.ErrNoConflict)
}

func TestSession_Save(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	headA := f.edit(t, f.base, map[string]string{"a": "x", "b": "x", "c": "1"})
	headB := f.edit(t, f.base, map[string]string{"a": "y", "b": "1", "c": "y"})

	s, err := NewSession(ctx, f.engine, project, f.record)
	require.NoError(t, err)
	require.False(t, s.NoConflict())
	require.NoError(t, s.SetA(ctx, headA))
	require.NoError(t, s.SetB(ctx, headB))
	assert.Equal(t, []string{"a", "b", "c"}, s.Conflicts())

	require.Error(t, s.Accept(SideA, "missing"))
	s.ChooseAll(SideB)
	require.NoError(t, s.Reject("a"))
	assert.True(t, s.Resolved())

	// Changing a head discards the choices.
	require.NoError(t, s.SetB(ctx, headB))
	assert.False(t, s.Resolved())
	s.ChooseAll(SideB)
	require.NoError(t, s.Reject("a"))

	ok, err := s.Save(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)

	heads := f.heads(t)
	require.Len(t, heads, 1)
	merged := f.revision(t, heads[0])
	assert.Equal(t, []string{headA, headB}, merged.Parents)
	assert.Equal(t, "carol", merged.CreatedBy)

	b := f.revision(t, headB)
	assert.Equal(t, b.AVPs["b"], merged.AVPs["b"])
	assert.Equal(t, b.AVPs["c"], merged.AVPs["c"])
	assert.JSONEq(t, `null`, f.value(t, merged.AVPs["a"]))
}

func TestSession_SaveAfterConcurrentEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	headA := f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})
	headB := f.edit(t, f.base, map[string]string{"a": "y", "b": "1", "c": "1"})

	s, err := NewSession(ctx, f.engine, project, f.record)
	require.NoError(t, err)
	require.NoError(t, s.SetA(ctx, headA))
	require.NoError(t, s.SetB(ctx, headB))
	require.NoError(t, s.Accept(SideA, "a"))

	// A replicated edit lands between loading and saving the record.
	rec, err := f.recs.GetRecord(ctx, project, f.record)
	require.NoError(t, err)
	third := f.edit(t, f.base, map[string]string{"a": "z", "b": "1", "c": "1"})
	before := f.heads(t)
	require.Contains(t, before, third)

	rev := models.NewRevision(records.NewRevisionID(), f.record, "site", "carol", records.Timestamp(f.engine.now()), []string{headA, headB})
	err = f.recs.WriteRevision(ctx, project, rec, rev, nil)
	require.ErrorIs(t, err, common.ErrVersionConflict)
	assert.Equal(t, before, f.heads(t))

	assert.True(t, s.Resolved())
	ok, err := s.Save(ctx, "carol")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, f.heads(t), 2, "the third head stays")
}

func TestSaveUserMergeResult_Integrity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	headA := f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})
	headB := f.edit(t, f.base, map[string]string{"a": "y", "b": "1", "c": "1"})
	before := f.heads(t)

	_, err := f.engine.SaveUserMergeResult(ctx, &models.UserMergeResult{
		ProjectID: project, RecordID: f.record, Parents: []string{headA, headB}, Type: "site",
		FieldChoices: map[string]*string{},
	})
	require.ErrorIs(t, err, common.ErrMergeIntegrity)
	assert.Equal(t, before, f.heads(t))

	bogus := "avp-bogus"
	_, err = f.engine.SaveUserMergeResult(ctx, &models.UserMergeResult{
		ProjectID: project, RecordID: f.record, Parents: []string{headA, headB}, Type: "site",
		FieldChoices: map[string]*string{"a": &bogus},
	})
	require.ErrorIs(t, err, common.ErrMergeIntegrity)
	assert.Equal(t, before, f.heads(t))

	// A real avp of parent A, but recorded under another field.
	crossed := f.revision(t, headA).AVPs["b"]
	_, err = f.engine.SaveUserMergeResult(ctx, &models.UserMergeResult{
		ProjectID: project, RecordID: f.record, Parents: []string{headA, headB}, Type: "site",
		FieldChoices: map[string]*string{"a": &crossed},
	})
	require.ErrorIs(t, err, common.ErrMergeIntegrity)
	assert.Equal(t, before, f.heads(t))

	_, err = f.engine.SaveUserMergeResult(ctx, &models.UserMergeResult{
		ProjectID: project, RecordID: f.record, Parents: []string{headA, headA},
	})
	require.ErrorIs(t, err, common.ErrNoConflict)
}

func TestMergeHeads_Disjoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	headA := f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})
	headB := f.edit(t, f.base, map[string]string{"a": "1", "b": "1", "c": "y"})

	ok, err := f.engine.MergeHeads(ctx, project, f.record)
	require.NoError(t, err)
	require.True(t, ok)

	heads := f.heads(t)
	require.Len(t, heads, 1)
	merged := f.revision(t, heads[0])
	assert.ElementsMatch(t, []string{headA, headB}, merged.Parents)
	assert.Equal(t, AutomergeUser, merged.CreatedBy)
	assert.JSONEq(t, `"x"`, f.value(t, merged.AVPs["a"]))
	assert.JSONEq(t, `"y"`, f.value(t, merged.AVPs["c"]))
	assert.Equal(t, f.revision(t, f.base).AVPs["b"], merged.AVPs["b"])
}

func TestMergeHeads_Conflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})
	f.edit(t, f.base, map[string]string{"a": "y", "b": "1", "c": "1"})
	before := f.heads(t)

	ok, err := f.engine.MergeHeads(ctx, project, f.record)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, f.heads(t))
}

func TestMergeHeads_FastForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	next := f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})

	// The base comes back as a head, as after replicating a stale record.
	require.NoError(t, f.recs.UpdateHeads(ctx, project, f.record, nil, f.base))
	require.Len(t, f.heads(t), 2)

	ok, err := f.engine.MergeHeads(ctx, project, f.record)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{next}, f.heads(t))
}

func TestMergeHeads_TypeMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.edit(t, f.base, map[string]string{"a": "x", "b": "1", "c": "1"})
	_, err := f.recs.Save(ctx, project, records.Save{
		RecordID: f.record, BaseRevision: f.base, Type: "find",
		Values: values(map[string]string{"c": "y"}), By: "bob",
	})
	require.NoError(t, err)

	_, err = f.engine.MergeHeads(ctx, project, f.record)
	require.ErrorIs(t, err, common.ErrTypeMismatch)
}
