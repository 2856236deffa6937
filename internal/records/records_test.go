package records

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/sqlstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dataDBs struct {
	store *sqlstore.Store
}

func (d dataDBs) DataDB(projectID string) (docstore.Database, error) {
	if projectID == "missing" {
		return nil, common.ErrNotInitialized
	}
	return d.store.Database("data_" + projectID), nil
}

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(dataDBs{store: db}, nil)
}

func str(s string) Value {
	b, _ := json.Marshal(s)
	return Value{Type: "faims-core::String", Data: b}
}

func TestSave_NewRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	saved, err := s.Save(ctx, "p", Save{
		Type:   "site",
		Values: map[string]Value{"name": str("North"), "n": {Data: json.RawMessage(`3`)}},
		By:     "alice",
	})
	require.NoError(t, err)
	assert.Regexp(t, `^rec-`, saved.RecordID)
	assert.Regexp(t, `^frev-[0-9a-z]{26}$`, saved.RevisionID)

	rec, err := s.GetRecord(ctx, "p", saved.RecordID)
	require.NoError(t, err)
	assert.Equal(t, []string{saved.RevisionID}, rec.Heads)
	assert.Equal(t, []string{saved.RevisionID}, rec.Revisions)
	assert.Equal(t, "site", rec.Type)
	assert.Equal(t, "alice", rec.CreatedBy)

	rev, err := s.GetRevision(ctx, "p", saved.RevisionID)
	require.NoError(t, err)
	assert.Empty(t, rev.Parents)
	require.Len(t, rev.AVPs, 2)

	avps, err := s.GetAVPs(ctx, "p", []string{rev.AVPs["name"], rev.AVPs["n"]})
	require.NoError(t, err)
	assert.JSONEq(t, `"North"`, string(avps[rev.AVPs["name"]].Data))
	assert.Equal(t, models.UnknownType, avps[rev.AVPs["n"]].Type)
	assert.JSONEq(t, `null`, string(avps[rev.AVPs["n"]].Annotations))
}

func TestSave_ReusesUnchangedValues(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "p", Save{Type: "site", Values: map[string]Value{"a": str("1"), "b": str("2")}, By: "u"})
	require.NoError(t, err)
	second, err := s.Save(ctx, "p", Save{
		RecordID:     first.RecordID,
		BaseRevision: first.RevisionID,
		Values:       map[string]Value{"a": str("1"), "b": str("changed")},
		By:           "u",
	})
	require.NoError(t, err)

	revs, err := s.GetRevisions(ctx, "p", []string{first.RevisionID, second.RevisionID})
	require.NoError(t, err)
	r1, r2 := revs[first.RevisionID], revs[second.RevisionID]
	assert.Equal(t, r1.AVPs["a"], r2.AVPs["a"])
	assert.NotEqual(t, r1.AVPs["b"], r2.AVPs["b"])
	assert.Equal(t, []string{first.RevisionID}, r2.Parents)
	assert.Equal(t, "site", r2.Type, "type comes from the base revision")

	rec, err := s.GetRecord(ctx, "p", first.RecordID)
	require.NoError(t, err)
	assert.Equal(t, []string{second.RevisionID}, rec.Heads)
	assert.ElementsMatch(t, []string{first.RevisionID, second.RevisionID}, rec.Revisions)
}

func TestSave_ConcurrentEditsMakeConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base, err := s.Save(ctx, "p", Save{Type: "site", Values: map[string]Value{"a": str("1")}, By: "u"})
	require.NoError(t, err)
	for _, v := range []string{"x", "y"} {
		_, err := s.Save(ctx, "p", Save{RecordID: base.RecordID, BaseRevision: base.RevisionID, Values: map[string]Value{"a": str(v)}, By: "u"})
		require.NoError(t, err)
	}

	rec, err := s.GetRecord(ctx, "p", base.RecordID)
	require.NoError(t, err)
	assert.Len(t, rec.Heads, 2)
	assert.NotContains(t, rec.Heads, base.RevisionID)
	assert.IsIncreasing(t, rec.Heads)

	ids, err := s.Conflicts(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{base.RecordID}, ids)
}

func TestUpdateHeadsAt_Stale(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base, err := s.Save(ctx, "p", Save{Type: "site", Values: map[string]Value{"a": str("1")}, By: "u"})
	require.NoError(t, err)
	stale, err := s.GetRecord(ctx, "p", base.RecordID)
	require.NoError(t, err)

	_, err = s.Save(ctx, "p", Save{RecordID: base.RecordID, BaseRevision: base.RevisionID, Values: map[string]Value{"a": str("2")}, By: "u"})
	require.NoError(t, err)
	current, err := s.GetRecord(ctx, "p", base.RecordID)
	require.NoError(t, err)

	err = s.UpdateHeadsAt(ctx, "p", stale, []string{base.RevisionID}, "frev-other")
	require.ErrorIs(t, err, common.ErrVersionConflict)

	after, err := s.GetRecord(ctx, "p", base.RecordID)
	require.NoError(t, err)
	assert.Equal(t, current.Heads, after.Heads)
}

func TestSave_Files(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	photo := models.File{Name: "north.jpg", ContentType: "image/jpeg", Data: []byte("jpeg")}
	saved, err := s.Save(ctx, "p", Save{
		Type:   "site",
		Values: map[string]Value{"photo": {Type: models.AttachmentFieldType, Files: []models.File{photo}}},
		By:     "u",
	})
	require.NoError(t, err)

	rev, err := s.GetRevision(ctx, "p", saved.RevisionID)
	require.NoError(t, err)
	avps, err := s.GetAVPs(ctx, "p", []string{rev.AVPs["photo"]})
	require.NoError(t, err)
	refs := avps[rev.AVPs["photo"]].Attachments
	require.Len(t, refs, 1)
	assert.Regexp(t, `^att-`, refs[0].AttachmentID)

	got, err := s.GetFile(ctx, "p", refs[0])
	require.NoError(t, err)
	assert.Equal(t, photo, got)

	_, err = s.GetFile(ctx, "p", models.AttachmentReference{AttachmentID: "att-missing", Filename: "x"})
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDeleteRecord(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base, err := s.Save(ctx, "p", Save{Type: "site", Values: map[string]Value{"a": str("1")}, By: "u"})
	require.NoError(t, err)
	revID, err := s.DeleteRecord(ctx, "p", base.RecordID, base.RevisionID, "v")
	require.NoError(t, err)

	rev, err := s.GetRevision(ctx, "p", revID)
	require.NoError(t, err)
	assert.True(t, rev.Deleted)
	assert.Equal(t, "v", rev.CreatedBy)

	baseRev, err := s.GetRevision(ctx, "p", base.RevisionID)
	require.NoError(t, err)
	assert.Equal(t, baseRev.AVPs, rev.AVPs)
}

func TestUnknownProject(t *testing.T) {
	s := newStore(t)

	_, err := s.GetRecord(context.Background(), "missing", "rec-1")
	require.ErrorIs(t, err, common.ErrNotInitialized)
}
