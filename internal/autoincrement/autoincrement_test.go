package autoincrement

import (
	"context"
	"sync"
	"testing"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/sqlstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type metaDBs struct {
	store *sqlstore.Store
}

func (m metaDBs) MetadataDB(projectID string) (docstore.Database, error) {
	if projectID == "missing" {
		return nil, common.ErrNotInitialized
	}
	return m.store.Database("metadata_" + projectID), nil
}

func newAllocator(t *testing.T) (*Allocator, docstore.Database) {
	t.Helper()
	store, err := sqlstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	local := store.Database("local_state")
	return New(local, metaDBs{store: store}, nil), local
}

func intp(v int) *int { return &v }

func TestGetState_Empty(t *testing.T) {
	a, _ := newAllocator(t)

	st, err := a.GetState(context.Background(), "p", "f", "x")
	require.NoError(t, err)
	assert.Equal(t, "local-autoincrement-state-p-f-x", st.ID)
	assert.Empty(t, st.Rev)
	assert.Nil(t, st.LastUsedID)
	assert.NotNil(t, st.Ranges)
	assert.Empty(t, st.Ranges)
}

func TestAllocateNext_WalksRanges(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	require.NoError(t, a.CreateNewRange(ctx, "p", "f", "x", 1, 3))
	require.NoError(t, a.CreateNewRange(ctx, "p", "f", "x", 10, 12))

	var got []int
	for i := 0; i < 4; i++ {
		v, err := a.AllocateNext(ctx, "p", "f", "x")
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 10, 11}, got)

	_, err := a.AllocateNext(ctx, "p", "f", "x")
	require.ErrorIs(t, err, common.ErrNoRangesAvailable)

	st, err := a.GetState(ctx, "p", "f", "x")
	require.NoError(t, err)
	want := []models.AutoIncrementRange{
		{Start: 1, Stop: 3, FullyUsed: true},
		{Start: 10, Stop: 12, FullyUsed: true},
	}
	if diff := cmp.Diff(want, st.Ranges); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, intp(11), st.LastUsedID)
}

func TestAllocateNext_NoRanges(t *testing.T) {
	a, local := newAllocator(t)

	_, err := a.AllocateNext(context.Background(), "p", "f", "x")
	require.ErrorIs(t, err, common.ErrNoRangesAvailable)

	_, err = local.Get(context.Background(), StateID("p", "f", "x"))
	require.True(t, docstore.IsNotFound(err), "nothing written")
}

func TestAllocateNext_ContinuesUsingRange(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	st, err := a.GetState(ctx, "p", "f", "x")
	require.NoError(t, err)
	st.LastUsedID = intp(104)
	st.Ranges = []models.AutoIncrementRange{
		{Start: 1, Stop: 50},
		{Start: 100, Stop: 200, Using: true},
	}
	require.NoError(t, a.SetState(ctx, st))

	v, err := a.AllocateNext(ctx, "p", "f", "x")
	require.NoError(t, err)
	assert.Equal(t, 105, v)
}

func TestAllocateNext_FreshRangeIgnoresLastUsed(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	st, err := a.GetState(ctx, "p", "f", "x")
	require.NoError(t, err)
	st.LastUsedID = intp(199)
	st.Ranges = []models.AutoIncrementRange{
		{Start: 100, Stop: 200, FullyUsed: true},
		{Start: 5, Stop: 10},
	}
	require.NoError(t, a.SetState(ctx, st))

	v, err := a.AllocateNext(ctx, "p", "f", "x")
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestAllocateNext_ConcurrentCallersNeverRepeat(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateNewRange(ctx, "p", "f", "x", 0, 1000))

	// Fewer competing allocations than retry attempts, so no caller gives up.
	const workers, each = 3, 4
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				v, err := a.AllocateNext(ctx, "p", "f", "x")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[v], "value %d issued twice", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*each)
}

func TestSetState_StaleRevision(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateNewRange(ctx, "p", "f", "x", 0, 10))

	stale, err := a.GetState(ctx, "p", "f", "x")
	require.NoError(t, err)
	_, err = a.AllocateNext(ctx, "p", "f", "x")
	require.NoError(t, err)

	err = a.SetState(ctx, stale)
	require.ErrorIs(t, err, common.ErrVersionConflict)
}

func TestSetRanges_Validation(t *testing.T) {
	tests := []struct {
		name   string
		ranges []models.AutoIncrementRange
		reason string
	}{
		{
			name:   "using removed",
			ranges: []models.AutoIncrementRange{{Start: 100, Stop: 200}},
			reason: ReasonUsingRemoved,
		},
		{
			name:   "start changed",
			ranges: []models.AutoIncrementRange{{Start: 2, Stop: 10, Using: true}},
			reason: ReasonUsingStartChanged,
		},
		{
			name:   "stop below last used",
			ranges: []models.AutoIncrementRange{{Start: 1, Stop: 3, Using: true}},
			reason: ReasonUsingStopTooLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, local := newAllocator(t)
			ctx := context.Background()
			require.NoError(t, a.CreateNewRange(ctx, "p", "f", "x", 1, 10))
			for i := 0; i < 3; i++ {
				_, err := a.AllocateNext(ctx, "p", "f", "x")
				require.NoError(t, err)
			}
			before, err := local.Get(ctx, StateID("p", "f", "x"))
			require.NoError(t, err)

			err = a.SetRanges(ctx, "p", "f", "x", tt.ranges)
			var verr *common.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.reason, verr.Reason)

			after, err := local.Get(ctx, StateID("p", "f", "x"))
			require.NoError(t, err)
			assert.Equal(t, before.Rev, after.Rev)
			assert.JSONEq(t, string(before.Data), string(after.Data))
		})
	}
}

func TestSetRanges_Accepted(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()
	require.NoError(t, a.CreateNewRange(ctx, "p", "f", "x", 1, 10))
	_, err := a.AllocateNext(ctx, "p", "f", "x")
	require.NoError(t, err)

	ranges := []models.AutoIncrementRange{
		{Start: 1, Stop: 20, Using: true},
		{Start: 50, Stop: 60},
	}
	require.NoError(t, a.SetRanges(ctx, "p", "f", "x", ranges))
	ranges[0].Stop = 0
	got, err := a.GetRanges(ctx, "p", "f", "x")
	require.NoError(t, err)
	assert.Equal(t, 20, got[0].Stop, "input is copied")

	// Marking the range in use as used up moves allocation on.
	require.NoError(t, a.SetRanges(ctx, "p", "f", "x", []models.AutoIncrementRange{
		{Start: 1, Stop: 20, Using: true, FullyUsed: true},
		{Start: 50, Stop: 60},
	}))
	got, err = a.GetRanges(ctx, "p", "f", "x")
	require.NoError(t, err)
	assert.False(t, got[0].Using)

	v, err := a.AllocateNext(ctx, "p", "f", "x")
	require.NoError(t, err)
	assert.Equal(t, 50, v)
}

func TestCreateNewRange_Empty(t *testing.T) {
	a, _ := newAllocator(t)

	err := a.CreateNewRange(context.Background(), "p", "f", "x", 5, 5)
	var verr *common.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, ReasonEmptyRange, verr.Reason)
}

func TestReferences(t *testing.T) {
	a, _ := newAllocator(t)
	ctx := context.Background()

	refs, err := a.GetReferences(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.NoError(t, a.AddReferences(ctx, "p", []models.AutoIncrementReference{
		{FormID: "site", FieldID: "num", Label: "Site number"},
		{FormID: "find", FieldID: "num"},
	}))
	require.NoError(t, a.AddReferences(ctx, "p", []models.AutoIncrementReference{
		{FormID: "site", FieldID: "num", Label: "Site number"},
	}))

	refs, err = a.GetReferences(ctx, "p")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	require.NoError(t, a.CreateNewRange(ctx, "p", "site", "num", 1, 100))
	_, err = a.AllocateNext(ctx, "p", "site", "num")
	require.NoError(t, err)

	status, err := a.DisplayStatus(ctx, "p")
	require.NoError(t, err)
	want := []models.AutoIncrementStatus{
		{Label: "Site number", LastUsed: intp(1), End: intp(100)},
		{Label: "find"},
	}
	if diff := cmp.Diff(want, status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, a.RemoveReference(ctx, "p", "site", "num"))
	refs, err = a.GetReferences(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []models.AutoIncrementReference{{FormID: "find", FieldID: "num"}}, refs)

	_, err = a.GetReferences(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotInitialized)
}
