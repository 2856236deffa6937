package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/events"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTracker(t *testing.T) (*StateTracker, *events.Bus) {
	t.Helper()
	s := NewStateTracker()
	b := events.NewBuilder(nil)
	s.Register(b)
	s.Register(b)
	bus := b.Build()
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(bus.Stop)
	return s, bus
}

func settle(t *testing.T, bus *events.Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bus.Idle(ctx))
}

func active(listing, project string) models.ActiveProject {
	return models.ActiveProject{ID: models.ResolveProjectID(listing, project), ListingID: listing, ProjectID: project}
}

func TestStateTracker_Milestones(t *testing.T) {
	s, bus := startTracker(t)

	var known []events.ProjectsKnown
	var metas []events.MetasComplete
	events.On(bus, func(ev events.ProjectsKnown) { known = append(known, ev) })
	events.On(bus, func(ev events.MetasComplete) { metas = append(metas, ev) })

	bus.Publish(events.DirectoryPaused{ListingIDs: []string{"a", "b"}})
	settle(t, bus)
	assert.True(t, s.Reached(ListingsKnown))
	assert.False(t, s.Reached(ProjectsKnown))

	bus.Publish(events.ListingPaused{
		Listing: models.Listing{ID: "a"},
		Active:  []models.ActiveProject{active("a", "p1"), active("a", "p2")},
	})
	settle(t, bus)
	assert.False(t, s.Reached(ProjectsKnown), "listing b still pending")

	bus.Publish(events.ListingError{ListingID: "b", Err: errors.New("offline")})
	settle(t, bus)
	require.True(t, s.Reached(ProjectsKnown))
	require.Len(t, known, 1)
	assert.Equal(t, []string{"a||p1", "a||p2"}, known[0].ProjectIDs)

	bus.Publish(events.ProjectLocal{Active: active("a", "p1")})
	settle(t, bus)
	assert.False(t, s.Reached(ProjectsCreated))
	bus.Publish(events.ProjectLocal{Active: active("a", "p2")})
	settle(t, bus)
	assert.True(t, s.Reached(ProjectsCreated))

	bus.Publish(events.ProjectMetaPaused{Active: active("a", "p1"), Project: models.Project{ID: "p1"}})
	settle(t, bus)
	assert.False(t, s.Reached(MetasComplete))
	assert.Empty(t, metas)

	bus.Publish(events.ProjectError{Active: active("a", "p2"), Err: errors.New("gone")})
	settle(t, bus)
	require.True(t, s.Reached(MetasComplete))
	require.Len(t, metas, 1)
	require.Contains(t, metas[0].Metas, "a||p1")
	assert.Equal(t, "p1", metas[0].Metas["a||p1"].Project.ID)
	assert.EqualError(t, metas[0].Metas["a||p2"].Err, "gone")

	snapshot, ok := s.Metas()
	require.True(t, ok)
	assert.Len(t, snapshot, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitFor(ctx, MetasComplete))
}

func TestStateTracker_ActiveListingHoldsCompletion(t *testing.T) {
	s, bus := startTracker(t)
	var known int
	events.On(bus, func(events.ProjectsKnown) { known++ })

	bus.Publish(events.DirectoryPaused{ListingIDs: []string{"a"}})
	bus.Publish(events.ListingActive{Listing: models.Listing{ID: "a"}})
	settle(t, bus)
	assert.Equal(t, 0, known)

	bus.Publish(events.DirectoryActive{})
	bus.Publish(events.ListingPaused{Listing: models.Listing{ID: "a"}})
	settle(t, bus)
	assert.Equal(t, 0, known, "directory not settled")

	bus.Publish(events.DirectoryPaused{ListingIDs: []string{"a"}})
	settle(t, bus)
	assert.Equal(t, 1, known)

	ids, ok := s.KnownProjects()
	require.True(t, ok)
	assert.Empty(t, ids)
}

func TestStateTracker_DroppedListingStopsBlocking(t *testing.T) {
	s, bus := startTracker(t)

	bus.Publish(events.DirectoryPaused{ListingIDs: []string{"a", "gone"}})
	bus.Publish(events.ListingPaused{Listing: models.Listing{ID: "a"}})
	settle(t, bus)
	require.False(t, s.Reached(ProjectsKnown))

	bus.Publish(events.DirectoryPaused{ListingIDs: []string{"a"}})
	settle(t, bus)
	require.True(t, s.Reached(ProjectsKnown))

	listings, ok := s.Listings()
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, listings)
}

func TestStateTracker_WaitForTimeout(t *testing.T) {
	s, _ := startTracker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.WaitFor(ctx, MetasComplete), context.DeadlineExceeded)
	assert.Equal(t, "metas_complete", MetasComplete.String())
}
