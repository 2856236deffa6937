package activation

import (
	"context"
	"sort"
	"sync"

	"github.com/dmitrijs2005/fieldkeeper/internal/events"
)

// Milestone names a completion event of the startup sequence.
type Milestone int

const (
	ListingsKnown Milestone = iota
	ProjectsKnown
	ProjectsCreated
	MetasComplete
	milestoneCount
)

func (m Milestone) String() string {
	switch m {
	case ListingsKnown:
		return "listings_known"
	case ProjectsKnown:
		return "projects_known"
	case ProjectsCreated:
		return "projects_created"
	case MetasComplete:
		return "metas_complete"
	}
	return "unknown"
}

// StateTracker folds the per-scope events into the startup milestones.
// Milestones may fire more than once: a directory or listing that becomes
// active again re-opens them.
type StateTracker struct {
	mu sync.Mutex

	listingsKnown bool
	listings      []string

	listingStatuses map[string]bool
	projectsAcc     map[string]struct{}
	projectsKnown   map[string]struct{}

	projectStatuses map[string]bool

	metas         map[string]events.MetaEntry
	metasComplete map[string]events.MetaEntry

	reached [milestoneCount]chan struct{}
}

func NewStateTracker() *StateTracker {
	s := &StateTracker{
		listingStatuses: make(map[string]bool),
		projectsAcc:     make(map[string]struct{}),
		projectStatuses: make(map[string]bool),
		metas:           make(map[string]events.MetaEntry),
	}
	for i := range s.reached {
		s.reached[i] = make(chan struct{})
	}
	return s
}

// Register adds the tracker's listeners to b. Registering twice is harmless.
func (s *StateTracker) Register(b *events.Builder) {
	b.MustAddInitial(ListingsKnown.String(), s.registerListingsKnown)
	b.MustAddInitial(ProjectsKnown.String(), s.registerProjectsKnown)
	b.MustAddInitial(ProjectsCreated.String(), s.registerProjectsCreated)
	b.MustAddInitial(MetasComplete.String(), s.registerMetasComplete)
}

// WaitFor blocks until m was reached at least once.
func (s *StateTracker) WaitFor(ctx context.Context, m Milestone) error {
	select {
	case <-s.reached[m]:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reached reports whether m fired at least once.
func (s *StateTracker) Reached(m Milestone) bool {
	select {
	case <-s.reached[m]:
		return true
	default:
		return false
	}
}

// Listings returns the listing ids of the last settled directory.
func (s *StateTracker) Listings() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.listings...), s.listingsKnown
}

// KnownProjects returns the composite ids of every known active project, or
// false before projects_known fired.
func (s *StateTracker) KnownProjects() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.projectsKnown == nil {
		return nil, false
	}
	return sortedKeys(s.projectsKnown), true
}

// Metas returns the last metas_complete payload.
func (s *StateTracker) Metas() (map[string]events.MetaEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metasComplete == nil {
		return nil, false
	}
	out := make(map[string]events.MetaEntry, len(s.metasComplete))
	for k, v := range s.metasComplete {
		out[k] = v
	}
	return out, true
}

func (s *StateTracker) mark(m Milestone) {
	select {
	case <-s.reached[m]:
	default:
		close(s.reached[m])
	}
}

func (s *StateTracker) registerListingsKnown(bus *events.Bus) {
	events.On(bus, func(ev events.DirectoryPaused) {
		s.mu.Lock()
		s.listingsKnown = true
		s.listings = append([]string(nil), ev.ListingIDs...)
		s.mark(ListingsKnown)
		s.mu.Unlock()
		bus.Publish(events.ListingsKnown{ListingIDs: ev.ListingIDs})
	})
	events.On(bus, func(events.DirectoryActive) {
		// Completion waits for the directory to settle again.
		s.mu.Lock()
		s.listingsKnown = false
		s.mu.Unlock()
	})
}

// emitProjectsKnownLocked fires projects_known once the directory settled
// and every listing reported its projects. Callers hold mu.
func (s *StateTracker) emitProjectsKnownLocked(bus *events.Bus) {
	if !s.listingsKnown {
		return
	}
	for _, done := range s.listingStatuses {
		if !done {
			return
		}
	}
	s.projectsKnown = make(map[string]struct{}, len(s.projectsAcc))
	for id := range s.projectsAcc {
		s.projectsKnown[id] = struct{}{}
	}
	s.mark(ProjectsKnown)
	bus.Publish(events.ProjectsKnown{ProjectIDs: sortedKeys(s.projectsAcc)})
}

func (s *StateTracker) registerProjectsKnown(bus *events.Bus) {
	events.On(bus, func(ev events.DirectoryPaused) {
		s.mu.Lock()
		defer s.mu.Unlock()

		present := make(map[string]struct{}, len(ev.ListingIDs))
		for _, id := range ev.ListingIDs {
			present[id] = struct{}{}
			if _, ok := s.listingStatuses[id]; !ok {
				s.listingStatuses[id] = false
			}
		}
		for id := range s.listingStatuses {
			if _, ok := present[id]; !ok {
				delete(s.listingStatuses, id)
			}
		}
		s.emitProjectsKnownLocked(bus)
	})
	events.On(bus, func(ev events.ListingPaused) {
		s.mu.Lock()
		defer s.mu.Unlock()

		for _, ap := range ev.Active {
			s.projectsAcc[ap.ID] = struct{}{}
		}
		s.listingStatuses[ev.Listing.ID] = true
		s.emitProjectsKnownLocked(bus)
	})
	events.On(bus, func(ev events.ListingError) {
		// An erroring listing must not hold up the others.
		s.mu.Lock()
		defer s.mu.Unlock()

		s.listingStatuses[ev.ListingID] = true
		s.emitProjectsKnownLocked(bus)
	})
	events.On(bus, func(ev events.ListingActive) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listingStatuses[ev.Listing.ID] = false
	})
}

func (s *StateTracker) emitProjectsCreatedLocked(bus *events.Bus) {
	if s.projectsKnown == nil {
		return
	}
	for _, done := range s.projectStatuses {
		if !done {
			return
		}
	}
	s.mark(ProjectsCreated)
	bus.Publish(events.ProjectsCreated{})
}

func (s *StateTracker) registerProjectsCreated(bus *events.Bus) {
	events.On(bus, func(ev events.ProjectLocal) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.projectStatuses[ev.Active.ID] = true
		s.emitProjectsCreatedLocked(bus)
	})
	events.On(bus, func(ev events.ProjectsKnown) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range ev.ProjectIDs {
			if _, ok := s.projectStatuses[id]; !ok {
				s.projectStatuses[id] = false
			}
		}
		s.emitProjectsCreatedLocked(bus)
	})
}

func (s *StateTracker) emitMetasCompleteLocked(bus *events.Bus) {
	if s.projectsKnown == nil {
		return
	}
	for id := range s.projectsKnown {
		if _, ok := s.metas[id]; !ok {
			return
		}
	}
	s.metasComplete = make(map[string]events.MetaEntry, len(s.metas))
	for k, v := range s.metas {
		s.metasComplete[k] = v
	}
	s.mark(MetasComplete)

	payload := make(map[string]events.MetaEntry, len(s.metas))
	for k, v := range s.metas {
		payload[k] = v
	}
	bus.Publish(events.MetasComplete{Metas: payload})
}

func (s *StateTracker) registerMetasComplete(bus *events.Bus) {
	events.On(bus, func(ev events.ProjectMetaPaused) {
		s.mu.Lock()
		defer s.mu.Unlock()
		project := ev.Project
		s.metas[ev.Active.ID] = events.MetaEntry{Active: ev.Active, Project: &project, Meta: ev.Meta}
		s.emitMetasCompleteLocked(bus)
	})
	events.On(bus, func(ev events.ProjectError) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.metas[ev.Active.ID] = events.MetaEntry{Active: ev.Active, Err: ev.Err}
		s.emitMetasCompleteLocked(bus)
	})
	events.On(bus, func(events.ProjectsKnown) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.emitMetasCompleteLocked(bus)
	})
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
