package activation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/events"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/registry"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
)

const (
	systemPrefix = "system"

	directoryKey  = "directory"
	activeKey     = "active"
	localStateKey = "local_state"
	draftKey      = "draft"

	metadataDBPrefix = "metadata-"
	dataDBPrefix     = "data-"

	defaultSettleTimeout = 2 * time.Second
	watchWait            = 10 * time.Second
)

// TokenForCluster returns the bearer token for the cluster serving a
// listing.
type TokenForCluster func(listingID string) (token string, ok bool)

// ShouldDisplayProject filters the projects shown to the user.
type ShouldDisplayProject func(projectID string) bool

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Opener registry.Opener

	// Directory is the remote directory database. A zero value keeps the
	// directory local-only.
	Directory     connection.Info
	SettleTimeout time.Duration
	AutoActivate  bool
	// Replication supplies batch size, long-poll window and backoff of every
	// connection.
	Replication replication.Options

	TokenForCluster      TokenForCluster
	ShouldDisplayProject ShouldDisplayProject
	Logger               logging.Logger
}

// CreatedProject is a project whose local mirrors exist.
type CreatedProject struct {
	Project models.Project
	Active  models.ActiveProject
	Meta    *registry.Mirror
	Data    *registry.Mirror
}

// Coordinator drives activation of the database tree.
type Coordinator struct {
	deps   Deps
	log    logging.Logger
	settle time.Duration

	system   *registry.Registry
	people   *registry.Registry
	projects *registry.Registry
	metadata *registry.Registry
	data     *registry.Registry

	directory  *registry.Mirror
	active     *registry.Mirror
	localState *registry.Mirror
	drafts     *registry.Mirror

	tracker *StateTracker
	bus     *events.Bus

	mu       sync.Mutex
	created  map[string]CreatedProject
	listings map[string]models.Listing
	// refs holds, per listing, the ids of the active project documents
	// referencing it, whether or not their projects were created yet.
	refs map[string]map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator and its local system mirrors.
func New(deps Deps) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.SettleTimeout <= 0 {
		deps.SettleTimeout = defaultSettleTimeout
	}
	if deps.TokenForCluster == nil {
		deps.TokenForCluster = func(string) (string, bool) { return "", false }
	}
	if deps.ShouldDisplayProject == nil {
		deps.ShouldDisplayProject = func(string) bool { return true }
	}
	log := deps.Logger.With("component", "activation")
	base := deps.Replication
	if base.Logger == nil {
		base.Logger = log
	}

	c := &Coordinator{
		deps:     deps,
		log:      log,
		settle:   deps.SettleTimeout,
		system:   registry.New("system", deps.Opener, base, log),
		people:   registry.New("people", deps.Opener, base, log),
		projects: registry.New("projects", deps.Opener, base, log),
		metadata: registry.New("metadata", deps.Opener, base, log),
		data:     registry.New("data", deps.Opener, base, log),
		tracker:  NewStateTracker(),
		created:  make(map[string]CreatedProject),
		listings: make(map[string]models.Listing),
		refs:     make(map[string]map[string]struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	_, c.directory = c.system.EnsureLocal(systemPrefix, directoryKey, true)
	_, c.active = c.system.EnsureLocal(systemPrefix, activeKey, false)
	_, c.localState = c.system.EnsureLocal(systemPrefix, localStateKey, false)
	_, c.drafts = c.system.EnsureLocal(systemPrefix, draftKey, false)
	return c
}

// Init registers the coordinator and its state tracker on b. It must run
// before b.Start.
func (c *Coordinator) Init(b *events.Builder) {
	c.bus = b.Build()
	c.tracker.Register(b)
	b.MustAddInitial("activation", c.register)
}

func (c *Coordinator) register(bus *events.Bus) {
	events.On(bus, func(ev events.DirectoryLocal) { c.processListings(ev.ListingIDs, true) })
	events.On(bus, func(ev events.DirectoryPaused) { c.processListings(ev.ListingIDs, false) })
	events.On(bus, func(ev events.DirectoryActive) { c.processListings(ev.ListingIDs, true) })

	events.On(bus, func(ev events.ListingLocal) {
		c.processProjects(ev.Listing, ev.Active, ev.Projects, ev.Connection, true)
	})
	events.On(bus, func(ev events.ListingPaused) {
		c.processProjects(ev.Listing, ev.Active, ev.Projects, ev.Connection, false)
	})
	events.On(bus, func(ev events.ListingActive) {
		c.processProjects(ev.Listing, ev.Active, ev.Projects, ev.Connection, true)
	})

	events.On(bus, c.reconcileActive)
}

// Start reads the local directory, hooks up its remote and starts following
// the active project documents.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.bus == nil {
		panic(&common.LogicError{Op: "Start", Msg: "coordinator used before Init"})
	}

	resp, err := c.active.Local.Changes(ctx, docstore.ChangesRequest{Since: docstore.SinceNow})
	if err != nil {
		return fmt.Errorf("failed to read active projects feed: %w", err)
	}
	actives, err := c.activeDocs(ctx)
	if err != nil {
		return err
	}
	for _, ap := range actives {
		c.track(ap.ListingID, ap.ID)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchActive(resp.LastSeq)
	}()

	return c.processDirectory(ctx)
}

// Shutdown stops the watcher, the event loop and every replication.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	if c.bus != nil {
		c.bus.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.data.CloseAll()
	c.metadata.CloseAll()
	c.projects.CloseAll()
	c.people.CloseAll()
	c.system.CloseAll()
	return err
}

// Bus returns the event bus the coordinator publishes on.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

// Tracker returns the startup milestone tracker.
func (c *Coordinator) Tracker() *StateTracker { return c.tracker }

// Metadata returns the metadata mirrors, keyed by composite project id.
func (c *Coordinator) Metadata() *registry.Registry { return c.metadata }

// Data returns the data mirrors, keyed by composite project id.
func (c *Coordinator) Data() *registry.Registry { return c.data }

// ActiveDB is the local-only store of ActiveProject documents.
func (c *Coordinator) ActiveDB() docstore.Database { return c.active.Local }

// LocalStateDB is the local-only store of per-device state.
func (c *Coordinator) LocalStateDB() docstore.Database { return c.localState.Local }

// DraftDB is the local-only store of drafts.
func (c *Coordinator) DraftDB() docstore.Database { return c.drafts.Local }

// DirectoryDB is the local mirror of the directory.
func (c *Coordinator) DirectoryDB() docstore.Database { return c.directory.Local }

// MetadataDB returns the local metadata database of a project.
func (c *Coordinator) MetadataDB(projectID string) (docstore.Database, error) {
	m, ok := c.metadata.Get(projectID)
	if !ok {
		return nil, fmt.Errorf("failed to get metadata db[%s]: %w", projectID, common.ErrNotInitialized)
	}
	return m.Local, nil
}

// DataDB returns the local data database of a project.
func (c *Coordinator) DataDB(projectID string) (docstore.Database, error) {
	m, ok := c.data.Get(projectID)
	if !ok {
		return nil, fmt.Errorf("failed to get data db[%s]: %w", projectID, common.ErrNotInitialized)
	}
	return m.Local, nil
}

// GetProject returns the project if its mirrors were created.
func (c *Coordinator) GetProject(projectID string) (CreatedProject, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.created[projectID]
	return cp, ok
}

// IsActivated reports whether the project's mirrors exist.
func (c *Coordinator) IsActivated(projectID string) bool {
	_, ok := c.GetProject(projectID)
	return ok
}

// ActiveProjectList summarises every created project the user may see,
// ordered by id.
func (c *Coordinator) ActiveProjectList(ctx context.Context) []models.ProjectInformation {
	c.mu.Lock()
	created := make([]CreatedProject, 0, len(c.created))
	for _, cp := range c.created {
		created = append(created, cp)
	}
	c.mu.Unlock()

	out := make([]models.ProjectInformation, 0, len(created))
	for _, cp := range created {
		id := cp.Active.ID
		if !c.deps.ShouldDisplayProject(id) {
			continue
		}
		out = append(out, models.ProjectInformation{
			ProjectID:          id,
			Name:               cp.Project.Name,
			Description:        cp.Project.Description,
			LastUpdated:        cp.Project.LastUpdated,
			Created:            cp.Project.Created,
			Status:             cp.Project.Status,
			IsActivated:        true,
			ListingID:          cp.Active.ListingID,
			NonUniqueProjectID: cp.Active.ProjectID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// ListenProject calls fn for every project_update of projectID. When the
// project is already created fn is first called right away, from the
// caller's goroutine, as a create with both mirrors changed.
func (c *Coordinator) ListenProject(projectID string, fn func(events.ProjectUpdate)) (detach func()) {
	detach = events.On(c.bus, func(ev events.ProjectUpdate) {
		if ev.Active.ID == projectID {
			fn(ev)
		}
	})
	if cp, ok := c.GetProject(projectID); ok {
		fn(events.ProjectUpdate{
			Kind:        events.UpdateCreate,
			MetaChanged: true,
			DataChanged: true,
			Active:      cp.Active,
			Project:     cp.Project,
		})
	}
	return detach
}

// track records that the active document projectID references listingID.
func (c *Coordinator) track(listingID, projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs, ok := c.refs[listingID]
	if !ok {
		refs = make(map[string]struct{})
		c.refs[listingID] = refs
	}
	refs[projectID] = struct{}{}
}

func (c *Coordinator) tracked(listingID, projectID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.refs[listingID][projectID]
	return ok
}

func (c *Coordinator) publish(ev any) {
	c.bus.Publish(ev)
}

// activeDocs returns every ActiveProject document.
func (c *Coordinator) activeDocs(ctx context.Context) ([]models.ActiveProject, error) {
	docs, err := c.active.Local.AllDocs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list active projects: %w", err)
	}

	out := make([]models.ActiveProject, 0, len(docs))
	for _, doc := range docs {
		var ap models.ActiveProject
		if err := docstore.Decode(doc, &ap); err != nil {
			c.log.Warn(ctx, "skipping unreadable active project", "id", doc.ID, "error", err)
			continue
		}
		ap.ID = doc.ID
		out = append(out, ap)
	}
	return out, nil
}

func (c *Coordinator) clusterToken(listingID string) (string, bool) {
	tok, ok := c.deps.TokenForCluster(listingID)
	return tok, ok && tok != ""
}

func isDesignID(id string) bool {
	return strings.HasPrefix(id, models.DesignPrefix)
}

func isUnauthorized(err error) bool {
	return errors.Is(err, common.ErrorUnauthorized)
}
