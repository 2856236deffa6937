package activation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/events"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/registry"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
)

const (
	metadataPrefix = "metadata"
	dataPrefix     = "data"
)

func (c *Coordinator) processProjects(listing models.Listing, active []models.ActiveProject, projects *registry.Mirror, conn connection.Info, allowNonexistent bool) {
	for _, ap := range active {
		project, err := c.readProject(c.ctx, projects.Local, ap.ProjectID)
		if err != nil {
			if docstore.IsNotFound(err) && allowNonexistent {
				c.log.Debug(c.ctx, "project not available locally yet", "project", ap.ID)
				continue
			}
			c.log.Warn(c.ctx, "project missing", "project", ap.ID, "error", err)
			c.publish(events.ProjectError{Listing: listing, Active: ap, Err: err})
			continue
		}

		if err := c.processProject(c.ctx, listing, ap, conn, project); err != nil {
			c.log.Warn(c.ctx, "failed to process project", "project", ap.ID, "error", err)
			c.publish(events.ProjectError{Listing: listing, Active: ap, Err: err})
		}
	}
}

func (c *Coordinator) readProject(ctx context.Context, db docstore.Database, id string) (models.Project, error) {
	var p models.Project
	if _, err := docstore.GetJSON(ctx, db, id, &p); err != nil {
		return models.Project{}, fmt.Errorf("failed to read project[%s]: %w", id, err)
	}
	p.ID = id
	return p, nil
}

// projectConnections derives the metadata and data endpoints of a project
// from its listing's projects endpoint.
func (c *Coordinator) projectConnections(ap models.ActiveProject, project models.Project, projectsConn connection.Info) (meta, data connection.Info) {
	var auth *connection.Overlay
	if tok, ok := c.clusterToken(ap.ListingID); ok {
		auth = &connection.Overlay{JWTToken: connection.String(tok)}
	}
	meta = connection.Materialize(projectsConn.WithDBName(metadataDBPrefix+project.ID), auth, project.MetadataDB)
	data = connection.Materialize(projectsConn.WithDBName(dataDBPrefix+project.ID), auth, project.DataDB)
	return meta, data
}

func (c *Coordinator) processProject(ctx context.Context, listing models.Listing, ap models.ActiveProject, projectsConn connection.Info, project models.Project) error {
	id := ap.ID
	c.log.Debug(ctx, "processing project", "project", id)

	metaCreated, meta := c.metadata.EnsureLocal(metadataPrefix, id, true)
	dataCreated, data := c.data.EnsureLocal(dataPrefix, id, ap.IsSync)
	if _, err := c.data.SetSyncAttachments(id, ap.IsSyncAttachments); err != nil {
		return err
	}

	c.mu.Lock()
	_, existed := c.created[id]
	c.created[id] = CreatedProject{Project: project, Active: ap, Meta: meta, Data: data}
	c.mu.Unlock()

	kind := events.UpdateCreate
	if existed {
		kind = events.UpdateUpdate
	}
	c.publish(events.ProjectUpdate{Kind: kind, MetaChanged: metaCreated, DataChanged: dataCreated, Active: ap, Project: project})
	c.publish(events.ProjectLocal{Listing: listing, Active: ap, Project: project, Meta: meta, Data: data})
	if metaCreated {
		c.publish(events.MetaSyncState{Syncing: true, Active: ap, Project: project})
	}
	if dataCreated {
		c.publish(events.DataSyncState{Syncing: true, Active: ap, Project: project})
	}

	var metaOnce, dataOnce sync.Once
	metaSettled := func() {
		metaOnce.Do(func() {
			if metaCreated {
				c.publish(events.MetaSyncState{Syncing: false, Active: ap, Project: project})
			}
		})
	}
	dataSettled := func() {
		dataOnce.Do(func() {
			if dataCreated {
				c.publish(events.DataSyncState{Syncing: false, Active: ap, Project: project})
			}
		})
	}

	if listing.LocalOnly || c.deps.Directory.IsZero() {
		c.publish(events.ProjectMetaPaused{Listing: listing, Active: ap, Project: project, Meta: meta})
		c.publish(events.ProjectDataPaused{Listing: listing, Active: ap, Project: project, Data: data})
		metaSettled()
		dataSettled()
		return nil
	}

	metaConn, dataConn := c.projectConnections(ap, project, projectsConn)

	c.metadata.EnsureSynced(id, metaConn, func() *replication.Handler {
		return replication.NewHandler(c.settle, replication.Callbacks{
			Active: func() {
				c.publish(events.ProjectMetaActive{Listing: listing, Active: ap, Project: project, Meta: meta})
			},
			Paused: func(changes []*docstore.Document) {
				c.publish(events.ProjectMetaPaused{Listing: listing, Active: ap, Project: project, Meta: meta, Changes: changes})
				metaSettled()
			},
			Error: func(err error) {
				c.logSyncError("metadata", id, err)
				c.publish(events.ProjectMetaPaused{Listing: listing, Active: ap, Project: project, Meta: meta})
				metaSettled()
			},
		})
	}, registry.Options{})

	c.data.EnsureSynced(id, dataConn, func() *replication.Handler {
		return replication.NewHandler(c.settle, replication.Callbacks{
			Active: func() {
				c.publish(events.ProjectDataActive{Listing: listing, Active: ap, Project: project, Data: data})
			},
			Paused: func(changes []*docstore.Document) {
				c.publish(events.ProjectDataPaused{Listing: listing, Active: ap, Project: project, Data: data, Changes: changes})
				dataSettled()
			},
			Error: func(err error) {
				c.logSyncError("data", id, err)
				c.publish(events.ProjectDataPaused{Listing: listing, Active: ap, Project: project, Data: data})
				dataSettled()
			},
		})
	}, registry.Options{Push: true, AttachmentPrefix: models.AttachmentPrefix})

	if !data.IsSync() {
		c.publish(events.ProjectDataPaused{Listing: listing, Active: ap, Project: project, Data: data})
		dataSettled()
	}
	return nil
}

func (c *Coordinator) logSyncError(kind, projectID string, err error) {
	if isUnauthorized(err) {
		c.log.Info(c.ctx, "waiting on auth", "db", kind, "project", projectID)
		return
	}
	c.log.Warn(c.ctx, "project sync failed", "db", kind, "project", projectID, "error", err)
}

// ActivateProject records that the user works on a project on this device
// and returns its composite id. Activating an active project returns the
// existing id.
func (c *Coordinator) ActivateProject(ctx context.Context, listingID, projectID string, isSync bool) (string, error) {
	if strings.HasPrefix(projectID, models.DesignPrefix) || !models.ValidProjectID(projectID) {
		return "", fmt.Errorf("failed to activate project[%s]: %w", projectID, common.ErrInvalidProjectID)
	}
	id := models.ResolveProjectID(listingID, projectID)

	_, err := c.active.Local.Get(ctx, id)
	if err == nil {
		c.track(listingID, id)
		c.log.Debug(ctx, "project already active", "project", id)
		return id, nil
	}
	if !docstore.IsNotFound(err) {
		return "", fmt.Errorf("failed to read active project[%s]: %w", id, err)
	}

	ap := models.ActiveProject{
		ID:                id,
		ListingID:         listingID,
		ProjectID:         projectID,
		Username:          c.username(ctx, listingID),
		IsSync:            isSync,
		IsSyncAttachments: true,
	}
	if _, err := docstore.PutJSON(ctx, c.active.Local, id, "", ap); err != nil {
		if docstore.IsConflict(err) {
			c.track(listingID, id)
			return id, nil
		}
		return "", fmt.Errorf("failed to activate project[%s]: %w", id, err)
	}
	c.track(listingID, id)
	c.log.Info(ctx, "project activated", "project", id)
	return id, nil
}

// username is the subject of the listing's cluster token, if any.
func (c *Coordinator) username(ctx context.Context, listingID string) string {
	raw, ok := c.clusterToken(listingID)
	if !ok {
		return ""
	}
	tok, err := connection.ParseToken(raw)
	if err != nil {
		c.log.Debug(ctx, "cluster token unreadable", "listing", listingID, "error", err)
		return ""
	}
	return tok.Subject
}

// CreateLocalProject stores project in the local-only listing and activates
// it. The project never replicates.
func (c *Coordinator) CreateLocalProject(ctx context.Context, project models.Project) (string, error) {
	if !models.ValidProjectID(project.ID) {
		return "", fmt.Errorf("failed to create project[%s]: %w", project.ID, common.ErrInvalidProjectID)
	}
	now := models.Now()
	if project.Created == "" {
		project.Created = now
	}
	project.LastUpdated = now

	_, projects := c.projects.EnsureLocal(projectsDBName, models.LocalCreatedListingID, true)
	if _, err := docstore.PutJSON(ctx, projects.Local, project.ID, "", project); err != nil {
		return "", fmt.Errorf("failed to create project[%s]: %w", project.ID, err)
	}
	return c.ActivateProject(ctx, models.LocalCreatedListingID, project.ID, false)
}

// DeactivateProject removes the project from this device. Its mirrors are
// torn down before the active document is deleted; the local data stays in
// the store.
func (c *Coordinator) DeactivateProject(ctx context.Context, projectID string) error {
	listingID, _, err := models.SplitProjectID(projectID)
	if err != nil {
		return fmt.Errorf("failed to deactivate project[%s]: %w", projectID, err)
	}

	c.teardown(projectID, listingID)

	if err := docstore.ForceDelete(ctx, c.active.Local, projectID); err != nil {
		return fmt.Errorf("failed to deactivate project[%s]: %w", projectID, err)
	}
	c.log.Info(ctx, "project deactivated", "project", projectID)
	return nil
}

// teardown drops the mirrors of a project and, when no other active project
// document references its listing, the listing's mirrors too. It does no
// store I/O.
func (c *Coordinator) teardown(projectID, listingID string) {
	c.metadata.Delete(projectID)
	c.data.Delete(projectID)

	c.mu.Lock()
	cp, existed := c.created[projectID]
	delete(c.created, projectID)
	refs := c.refs[listingID]
	delete(refs, projectID)
	last := len(refs) == 0
	if last {
		delete(c.refs, listingID)
		delete(c.listings, listingID)
	}
	c.mu.Unlock()

	if existed {
		c.publish(events.ProjectUpdate{Kind: events.UpdateDelete, Active: cp.Active, Project: cp.Project})
	}
	if last {
		c.projects.Delete(listingID)
		c.people.Delete(listingID)
	}
}
