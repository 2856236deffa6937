package activation

import (
	"context"
	"fmt"
	"sort"

	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/events"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/registry"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
)

const (
	peopleDBName   = "people"
	projectsDBName = "projects"

	localListingName = "Local projects"
)

// processDirectory announces the locally known listings and, on first call,
// connects the directory to its remote.
func (c *Coordinator) processDirectory(ctx context.Context) error {
	ids, err := c.activeListings(ctx)
	if err != nil {
		return err
	}
	c.publish(events.DirectoryLocal{ListingIDs: ids})

	if c.directory.HasRemote() {
		return nil
	}
	if c.deps.Directory.IsZero() {
		c.log.Info(ctx, "no remote directory configured")
		c.publish(events.DirectoryPaused{ListingIDs: ids})
		return nil
	}

	c.system.EnsureSynced(directoryKey, c.deps.Directory, c.directoryHandler, registry.Options{})
	return nil
}

func (c *Coordinator) directoryHandler() *replication.Handler {
	listings := func() ([]string, bool) {
		ids, err := c.activeListings(c.ctx)
		if err != nil {
			c.log.Error(c.ctx, "failed to compute active listings", "error", err)
			c.publish(events.DirectoryError{Err: err})
			return nil, false
		}
		return ids, true
	}

	return replication.NewHandler(c.settle, replication.Callbacks{
		Active: func() {
			if ids, ok := listings(); ok {
				c.publish(events.DirectoryActive{ListingIDs: ids})
			}
		},
		Paused: func(changes []*docstore.Document) {
			if ids, ok := listings(); ok {
				c.publish(events.DirectoryPaused{ListingIDs: ids, Changes: changes})
			}
		},
		Error: func(err error) {
			if isUnauthorized(err) {
				c.log.Info(c.ctx, "directory waiting on auth", "error", err)
			} else {
				c.log.Warn(c.ctx, "directory sync failed", "error", err)
			}
			c.publish(events.DirectoryError{Err: err})
			if ids, ok := listings(); ok {
				c.publish(events.DirectoryPaused{ListingIDs: ids})
			}
		},
	})
}

// activeListings returns the listings of the local directory referenced by
// at least one active project, sorted. The local-only listing counts as
// present.
func (c *Coordinator) activeListings(ctx context.Context) ([]string, error) {
	docs, err := c.directory.Local.AllDocs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}
	known := map[string]struct{}{models.LocalCreatedListingID: {}}
	for _, doc := range docs {
		if !isDesignID(doc.ID) {
			known[doc.ID] = struct{}{}
		}
	}

	actives, err := c.activeDocs(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := []string{}
	for _, ap := range actives {
		if _, ok := known[ap.ListingID]; !ok {
			continue
		}
		if _, ok := seen[ap.ListingID]; ok {
			continue
		}
		seen[ap.ListingID] = struct{}{}
		out = append(out, ap.ListingID)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Coordinator) processListings(ids []string, allowNonexistent bool) {
	for _, id := range ids {
		listing, err := c.readListing(c.ctx, id)
		if err != nil {
			if docstore.IsNotFound(err) && allowNonexistent {
				c.log.Debug(c.ctx, "listing not available locally yet", "listing", id)
				continue
			}
			c.log.Warn(c.ctx, "listing missing", "listing", id, "error", err)
			c.publish(events.ListingError{ListingID: id, Err: err})
			continue
		}

		if err := c.processListing(c.ctx, listing); err != nil {
			c.log.Warn(c.ctx, "failed to process listing", "listing", id, "error", err)
			c.publish(events.ListingError{ListingID: id, Err: err})
		}
	}
}

func (c *Coordinator) readListing(ctx context.Context, id string) (models.Listing, error) {
	if id == models.LocalCreatedListingID {
		return models.Listing{ID: id, Name: localListingName, LocalOnly: true}, nil
	}

	var listing models.Listing
	if _, err := docstore.GetJSON(ctx, c.directory.Local, id, &listing); err != nil {
		return models.Listing{}, fmt.Errorf("failed to read listing[%s]: %w", id, err)
	}
	listing.ID = id
	return listing, nil
}

// listingConnections materializes the people and projects endpoints of a
// listing on the directory server.
func (c *Coordinator) listingConnections(listing models.Listing) (people, projects connection.Info) {
	base := c.deps.Directory
	people = connection.Materialize(base.WithDBName(peopleDBName), listing.PeopleDB)
	projects = connection.Materialize(base.WithDBName(projectsDBName), listing.ProjectsDB)
	return people, projects
}

func (c *Coordinator) processListing(ctx context.Context, listing models.Listing) error {
	id := listing.ID
	c.log.Debug(ctx, "processing listing", "listing", id)

	_, people := c.people.EnsureLocal(peopleDBName, id, true)
	_, projects := c.projects.EnsureLocal(projectsDBName, id, true)
	c.mu.Lock()
	c.listings[id] = listing
	c.mu.Unlock()

	peopleConn, projectsConn := c.listingConnections(listing)

	active, err := c.activeProjectsIn(ctx, listing, projects.Local)
	if err != nil {
		return err
	}
	c.publish(events.ListingLocal{
		Listing:    listing,
		Active:     active,
		People:     people,
		Projects:   projects,
		Connection: projectsConn,
	})

	if listing.LocalOnly || c.deps.Directory.IsZero() {
		c.publish(events.ListingPaused{
			Listing:    listing,
			Active:     active,
			People:     people,
			Projects:   projects,
			Connection: projectsConn,
		})
		return nil
	}

	filter, err := c.activeProjectIDs(ctx, id)
	if err != nil {
		return err
	}

	c.people.EnsureSynced(id, peopleConn, func() *replication.Handler {
		return replication.NewHandler(c.settle, replication.Callbacks{
			Error: func(err error) {
				c.log.Warn(c.ctx, "people sync failed", "listing", id, "error", err)
			},
		})
	}, registry.Options{DocIDs: filter})

	c.projects.EnsureSynced(id, projectsConn, c.projectsHandler(listing, people, projects, projectsConn), registry.Options{DocIDs: filter})
	return nil
}

func (c *Coordinator) projectsHandler(listing models.Listing, people, projects *registry.Mirror, conn connection.Info) registry.HandlerFactory {
	current := func() ([]models.ActiveProject, bool) {
		active, err := c.activeProjectsIn(c.ctx, listing, projects.Local)
		if err != nil {
			c.log.Error(c.ctx, "failed to compute active projects", "listing", listing.ID, "error", err)
			c.publish(events.ListingError{ListingID: listing.ID, Err: err})
			return nil, false
		}
		return active, true
	}
	paused := func(changes []*docstore.Document) {
		if active, ok := current(); ok {
			c.publish(events.ListingPaused{
				Listing:    listing,
				Active:     active,
				People:     people,
				Projects:   projects,
				Connection: conn,
				Changes:    changes,
			})
		}
	}

	return func() *replication.Handler {
		return replication.NewHandler(c.settle, replication.Callbacks{
			Active: func() {
				if active, ok := current(); ok {
					c.publish(events.ListingActive{
						Listing:    listing,
						Active:     active,
						People:     people,
						Projects:   projects,
						Connection: conn,
					})
				}
			},
			Paused: paused,
			Error: func(err error) {
				if isUnauthorized(err) {
					c.log.Info(c.ctx, "listing waiting on auth", "listing", listing.ID)
				} else {
					c.log.Warn(c.ctx, "projects sync failed", "listing", listing.ID, "error", err)
				}
				paused(nil)
			},
		})
	}
}

// activeProjectsIn returns the active projects of listing that exist in its
// local projects database. With AutoActivate every listed project is
// activated first.
func (c *Coordinator) activeProjectsIn(ctx context.Context, listing models.Listing, projects docstore.Database) ([]models.ActiveProject, error) {
	docs, err := projects.AllDocs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects[%s]: %w", listing.ID, err)
	}
	present := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		if isDesignID(doc.ID) {
			continue
		}
		present[doc.ID] = struct{}{}
		if c.deps.AutoActivate {
			if _, err := c.ActivateProject(ctx, listing.ID, doc.ID, true); err != nil {
				c.log.Debug(ctx, "unable to autoactivate", "listing", listing.ID, "project", doc.ID, "error", err)
			}
		}
	}

	actives, err := c.activeDocs(ctx)
	if err != nil {
		return nil, err
	}
	out := []models.ActiveProject{}
	for _, ap := range actives {
		if ap.ListingID != listing.ID {
			continue
		}
		if _, ok := present[ap.ProjectID]; ok {
			out = append(out, ap)
		}
	}
	return out, nil
}

// activeProjectIDs returns the project ids activated under listingID.
func (c *Coordinator) activeProjectIDs(ctx context.Context, listingID string) ([]string, error) {
	actives, err := c.activeDocs(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, ap := range actives {
		if ap.ListingID == listingID {
			ids = append(ids, ap.ProjectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
