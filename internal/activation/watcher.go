package activation

import (
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/events"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
)

const watchRetry = time.Second

// activeChanged is published on the bus for every change of an active
// project document.
type activeChanged struct {
	ID string
}

// watchActive follows the active project documents from since until the
// coordinator shuts down.
func (c *Coordinator) watchActive(since string) {
	ctx := c.ctx
	for {
		resp, err := c.active.Local.Changes(ctx, docstore.ChangesRequest{Since: since, Wait: watchWait})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn(ctx, "active projects feed failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetry):
			}
			continue
		}

		since = resp.LastSeq
		for _, ch := range resp.Results {
			c.publish(activeChanged{ID: ch.ID})
		}
	}
}

// reconcileActive brings the mirrors of one project in line with its active
// document: a live document (re)activates it, a missing one tears it down.
func (c *Coordinator) reconcileActive(ev activeChanged) {
	ctx := c.ctx
	listingID, _, err := models.SplitProjectID(ev.ID)
	if err != nil {
		c.log.Warn(ctx, "ignoring malformed active project", "id", ev.ID)
		return
	}

	var ap models.ActiveProject
	_, err = docstore.GetJSON(ctx, c.active.Local, ev.ID, &ap)
	switch {
	case docstore.IsNotFound(err):
		if c.IsActivated(ev.ID) || c.tracked(listingID, ev.ID) {
			c.log.Debug(ctx, "active project removed", "project", ev.ID)
			c.teardown(ev.ID, listingID)
		}
		return
	case err != nil:
		c.log.Warn(ctx, "failed to read active project", "project", ev.ID, "error", err)
		return
	}
	ap.ID = ev.ID
	c.track(listingID, ev.ID)

	listing, err := c.readListing(ctx, ap.ListingID)
	if err != nil {
		// The directory pause will pick it up once the listing arrives.
		c.log.Debug(ctx, "listing of active project not known yet", "project", ev.ID, "error", err)
		return
	}
	if err := c.processListing(ctx, listing); err != nil {
		c.log.Warn(ctx, "failed to process listing", "listing", listing.ID, "error", err)
		c.publish(events.ListingError{ListingID: listing.ID, Err: err})
	}
}
