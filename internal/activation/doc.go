// Package activation discovers the database tree of the device and keeps its
// local mirrors replicating.
//
// # Overview
//
// The tree is directory → listing → project → {metadata, data}. Every scope
// goes through local (mirror exists) → paused (caught up) ↔ active (changes
// arriving), with errors reported but never stopping sibling scopes. The
// Coordinator reacts to the events of one scope by (re)processing the scopes
// below it:
//
//	directory_local/paused/active → every active listing
//	listing_local/paused/active   → every active project of the listing
//
// A listing is active when at least one ActiveProject document references
// it. Re-processing an entity that is already set up is a no-op, because
// the registry ignores a sync request equal to the running one.
//
// Reactions run on the event bus dispatcher. Registry entries for a scope
// are created, and its events published, before any store I/O, and project
// teardown happens synchronously before the active document is touched, so
// a concurrent re-activation always sees a clean slate.
//
// The StateTracker folds the per-scope events into the startup milestones
// listings_known, projects_known, projects_created and metas_complete.
package activation
