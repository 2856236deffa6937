// Package events is the in-process event loop of the sync engine.
//
// # Overview
//
// A Bus delivers typed events (plain structs, see events.go) to listeners
// registered with On or Once. Publish never blocks: events are queued and a
// single dispatcher goroutine delivers them in publish order, calling the
// listeners of each event in registration order. Listeners therefore never
// run concurrently with each other, which is what lets the activation state
// machine keep its maps without locks on the hot path.
//
// Startup is two-phase. Components register their initial listeners on a
// Builder, optionally under a key so that a listener added twice is only
// attached once. Builder.Start attaches them all, in order, and only then
// starts dispatching, so no event published during startup is missed.
//
// Typical Usage
//
//	b := events.NewBuilder(log)
//	b.MustAddInitial("listings_known", tracker.registerListingsKnown)
//	bus := b.Bus()
//	if err := b.Start(ctx); err != nil { ... }
//	bus.Publish(events.DirectoryPaused{ListingIDs: ids})
//	_ = bus.Idle(ctx)
package events
