// Package replication copies documents between two docstore databases and
// reports progress as events.
//
// # Overview
//
// Replicate follows the change feed of a source database and applies every
// change to a target with PutReplicated. Sync runs two such legs (push and
// pull) under one Connection. A live connection keeps long-polling after it
// catches up; a retrying connection backs off and resumes after transient
// errors instead of stopping.
//
// Events
//
//   - OnChange: a batch of documents was written to the target
//   - OnPaused: every leg caught up (nil) or a leg hit an error (non-nil)
//   - OnActive: work resumed after all legs were paused
//   - OnDenied: the remote rejected the credentials
//   - OnError: a non-retrying connection stopped on an error
//
// Handler sits on top of a Connection and turns the raw events into the
// settled active / paused(changes) / error transitions that the activation
// layer publishes, waiting for a quiet period before declaring a database
// caught up.
//
// Typical Usage
//
//	conn := replication.Replicate(remote, local, replication.Options{Live: true, Retry: true})
//	h := replication.NewHandler(2*time.Second, replication.Callbacks{Paused: onPaused})
//	h.Listen(conn)
//	conn.Start()
//	...
//	h.Detach()
//	conn.Cancel()
package replication
