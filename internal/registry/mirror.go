package registry

import (
	"slices"
	"sync"

	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
)

// HandlerFactory builds the handler attached to each new connection.
type HandlerFactory func() *replication.Handler

// Options select how a mirror replicates with its remote.
type Options struct {
	// Push makes the connection two-way instead of pull-only.
	Push bool
	// DocIDs restricts replication to these documents.
	DocIDs []string
	// AttachmentPrefix marks the documents skipped while attachment sync is
	// off. Empty means attachments are not filtered.
	AttachmentPrefix string
}

// Equal reports whether o and other describe the same replication. DocIDs
// are compared as sets.
func (o Options) Equal(other Options) bool {
	if o.Push != other.Push || o.AttachmentPrefix != other.AttachmentPrefix {
		return false
	}
	if len(o.DocIDs) != len(other.DocIDs) {
		return false
	}
	a := slices.Clone(o.DocIDs)
	b := slices.Clone(other.DocIDs)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

// RemoteLink is the remote half of a Mirror.
type RemoteLink struct {
	DB         docstore.Database
	Connection *replication.Connection
	Info       connection.Info
	Options    Options

	newHandler HandlerFactory
	handler    *replication.Handler
	pullOnly   bool
}

// Mirror is a local database and, once synced, its remote counterpart.
type Mirror struct {
	Key   string
	Local docstore.Database

	mu                sync.Mutex
	isSync            bool
	isSyncAttachments bool
	remote            *RemoteLink
}

// IsSync reports whether the mirror should be replicating.
func (m *Mirror) IsSync() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSync
}

// IsSyncAttachments reports whether attachment documents replicate.
func (m *Mirror) IsSyncAttachments() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSyncAttachments
}

// Remote returns a copy of the remote link, or nil before EnsureSynced.
func (m *Mirror) Remote() *RemoteLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remote == nil {
		return nil
	}
	cp := *m.remote
	return &cp
}

// HasRemote reports whether EnsureSynced attached a remote.
func (m *Mirror) HasRemote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote != nil
}

// Connected reports whether a replication is running.
func (m *Mirror) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote != nil && m.remote.Connection != nil
}

// stopLocked detaches the handler and cancels the running connection.
func (m *Mirror) stopLocked() {
	link := m.remote
	if link == nil {
		return
	}
	if link.handler != nil {
		link.handler.Detach()
		link.handler = nil
	}
	if link.Connection != nil {
		link.Connection.Cancel()
		link.Connection = nil
	}
}

// dropRemoteLocked stops replication and closes the remote handle.
func (m *Mirror) dropRemoteLocked() {
	m.stopLocked()
	if m.remote != nil && m.remote.DB != nil {
		_ = m.remote.DB.Close()
	}
	m.remote = nil
}
