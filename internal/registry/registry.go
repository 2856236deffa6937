package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
)

// Registry holds the mirrors of one kind.
type Registry struct {
	kind   string
	opener Opener
	base   replication.Options
	log    logging.Logger

	mu      sync.Mutex
	mirrors map[string]*Mirror
}

// New returns an empty registry. base supplies the batch size, long-poll
// window, backoff and logger of every connection it starts.
func New(kind string, opener Opener, base replication.Options, log logging.Logger) *Registry {
	if log == nil {
		log = logging.Nop()
	}
	return &Registry{
		kind:    kind,
		opener:  opener,
		base:    base,
		log:     log.With("registry", kind),
		mirrors: make(map[string]*Mirror),
	}
}

// Kind returns the registry kind.
func (r *Registry) Kind() string { return r.kind }

// EnsureLocal returns the mirror for key, creating it (with the local
// database prefix+"_"+key) if needed. An existing mirror is never replaced;
// only its sync flag is updated.
func (r *Registry) EnsureLocal(prefix, key string, isSync bool) (bool, *Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.mirrors[key]; ok {
		m.mu.Lock()
		m.isSync = isSync
		m.mu.Unlock()
		return false, m
	}

	m := &Mirror{
		Key:               key,
		Local:             r.opener.OpenLocal(prefix + "_" + key),
		isSync:            isSync,
		isSyncAttachments: true,
	}
	r.mirrors[key] = m
	r.log.Debug(context.Background(), "local mirror created", "key", key, "db", m.Local.Name())
	return true, m
}

// Get returns the mirror for key.
func (r *Registry) Get(key string) (*Mirror, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mirrors[key]
	return m, ok
}

// Keys returns the keys of all mirrors, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.mirrors))
	for k := range r.mirrors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnsureSynced attaches the remote described by info to the mirror for key
// and reconciles its replication. It returns false without touching
// anything when the mirror already has a remote with an equal info and
// equal options.
//
// Failing to open the remote is not returned: it is reported through a
// handler built by newHandler.
//
// It panics with a *common.LogicError when EnsureLocal was not called first.
func (r *Registry) EnsureSynced(key string, info connection.Info, newHandler HandlerFactory, opts Options) (bool, *Mirror) {
	m, ok := r.Get(key)
	if !ok {
		panic(&common.LogicError{
			Op:  "EnsureSynced",
			Msg: fmt.Sprintf("%s mirror %q has no local database", r.kind, key),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote != nil && m.remote.Info == info && m.remote.Options.Equal(opts) {
		return false, m
	}

	ctx := context.Background()
	if m.remote != nil {
		r.log.Debug(ctx, "replacing remote", "key", key, "from", m.remote.Info.String(), "to", info.String())
	}
	m.dropRemoteLocked()

	link := &RemoteLink{Info: info, Options: opts, newHandler: newHandler}
	m.remote = link

	db, err := r.opener.OpenRemote(info)
	if err != nil {
		r.log.Warn(ctx, "failed to open remote", "key", key, "remote", info.String(), "error", err)
		link.handler = newHandler()
		link.handler.Fail(err)
		return true, m
	}
	link.DB = db

	r.setConnectionLocked(m, false)
	return true, m
}

// SetConnection starts or stops replication so that it matches the mirror's
// sync flag.
func (r *Registry) SetConnection(key string) {
	m, ok := r.Get(key)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r.setConnectionLocked(m, false)
}

// SetSync changes the sync flag of key and reconciles. With pullOnly a newly
// started connection only pulls, whatever the mirror options say. It reports
// whether the flag changed and returns common.ErrNotInitialized for an
// unknown key.
func (r *Registry) SetSync(key string, on, pullOnly bool) (bool, error) {
	m, ok := r.Get(key)
	if !ok {
		return false, common.ErrNotInitialized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isSync == on {
		return false, nil
	}
	m.isSync = on
	r.setConnectionLocked(m, pullOnly)
	return true, nil
}

// SetSyncAttachments changes whether attachment documents replicate. A
// running connection is restarted with the new filter.
func (r *Registry) SetSyncAttachments(key string, on bool) (bool, error) {
	m, ok := r.Get(key)
	if !ok {
		return false, common.ErrNotInitialized
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isSyncAttachments == on {
		return false, nil
	}
	m.isSyncAttachments = on

	if m.remote != nil && m.remote.Connection != nil {
		pullOnly := m.remote.pullOnly
		m.stopLocked()
		r.setConnectionLocked(m, pullOnly)
	}
	return true, nil
}

// Delete removes key, stopping its replication first. It is a no-op for an
// unknown key.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	m, ok := r.mirrors[key]
	delete(r.mirrors, key)
	r.mu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	m.dropRemoteLocked()
	m.mu.Unlock()
	_ = m.Local.Close()
	r.log.Debug(context.Background(), "mirror deleted", "key", key)
}

// CloseAll deletes every mirror.
func (r *Registry) CloseAll() {
	for _, k := range r.Keys() {
		r.Delete(k)
	}
}

func (r *Registry) setConnectionLocked(m *Mirror, pullOnly bool) {
	link := m.remote
	if link == nil || link.DB == nil {
		return
	}

	switch {
	case m.isSync && link.Connection == nil:
		opts := r.base
		opts.Live = true
		opts.Retry = true
		opts.DocIDs = link.Options.DocIDs
		opts.ExcludePrefixes = nil
		if !m.isSyncAttachments && link.Options.AttachmentPrefix != "" {
			opts.ExcludePrefixes = []string{link.Options.AttachmentPrefix}
		}
		if opts.Logger == nil {
			opts.Logger = r.log
		}

		var conn *replication.Connection
		if link.Options.Push && !pullOnly {
			conn = replication.Sync(m.Local, link.DB, opts)
		} else {
			conn = replication.Replicate(link.DB, m.Local, opts)
		}

		h := link.newHandler()
		h.Listen(conn)
		link.handler = h
		link.Connection = conn
		link.pullOnly = pullOnly
		conn.Start()
		r.log.Debug(context.Background(), "replication started", "key", m.Key, "push", link.Options.Push && !pullOnly)

	case !m.isSync && link.Connection != nil:
		m.stopLocked()
		r.log.Debug(context.Background(), "replication stopped", "key", m.Key)
	}
}
