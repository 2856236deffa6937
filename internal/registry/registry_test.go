package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/sqlstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOpener keeps local and "remote" databases in two in-memory stores.
type fakeOpener struct {
	local, remote *sqlstore.Store

	mu      sync.Mutex
	opened  []connection.Info
	openErr error
}

func newFakeOpener(t *testing.T) *fakeOpener {
	t.Helper()
	ctx := context.Background()
	local, err := sqlstore.OpenSQLite(ctx, ":memory:", sqlstore.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	remote, err := sqlstore.OpenSQLite(ctx, ":memory:", sqlstore.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	return &fakeOpener{local: local, remote: remote}
}

func (o *fakeOpener) OpenLocal(name string) docstore.Database { return o.local.Database(name) }

func (o *fakeOpener) OpenRemote(info connection.Info) (docstore.Database, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, info)
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.remote.Database(info.DBName), nil
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.opened)
}

func newRegistry(t *testing.T) (*Registry, *fakeOpener) {
	o := newFakeOpener(t)
	r := New("data", o, replication.Options{Wait: 20 * time.Millisecond}, nil)
	t.Cleanup(r.CloseAll)
	return r, o
}

type handlerCounter struct {
	built  atomic.Int32
	paused atomic.Int32
	errs   atomic.Int32
}

func (c *handlerCounter) factory() HandlerFactory {
	return func() *replication.Handler {
		c.built.Add(1)
		return replication.NewHandler(time.Hour, replication.Callbacks{
			Paused: func([]*docstore.Document) { c.paused.Add(1) },
			Error:  func(error) { c.errs.Add(1) },
		})
	}
}

var info1 = connection.Info{Protocol: "http", Host: "couch", Port: 5984, DBName: "data-p1"}

func TestEnsureLocal_LookupOrCreate(t *testing.T) {
	r, _ := newRegistry(t)

	created, m := r.EnsureLocal("data", "p1", true)
	require.True(t, created)
	assert.Equal(t, "data_p1", m.Local.Name())
	assert.True(t, m.IsSync())

	created, again := r.EnsureLocal("data", "p1", false)
	assert.False(t, created)
	assert.Same(t, m, again, "existing mirror is never replaced")
	assert.False(t, again.IsSync())

	assert.Equal(t, []string{"p1"}, r.Keys())
}

func TestEnsureSynced_PanicsWithoutLocal(t *testing.T) {
	r, _ := newRegistry(t)

	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		var le *common.LogicError
		require.ErrorAs(t, rec.(error), &le)
		assert.Equal(t, "EnsureSynced", le.Op)
	}()
	r.EnsureSynced("missing", info1, (&handlerCounter{}).factory(), Options{})
}

func TestEnsureSynced_IdempotentOnEqualInfo(t *testing.T) {
	r, o := newRegistry(t)
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", true)

	created, m := r.EnsureSynced("p1", info1, hc.factory(), Options{Push: true, DocIDs: []string{"a", "b"}})
	require.True(t, created)
	require.True(t, m.Connected())
	conn := m.Remote().Connection

	created, _ = r.EnsureSynced("p1", info1, hc.factory(), Options{Push: true, DocIDs: []string{"b", "a"}})
	assert.False(t, created)
	assert.Same(t, conn, m.Remote().Connection)
	assert.Equal(t, 1, o.opens())
	assert.EqualValues(t, 1, hc.built.Load())
}

func TestEnsureSynced_ReplacesOnNewInfo(t *testing.T) {
	r, o := newRegistry(t)
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", true)
	_, m := r.EnsureSynced("p1", info1, hc.factory(), Options{})
	old := m.Remote().Connection

	info2 := info1.WithToken("new-token")
	created, _ := r.EnsureSynced("p1", info2, hc.factory(), Options{})
	require.True(t, created)
	assert.Equal(t, 2, o.opens())

	select {
	case <-old.Done():
	default:
		t.Fatal("previous connection still running")
	}
	assert.NotSame(t, old, m.Remote().Connection)
	assert.Equal(t, info2, m.Remote().Info)
}

func TestEnsureSynced_OpenErrorSurfacesThroughHandler(t *testing.T) {
	r, o := newRegistry(t)
	o.openErr = errors.New("no route")
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", true)

	created, m := r.EnsureSynced("p1", info1, hc.factory(), Options{})
	require.True(t, created)
	assert.False(t, m.Connected())
	assert.True(t, m.HasRemote())
	assert.EqualValues(t, 1, hc.errs.Load())
}

func TestEnsureSynced_NotSyncingKeepsRemoteIdle(t *testing.T) {
	r, _ := newRegistry(t)
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", false)

	_, m := r.EnsureSynced("p1", info1, hc.factory(), Options{})
	assert.True(t, m.HasRemote())
	assert.False(t, m.Connected())
	assert.Zero(t, hc.built.Load())
}

func TestSetSync_StartsAndStops(t *testing.T) {
	r, o := newRegistry(t)
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", false)
	_, m := r.EnsureSynced("p1", info1, hc.factory(), Options{Push: true})

	changed, err := r.SetSync("p1", false, true)
	require.NoError(t, err)
	assert.False(t, changed)

	ctx := context.Background()
	_, err = o.local.Database("data_p1").Put(ctx, &docstore.Document{ID: "local-only", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = o.remote.Database("data-p1").Put(ctx, &docstore.Document{ID: "from-remote", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	changed, err = r.SetSync("p1", true, true)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, m.Connected())

	require.Eventually(t, func() bool {
		_, err := m.Local.Get(ctx, "from-remote")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err = o.remote.Database("data-p1").Get(ctx, "local-only")
	require.ErrorIs(t, err, common.ErrorNotFound, "pull-only sync must not push")

	changed, err = r.SetSync("p1", false, false)
	require.NoError(t, err)
	require.True(t, changed)
	assert.False(t, m.Connected())

	_, err = r.SetSync("nope", true, false)
	require.ErrorIs(t, err, common.ErrNotInitialized)
}

func TestSetSyncAttachments_RestartsWithFilter(t *testing.T) {
	r, o := newRegistry(t)
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", true)
	_, m := r.EnsureSynced("p1", info1, hc.factory(), Options{AttachmentPrefix: "att-"})

	changed, err := r.SetSyncAttachments("p1", false)
	require.NoError(t, err)
	require.True(t, changed)
	assert.False(t, m.IsSyncAttachments())
	assert.EqualValues(t, 2, hc.built.Load(), "connection restarted with a fresh handler")

	ctx := context.Background()
	remote := o.remote.Database("data-p1")
	_, err = remote.Put(ctx, &docstore.Document{ID: "att-1", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = remote.Put(ctx, &docstore.Document{ID: "rec-1", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.Local.Get(ctx, "rec-1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	_, err = m.Local.Get(ctx, "att-1")
	require.ErrorIs(t, err, common.ErrorNotFound)

	changed, err = r.SetSyncAttachments("p1", false)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDelete_IsSynchronous(t *testing.T) {
	r, _ := newRegistry(t)
	hc := &handlerCounter{}
	r.EnsureLocal("data", "p1", true)
	_, m := r.EnsureSynced("p1", info1, hc.factory(), Options{})
	conn := m.Remote().Connection

	r.Delete("p1")

	_, ok := r.Get("p1")
	assert.False(t, ok)
	select {
	case <-conn.Done():
	default:
		t.Fatal("connection still running after Delete")
	}
	assert.False(t, m.HasRemote())

	r.Delete("p1")
}

func TestOptions_Equal(t *testing.T) {
	assert.True(t, Options{DocIDs: []string{"a", "b"}}.Equal(Options{DocIDs: []string{"b", "a"}}))
	assert.False(t, Options{DocIDs: []string{"a"}}.Equal(Options{DocIDs: []string{"a", "b"}}))
	assert.False(t, Options{Push: true}.Equal(Options{}))
	assert.False(t, Options{AttachmentPrefix: "att-"}.Equal(Options{}))
	assert.True(t, Options{}.Equal(Options{DocIDs: []string{}}))
}
