package replication

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
)

// ChangeEvent carries the documents one batch wrote to the target of a leg.
type ChangeEvent struct {
	Direction Direction
	Docs      []*docstore.Document
}

// Listener receives connection events. Nil fields are skipped. Callbacks run
// on replication goroutines, one at a time, and must not call Cancel.
type Listener struct {
	OnChange func(ChangeEvent)
	OnPaused func(err error)
	OnActive func()
	OnDenied func(err error)
	OnError  func(err error)
}

type leg struct {
	dir      Direction
	src, dst docstore.Database
}

// Connection is a running (or finished) replication between two databases.
type Connection struct {
	opts   Options
	log    logging.Logger
	filter filter
	legs   []leg

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	// emitMu serialises state transitions with the callbacks they trigger.
	emitMu   sync.Mutex
	caughtUp []bool
	settled  bool
	idle     bool

	mu        sync.Mutex
	listeners map[int]Listener
	order     []int
	nextID    int
	started   bool
	err       error
}

// Replicate prepares a one-way replication from source to target. The
// returned connection is idle until Start, so listeners can be attached
// without missing events.
func Replicate(source, target docstore.Database, opts Options) *Connection {
	return newConnection(opts, leg{dir: Pull, src: source, dst: target})
}

// Sync prepares a two-way replication: local changes are pushed to remote
// and remote changes pulled into local.
func Sync(local, remote docstore.Database, opts Options) *Connection {
	return newConnection(opts,
		leg{dir: Push, src: local, dst: remote},
		leg{dir: Pull, src: remote, dst: local},
	)
}

func newConnection(opts Options, legs ...leg) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		opts:      opts,
		log:       opts.Logger,
		filter:    newFilter(opts),
		legs:      legs,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		caughtUp:  make([]bool, len(legs)),
		listeners: make(map[int]Listener),
	}
}

// Subscribe attaches l and returns a function that detaches it.
func (c *Connection) Subscribe(l Listener) (detach func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.order = append(c.order, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Start launches the replication goroutines. Later calls do nothing.
func (c *Connection) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	for i, l := range c.legs {
		c.wg.Add(1)
		go func(i int, l leg) {
			defer c.wg.Done()
			c.run(i, l)
		}(i, l)
	}
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

// Cancel stops the replication, waits for its goroutines to exit and drops
// all listeners. It is safe to call more than once and before Start.
func (c *Connection) Cancel() {
	c.cancel()

	c.mu.Lock()
	c.listeners = make(map[int]Listener)
	c.order = nil
	started := c.started
	c.started = true
	c.mu.Unlock()

	if !started {
		close(c.done)
		return
	}
	<-c.done
}

// Done is closed once every leg has stopped.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped a non-retrying connection.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Connection) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Listener, 0, len(c.listeners))
	live := c.order[:0]
	for _, id := range c.order {
		if l, ok := c.listeners[id]; ok {
			out = append(out, l)
			live = append(live, id)
		}
	}
	c.order = live
	return out
}

func (c *Connection) run(i int, l leg) {
	ctx := c.ctx
	log := c.log.With("source", l.src.Name(), "target", l.dst.Name(), "direction", l.dir.String())
	policy := backoff.WithContext(c.opts.Backoff.policy(), ctx)

	since := ""
	caughtUp := false

	for {
		var resp docstore.ChangesResponse
		round := func() error {
			wait := time.Duration(0)
			if caughtUp && c.opts.Live {
				wait = c.opts.Wait
			}

			var err error
			resp, err = l.src.Changes(ctx, docstore.ChangesRequest{Since: since, Limit: c.opts.BatchSize, Wait: wait})
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if err == nil {
				var written []*docstore.Document
				written, err = c.apply(ctx, l, resp.Results)
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				if len(written) > 0 {
					c.markActive(i)
					c.emitChange(ChangeEvent{Direction: l.dir, Docs: written})
				}
				if err == nil {
					since = resp.LastSeq
					return nil
				}
			}

			log.Warn(ctx, "replication failed", "error", err)
			caughtUp = false
			if !c.opts.Retry {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, delay time.Duration) {
			c.markPaused(i, err)
			log.Debug(ctx, "replication retrying", "delay", delay)
		}

		// RetryNotify resets the policy, so every successful round starts
		// over from the minimum delay.
		err := backoff.RetryNotify(round, policy, notify)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.stop(err)
			return
		}

		if len(resp.Results) == 0 {
			if !caughtUp {
				log.Debug(ctx, "replication caught up", "seq", since)
			}
			caughtUp = true
			c.markPaused(i, nil)
			if !c.opts.Live {
				return
			}
			continue
		}
		caughtUp = false
	}
}

// apply writes every matching change to the target and returns the
// documents that were actually stored.
func (c *Connection) apply(ctx context.Context, l leg, changes []docstore.Change) ([]*docstore.Document, error) {
	var written []*docstore.Document
	for _, ch := range changes {
		doc := ch.Doc
		if doc == nil {
			doc = &docstore.Document{ID: ch.ID, Rev: ch.Rev, Deleted: ch.Deleted}
		}
		if !c.filter.match(doc) {
			continue
		}

		ok, err := l.dst.PutReplicated(ctx, doc)
		if err != nil {
			return written, err
		}
		if ok {
			written = append(written, doc)
		}
	}
	return written, nil
}

func (c *Connection) markActive(i int) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.caughtUp[i] = false
	c.settled = false
	if !c.idle {
		return
	}
	c.idle = false
	c.log.Debug(c.ctx, "replication active")
	for _, l := range c.snapshot() {
		if l.OnActive != nil {
			l.OnActive()
		}
	}
}

// markPaused records that leg i caught up (err == nil) or failed. Paused(nil)
// is reported once all legs are caught up; errors are reported every time.
func (c *Connection) markPaused(i int, err error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if err != nil {
		c.caughtUp[i] = false
		c.settled = false
		c.idle = true
		denied := errors.Is(err, common.ErrorUnauthorized)
		for _, l := range c.snapshot() {
			if l.OnPaused != nil {
				l.OnPaused(err)
			}
			if denied && l.OnDenied != nil {
				l.OnDenied(err)
			}
		}
		return
	}

	c.caughtUp[i] = true
	for _, ok := range c.caughtUp {
		if !ok {
			return
		}
	}
	if c.settled {
		return
	}
	c.settled = true
	c.idle = true
	c.log.Debug(c.ctx, "replication paused")
	for _, l := range c.snapshot() {
		if l.OnPaused != nil {
			l.OnPaused(nil)
		}
	}
}

func (c *Connection) emitChange(ev ChangeEvent) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	for _, l := range c.snapshot() {
		if l.OnChange != nil {
			l.OnChange(ev)
		}
	}
}

// stop ends a non-retrying connection on err.
func (c *Connection) stop(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	denied := errors.Is(err, common.ErrorUnauthorized)
	for _, l := range c.snapshot() {
		if denied && l.OnDenied != nil {
			l.OnDenied(err)
		}
		if l.OnError != nil {
			l.OnError(err)
		}
	}
	c.cancel()
}
