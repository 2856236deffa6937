package replication

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
)

// inactivitySlack is subtracted from the settle timeout when deciding whether
// a connection went quiet, so a timer firing slightly early still counts.
const inactivitySlack = 20 * time.Millisecond

// Callbacks receive the settled transitions of a Handler. Nil fields are
// skipped.
type Callbacks struct {
	Active func()
	Paused func(changes []*docstore.Document)
	Error  func(err error)
}

// Handler debounces the events of one Connection.
//
// If nothing happens within the settle timeout after creation, Paused fires
// with no changes. The first change after a quiet period fires Active; once
// no further change arrived for the timeout, Paused fires with every
// document collected since. A Paused(nil) from the connection settles
// immediately, and errors are passed through.
type Handler struct {
	timeout time.Duration
	cb      Callbacks

	mu         sync.Mutex
	lastActive time.Time
	tracked    []*docstore.Document
	timer      *time.Timer
	gen        int
	detached   bool
	detach     func()
}

// NewHandler returns a handler whose initial settle timer is already running.
func NewHandler(timeout time.Duration, cb Callbacks) *Handler {
	h := &Handler{timeout: timeout, cb: cb}

	h.mu.Lock()
	h.arm(timeout, h.initialTimeout)
	h.mu.Unlock()
	return h
}

// Listen subscribes the handler to conn. Only documents pulled into the local
// side are tracked.
func (h *Handler) Listen(conn *Connection) {
	detach := conn.Subscribe(Listener{
		OnChange: func(ev ChangeEvent) {
			if ev.Direction == Pull {
				h.changed(ev.Docs)
			}
		},
		OnPaused: h.paused,
		OnError:  h.fail,
	})

	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		detach()
		return
	}
	prev := h.detach
	h.detach = detach
	h.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Fail reports err as if the connection had failed. It is used when the
// remote could not even be opened.
func (h *Handler) Fail(err error) {
	h.fail(err)
}

// Detach stops the timers and unsubscribes from the connection. No callback
// runs after Detach returns, apart from one that was already executing.
func (h *Handler) Detach() {
	h.mu.Lock()
	h.detached = true
	h.stopTimer()
	detach := h.detach
	h.detach = nil
	h.mu.Unlock()

	if detach != nil {
		detach()
	}
}

func (h *Handler) initialTimeout() func() {
	changes := h.takeTracked()
	return func() { h.emitPaused(changes) }
}

func (h *Handler) inactiveCheck() func() {
	if h.lastActive.IsZero() {
		return nil
	}
	deadline := h.lastActive.Add(h.timeout - inactivitySlack)
	if now := time.Now(); now.Before(deadline) {
		h.arm(h.lastActive.Add(h.timeout).Sub(now), h.inactiveCheck)
		return nil
	}
	h.lastActive = time.Time{}
	changes := h.takeTracked()
	return func() { h.emitPaused(changes) }
}

func (h *Handler) changed(docs []*docstore.Document) {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.tracked = append(h.tracked, docs...)

	now := time.Now()
	if !h.lastActive.IsZero() && !now.Before(h.lastActive.Add(h.timeout-inactivitySlack)) {
		h.lastActive = time.Time{}
	}
	if !h.lastActive.IsZero() {
		h.lastActive = now
		h.mu.Unlock()
		return
	}

	h.lastActive = now
	h.stopTimer()
	h.arm(h.timeout, h.inactiveCheck)
	h.mu.Unlock()

	if h.cb.Active != nil {
		h.cb.Active()
	}
}

func (h *Handler) paused(err error) {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.lastActive = time.Time{}
	h.stopTimer()
	var changes []*docstore.Document
	if err == nil {
		changes = h.takeTracked()
	}
	h.mu.Unlock()

	if err != nil {
		h.emitError(err)
		return
	}
	h.emitPaused(changes)
}

func (h *Handler) fail(err error) {
	h.mu.Lock()
	if h.detached {
		h.mu.Unlock()
		return
	}
	h.lastActive = time.Time{}
	h.stopTimer()
	h.mu.Unlock()

	h.emitError(err)
}

func (h *Handler) emitPaused(changes []*docstore.Document) {
	if h.cb.Paused != nil {
		h.cb.Paused(changes)
	}
}

func (h *Handler) emitError(err error) {
	if h.cb.Error != nil {
		h.cb.Error(err)
	}
}

// takeTracked returns and resets the collected changes. Callers hold mu.
func (h *Handler) takeTracked() []*docstore.Document {
	out := h.tracked
	h.tracked = nil
	return out
}

// arm schedules fn after d. fn runs with mu held and may return a callback
// to invoke once mu is released. A timer stopped or replaced in the meantime
// does nothing. Callers hold mu.
func (h *Handler) arm(d time.Duration, fn func() func()) {
	h.gen++
	gen := h.gen
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		if gen != h.gen || h.detached {
			h.mu.Unlock()
			return
		}
		h.timer = nil
		after := fn()
		h.mu.Unlock()

		if after != nil {
			after()
		}
	})
}

// stopTimer cancels the pending timer. Callers hold mu.
func (h *Handler) stopTimer() {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
