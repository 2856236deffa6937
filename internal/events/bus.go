package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
)

type subscription struct {
	fn   func(any)
	once bool
	dead bool
}

// Bus is a typed, single threaded event loop.
//
// Listeners must not call Idle or Stop, which wait for the dispatcher they
// run on.
type Bus struct {
	log logging.Logger

	mu        sync.Mutex
	queue     []any
	listeners map[reflect.Type][]*subscription
	busy      bool
	started   bool
	stopped   bool
	waiters   []chan struct{}

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newBus(log logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		log:       log,
		listeners: make(map[reflect.Type][]*subscription),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// On calls fn for every event of type T. The returned function detaches it.
func On[T any](b *Bus, fn func(T)) (unsubscribe func()) {
	return b.subscribe(typeOf[T](), func(ev any) { fn(ev.(T)) }, false)
}

// Once calls fn for the next event of type T only.
func Once[T any](b *Bus, fn func(T)) (unsubscribe func()) {
	return b.subscribe(typeOf[T](), func(ev any) { fn(ev.(T)) }, true)
}

// Wait blocks until an event of type T satisfying pred is dispatched. A nil
// pred accepts the first event.
func Wait[T any](ctx context.Context, b *Bus, pred func(T) bool) (T, error) {
	got := make(chan T, 1)
	unsubscribe := On(b, func(ev T) {
		if pred != nil && !pred(ev) {
			return
		}
		select {
		case got <- ev:
		default:
		}
	})
	defer unsubscribe()

	select {
	case ev := <-got:
		return ev, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (b *Bus) subscribe(t reflect.Type, fn func(any), once bool) func() {
	sub := &subscription{fn: fn, once: once}

	b.mu.Lock()
	b.listeners[t] = append(b.listeners[t], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(t, sub)
	}
}

func (b *Bus) removeLocked(t reflect.Type, sub *subscription) {
	sub.dead = true
	subs := b.listeners[t]
	for i, s := range subs {
		if s == sub {
			b.listeners[t] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.listeners[t]) == 0 {
		delete(b.listeners, t)
	}
}

// Publish queues ev for dispatch and returns immediately. Events published
// before the bus started are delivered once it does; events published after
// Stop are dropped.
func (b *Bus) Publish(ev any) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Idle waits until the queue is empty and no listener is running.
func (b *Bus) Idle(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped || (len(b.queue) == 0 && !b.busy) {
		b.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends dispatching and drops every queued event. It waits for a running
// listener to return.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.stopped = true
	b.queue = nil
	started := b.started
	b.started = true
	b.releaseLocked()
	close(b.quit)
	b.mu.Unlock()

	if !started {
		close(b.done)
		return
	}
	<-b.done
}

// Done is closed once the dispatcher exited.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.run(ctx)
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)

	for {
		ev, ok := b.next()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-b.quit:
				return
			case <-ctx.Done():
				b.mu.Lock()
				b.stopped = true
				b.queue = nil
				b.releaseLocked()
				b.mu.Unlock()
				return
			}
		}
		b.dispatch(ctx, ev)
	}
}

// next pops the head of the queue. When the queue is empty it releases the
// Idle waiters.
func (b *Bus) next() (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.busy = false
	if b.stopped || len(b.queue) == 0 {
		b.releaseLocked()
		return nil, false
	}
	ev := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	b.busy = true
	return ev, true
}

func (b *Bus) dispatch(ctx context.Context, ev any) {
	t := reflect.TypeOf(ev)

	b.mu.Lock()
	subs := append([]*subscription(nil), b.listeners[t]...)
	b.mu.Unlock()

	for _, sub := range subs {
		b.mu.Lock()
		if sub.dead || b.stopped {
			b.mu.Unlock()
			continue
		}
		if sub.once {
			b.removeLocked(t, sub)
		}
		b.mu.Unlock()

		b.call(ctx, t, sub, ev)
	}
}

func (b *Bus) call(ctx context.Context, t reflect.Type, sub *subscription, ev any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(ctx, "event listener panicked", "event", t.String(), "panic", fmt.Sprint(r))
		}
	}()
	sub.fn(ev)
}

func (b *Bus) releaseLocked() {
	for _, ch := range b.waiters {
		close(ch)
	}
	b.waiters = nil
}
