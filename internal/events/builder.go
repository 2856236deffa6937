package events

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
)

type initial struct {
	key string
	fn  func(*Bus)
}

// Builder collects the initial listeners of a Bus and starts it.
type Builder struct {
	bus     *Bus
	keys    map[string]struct{}
	initial []initial
	started bool
}

// NewBuilder returns a builder with a fresh, not yet dispatching Bus.
func NewBuilder(log logging.Logger) *Builder {
	return &Builder{
		bus:  newBus(log),
		keys: make(map[string]struct{}),
	}
}

// AddInitial registers fn to be called with the bus on Start. A non-empty
// key is registered at most once; a repeated key is silently ignored.
func (b *Builder) AddInitial(key string, fn func(*Bus)) error {
	if b.started {
		return fmt.Errorf("failed to add initial listener[%s]: %w", key, common.ErrAlreadyStarted)
	}
	if key != "" {
		if _, ok := b.keys[key]; ok {
			return nil
		}
		b.keys[key] = struct{}{}
	}
	b.initial = append(b.initial, initial{key: key, fn: fn})
	return nil
}

// MustAddInitial is AddInitial that panics on error.
func (b *Builder) MustAddInitial(key string, fn func(*Bus)) {
	if err := b.AddInitial(key, fn); err != nil {
		panic(err)
	}
}

// Build returns the bus. Events may be published on it right away; they are
// dispatched after Start.
func (b *Builder) Build() *Bus {
	return b.bus
}

// Start attaches the initial listeners in registration order and then
// starts dispatching. Cancelling ctx stops the bus.
func (b *Builder) Start(ctx context.Context) error {
	if b.started {
		return common.ErrAlreadyStarted
	}
	b.started = true

	for _, in := range b.initial {
		in.fn(b.bus)
	}
	b.initial = nil
	b.bus.start(ctx)
	return nil
}
