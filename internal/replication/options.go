package replication

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
)

const (
	defaultBatchSize  = 100
	defaultWait       = 10 * time.Second
	defaultBackoffMin = 500 * time.Millisecond
	defaultBackoffMax = 30 * time.Second
)

// Direction tells which leg of a connection produced an event.
type Direction int

const (
	Pull Direction = iota
	Push
)

func (d Direction) String() string {
	if d == Push {
		return "push"
	}
	return "pull"
}

// Backoff bounds the delay between retries. The delay doubles from Min up to
// Max and resets after a successful round.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Options configure a Connection.
type Options struct {
	// Live keeps the connection running after it caught up.
	Live bool
	// Retry resumes after errors instead of stopping.
	Retry bool

	// DocIDs restricts replication to these ids when non-empty.
	DocIDs []string
	// ExcludePrefixes skips documents whose id starts with any of these.
	ExcludePrefixes []string

	BatchSize int
	// Wait is the long-poll window of a live connection.
	Wait    time.Duration
	Backoff Backoff

	Logger logging.Logger
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.Wait <= 0 {
		o.Wait = defaultWait
	}
	if o.Backoff.Min <= 0 {
		o.Backoff.Min = defaultBackoffMin
	}
	if o.Backoff.Max < o.Backoff.Min {
		o.Backoff.Max = defaultBackoffMax
		if o.Backoff.Max < o.Backoff.Min {
			o.Backoff.Max = o.Backoff.Min
		}
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// filter reports whether doc passes the DocIDs and ExcludePrefixes rules.
type filter struct {
	ids     map[string]struct{}
	exclude []string
}

func newFilter(o Options) filter {
	f := filter{exclude: o.ExcludePrefixes}
	if len(o.DocIDs) > 0 {
		f.ids = make(map[string]struct{}, len(o.DocIDs))
		for _, id := range o.DocIDs {
			f.ids[id] = struct{}{}
		}
	}
	return f
}

func (f filter) match(doc *docstore.Document) bool {
	if f.ids != nil {
		if _, ok := f.ids[doc.ID]; !ok {
			return false
		}
	}
	for _, p := range f.exclude {
		if strings.HasPrefix(doc.ID, p) {
			return false
		}
	}
	return true
}

// policy returns a fresh exponential policy for one leg. It never gives up
// on its own; only the connection's context ends the retries.
func (b Backoff) policy() *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = b.Min
	p.MaxInterval = b.Max
	p.Multiplier = 2
	p.RandomizationFactor = 0
	p.MaxElapsedTime = 0
	p.Reset()
	return p
}
