package registry

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/dmitrijs2005/fieldkeeper/internal/connection"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/couchstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore/sqlstore"
)

// Opener builds database handles for mirrors.
type Opener interface {
	// OpenLocal returns the local database called name.
	OpenLocal(name string) docstore.Database
	// OpenRemote returns a handle to the remote described by info.
	OpenRemote(info connection.Info) (docstore.Database, error)
}

// StoreOpener keeps every local mirror in one sqlstore.Store and reaches
// remotes over CouchDB or postgres, depending on the protocol.
type StoreOpener struct {
	local *sqlstore.Store

	// PostgresDatabase is the physical postgres database holding the
	// logical databases of a postgres cluster.
	PostgresDatabase string
	// LongPoll is the longest change-feed wait, used to size HTTP timeouts.
	LongPoll time.Duration

	mu        sync.Mutex
	postgres  map[string]*sqlstore.Store
	connectTO time.Duration
}

// NewStoreOpener returns an Opener over local.
func NewStoreOpener(local *sqlstore.Store, postgresDatabase string, longPoll time.Duration) *StoreOpener {
	return &StoreOpener{
		local:            local,
		PostgresDatabase: postgresDatabase,
		LongPoll:         longPoll,
		postgres:         make(map[string]*sqlstore.Store),
		connectTO:        10 * time.Second,
	}
}

func (o *StoreOpener) OpenLocal(name string) docstore.Database {
	return o.local.Database(name)
}

func (o *StoreOpener) OpenRemote(info connection.Info) (docstore.Database, error) {
	switch info.Protocol {
	case connection.ProtocolHTTP, connection.ProtocolHTTPS:
		db, err := couchstore.Open(info, couchstore.WithHTTPClient(couchstore.NewHTTPClient(o.LongPoll)))
		if err != nil {
			return nil, err
		}
		return db, nil
	case connection.ProtocolPostgres:
		s, err := o.postgresStore(info)
		if err != nil {
			return nil, err
		}
		return s.Database(info.DBName), nil
	default:
		return nil, fmt.Errorf("unsupported remote protocol %q", info.Protocol)
	}
}

// Close closes the postgres stores opened so far.
func (o *StoreOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var first error
	for k, s := range o.postgres {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
		delete(o.postgres, k)
	}
	return first
}

// postgresStore returns the store for the server in info, connecting on
// first use. Credentials come from the usual PG* environment variables.
func (o *StoreOpener) postgresStore(info connection.Info) (*sqlstore.Store, error) {
	host := info.Host
	if info.Port != 0 {
		host += ":" + strconv.Itoa(info.Port)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.postgres[host]; ok {
		return s, nil
	}

	dsn := (&url.URL{Scheme: "postgres", Host: host, Path: "/" + o.PostgresDatabase}).String()

	ctx, cancel := context.WithTimeout(context.Background(), o.connectTO)
	defer cancel()
	s, err := sqlstore.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres cluster[%s]: %w", host, err)
	}
	o.postgres[host] = s
	return s, nil
}
