// Package syncstate lets the user switch replication of a project's data on
// and off, for the whole database or for its attachments only.
//
// Turning sync on starts a pull-only live replication, separate from the
// push+pull connection set up at activation. Turning it off cancels the
// running replication and keeps both the local data and the remote handle.
// The flag is persisted on the project's ActiveProject document.
package syncstate

import (
	"context"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/fieldkeeper/internal/common"
	"github.com/dmitrijs2005/fieldkeeper/internal/docstore"
	"github.com/dmitrijs2005/fieldkeeper/internal/logging"
	"github.com/dmitrijs2005/fieldkeeper/internal/models"
	"github.com/dmitrijs2005/fieldkeeper/internal/registry"
)

const persistAttempts = 5

// Change is passed to listeners after a flag changed.
type Change struct {
	ProjectID   string
	Attachments bool
	Syncing     bool
}

// Service toggles sync on the data mirrors of a registry.
type Service struct {
	data   *registry.Registry
	active docstore.Database
	log    logging.Logger

	mu        sync.Mutex
	listeners []func(Change)
}

func New(data *registry.Registry, active docstore.Database, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	return &Service{data: data, active: active, log: log.With("component", "syncstate")}
}

// IsSyncing reports whether the data of key replicates. It returns
// common.ErrNotInitialized before the mirror exists and
// common.ErrNotSyncing before it has a remote.
func (s *Service) IsSyncing(key string) (bool, error) {
	m, err := s.mirror(key)
	if err != nil {
		return false, err
	}
	return m.IsSync(), nil
}

// IsSyncingAttachments is IsSyncing for the attachment documents.
func (s *Service) IsSyncingAttachments(key string) (bool, error) {
	m, err := s.mirror(key)
	if err != nil {
		return false, err
	}
	return m.IsSyncAttachments(), nil
}

func (s *Service) mirror(key string) (*registry.Mirror, error) {
	m, ok := s.data.Get(key)
	if !ok {
		return nil, fmt.Errorf("failed to get sync state[%s]: %w", key, common.ErrNotInitialized)
	}
	if !m.HasRemote() {
		return nil, fmt.Errorf("failed to get sync state[%s]: %w", key, common.ErrNotSyncing)
	}
	return m, nil
}

// SetSyncing switches replication of key. Setting the current value does
// nothing. When the flag cannot be saved the mirror is switched back.
func (s *Service) SetSyncing(ctx context.Context, key string, on bool) error {
	changed, err := s.data.SetSync(key, on, true)
	if err != nil {
		return fmt.Errorf("failed to set sync[%s]: %w", key, err)
	}
	if !changed {
		return nil
	}
	s.log.Info(ctx, "project sync toggled", "project", key, "syncing", on)

	if err := s.persist(ctx, key, func(ap *models.ActiveProject) { ap.IsSync = on }); err != nil {
		if _, rbErr := s.data.SetSync(key, !on, true); rbErr != nil {
			s.log.Error(ctx, "failed to restore sync flag", "project", key, "error", rbErr)
		}
		return err
	}
	s.notify(Change{ProjectID: key, Syncing: on})
	return nil
}

// SetSyncingAttachments switches replication of the attachment documents of
// key. A running replication is restarted with the new filter.
func (s *Service) SetSyncingAttachments(ctx context.Context, key string, on bool) error {
	changed, err := s.data.SetSyncAttachments(key, on)
	if err != nil {
		return fmt.Errorf("failed to set attachment sync[%s]: %w", key, err)
	}
	if !changed {
		return nil
	}
	s.log.Info(ctx, "attachment sync toggled", "project", key, "syncing", on)

	if err := s.persist(ctx, key, func(ap *models.ActiveProject) { ap.IsSyncAttachments = on }); err != nil {
		if _, rbErr := s.data.SetSyncAttachments(key, !on); rbErr != nil {
			s.log.Error(ctx, "failed to restore attachment sync flag", "project", key, "error", rbErr)
		}
		return err
	}
	s.notify(Change{ProjectID: key, Attachments: true, Syncing: on})
	return nil
}

// persist applies mutate to the active document of key, retrying on
// revision conflicts.
func (s *Service) persist(ctx context.Context, key string, mutate func(*models.ActiveProject)) error {
	var err error
	for i := 0; i < persistAttempts; i++ {
		var ap models.ActiveProject
		var rev string
		rev, err = docstore.GetJSON(ctx, s.active, key, &ap)
		if err != nil {
			return fmt.Errorf("failed to read active project[%s]: %w", key, err)
		}
		ap.ID = key
		mutate(&ap)

		_, err = docstore.PutJSON(ctx, s.active, key, rev, ap)
		if err == nil {
			return nil
		}
		if !docstore.IsConflict(err) {
			break
		}
	}
	return fmt.Errorf("failed to save active project[%s]: %w", key, err)
}

// AddListener calls fn after every change. The returned function removes
// it.
func (s *Service) AddListener(fn func(Change)) (remove func()) {
	s.mu.Lock()
	idx := len(s.listeners)
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners[idx] = nil
	}
}

func (s *Service) notify(ch Change) {
	s.mu.Lock()
	listeners := append(([]func(Change))(nil), s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		if fn != nil {
			fn(ch)
		}
	}
}
