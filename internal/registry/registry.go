// Package registry keeps the token accessor issued for each environment so
// the token can be revoked later. The backend only revokes by accessor.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/org/secretprov/internal/errors"
)

var registeredAccessors = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "secretprov_registered_accessors",
	Help: "Environments with a registered token accessor.",
})

func init() {
	prometheus.MustRegister(registeredAccessors)
}

// Registry maps an environment id to the accessor of its live token.
// At most one accessor is held per environment.
type Registry interface {
	// Put registers accessor for envID, replacing and returning any previous one.
	Put(ctx context.Context, envID int64, accessor string) (previous string, err error)
	// Get returns the accessor registered for envID.
	Get(ctx context.Context, envID int64) (accessor string, ok bool, err error)
	// Delete removes and returns the accessor registered for envID.
	Delete(ctx context.Context, envID int64) (accessor string, ok bool, err error)
}

// Memory is a process-local Registry. It starts empty, so tokens issued by a
// previous process cannot be revoked through it.
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]string
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{entries: map[int64]string{}}
}

func (m *Memory) Put(_ context.Context, envID int64, accessor string) (string, error) {
	if accessor == "" {
		return "", apperrors.InvalidParameters("empty accessor for environment %d", envID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.entries[envID]
	m.entries[envID] = accessor
	registeredAccessors.Set(float64(len(m.entries)))
	return prev, nil
}

func (m *Memory) Get(_ context.Context, envID int64) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.entries[envID]
	return a, ok, nil
}

func (m *Memory) Delete(_ context.Context, envID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.entries[envID]
	delete(m.entries, envID)
	registeredAccessors.Set(float64(len(m.entries)))
	return a, ok, nil
}

// Len returns the number of registered environments.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// AccessorStore is the persistence a Persistent registry writes through to.
// GetAccessor returns an error matching apperrors.ErrNotFound when absent.
type AccessorStore interface {
	PutAccessor(ctx context.Context, envID int64, accessor string) error
	GetAccessor(ctx context.Context, envID int64) (string, error)
	DeleteAccessor(ctx context.Context, envID int64) error
	CountAccessors(ctx context.Context) (int64, error)
}

// Persistent is a Registry backed by a side table, so accessors survive restarts.
type Persistent struct {
	store AccessorStore
}

// NewPersistent returns a registry over store.
func NewPersistent(store AccessorStore) *Persistent {
	return &Persistent{store: store}
}

func (p *Persistent) Put(ctx context.Context, envID int64, accessor string) (string, error) {
	if accessor == "" {
		return "", apperrors.InvalidParameters("empty accessor for environment %d", envID)
	}
	prev, _, err := p.Get(ctx, envID)
	if err != nil {
		return "", err
	}
	if err := p.store.PutAccessor(ctx, envID, accessor); err != nil {
		return "", fmt.Errorf("storing accessor: %w", err)
	}
	p.refresh(ctx)
	return prev, nil
}

func (p *Persistent) Get(ctx context.Context, envID int64) (string, bool, error) {
	a, err := p.store.GetAccessor(ctx, envID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading accessor: %w", err)
	}
	return a, true, nil
}

func (p *Persistent) Delete(ctx context.Context, envID int64) (string, bool, error) {
	a, ok, err := p.Get(ctx, envID)
	if err != nil || !ok {
		return "", false, err
	}
	if err := p.store.DeleteAccessor(ctx, envID); err != nil {
		return "", false, fmt.Errorf("deleting accessor: %w", err)
	}
	p.refresh(ctx)
	return a, true, nil
}

func (p *Persistent) refresh(ctx context.Context) {
	if n, err := p.store.CountAccessors(ctx); err == nil {
		registeredAccessors.Set(float64(n))
	}
}
