package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/secretprov/pkg/models"
)

// MemoryBackend is a Store kept in process memory. Used for tests and for
// running without a database.
type MemoryBackend struct {
	mu        sync.Mutex
	apps      map[int64]*models.Application
	envs      map[int64]*models.Environment
	accessors map[int64]string
	steps     []*models.StepRecord
	nextApp   int64
	nextEnv   int64
	nextStep  int64
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		apps:      map[int64]*models.Application{},
		envs:      map[int64]*models.Environment{},
		accessors: map[int64]string{},
	}
}

func (m *MemoryBackend) Close() {}

// --- Applications ---

func (m *MemoryBackend) CreateApplication(_ context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.apps {
		if strings.EqualFold(a.Code, app.Code) {
			return ErrAlreadyExists
		}
	}
	m.nextApp++
	now := time.Now().UTC()
	app.ID, app.CreatedAt, app.UpdatedAt = m.nextApp, now, now
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetApplication(_ context.Context, id int64) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryBackend) ListApplications(_ context.Context) ([]*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Application, 0, len(m.apps))
	for _, a := range m.apps {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) UpdateApplication(_ context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.apps[app.ID]
	if !ok {
		return ErrNotFound
	}
	for id, a := range m.apps {
		if id != app.ID && strings.EqualFold(a.Code, app.Code) {
			return ErrAlreadyExists
		}
	}
	app.CreatedAt = cur.CreatedAt
	app.UpdatedAt = time.Now().UTC()
	cp := *app
	m.apps[app.ID] = &cp
	return nil
}

func (m *MemoryBackend) DeleteApplication(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[id]; !ok {
		return ErrNotFound
	}
	for _, e := range m.envs {
		if e.ApplicationID == id {
			return ErrInUse
		}
	}
	delete(m.apps, id)
	return nil
}

// --- Environments ---

func (m *MemoryBackend) CreateEnvironment(_ context.Context, env *models.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[env.ApplicationID]; !ok {
		return ErrNotFound
	}
	for _, e := range m.envs {
		if e.ApplicationID == env.ApplicationID && e.Code == env.Code {
			return ErrAlreadyExists
		}
	}
	m.nextEnv++
	now := time.Now().UTC()
	env.ID, env.CreatedAt, env.UpdatedAt = m.nextEnv, now, now
	cp := *env
	cp.Path, cp.Accessor = "", ""
	m.envs[env.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetEnvironment(_ context.Context, id int64) (*models.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryBackend) ListEnvironments(_ context.Context, appID int64) ([]*models.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Environment
	for _, e := range m.envs {
		if e.ApplicationID == appID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) CountEnvironmentsByType(_ context.Context, envType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.envs {
		if e.Type == envType {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) UpdateEnvironmentCode(_ context.Context, id int64, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.envs[id]
	if !ok {
		return ErrNotFound
	}
	for oid, o := range m.envs {
		if oid != id && o.ApplicationID == e.ApplicationID && o.Code == code {
			return ErrAlreadyExists
		}
	}
	e.Code = code
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryBackend) DeleteEnvironment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envs[id]; !ok {
		return ErrNotFound
	}
	delete(m.envs, id)
	delete(m.accessors, id)
	return nil
}

// --- Token accessors ---

func (m *MemoryBackend) PutAccessor(_ context.Context, envID int64, accessor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessors[envID] = accessor
	return nil
}

func (m *MemoryBackend) GetAccessor(_ context.Context, envID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accessors[envID]
	if !ok {
		return "", ErrNotFound
	}
	return a, nil
}

func (m *MemoryBackend) DeleteAccessor(_ context.Context, envID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accessors, envID)
	return nil
}

func (m *MemoryBackend) CountAccessors(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.accessors)), nil
}

// --- Provisioning journal ---

func (m *MemoryBackend) WriteStep(_ context.Context, rec *models.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStep++
	rec.ID = m.nextStep
	cp := *rec
	m.steps = append(m.steps, &cp)
	return nil
}

func (m *MemoryBackend) QuerySteps(_ context.Context, filter StepFilter) ([]*models.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.StepRecord
	for i := len(m.steps) - 1; i >= 0; i-- {
		r := m.steps[i]
		if filter.EnvironmentID != 0 && r.EnvironmentID != filter.EnvironmentID {
			continue
		}
		if filter.Operation != "" && r.Operation != filter.Operation {
			continue
		}
		cp := *r
		matched = append(matched, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
