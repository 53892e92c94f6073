// Package secret mirrors environment properties into the secret backend.
// Each property is its own backend object at {path}/{key} holding the
// single-field map {key: value}.
package secret

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/internal/policy"
	"github.com/org/secretprov/pkg/models"
)

// KV is the key/value surface of the secret backend.
type KV interface {
	List(ctx context.Context, path string) ([]string, error)
	Read(ctx context.Context, path string) (map[string]any, bool, error)
	Write(ctx context.Context, path string, data map[string]any) error
	Delete(ctx context.Context, path string) error
}

// Mirror performs property CRUD against the backend.
type Mirror struct {
	kv    KV
	namer *policy.Namer
}

// NewMirror creates a Mirror.
func NewMirror(kv KV, namer *policy.Namer) *Mirror {
	return &Mirror{kv: kv, namer: namer}
}

// ValidKey reports whether key can be used as the last segment of a secret path.
func ValidKey(key string) bool {
	return key != "" && key != "." && key != ".." && !strings.ContainsAny(key, "/?#")
}

func checkTarget(app *models.Application, env *models.Environment) error {
	if app == nil || app.Code == "" {
		return apperrors.InvalidParameters("application code is required")
	}
	if env == nil || env.Code == "" {
		return apperrors.InvalidParameters("environment code is required")
	}
	return nil
}

func checkKey(key string) error {
	if !ValidKey(key) {
		return apperrors.InvalidParameters("invalid key %q", key)
	}
	return nil
}

// Write stores value under key, replacing any previous value.
func (m *Mirror) Write(ctx context.Context, key, value string, app *models.Application, env *models.Environment) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if value == "" {
		return apperrors.InvalidParameters("value for %q is required", key)
	}
	if err := checkTarget(app, env); err != nil {
		return err
	}
	p := m.namer.KeyPath(app.Code, env.Code, key)
	if err := m.kv.Write(ctx, p, map[string]any{key: value}); err != nil {
		return fmt.Errorf("writing property %s: %w", key, err)
	}
	return nil
}

// Update replaces the value of key by deleting and rewriting it. A failure
// between the two calls leaves the key absent.
func (m *Mirror) Update(ctx context.Context, key, value string, app *models.Application, env *models.Environment) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if value == "" {
		return apperrors.InvalidParameters("value for %q is required", key)
	}
	if err := m.Delete(ctx, key, app, env); err != nil {
		return err
	}
	return m.Write(ctx, key, value, app, env)
}

// Delete removes key. Removing an absent key is not an error.
func (m *Mirror) Delete(ctx context.Context, key string, app *models.Application, env *models.Environment) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkTarget(app, env); err != nil {
		return err
	}
	p := m.namer.KeyPath(app.Code, env.Code, key)
	if err := m.kv.Delete(ctx, p); err != nil {
		return fmt.Errorf("deleting property %s: %w", key, err)
	}
	return nil
}

// Read returns the value stored under key.
func (m *Mirror) Read(ctx context.Context, key string, app *models.Application, env *models.Environment) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := checkTarget(app, env); err != nil {
		return "", err
	}
	return m.read(ctx, m.namer.KeyPath(app.Code, env.Code, key), key)
}

func (m *Mirror) read(ctx context.Context, p, key string) (string, error) {
	data, found, err := m.kv.Read(ctx, p)
	if err != nil {
		return "", fmt.Errorf("reading property %s: %w", key, err)
	}
	if !found {
		return "", apperrors.NotFound("property %s", key)
	}
	v, ok := data[key]
	if !ok || v == nil {
		return "", apperrors.NotFound("property %s has no field %q", key, key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// Keys lists the property keys stored under the environment path.
func (m *Mirror) Keys(ctx context.Context, app *models.Application, env *models.Environment) ([]string, error) {
	if err := checkTarget(app, env); err != nil {
		return nil, err
	}
	return m.keysAt(ctx, m.namer.Path(app.Code, env.Code))
}

func (m *Mirror) keysAt(ctx context.Context, p string) ([]string, error) {
	keys, err := m.kv.List(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p, err)
	}
	// nested folders are not properties
	return lo.Reject(keys, func(k string, _ int) bool { return strings.HasSuffix(k, "/") }), nil
}

// ListByEnvironment lists every property with its value, one backend read per
// key. A key whose value cannot be read is returned with its own name as the
// value and Placeholder set. IDs are list positions and are not stable.
func (m *Mirror) ListByEnvironment(ctx context.Context, app *models.Application, env *models.Environment) ([]models.Property, error) {
	keys, err := m.Keys(ctx, app, env)
	if err != nil {
		return nil, err
	}
	return lo.Map(keys, func(key string, i int) models.Property {
		prop := models.Property{ID: i + 1, EnvironmentID: env.ID, Key: key}
		v, err := m.read(ctx, m.namer.KeyPath(app.Code, env.Code, key), key)
		if err != nil {
			log.Warn().Err(err).Int64("environment_id", env.ID).Str("key", key).Msg("property value unreadable, using placeholder")
			prop.Value, prop.Placeholder = key, true
			return prop
		}
		prop.Value = v
		return prop
	}), nil
}

// CopyKeys copies every key stored under the fromCode path of app to the
// environment's current path and returns the copied keys. Keys at the old
// path are left in place.
func (m *Mirror) CopyKeys(ctx context.Context, app *models.Application, fromCode string, env *models.Environment) ([]string, error) {
	if err := checkTarget(app, env); err != nil {
		return nil, err
	}
	if fromCode == "" {
		return nil, apperrors.InvalidParameters("source environment code is required")
	}
	keys, err := m.keysAt(ctx, m.namer.Path(app.Code, fromCode))
	if err != nil {
		return nil, err
	}
	copied := make([]string, 0, len(keys))
	for _, key := range keys {
		data, found, err := m.kv.Read(ctx, m.namer.KeyPath(app.Code, fromCode, key))
		if err != nil {
			return copied, fmt.Errorf("reading property %s: %w", key, err)
		}
		if !found {
			continue
		}
		if err := m.kv.Write(ctx, m.namer.KeyPath(app.Code, env.Code, key), data); err != nil {
			return copied, fmt.Errorf("writing property %s: %w", key, err)
		}
		copied = append(copied, key)
	}
	return copied, nil
}

// DeleteAll removes every key under the environment path and returns the
// removed keys.
func (m *Mirror) DeleteAll(ctx context.Context, app *models.Application, env *models.Environment) ([]string, error) {
	keys, err := m.Keys(ctx, app, env)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := m.kv.Delete(ctx, m.namer.KeyPath(app.Code, env.Code, key)); err != nil {
			return deleted, fmt.Errorf("deleting property %s: %w", key, err)
		}
		deleted = append(deleted, key)
	}
	return deleted, nil
}
