// Package auth issues and revokes backend tokens and keeps the accessor
// registry in step with them.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/internal/registry"
	"github.com/org/secretprov/pkg/models"
)

// TokenBackend is the token surface of the secret backend.
type TokenBackend interface {
	CreateToken(ctx context.Context, policies []string, displayName string) (*models.IssuedToken, error)
	RevokeAccessor(ctx context.Context, accessor string) error
}

// TokenManager handles token creation and revocation for environments.
type TokenManager struct {
	backend  TokenBackend
	registry registry.Registry
}

// NewTokenManager creates a TokenManager.
func NewTokenManager(b TokenBackend, reg registry.Registry) *TokenManager {
	return &TokenManager{backend: b, registry: reg}
}

// Issue creates a token bound to policies. The client token is returned to
// the caller once and is not kept anywhere.
func (m *TokenManager) Issue(ctx context.Context, policies []string, displayName string) (*models.IssuedToken, error) {
	if len(policies) == 0 {
		return nil, apperrors.InvalidParameters("token needs at least one policy")
	}
	tok, err := m.backend.CreateToken(ctx, policies, displayName)
	if err != nil {
		return nil, fmt.Errorf("creating token: %w", err)
	}
	log.Info().Str("accessor", tok.Accessor).Strs("policies", policies).Msg("token issued")
	return tok, nil
}

// Revoke revokes the token behind accessor.
func (m *TokenManager) Revoke(ctx context.Context, accessor string) error {
	if accessor == "" {
		return apperrors.InvalidParameters("empty accessor")
	}
	if err := m.backend.RevokeAccessor(ctx, accessor); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	log.Info().Str("accessor", accessor).Msg("token revoked")
	return nil
}

// IssueFor issues a token for an environment and registers its accessor,
// replacing any previous entry. The replaced accessor is returned unrevoked.
func (m *TokenManager) IssueFor(ctx context.Context, envID int64, policies []string, displayName string) (*models.IssuedToken, string, error) {
	tok, err := m.Issue(ctx, policies, displayName)
	if err != nil {
		return nil, "", err
	}
	prev, err := m.registry.Put(ctx, envID, tok.Accessor)
	if err != nil {
		return tok, "", fmt.Errorf("registering accessor: %w", err)
	}
	return tok, prev, nil
}

// RevokeFor revokes the token registered for an environment and drops the
// registry entry. ok is false when there was nothing to revoke: accessor is
// empty when no entry was registered, and set when the backend no longer knew
// the token, in which case the stale entry is dropped. The entry is kept if
// the backend refuses the revocation for any other reason.
func (m *TokenManager) RevokeFor(ctx context.Context, envID int64) (accessor string, ok bool, err error) {
	accessor, ok, err = m.registry.Get(ctx, envID)
	if err != nil {
		return "", false, fmt.Errorf("looking up accessor: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	revoked := true
	if err := m.Revoke(ctx, accessor); err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return accessor, false, err
		}
		log.Warn().Int64("environment_id", envID).Str("accessor", accessor).Msg("token already gone from backend")
		revoked = false
	}
	if _, _, err := m.registry.Delete(ctx, envID); err != nil {
		return accessor, revoked, fmt.Errorf("unregistering accessor: %w", err)
	}
	return accessor, revoked, nil
}

// Accessor returns the accessor registered for an environment.
func (m *TokenManager) Accessor(ctx context.Context, envID int64) (string, bool, error) {
	return m.registry.Get(ctx, envID)
}
