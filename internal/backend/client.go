// Package backend is the client side of the remote secret service: KV
// read/write/delete/list, access policy management and token
// create/revoke-by-accessor.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"

	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/pkg/models"
)

// Config holds the backend address, credentials and endpoint paths.
type Config struct {
	Address         string
	RootToken       string
	PolicyPath      string // e.g. sys/policy
	TokenCreatePath string // e.g. auth/token/create
	TokenRevokePath string // e.g. auth/token/revoke-accessor
	Timeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.PolicyPath == "" {
		c.PolicyPath = "sys/policy"
	}
	if c.TokenCreatePath == "" {
		c.TokenCreatePath = "auth/token/create"
	}
	if c.TokenRevokePath == "" {
		c.TokenRevokePath = "auth/token/revoke-accessor"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	c.PolicyPath = strings.Trim(c.PolicyPath, "/")
	c.TokenCreatePath = strings.Trim(c.TokenCreatePath, "/")
	c.TokenRevokePath = strings.Trim(c.TokenRevokePath, "/")
	return c
}

// Client talks to the secret backend with the root token. Every method makes
// exactly one HTTP round trip; nothing is retried.
type Client struct {
	vault *api.Client
	cfg   Config
}

// NewClient creates a Client for cfg.
func NewClient(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Address == "" {
		return nil, fmt.Errorf("backend address is required")
	}

	vcfg := api.DefaultConfig()
	if vcfg.Error != nil {
		return nil, fmt.Errorf("building backend client config: %w", vcfg.Error)
	}
	vcfg.Address = cfg.Address
	vcfg.MaxRetries = 0
	vcfg.Timeout = cfg.Timeout

	vc, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("creating backend client: %w", err)
	}
	vc.SetMaxRetries(0)
	vc.SetClientTimeout(cfg.Timeout)
	vc.SetToken(cfg.RootToken)

	return &Client{vault: vc, cfg: cfg}, nil
}

// Address returns the backend base address.
func (c *Client) Address() string { return c.vault.Address() }

// --- Key/value ---

// List returns the key names directly under p. A missing path lists as empty.
func (c *Client) List(ctx context.Context, p string) (keys []string, err error) {
	defer observe("list", time.Now(), &err)
	s, err := c.vault.Logical().ListWithContext(ctx, p)
	if err != nil {
		return nil, wrapErr("list", p, err)
	}
	if s == nil || s.Data == nil {
		return []string{}, nil
	}
	raw, _ := s.Data["keys"].([]any)
	keys = make([]string, 0, len(raw))
	for _, k := range raw {
		if ks, ok := k.(string); ok {
			keys = append(keys, ks)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Read returns the data stored at p. found is false when nothing is stored there.
func (c *Client) Read(ctx context.Context, p string) (data map[string]any, found bool, err error) {
	defer observe("read", time.Now(), &err)
	s, err := c.vault.Logical().ReadWithContext(ctx, p)
	if err != nil {
		return nil, false, wrapErr("read", p, err)
	}
	if s == nil || s.Data == nil {
		return nil, false, nil
	}
	return s.Data, true, nil
}

// Write replaces the data stored at p.
func (c *Client) Write(ctx context.Context, p string, data map[string]any) (err error) {
	defer observe("write", time.Now(), &err)
	if _, err = c.vault.Logical().WriteWithContext(ctx, p, data); err != nil {
		return wrapErr("write", p, err)
	}
	return nil
}

// Delete removes the object at p. Deleting a missing object is not an error.
func (c *Client) Delete(ctx context.Context, p string) (err error) {
	defer observe("delete", time.Now(), &err)
	if _, err = c.vault.Logical().DeleteWithContext(ctx, p); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr("delete", p, err)
	}
	return nil
}

// --- Policies ---

// CreatePolicy creates or replaces the named policy.
func (c *Client) CreatePolicy(ctx context.Context, name, document string) (err error) {
	defer observe("create_policy", time.Now(), &err)
	p := path.Join(c.cfg.PolicyPath, name)
	if _, err = c.vault.Logical().WriteWithContext(ctx, p, map[string]any{"policy": document}); err != nil {
		return wrapErr("create_policy", p, err)
	}
	log.Debug().Str("policy", name).Msg("backend policy written")
	return nil
}

// ReadPolicy returns the rule text of the named policy.
func (c *Client) ReadPolicy(ctx context.Context, name string) (document string, found bool, err error) {
	defer observe("read_policy", time.Now(), &err)
	p := path.Join(c.cfg.PolicyPath, name)
	s, err := c.vault.Logical().ReadWithContext(ctx, p)
	if err != nil {
		return "", false, wrapErr("read_policy", p, err)
	}
	if s == nil || s.Data == nil {
		return "", false, nil
	}
	for _, field := range []string{"rules", "policy"} {
		if doc, ok := s.Data[field].(string); ok {
			return doc, true, nil
		}
	}
	return "", true, nil
}

// DeletePolicy removes the named policy. A missing policy is not an error.
func (c *Client) DeletePolicy(ctx context.Context, name string) (err error) {
	defer observe("delete_policy", time.Now(), &err)
	p := path.Join(c.cfg.PolicyPath, name)
	if _, err = c.vault.Logical().DeleteWithContext(ctx, p); err != nil {
		if isNotFound(err) {
			return nil
		}
		return wrapErr("delete_policy", p, err)
	}
	log.Debug().Str("policy", name).Msg("backend policy deleted")
	return nil
}

// --- Tokens ---

// CreateToken issues a token bound to policies and returns its value and accessor.
func (c *Client) CreateToken(ctx context.Context, policies []string, displayName string) (tok *models.IssuedToken, err error) {
	defer observe("create_token", time.Now(), &err)
	p := c.cfg.TokenCreatePath
	s, err := c.vault.Logical().WriteWithContext(ctx, p, map[string]any{
		"policies":     policies,
		"display_name": displayName,
	})
	if err != nil {
		return nil, wrapErr("create_token", p, err)
	}
	if s == nil || s.Auth == nil || s.Auth.ClientToken == "" || s.Auth.Accessor == "" {
		return nil, &apperrors.BackendError{Op: "create_token", Path: p, Status: http.StatusOK, Err: errors.New("response carries no auth block")}
	}
	return &models.IssuedToken{
		ClientToken: s.Auth.ClientToken,
		Accessor:    s.Auth.Accessor,
		Policies:    policies,
	}, nil
}

// RevokeAccessor revokes the token identified by accessor. An accessor the
// backend does not know yields an error matching ErrNotFound.
func (c *Client) RevokeAccessor(ctx context.Context, accessor string) (err error) {
	defer observe("revoke_accessor", time.Now(), &err)
	p := c.cfg.TokenRevokePath
	if _, err = c.vault.Logical().WriteWithContext(ctx, p, map[string]any{"accessor": accessor}); err != nil {
		if isUnknownAccessor(err) {
			return apperrors.NotFound("token accessor %s", accessor)
		}
		return wrapErr("revoke_accessor", p, err)
	}
	return nil
}
