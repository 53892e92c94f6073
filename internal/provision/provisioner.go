// Package provision orchestrates the multi-step sequences that keep an
// environment row, its backend policy, its token and its secret path in step.
// The metadata store and the backend cannot be updated together, so every
// step is journaled and a failure after the first completed step is reported
// as a PartialError. Nothing is rolled back or retried.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/im7mortal/kmutex"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/org/secretprov/internal/audit"
	"github.com/org/secretprov/internal/auth"
	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/internal/policy"
	"github.com/org/secretprov/internal/secret"
	"github.com/org/secretprov/internal/storage"
	"github.com/org/secretprov/pkg/models"
)

// PolicyBackend is the policy surface of the secret backend.
type PolicyBackend interface {
	CreatePolicy(ctx context.Context, name, document string) error
	ReadPolicy(ctx context.Context, name string) (string, bool, error)
	DeletePolicy(ctx context.Context, name string) error
}

// Config wires a Provisioner.
type Config struct {
	Store            storage.Store
	Policies         PolicyBackend
	Tokens           *auth.TokenManager
	Mirror           *secret.Mirror
	Namer            *policy.Namer
	Journal          *audit.Journal
	EnvironmentTypes []string
}

// Provisioner creates, renames, deletes and re-tokens environments.
type Provisioner struct {
	store    storage.Store
	policies PolicyBackend
	tokens   *auth.TokenManager
	mirror   *secret.Mirror
	namer    *policy.Namer
	journal  *audit.Journal
	envTypes []string
	locks    *kmutex.Kmutex
}

// New creates a Provisioner.
func New(cfg Config) *Provisioner {
	namer := cfg.Namer
	if namer == nil {
		namer = policy.NewNamer(policy.DefaultSecretRoot)
	}
	return &Provisioner{
		store:    cfg.Store,
		policies: cfg.Policies,
		tokens:   cfg.Tokens,
		mirror:   cfg.Mirror,
		namer:    namer,
		journal:  cfg.Journal,
		envTypes: cfg.EnvironmentTypes,
		locks:    kmutex.New(),
	}
}

// Locks are taken application first, then environment. The policy name lock
// is held only while a code is checked and persisted.
func (p *Provisioner) lockApp(id int64) func() {
	key := "app/" + strconv.FormatInt(id, 10)
	p.locks.Lock(key)
	return func() { p.locks.Unlock(key) }
}

func (p *Provisioner) lockEnv(id int64) func() {
	key := "env/" + strconv.FormatInt(id, 10)
	p.locks.Lock(key)
	return func() { p.locks.Unlock(key) }
}

func (p *Provisioner) lockNames() func() {
	p.locks.Lock("policy-names")
	return func() { p.locks.Unlock("policy-names") }
}

// reload refreshes env from the store. Callers hold the environment lock, so
// the code read here is the one the backend objects are named after.
func (p *Provisioner) reload(ctx context.Context, app *models.Application, env *models.Environment) error {
	cur, err := p.store.GetEnvironment(ctx, env.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("environment %d", env.ID)
		}
		return fmt.Errorf("loading environment %d: %w", env.ID, err)
	}
	if cur.ApplicationID != app.ID {
		return apperrors.NotFound("environment %d of application %s", env.ID, app.Code)
	}
	env.Code, env.Type, env.UpdatedAt = cur.Code, cur.Type, cur.UpdatedAt
	env.Path = p.namer.Path(app.Code, cur.Code)
	return nil
}

// policyOwners maps every policy name in use to the environment it belongs to.
// Names are derived from codes, so two applications can reach the same name.
func (p *Provisioner) policyOwners(ctx context.Context) (map[string]int64, error) {
	apps, err := p.store.ListApplications(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing applications: %w", err)
	}
	owners := make(map[string]int64)
	for _, a := range apps {
		envs, err := p.store.ListEnvironments(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("listing environments of %s: %w", a.Code, err)
		}
		for _, e := range envs {
			owners[p.namer.Name(a.Code, e.Code)] = e.ID
		}
	}
	return owners, nil
}

func (p *Provisioner) decorate(ctx context.Context, app *models.Application, env *models.Environment) {
	env.Path = p.namer.Path(app.Code, env.Code)
	acc, ok, err := p.tokens.Accessor(ctx, env.ID)
	if err != nil {
		log.Warn().Err(err).Int64("environment_id", env.ID).Msg("accessor lookup failed")
		return
	}
	if ok {
		env.Accessor = acc
	} else {
		env.Accessor = ""
	}
}

func (p *Provisioner) checkType(envType string) error {
	if len(p.envTypes) > 0 && !lo.Contains(p.envTypes, envType) {
		return apperrors.InvalidParameters("unknown environment type %q (expected one of %s)",
			envType, strings.Join(p.envTypes, ", "))
	}
	if !policy.ValidCode(envType) {
		return apperrors.InvalidParameters("invalid environment type %q", envType)
	}
	return nil
}

// nextCode derives type + count(existing environments of that type), bumped
// until no environment of app uses it and its policy name is free.
func (p *Provisioner) nextCode(ctx context.Context, app *models.Application, envType string) (string, error) {
	n, err := p.store.CountEnvironmentsByType(ctx, envType)
	if err != nil {
		return "", fmt.Errorf("counting %s environments: %w", envType, err)
	}
	envs, err := p.store.ListEnvironments(ctx, app.ID)
	if err != nil {
		return "", fmt.Errorf("listing environments: %w", err)
	}
	owners, err := p.policyOwners(ctx)
	if err != nil {
		return "", err
	}
	used := lo.SliceToMap(envs, func(e *models.Environment) (string, bool) { return e.Code, true })
	taken := func(code string) bool {
		_, ok := owners[p.namer.Name(app.Code, code)]
		return used[code] || ok
	}
	code := envType + strconv.FormatInt(n, 10)
	for taken(code) {
		n++
		code = envType + strconv.FormatInt(n, 10)
	}
	return code, nil
}

// Create provisions a new environment of envType under app: it persists the
// row, writes the policy, issues a token and registers its accessor. The
// returned client token is not kept anywhere and cannot be retrieved again.
func (p *Provisioner) Create(ctx context.Context, app *models.Application, envType string) (*models.Environment, string, error) {
	if app == nil || !policy.ValidCode(app.Code) {
		return nil, "", apperrors.InvalidParameters("application with a valid code is required")
	}
	if err := p.checkType(envType); err != nil {
		return nil, "", err
	}

	defer p.lockApp(app.ID)()

	unlockNames := p.lockNames()
	code, err := p.nextCode(ctx, app, envType)
	if err != nil {
		unlockNames()
		return nil, "", err
	}
	env := &models.Environment{ApplicationID: app.ID, Type: envType, Code: code}

	seq := newSequence(p.journal, OpCreate, 0)
	err = p.store.CreateEnvironment(ctx, env)
	unlockNames()
	if err != nil {
		return nil, "", seq.fail(ctx, StepPersist, fmt.Errorf("persisting environment: %w", err))
	}
	seq.envID = env.ID
	seq.ok(ctx, StepPersist, env.Code)

	defer p.lockEnv(env.ID)()

	name := p.namer.Name(app.Code, env.Code)
	if err := p.policies.CreatePolicy(ctx, name, p.namer.Document(app.Code, env.Code)); err != nil {
		return env, "", seq.fail(ctx, StepPolicy, fmt.Errorf("creating policy %s: %w", name, err))
	}
	seq.ok(ctx, StepPolicy, name)

	tok, prev, err := p.tokens.IssueFor(ctx, env.ID, []string{name}, app.Code+env.Code)
	if err != nil {
		if tok == nil {
			return env, "", seq.fail(ctx, StepToken, err)
		}
		seq.ok(ctx, StepToken, tok.Accessor)
		return env, "", seq.fail(ctx, StepRegister, err)
	}
	seq.ok(ctx, StepToken, tok.Accessor)
	if prev != "" {
		log.Warn().Int64("environment_id", env.ID).Str("accessor", prev).Msg("replaced a stale accessor entry")
	}
	seq.ok(ctx, StepRegister, tok.Accessor)

	env.Path = p.namer.Path(app.Code, env.Code)
	env.Accessor = tok.Accessor
	return env, tok.ClientToken, nil
}

// Rename changes the environment code. Keys are copied from the old path to
// the new one and left in place at the old path. A policy and token for the
// new code replace the old ones, which are then removed. A code whose policy
// name already belongs to another environment, in any application, is a
// conflict.
func (p *Provisioner) Rename(ctx context.Context, app *models.Application, env *models.Environment, newCode string) (*models.Environment, string, error) {
	if app == nil || env == nil {
		return nil, "", apperrors.InvalidParameters("application and environment are required")
	}
	if !policy.ValidCode(newCode) {
		return nil, "", apperrors.InvalidParameters("invalid environment code %q", newCode)
	}

	defer p.lockApp(app.ID)()
	defer p.lockEnv(env.ID)()

	if err := p.reload(ctx, app, env); err != nil {
		return nil, "", err
	}
	if newCode == env.Code {
		return nil, "", apperrors.InvalidParameters("environment %d already has code %q", env.ID, newCode)
	}

	envs, err := p.store.ListEnvironments(ctx, app.ID)
	if err != nil {
		return nil, "", fmt.Errorf("listing environments: %w", err)
	}
	if lo.ContainsBy(envs, func(e *models.Environment) bool { return e.ID != env.ID && e.Code == newCode }) {
		return nil, "", apperrors.Conflict("environment code %q already used by application %s", newCode, app.Code)
	}

	oldCode := env.Code
	oldName := p.namer.Name(app.Code, oldCode)
	name := p.namer.Name(app.Code, newCode)
	oldAccessor, hasAccessor, err := p.tokens.Accessor(ctx, env.ID)
	if err != nil {
		return nil, "", fmt.Errorf("looking up accessor: %w", err)
	}

	unlockNames := p.lockNames()
	owners, err := p.policyOwners(ctx)
	if err != nil {
		unlockNames()
		return nil, "", err
	}
	if owner, ok := owners[name]; ok && owner != env.ID {
		unlockNames()
		return nil, "", apperrors.Conflict("policy %s already belongs to environment %d", name, owner)
	}

	seq := newSequence(p.journal, OpRename, env.ID)
	err = p.store.UpdateEnvironmentCode(ctx, env.ID, newCode)
	unlockNames()
	if err != nil {
		return nil, "", seq.fail(ctx, StepPersist, fmt.Errorf("persisting code: %w", err))
	}
	seq.ok(ctx, StepPersist, oldCode+" -> "+newCode)

	renamed := *env
	renamed.Code = newCode
	renamed.Path = p.namer.Path(app.Code, newCode)

	copied, err := p.mirror.CopyKeys(ctx, app, oldCode, &renamed)
	if err != nil {
		return &renamed, "", seq.fail(ctx, StepCopySecrets, err)
	}
	seq.ok(ctx, StepCopySecrets, fmt.Sprintf("%d keys", len(copied)))

	if err := p.policies.CreatePolicy(ctx, name, p.namer.Document(app.Code, newCode)); err != nil {
		return &renamed, "", seq.fail(ctx, StepPolicy, fmt.Errorf("creating policy %s: %w", name, err))
	}
	seq.ok(ctx, StepPolicy, name)

	tok, _, err := p.tokens.IssueFor(ctx, env.ID, []string{name}, app.Code+newCode)
	if err != nil {
		if tok == nil {
			return &renamed, "", seq.fail(ctx, StepToken, err)
		}
		seq.ok(ctx, StepToken, tok.Accessor)
		return &renamed, tok.ClientToken, seq.fail(ctx, StepRegister, err)
	}
	seq.ok(ctx, StepToken, tok.Accessor)
	seq.ok(ctx, StepRegister, tok.Accessor)
	renamed.Accessor = tok.Accessor

	if oldName == name {
		seq.skip(ctx, StepDeletePolicy, "policy name unchanged")
	} else if err := p.policies.DeletePolicy(ctx, oldName); err != nil {
		return &renamed, tok.ClientToken, seq.fail(ctx, StepDeletePolicy, fmt.Errorf("deleting policy %s: %w", oldName, err))
	} else {
		seq.ok(ctx, StepDeletePolicy, oldName)
	}

	if !hasAccessor {
		seq.skip(ctx, StepRevokeToken, "no accessor registered")
	} else if err := p.tokens.Revoke(ctx, oldAccessor); errors.Is(err, apperrors.ErrNotFound) {
		seq.skip(ctx, StepRevokeToken, "token already revoked: "+oldAccessor)
	} else if err != nil {
		return &renamed, tok.ClientToken, seq.fail(ctx, StepRevokeToken, err)
	} else {
		seq.ok(ctx, StepRevokeToken, oldAccessor)
	}

	return &renamed, tok.ClientToken, nil
}

// Delete tears down the environment: its keys, its policy, its token, then
// its row. Backend teardown tolerates already-deleted objects, so a failed
// delete can be retried.
func (p *Provisioner) Delete(ctx context.Context, app *models.Application, env *models.Environment) error {
	if app == nil || env == nil {
		return apperrors.InvalidParameters("application and environment are required")
	}
	defer p.lockEnv(env.ID)()
	if err := p.reload(ctx, app, env); err != nil {
		return err
	}
	return p.delete(ctx, app, env)
}

func (p *Provisioner) delete(ctx context.Context, app *models.Application, env *models.Environment) error {
	seq := newSequence(p.journal, OpDelete, env.ID)

	deleted, err := p.mirror.DeleteAll(ctx, app, env)
	if err != nil {
		return seq.fail(ctx, StepDeleteKeys, err)
	}
	seq.ok(ctx, StepDeleteKeys, fmt.Sprintf("%d keys", len(deleted)))

	name := p.namer.Name(app.Code, env.Code)
	if err := p.policies.DeletePolicy(ctx, name); err != nil {
		return seq.fail(ctx, StepDeletePolicy, fmt.Errorf("deleting policy %s: %w", name, err))
	}
	seq.ok(ctx, StepDeletePolicy, name)

	if err := p.revokeRegistered(ctx, seq, env.ID); err != nil {
		return err
	}

	if err := p.store.DeleteEnvironment(ctx, env.ID); err != nil {
		return seq.fail(ctx, StepDeleteRow, fmt.Errorf("deleting environment row: %w", err))
	}
	seq.ok(ctx, StepDeleteRow, env.Code)
	return nil
}

// revokeRegistered revokes the environment's registered token and journals
// the revoke step. A token the backend no longer knows is skipped.
func (p *Provisioner) revokeRegistered(ctx context.Context, seq *sequence, envID int64) error {
	accessor, revoked, err := p.tokens.RevokeFor(ctx, envID)
	switch {
	case err != nil:
		return seq.fail(ctx, StepRevokeToken, err)
	case accessor == "":
		seq.skip(ctx, StepRevokeToken, "no accessor registered")
	case !revoked:
		seq.skip(ctx, StepRevokeToken, "token already revoked: "+accessor)
	default:
		seq.ok(ctx, StepRevokeToken, accessor)
	}
	return nil
}

// RegenerateToken revokes the environment's current token and issues a new
// one under the existing policy. The policy is not rewritten.
func (p *Provisioner) RegenerateToken(ctx context.Context, app *models.Application, env *models.Environment) (string, error) {
	if app == nil || env == nil {
		return "", apperrors.InvalidParameters("application and environment are required")
	}
	defer p.lockEnv(env.ID)()

	if err := p.reload(ctx, app, env); err != nil {
		return "", err
	}

	seq := newSequence(p.journal, OpRegenerate, env.ID)
	if err := p.revokeRegistered(ctx, seq, env.ID); err != nil {
		return "", err
	}

	name := p.namer.Name(app.Code, env.Code)
	tok, _, err := p.tokens.IssueFor(ctx, env.ID, []string{name}, app.Code+env.Code)
	if err != nil {
		return "", seq.fail(ctx, StepToken, err)
	}
	seq.ok(ctx, StepToken, tok.Accessor)
	env.Accessor = tok.Accessor
	return tok.ClientToken, nil
}

// Inspect compares the environment against the backend without changing
// anything: policy presence and content, registered accessor, key count.
func (p *Provisioner) Inspect(ctx context.Context, app *models.Application, env *models.Environment) (*models.EnvironmentStatus, error) {
	if app == nil || env == nil {
		return nil, apperrors.InvalidParameters("application and environment are required")
	}
	name := p.namer.Name(app.Code, env.Code)
	st := &models.EnvironmentStatus{
		EnvironmentID: env.ID,
		Path:          p.namer.Path(app.Code, env.Code),
		Policy:        name,
	}

	doc, found, err := p.policies.ReadPolicy(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading policy %s: %w", name, err)
	}
	st.PolicyPresent = found
	st.PolicyCurrent = found && strings.TrimSpace(doc) == strings.TrimSpace(p.namer.Document(app.Code, env.Code))

	_, st.AccessorRegistered, err = p.tokens.Accessor(ctx, env.ID)
	if err != nil {
		return nil, fmt.Errorf("looking up accessor: %w", err)
	}

	keys, err := p.mirror.Keys(ctx, app, env)
	if err != nil {
		return nil, err
	}
	st.SecretCount = len(keys)
	return st, nil
}

// Environment loads an environment and its application, with Path and
// Accessor filled in.
func (p *Provisioner) Environment(ctx context.Context, envID int64) (*models.Application, *models.Environment, error) {
	env, err := p.store.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading environment %d: %w", envID, err)
	}
	app, err := p.store.GetApplication(ctx, env.ApplicationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperrors.NotFound("application %d of environment %d", env.ApplicationID, envID)
		}
		return nil, nil, fmt.Errorf("loading application %d: %w", env.ApplicationID, err)
	}
	p.decorate(ctx, app, env)
	return app, env, nil
}

// Environments lists the environments of an application with Path and
// Accessor filled in.
func (p *Provisioner) Environments(ctx context.Context, app *models.Application) ([]*models.Environment, error) {
	envs, err := p.store.ListEnvironments(ctx, app.ID)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	for _, e := range envs {
		p.decorate(ctx, app, e)
	}
	return envs, nil
}
