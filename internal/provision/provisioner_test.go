package provision_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretprov/internal/audit"
	"github.com/org/secretprov/internal/auth"
	"github.com/org/secretprov/internal/backend"
	"github.com/org/secretprov/internal/backend/backendtest"
	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/internal/policy"
	"github.com/org/secretprov/internal/provision"
	"github.com/org/secretprov/internal/registry"
	"github.com/org/secretprov/internal/secret"
	"github.com/org/secretprov/internal/storage"
	"github.com/org/secretprov/pkg/models"
)

type fixture struct {
	prov   *provision.Provisioner
	store  *storage.MemoryBackend
	reg    *registry.Memory
	fake   *backendtest.Server
	mirror *secret.Mirror
	namer  *policy.Namer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := backendtest.NewServer(t)
	client, err := backend.NewClient(backend.Config{Address: fake.URL(), RootToken: backendtest.RootToken})
	require.NoError(t, err)

	store := storage.NewMemoryBackend()
	reg := registry.NewMemory()
	namer := policy.NewNamer("secret")
	mirror := secret.NewMirror(client, namer)
	prov := provision.New(provision.Config{
		Store:            store,
		Policies:         client,
		Tokens:           auth.NewTokenManager(client, reg),
		Mirror:           mirror,
		Namer:            namer,
		Journal:          audit.NewJournal(store),
		EnvironmentTypes: []string{"dev", "qual", "preprod", "prod"},
	})
	return &fixture{prov: prov, store: store, reg: reg, fake: fake, mirror: mirror, namer: namer}
}

func (f *fixture) app(t *testing.T, code string) *models.Application {
	t.Helper()
	app := &models.Application{Name: code, Code: code}
	require.NoError(t, f.prov.CreateApplication(context.Background(), app))
	return app
}

func (f *fixture) steps(t *testing.T, envID int64) []string {
	t.Helper()
	recs, err := f.store.QuerySteps(context.Background(), storage.StepFilter{EnvironmentID: envID})
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Operation+":"+recs[i].Step+":"+recs[i].Outcome)
	}
	return out
}

func TestScenarioCreateWriteListDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")

	env, token, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod0", env.Code)
	assert.Equal(t, "secret/ACME/prod0", env.Path)
	assert.NotEmpty(t, token)

	doc, ok := f.fake.Policy("acmeprod0")
	require.True(t, ok)
	assert.Equal(t, f.namer.Document("ACME", "prod0"), doc)

	acc, ok, _ := f.reg.Get(ctx, env.ID)
	require.True(t, ok)
	assert.Equal(t, env.Accessor, acc)
	issued, ok := f.fake.Token(acc)
	require.True(t, ok)
	assert.Equal(t, token, issued.ClientToken)
	assert.Contains(t, issued.Policies, "acmeprod0")

	props, err := f.mirror.ListByEnvironment(ctx, acme, env)
	require.NoError(t, err)
	assert.Empty(t, props)

	require.NoError(t, f.mirror.Write(ctx, "DB_PASS", "s3cr3t", acme, env))
	props, err = f.mirror.ListByEnvironment(ctx, acme, env)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, "DB_PASS", props[0].Key)
	assert.Equal(t, "s3cr3t", props[0].Value)

	require.NoError(t, f.prov.Delete(ctx, acme, env))

	_, ok = f.fake.Policy("acmeprod0")
	assert.False(t, ok)
	issued, _ = f.fake.Token(acc)
	assert.True(t, issued.Revoked)
	assert.Equal(t, 0, f.reg.Len())
	assert.Empty(t, f.fake.SecretPaths("secret/ACME/"))

	_, err = f.store.GetEnvironment(ctx, env.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.Equal(t, []string{
		"create:persist:ok", "create:create_policy:ok", "create:create_token:ok", "create:register_accessor:ok",
		"delete:delete_secrets:ok", "delete:delete_policy:ok", "delete:revoke_token:ok", "delete:delete_row:ok",
	}, f.steps(t, env.ID))
}

func TestCreateDerivesSequentialCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")

	for _, want := range []string{"prod0", "prod1", "prod2"} {
		env, _, err := f.prov.Create(ctx, acme, "prod")
		require.NoError(t, err)
		assert.Equal(t, want, env.Code)
	}
	env, _, err := f.prov.Create(ctx, acme, "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev0", env.Code)
}

func TestCreateCountsTypeAcrossApplications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	globex := f.app(t, "GLOBEX")

	_, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	env, _, err := f.prov.Create(ctx, globex, "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod1", env.Code)
	assert.Equal(t, "secret/GLOBEX/prod1", env.Path)
}

func TestCreateBumpsCodeAfterDeletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")

	first, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	_, _, err = f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	require.NoError(t, f.prov.Delete(ctx, acme, first))

	// one prod left, so the count says prod1, which is taken
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod2", env.Code)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	acme := f.app(t, "ACME")

	_, _, err := f.prov.Create(context.Background(), acme, "staging")
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameters)
	assert.Empty(t, f.fake.Calls())
}

func TestCreatePolicyFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	f.fake.FailOn(http.MethodPut, "sys/policy/", http.StatusBadRequest)

	env, token, err := f.prov.Create(ctx, acme, "prod")
	require.Error(t, err)
	assert.Empty(t, token)
	assert.ErrorIs(t, err, apperrors.ErrPartialProvisioning)
	assert.ErrorIs(t, err, apperrors.ErrBackendRejected)

	var pe *apperrors.PartialError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{provision.StepPersist}, pe.Completed)
	assert.Equal(t, provision.StepPolicy, pe.Failed)

	// nothing is rolled back
	_, err = f.store.GetEnvironment(ctx, env.ID)
	assert.NoError(t, err)
	assert.Equal(t, 0, f.reg.Len())
	assert.Empty(t, f.fake.LiveTokens())
}

func TestCreateTokenFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	f.fake.FailOn("", "auth/token/create", http.StatusInternalServerError)

	_, _, err := f.prov.Create(ctx, acme, "prod")
	var pe *apperrors.PartialError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{provision.StepPersist, provision.StepPolicy}, pe.Completed)
	assert.Equal(t, provision.StepToken, pe.Failed)

	_, ok := f.fake.Policy("acmeprod0")
	assert.True(t, ok)
}

func TestCreateBackendDownIsPartialUnavailable(t *testing.T) {
	f := newFixture(t)
	acme := f.app(t, "ACME")
	f.fake.Close()

	_, _, err := f.prov.Create(context.Background(), acme, "prod")
	assert.ErrorIs(t, err, apperrors.ErrPartialProvisioning)
	assert.ErrorIs(t, err, apperrors.ErrBackendUnavailable)
}

func TestRegenerateTokenReplacesAccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, oldToken, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	oldAccessor := env.Accessor

	newToken, err := f.prov.RegenerateToken(ctx, acme, env)
	require.NoError(t, err)
	assert.NotEqual(t, oldToken, newToken)

	acc, ok, _ := f.reg.Get(ctx, env.ID)
	require.True(t, ok)
	assert.NotEqual(t, oldAccessor, acc)
	assert.Equal(t, 1, f.reg.Len())

	old, _ := f.fake.Token(oldAccessor)
	assert.True(t, old.Revoked)
	live := f.fake.LiveTokens()
	require.Len(t, live, 1)
	assert.Equal(t, acc, live[0].Accessor)
	assert.Equal(t, newToken, live[0].ClientToken)
}

func TestRegenerateTokenAfterColdStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	_, _, _ = f.reg.Delete(ctx, env.ID)

	_, err = f.prov.RegenerateToken(ctx, acme, env)
	require.NoError(t, err)
	assert.Equal(t, 1, f.reg.Len())
	assert.Contains(t, f.steps(t, env.ID), "regenerate_token:revoke_token:skipped")
	// the token issued before the restart is still live
	assert.Len(t, f.fake.LiveTokens(), 2)
}

func TestRegenerateTokenConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp := *env
			_, err := f.prov.RegenerateToken(ctx, acme, &cp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	live := f.fake.LiveTokens()
	require.Len(t, live, 1)
	acc, ok, _ := f.reg.Get(ctx, env.ID)
	require.True(t, ok)
	assert.Equal(t, live[0].Accessor, acc)
}

func TestRenameCopiesForwardAndRevokesOldAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	oldAccessor := env.Accessor
	require.NoError(t, f.mirror.Write(ctx, "DB_PASS", "s3cr3t", acme, env))
	require.NoError(t, f.mirror.Write(ctx, "API_KEY", "k", acme, env))

	renamed, token, err := f.prov.Rename(ctx, acme, env, "prod9")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "prod9", renamed.Code)
	assert.Equal(t, "secret/ACME/prod9", renamed.Path)

	// old keys stay behind
	assert.Equal(t, []string{
		"secret/ACME/prod0/API_KEY", "secret/ACME/prod0/DB_PASS",
		"secret/ACME/prod9/API_KEY", "secret/ACME/prod9/DB_PASS",
	}, f.fake.SecretPaths("secret/ACME/"))

	v, err := f.mirror.Read(ctx, "DB_PASS", acme, renamed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)

	_, ok := f.fake.Policy("acmeprod0")
	assert.False(t, ok)
	_, ok = f.fake.Policy("acmeprod9")
	assert.True(t, ok)

	old, _ := f.fake.Token(oldAccessor)
	assert.True(t, old.Revoked)
	acc, _, _ := f.reg.Get(ctx, env.ID)
	assert.Equal(t, renamed.Accessor, acc)

	stored, err := f.store.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, "prod9", stored.Code)
}

func TestRenameCaseOnlyKeepsPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)

	_, _, err = f.prov.Rename(ctx, acme, env, "PROD0")
	require.NoError(t, err)

	_, ok := f.fake.Policy("acmeprod0")
	assert.True(t, ok)
	assert.Contains(t, f.steps(t, env.ID), "rename:delete_policy:skipped")
}

func TestRenameRejectsUsedCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	_, _, err = f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)

	_, _, err = f.prov.Rename(ctx, acme, env, "prod1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	_, _, err = f.prov.Rename(ctx, acme, env, "bad/code")
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameters)
}

func TestCreateSkipsPolicyNameOfOtherApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ac := f.app(t, "AC")
	acpre := f.app(t, "ACPRE")

	first, _, err := f.prov.Create(ctx, ac, "preprod")
	require.NoError(t, err)
	require.Equal(t, "preprod0", first.Code)
	before, ok := f.fake.Policy("acpreprod0")
	require.True(t, ok)

	second, _, err := f.prov.Create(ctx, acpre, "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod1", second.Code)

	after, ok := f.fake.Policy("acpreprod0")
	require.True(t, ok)
	assert.Equal(t, before, after)
	_, ok = f.fake.Policy("acpreprod1")
	assert.True(t, ok)
}

func TestRenameRejectsPolicyNameOfOtherApplication(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	ac := f.app(t, "AC")

	_, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	before, ok := f.fake.Policy("acmeprod0")
	require.True(t, ok)

	env, _, err := f.prov.Create(ctx, ac, "dev")
	require.NoError(t, err)

	_, _, err = f.prov.Rename(ctx, ac, env, "MEprod0")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.NotErrorIs(t, err, apperrors.ErrPartialProvisioning)

	after, ok := f.fake.Policy("acmeprod0")
	require.True(t, ok)
	assert.Equal(t, before, after)
	stored, err := f.store.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev0", stored.Code)
}

func TestApplicationCodesIgnoreCase(t *testing.T) {
	f := newFixture(t)
	f.app(t, "ACME")

	err := f.prov.CreateApplication(context.Background(), &models.Application{Code: "acme"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestRenameUsesStoredCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	stale := *env

	_, _, err = f.prov.Rename(ctx, acme, env, "live")
	require.NoError(t, err)

	_, _, err = f.prov.Rename(ctx, acme, &stale, "live")
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameters)
	_, ok := f.fake.Policy("acmelive")
	assert.True(t, ok)
}

func TestRenameFailureAfterPersistIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	f.fake.FailOn(http.MethodPut, "sys/policy/acmeprod9", http.StatusBadRequest)

	_, _, err = f.prov.Rename(ctx, acme, env, "prod9")
	var pe *apperrors.PartialError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, []string{provision.StepPersist, provision.StepCopySecrets}, pe.Completed)
	assert.Equal(t, provision.StepPolicy, pe.Failed)

	// the old access is still live
	_, ok := f.fake.Policy("acmeprod0")
	assert.True(t, ok)
	assert.Len(t, f.fake.LiveTokens(), 1)
}

func TestDeleteWithoutRegisteredAccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	_, _, _ = f.reg.Delete(ctx, env.ID)

	require.NoError(t, f.prov.Delete(ctx, acme, env))
	assert.Contains(t, f.steps(t, env.ID), "delete:revoke_token:skipped")
	_, err = f.store.GetEnvironment(ctx, env.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	require.NoError(t, f.mirror.Write(ctx, "K", "v", acme, env))

	f.fake.FailOn(http.MethodDelete, "sys/policy/", http.StatusInternalServerError)
	err = f.prov.Delete(ctx, acme, env)
	var pe *apperrors.PartialError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, provision.StepDeletePolicy, pe.Failed)
	_, err = f.store.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)

	f.fake.ClearFailures()
	require.NoError(t, f.prov.Delete(ctx, acme, env))
	assert.Empty(t, f.fake.LiveTokens())
}

func TestDeleteAfterTokenRevokedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)

	client, err := backend.NewClient(backend.Config{Address: f.fake.URL(), RootToken: backendtest.RootToken})
	require.NoError(t, err)
	require.NoError(t, client.RevokeAccessor(ctx, env.Accessor))

	require.NoError(t, f.prov.Delete(ctx, acme, env))
	assert.Equal(t, []string{
		"delete:delete_secrets:ok",
		"delete:delete_policy:ok",
		"delete:revoke_token:skipped",
		"delete:delete_row:ok",
	}, f.steps(t, env.ID)[4:])
	assert.Equal(t, 0, f.reg.Len())
	_, err = f.store.GetEnvironment(ctx, env.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRegenerateAfterTokenRevokedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	old := env.Accessor

	client, err := backend.NewClient(backend.Config{Address: f.fake.URL(), RootToken: backendtest.RootToken})
	require.NoError(t, err)
	require.NoError(t, client.RevokeAccessor(ctx, old))

	token, err := f.prov.RegenerateToken(ctx, acme, env)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, old, env.Accessor)
	assert.Contains(t, f.steps(t, env.ID), "regenerate_token:revoke_token:skipped")
	assert.Len(t, f.fake.LiveTokens(), 1)
}

func TestDeleteWithStaleCopyTearsDownCurrentCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	stale := *env

	renamed, _, err := f.prov.Rename(ctx, acme, env, "live")
	require.NoError(t, err)
	require.NoError(t, f.mirror.Write(ctx, "K", "v", acme, renamed))

	require.NoError(t, f.prov.Delete(ctx, acme, &stale))
	_, ok := f.fake.Policy("acmelive")
	assert.False(t, ok)
	assert.Empty(t, f.fake.SecretPaths("secret/ACME/live/"))
	assert.Empty(t, f.fake.LiveTokens())

	err = f.prov.Delete(ctx, acme, &stale)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = f.prov.RegenerateToken(ctx, acme, &stale)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDeleteBackendDownKeepsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	f.fake.Close()

	err = f.prov.Delete(ctx, acme, env)
	assert.ErrorIs(t, err, apperrors.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, apperrors.ErrPartialProvisioning)
	_, err = f.store.GetEnvironment(ctx, env.ID)
	assert.NoError(t, err)
}

func TestInspect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	env, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)
	require.NoError(t, f.mirror.Write(ctx, "K", "v", acme, env))

	st, err := f.prov.Inspect(ctx, acme, env)
	require.NoError(t, err)
	assert.Equal(t, &models.EnvironmentStatus{
		EnvironmentID:      env.ID,
		Path:               "secret/ACME/prod0",
		Policy:             "acmeprod0",
		PolicyPresent:      true,
		PolicyCurrent:      true,
		AccessorRegistered: true,
		SecretCount:        1,
	}, st)

	f.fake.PutPolicy("acmeprod0", `path "*" { capabilities = ["sudo"] }`)
	_, _, _ = f.reg.Delete(ctx, env.ID)
	st, err = f.prov.Inspect(ctx, acme, env)
	require.NoError(t, err)
	assert.True(t, st.PolicyPresent)
	assert.False(t, st.PolicyCurrent)
	assert.False(t, st.AccessorRegistered)
}

func TestEnvironmentIsDecorated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acme := f.app(t, "ACME")
	created, _, err := f.prov.Create(ctx, acme, "prod")
	require.NoError(t, err)

	app, env, err := f.prov.Environment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", app.Code)
	assert.Equal(t, "secret/ACME/prod0", env.Path)
	assert.Equal(t, created.Accessor, env.Accessor)

	envs, err := f.prov.Environments(ctx, acme)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, created.Accessor, envs[0].Accessor)

	_, _, err = f.prov.Environment(ctx, 999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
