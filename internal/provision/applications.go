package provision

import (
	"context"
	"fmt"

	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/internal/policy"
	"github.com/org/secretprov/pkg/models"
)

// CreateApplication validates and stores a new application.
func (p *Provisioner) CreateApplication(ctx context.Context, app *models.Application) error {
	if !policy.ValidCode(app.Code) {
		return apperrors.InvalidParameters("invalid application code %q", app.Code)
	}
	if app.Name == "" {
		app.Name = app.Code
	}
	if err := p.store.CreateApplication(ctx, app); err != nil {
		return fmt.Errorf("creating application %s: %w", app.Code, err)
	}
	return nil
}

// Application loads one application.
func (p *Provisioner) Application(ctx context.Context, id int64) (*models.Application, error) {
	app, err := p.store.GetApplication(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading application %d: %w", id, err)
	}
	return app, nil
}

// Applications lists every application.
func (p *Provisioner) Applications(ctx context.Context) ([]*models.Application, error) {
	return p.store.ListApplications(ctx)
}

// UpdateApplication stores a new name or code. The code is the first segment
// of every secret path below the application, so it cannot change while the
// application has environments.
func (p *Provisioner) UpdateApplication(ctx context.Context, app *models.Application) error {
	if !policy.ValidCode(app.Code) {
		return apperrors.InvalidParameters("invalid application code %q", app.Code)
	}
	defer p.lockApp(app.ID)()

	cur, err := p.store.GetApplication(ctx, app.ID)
	if err != nil {
		return fmt.Errorf("loading application %d: %w", app.ID, err)
	}
	if app.Name == "" {
		app.Name = cur.Name
	}
	if cur.Code != app.Code {
		envs, err := p.store.ListEnvironments(ctx, app.ID)
		if err != nil {
			return fmt.Errorf("listing environments: %w", err)
		}
		if len(envs) > 0 {
			return apperrors.Conflict("application %s has %d environments, its code cannot change", cur.Code, len(envs))
		}
	}
	if err := p.store.UpdateApplication(ctx, app); err != nil {
		return fmt.Errorf("updating application %d: %w", app.ID, err)
	}
	return nil
}

// DeleteApplication deletes every environment of the application through
// Delete, then the application row. The first environment that fails stops
// the cascade.
func (p *Provisioner) DeleteApplication(ctx context.Context, id int64) error {
	defer p.lockApp(id)()

	app, err := p.store.GetApplication(ctx, id)
	if err != nil {
		return fmt.Errorf("loading application %d: %w", id, err)
	}
	envs, err := p.store.ListEnvironments(ctx, id)
	if err != nil {
		return fmt.Errorf("listing environments: %w", err)
	}
	for _, env := range envs {
		unlock := p.lockEnv(env.ID)
		err := p.delete(ctx, app, env)
		unlock()
		if err != nil {
			return fmt.Errorf("deleting environment %s of %s: %w", env.Code, app.Code, err)
		}
	}
	if err := p.store.DeleteApplication(ctx, id); err != nil {
		return fmt.Errorf("deleting application %d: %w", id, err)
	}
	return nil
}
