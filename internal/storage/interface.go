package storage

import (
	"context"
	"fmt"

	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = apperrors.ErrNotFound

// ErrAlreadyExists is returned when a unique code is already taken.
var ErrAlreadyExists = fmt.Errorf("%w: already exists", apperrors.ErrConflict)

// ErrInUse is returned when deleting a row that other rows still reference.
var ErrInUse = fmt.Errorf("%w: still referenced", apperrors.ErrConflict)

// Store is the metadata store: applications, environments, the accessor side
// table and the provisioning journal. It never holds secret values or tokens.
type Store interface {
	// Applications
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id int64) (*models.Application, error)
	ListApplications(ctx context.Context) ([]*models.Application, error)
	UpdateApplication(ctx context.Context, app *models.Application) error
	DeleteApplication(ctx context.Context, id int64) error

	// Environments
	CreateEnvironment(ctx context.Context, env *models.Environment) error
	GetEnvironment(ctx context.Context, id int64) (*models.Environment, error)
	ListEnvironments(ctx context.Context, appID int64) ([]*models.Environment, error)
	CountEnvironmentsByType(ctx context.Context, envType string) (int64, error)
	UpdateEnvironmentCode(ctx context.Context, id int64, code string) error
	DeleteEnvironment(ctx context.Context, id int64) error

	// Token accessors
	PutAccessor(ctx context.Context, envID int64, accessor string) error
	GetAccessor(ctx context.Context, envID int64) (string, error)
	DeleteAccessor(ctx context.Context, envID int64) error
	CountAccessors(ctx context.Context) (int64, error)

	// Provisioning journal
	WriteStep(ctx context.Context, rec *models.StepRecord) error
	QuerySteps(ctx context.Context, filter StepFilter) ([]*models.StepRecord, error)

	// Lifecycle
	Close()
}

// StepFilter specifies query parameters for journal retrieval.
type StepFilter struct {
	EnvironmentID int64
	Operation     string
	Limit         int
	Offset        int
}
