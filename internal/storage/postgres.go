package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/secretprov/pkg/models"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresBackend is a Store backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, pgErr.ConstraintName)
		case foreignKeyViolation:
			return fmt.Errorf("%w: %s", ErrInUse, pgErr.ConstraintName)
		}
	}
	return err
}

// --- Applications ---

func (p *PostgresBackend) CreateApplication(ctx context.Context, app *models.Application) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO applications (name, code) VALUES ($1, $2)
		 RETURNING id, created_at, updated_at`,
		app.Name, app.Code,
	).Scan(&app.ID, &app.CreatedAt, &app.UpdatedAt)
	return mapErr(err)
}

func (p *PostgresBackend) GetApplication(ctx context.Context, id int64) (*models.Application, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, name, code, created_at, updated_at FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

func scanApplication(row pgx.Row) (*models.Application, error) {
	var a models.Application
	if err := row.Scan(&a.ID, &a.Name, &a.Code, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (p *PostgresBackend) ListApplications(ctx context.Context) ([]*models.Application, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, code, created_at, updated_at FROM applications ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*models.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (p *PostgresBackend) UpdateApplication(ctx context.Context, app *models.Application) error {
	err := p.pool.QueryRow(ctx,
		`UPDATE applications SET name = $2, code = $3, updated_at = NOW()
		 WHERE id = $1 RETURNING updated_at`,
		app.ID, app.Name, app.Code,
	).Scan(&app.UpdatedAt)
	return mapErr(err)
}

func (p *PostgresBackend) DeleteApplication(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM applications WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Environments ---

func (p *PostgresBackend) CreateEnvironment(ctx context.Context, env *models.Environment) error {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO environments (application_id, type, code) VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		env.ApplicationID, env.Type, env.Code,
	).Scan(&env.ID, &env.CreatedAt, &env.UpdatedAt)
	return mapErr(err)
}

func (p *PostgresBackend) GetEnvironment(ctx context.Context, id int64) (*models.Environment, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, application_id, type, code, created_at, updated_at FROM environments WHERE id = $1`, id)
	return scanEnvironment(row)
}

func scanEnvironment(row pgx.Row) (*models.Environment, error) {
	var e models.Environment
	if err := row.Scan(&e.ID, &e.ApplicationID, &e.Type, &e.Code, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (p *PostgresBackend) ListEnvironments(ctx context.Context, appID int64) ([]*models.Environment, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, application_id, type, code, created_at, updated_at
		 FROM environments WHERE application_id = $1 ORDER BY id`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envs []*models.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

func (p *PostgresBackend) CountEnvironmentsByType(ctx context.Context, envType string) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM environments WHERE type = $1`, envType).Scan(&count)
	return count, err
}

func (p *PostgresBackend) UpdateEnvironmentCode(ctx context.Context, id int64, code string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE environments SET code = $2, updated_at = NOW() WHERE id = $1`, id, code)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteEnvironment(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Token accessors ---

func (p *PostgresBackend) PutAccessor(ctx context.Context, envID int64, accessor string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO environment_accessors (environment_id, accessor, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (environment_id) DO UPDATE SET accessor = EXCLUDED.accessor, updated_at = NOW()`,
		envID, accessor,
	)
	return err
}

func (p *PostgresBackend) GetAccessor(ctx context.Context, envID int64) (string, error) {
	var accessor string
	err := p.pool.QueryRow(ctx,
		`SELECT accessor FROM environment_accessors WHERE environment_id = $1`, envID,
	).Scan(&accessor)
	if err != nil {
		return "", mapErr(err)
	}
	return accessor, nil
}

func (p *PostgresBackend) DeleteAccessor(ctx context.Context, envID int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM environment_accessors WHERE environment_id = $1`, envID)
	return err
}

func (p *PostgresBackend) CountAccessors(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM environment_accessors`).Scan(&count)
	return count, err
}

// --- Provisioning journal ---

func (p *PostgresBackend) WriteStep(ctx context.Context, rec *models.StepRecord) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO provisioning_steps (timestamp, operation, environment_id, step, outcome, detail, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		rec.Timestamp, rec.Operation, rec.EnvironmentID, rec.Step, rec.Outcome, rec.Detail, rec.Error,
	).Scan(&rec.ID)
}

func (p *PostgresBackend) QuerySteps(ctx context.Context, filter StepFilter) ([]*models.StepRecord, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, timestamp, operation, environment_id, step, outcome, detail, error FROM provisioning_steps WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.EnvironmentID != 0 {
		fmt.Fprintf(&query, ` AND environment_id = $%d`, n)
		args = append(args, filter.EnvironmentID)
		n++
	}
	if filter.Operation != "" {
		fmt.Fprintf(&query, ` AND operation = $%d`, n)
		args = append(args, filter.Operation)
		n++
	}
	query.WriteString(` ORDER BY id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.StepRecord
	for rows.Next() {
		var r models.StepRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Operation, &r.EnvironmentID,
			&r.Step, &r.Outcome, &r.Detail, &r.Error); err != nil {
			return nil, err
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}
