package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// CreateProject inserts a project.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *engine.Project) error {
	query := `
		INSERT INTO projects (id, owner_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.OwnerID,
		p.Name,
		p.Status,
		toUnix(p.CreatedAt),
		toUnix(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", translate(err))
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*engine.Project, error) {
	query := `SELECT id, owner_id, name, status, created_at, updated_at FROM projects WHERE id = ?`

	p := &engine.Project{}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt = fromUnix(createdAt)
	p.UpdatedAt = fromUnix(updatedAt)
	return p, nil
}

// ListProjects lists the projects of an owner.
func (s *SQLiteStore) ListProjects(ctx context.Context, ownerID string) ([]*engine.Project, error) {
	query := `
		SELECT id, owner_id, name, status, created_at, updated_at
		FROM projects
		WHERE owner_id = ?
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []*engine.Project{}
	for rows.Next() {
		p := &engine.Project{}
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt = fromUnix(createdAt)
		p.UpdatedAt = fromUnix(updatedAt)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

// CreateEnvironment inserts an environment and its variables.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *engine.Environment) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO environments (id, project_id, name, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err = tx.ExecContext(ctx, query,
		env.ID,
		env.ProjectID,
		env.Name,
		env.Type,
		toUnix(env.CreatedAt),
		toUnix(env.UpdatedAt),
	); err != nil {
		return fmt.Errorf("failed to create environment: %w", translate(err))
	}

	for i, v := range env.Variables {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO environment_variables (environment_id, key, value, secret, position) VALUES (?, ?, ?, ?, ?)`,
			env.ID, v.Key, v.Value, v.Secret, i,
		); err != nil {
			return fmt.Errorf("failed to insert variable %s: %w", v.Key, translate(err))
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit environment: %w", err)
	}
	return nil
}

// GetEnvironment retrieves an environment with its ordered variables.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*engine.Environment, error) {
	query := `SELECT id, project_id, name, type, created_at, updated_at FROM environments WHERE id = ?`

	env := &engine.Environment{}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&env.ID, &env.ProjectID, &env.Name, &env.Type, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("environment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	env.CreatedAt = fromUnix(createdAt)
	env.UpdatedAt = fromUnix(updatedAt)

	if env.Variables, err = s.environmentVariables(ctx, id); err != nil {
		return nil, err
	}
	return env, nil
}

func (s *SQLiteStore) environmentVariables(ctx context.Context, environmentID string) ([]engine.EnvVar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, secret FROM environment_variables WHERE environment_id = ? ORDER BY position, key`,
		environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	vars := []engine.EnvVar{}
	for rows.Next() {
		var v engine.EnvVar
		if err := rows.Scan(&v.Key, &v.Value, &v.Secret); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		vars = append(vars, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variables: %w", err)
	}
	return vars, nil
}

// ListEnvironments lists the environments of a project without their variables.
func (s *SQLiteStore) ListEnvironments(ctx context.Context, projectID string) ([]*engine.Environment, error) {
	query := `
		SELECT id, project_id, name, type, created_at, updated_at
		FROM environments
		WHERE project_id = ?
		ORDER BY name
	`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	envs := []*engine.Environment{}
	for rows.Next() {
		env := &engine.Environment{Variables: []engine.EnvVar{}}
		var createdAt, updatedAt int64
		if err := rows.Scan(&env.ID, &env.ProjectID, &env.Name, &env.Type, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		env.CreatedAt = fromUnix(createdAt)
		env.UpdatedAt = fromUnix(updatedAt)
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}
	return envs, nil
}

// SetEnvironmentVariable inserts a variable at the end of the list, or
// replaces the value of an existing key in place.
func (s *SQLiteStore) SetEnvironmentVariable(ctx context.Context, environmentID string, v engine.EnvVar) error {
	query := `
		INSERT INTO environment_variables (environment_id, key, value, secret, position)
		VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM environment_variables WHERE environment_id = ?))
		ON CONFLICT (environment_id, key) DO UPDATE SET value = excluded.value, secret = excluded.secret
	`
	if _, err := s.db.ExecContext(ctx, query, environmentID, v.Key, v.Value, v.Secret, environmentID); err != nil {
		return fmt.Errorf("failed to set variable %s: %w", v.Key, err)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE environments SET updated_at = ? WHERE id = ?`, toUnix(nowUTC()), environmentID)
	if err != nil {
		return fmt.Errorf("failed to touch environment: %w", err)
	}
	return nil
}
