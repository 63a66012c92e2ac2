package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/dockyard/pkg/engine"
)

const resourceColumns = `id, project_id, environment_id, server_id, name, kind, config, variables,
	status, error, container_id, version, status_changed_at, created_at, updated_at`

func nowUTC() time.Time {
	return time.Now().UTC()
}

func scanResource(row rowScanner) (*engine.Resource, error) {
	res := &engine.Resource{}
	var config, variables, status string
	var changedAt, createdAt, updatedAt int64
	err := row.Scan(
		&res.ID,
		&res.ProjectID,
		&res.EnvironmentID,
		&res.ServerID,
		&res.Name,
		&res.Kind,
		&config,
		&variables,
		&status,
		&res.Error,
		&res.ContainerID,
		&res.Version,
		&changedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	res.Status = engine.ResourceStatus(status)
	if err := res.Status.Validate(); err != nil {
		return nil, err
	}
	if res.Config, err = engine.UnmarshalKindConfig(res.Kind, []byte(config)); err != nil {
		return nil, err
	}
	var stored []storedVar
	if err := json.Unmarshal([]byte(variables), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode variables: %w", err)
	}
	res.Variables = fromStoredVars(stored)
	res.StatusChangedAt = fromUnix(changedAt)
	res.CreatedAt = fromUnix(createdAt)
	res.UpdatedAt = fromUnix(updatedAt)
	return res, nil
}

// CreateResource inserts a resource.
func (s *SQLiteStore) CreateResource(ctx context.Context, res *engine.Resource) error {
	if err := res.Status.Validate(); err != nil {
		return err
	}
	config, err := engine.MarshalKindConfig(res.Config)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(toStoredVars(res.Variables))
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	query := `INSERT INTO resources (` + resourceColumns + `) VALUES (` + placeholders(15) + `)`
	_, err = s.db.ExecContext(ctx, query,
		res.ID,
		res.ProjectID,
		res.EnvironmentID,
		res.ServerID,
		res.Name,
		string(res.Kind),
		string(config),
		string(variables),
		string(res.Status),
		res.Error,
		res.ContainerID,
		res.Version,
		toUnix(res.StatusChangedAt),
		toUnix(res.CreatedAt),
		toUnix(res.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", translate(err))
	}
	return nil
}

// GetResource retrieves a resource by ID
func (s *SQLiteStore) GetResource(ctx context.Context, id string) (*engine.Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	res, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("resource", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// ListResources lists the resources of a project by name.
func (s *SQLiteStore) ListResources(ctx context.Context, projectID string) ([]*engine.Resource, error) {
	return s.queryResources(ctx, `SELECT `+resourceColumns+` FROM resources WHERE project_id = ? ORDER BY name`, projectID)
}

// ListStaleResources lists resources in status that last changed before the given time.
func (s *SQLiteStore) ListStaleResources(ctx context.Context, status engine.ResourceStatus, before time.Time) ([]*engine.Resource, error) {
	return s.queryResources(ctx,
		`SELECT `+resourceColumns+` FROM resources WHERE status = ? AND status_changed_at < ? ORDER BY status_changed_at`,
		string(status), toUnix(before))
}

func (s *SQLiteStore) queryResources(ctx context.Context, query string, args ...any) ([]*engine.Resource, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.Resource{}
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// TransitionResource writes the lifecycle fields of a resource if its
// status is still one of from.
func (s *SQLiteStore) TransitionResource(ctx context.Context, id string, from []engine.ResourceStatus, t engine.Transition) (*engine.Resource, error) {
	if err := t.Status.Validate(); err != nil {
		return nil, err
	}
	if len(from) == 0 {
		return nil, fmt.Errorf("transition of %s needs at least one source status", id)
	}

	now := toUnix(nowUTC())
	query := `
		UPDATE resources
		SET status = ?, error = ?, container_id = ?, version = version + 1,
		    status_changed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(from)) + `)
	`
	args := append([]any{string(t.Status), t.Error, t.ContainerID, now, now, id}, statusArgs(from)...)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to transition resource: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetResource(ctx, id); err != nil {
			return nil, err
		}
		return nil, engine.ErrStaleTransition
	}
	return s.GetResource(ctx, id)
}

// DeleteResource deletes a resource whose status is one of from.
func (s *SQLiteStore) DeleteResource(ctx context.Context, id string, from []engine.ResourceStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("delete of %s needs at least one source status", id)
	}
	query := `DELETE FROM resources WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	result, err := s.db.ExecContext(ctx, query, append([]any{id}, statusArgs(from)...)...)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetResource(ctx, id); err != nil {
			return err
		}
		return engine.ErrStaleTransition
	}
	return nil
}

// CountResourcesByServer counts resources targeting a server.
func (s *SQLiteStore) CountResourcesByServer(ctx context.Context, serverID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE server_id = ?`, serverID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}
	return n, nil
}

// CountResourcesByStatus returns the number of resources in each status.
// Statuses without resources are reported as zero.
func (s *SQLiteStore) CountResourcesByStatus(ctx context.Context) (map[engine.ResourceStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM resources GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := make(map[engine.ResourceStatus]int, len(engine.AllResourceStatuses))
	for _, st := range engine.AllResourceStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[engine.ResourceStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}
