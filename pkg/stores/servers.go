package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/dockyard/pkg/engine"
)

const serverColumns = `id, name, type, host, port, username, auth_method, private_key_path, private_key, password,
	is_build_server, is_swarm_manager, is_swarm_worker, status, supported_kinds, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*engine.Server, error) {
	srv := &engine.Server{}
	var kinds string
	var createdAt, updatedAt int64
	err := row.Scan(
		&srv.ID,
		&srv.Name,
		&srv.Type,
		&srv.Host,
		&srv.Port,
		&srv.Username,
		&srv.AuthMethod,
		&srv.PrivateKeyPath,
		&srv.PrivateKey,
		&srv.Password,
		&srv.IsBuildServer,
		&srv.IsSwarmManager,
		&srv.IsSwarmWorker,
		&srv.Status,
		&kinds,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(kinds), &srv.SupportedKinds); err != nil {
		return nil, fmt.Errorf("failed to decode supported kinds: %w", err)
	}
	srv.CreatedAt = fromUnix(createdAt)
	srv.UpdatedAt = fromUnix(updatedAt)
	return srv, nil
}

func serverArgs(srv *engine.Server) ([]any, error) {
	kinds := srv.SupportedKinds
	if kinds == nil {
		kinds = []engine.ResourceKind{}
	}
	data, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode supported kinds: %w", err)
	}
	return []any{
		srv.ID,
		srv.Name,
		string(srv.Type),
		srv.Host,
		srv.Port,
		srv.Username,
		string(srv.AuthMethod),
		srv.PrivateKeyPath,
		srv.PrivateKey,
		srv.Password,
		srv.IsBuildServer,
		srv.IsSwarmManager,
		srv.IsSwarmWorker,
		string(srv.Status),
		string(data),
		toUnix(srv.CreatedAt),
		toUnix(srv.UpdatedAt),
	}, nil
}

// CreateServer inserts a server.
func (s *SQLiteStore) CreateServer(ctx context.Context, srv *engine.Server) error {
	args, err := serverArgs(srv)
	if err != nil {
		return err
	}
	query := `INSERT INTO servers (` + serverColumns + `) VALUES (` + placeholders(len(args)) + `)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create server: %w", translate(err))
	}
	return nil
}

// GetServer retrieves a server by ID
func (s *SQLiteStore) GetServer(ctx context.Context, id string) (*engine.Server, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id)
	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("server", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return srv, nil
}

// ListServers lists servers, local first.
func (s *SQLiteStore) ListServers(ctx context.Context) ([]*engine.Server, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY type = 'remote', name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	servers := []*engine.Server{}
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}
	return servers, nil
}

// UpdateServer replaces every mutable column of a server. The type is never changed.
func (s *SQLiteStore) UpdateServer(ctx context.Context, srv *engine.Server) error {
	kinds := srv.SupportedKinds
	if kinds == nil {
		kinds = []engine.ResourceKind{}
	}
	data, err := json.Marshal(kinds)
	if err != nil {
		return fmt.Errorf("failed to encode supported kinds: %w", err)
	}

	query := `
		UPDATE servers
		SET name = ?, host = ?, port = ?, username = ?, auth_method = ?, private_key_path = ?,
		    private_key = ?, password = ?, is_build_server = ?, is_swarm_manager = ?,
		    is_swarm_worker = ?, status = ?, supported_kinds = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		srv.Name,
		srv.Host,
		srv.Port,
		srv.Username,
		string(srv.AuthMethod),
		srv.PrivateKeyPath,
		srv.PrivateKey,
		srv.Password,
		srv.IsBuildServer,
		srv.IsSwarmManager,
		srv.IsSwarmWorker,
		string(srv.Status),
		string(data),
		toUnix(srv.UpdatedAt),
		srv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", translate(err))
	}
	return expectRow(result, "server", srv.ID)
}

// UpdateServerStatus records the last known reachability.
func (s *SQLiteStore) UpdateServerStatus(ctx context.Context, id string, status engine.ServerStatus) error {
	if err := status.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), toUnix(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update server status: %w", err)
	}
	return expectRow(result, "server", id)
}

// DeleteServer deletes a server.
func (s *SQLiteStore) DeleteServer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	return expectRow(result, "server", id)
}

// UpsertLocalServer inserts srv unless a local server exists. The partial
// unique index on type makes concurrent bootstraps converge on one row.
func (s *SQLiteStore) UpsertLocalServer(ctx context.Context, srv *engine.Server) (*engine.Server, error) {
	if srv.Type != engine.ServerLocal {
		return nil, fmt.Errorf("server %s is not local", srv.Name)
	}
	args, err := serverArgs(srv)
	if err != nil {
		return nil, err
	}
	query := `INSERT INTO servers (` + serverColumns + `) VALUES (` + placeholders(len(args)) + `)
		ON CONFLICT (type) WHERE type = 'local' DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to upsert local server: %w", translate(err))
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE type = 'local'`)
	local, err := scanServer(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load local server: %w", err)
	}
	return local, nil
}

func expectRow(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(entity, id)
	}
	return nil
}
