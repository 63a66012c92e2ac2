package stores

import (
	"context"
	"fmt"

	"github.com/openfroyo/dockyard/pkg/engine"
)

// AppendAudit appends an audit entry and sets its ID.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		toUnix(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAudit lists the most recent entries for a target, newest first. A
// limit of zero or less returns 100 entries.
func (s *SQLiteStore) ListAudit(ctx context.Context, targetID string, limit int) ([]*engine.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE target_id = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		var ts int64
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.Actor, &entry.TargetID, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Timestamp = fromUnix(ts)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
