package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SQLiteStore persists the journal in the audit_log and undo_log tables.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database. Schema is managed by migrations.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	var detailsJSON []byte
	if e.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}
	query := sq.Insert("audit_log").
		Columns("log_id", "timestamp", "operation_type", "agent_id", "status",
			"memory_id", "details", "execution_time_ms", "error_message").
		Values(e.LogID, e.Timestamp.UnixNano(), e.OperationType, e.AgentID, e.Status,
			e.MemoryID, detailsJSON, e.ExecutionTimeMs, e.ErrorMessage)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, f AuditFilter, limit int) ([]*AuditEntry, error) {
	query := sq.Select("log_id", "timestamp", "operation_type", "agent_id", "status",
		"memory_id", "details", "execution_time_ms", "error_message").
		From("audit_log").
		OrderBy("timestamp DESC").
		Limit(uint64(limit))
	if f.AgentID != "" {
		query = query.Where(sq.Eq{"agent_id": f.AgentID})
	}
	if f.OperationType != "" {
		query = query.Where(sq.Eq{"operation_type": f.OperationType})
	}
	if f.MemoryID != "" {
		query = query.Where(sq.Eq{"memory_id": f.MemoryID})
	}
	if f.Status != "" {
		query = query.Where(sq.Eq{"status": f.Status})
	}
	if f.Since != nil {
		query = query.Where(sq.GtOrEq{"timestamp": f.Since.UnixNano()})
	}
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e           AuditEntry
			ts          int64
			memoryID    sql.NullString
			detailsJSON []byte
			errMsg      sql.NullString
		)
		if err := rows.Scan(&e.LogID, &ts, &e.OperationType, &e.AgentID, &e.Status,
			&memoryID, &detailsJSON, &e.ExecutionTimeMs, &errMsg); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.MemoryID = memoryID.String
		e.ErrorMessage = errMsg.String
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &e.Details)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) AppendUndo(ctx context.Context, e *UndoEntry) error {
	query := sq.Insert("undo_log").
		Columns("undo_id", "operation_type", "agent_id", "original_state", "new_state",
			"memory_id", "operation_chain_id", "status", "created_at", "expires_at").
		Values(e.UndoID, e.OperationType, e.AgentID, []byte(e.OriginalState), []byte(e.NewState),
			e.MemoryID, e.OperationChainID, e.Status, e.CreatedAt.UnixNano(), e.ExpiresAt.UnixNano())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build undo insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert undo entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUndo(ctx context.Context, undoID string) (*UndoEntry, error) {
	query := sq.Select("undo_id", "operation_type", "agent_id", "original_state", "new_state",
		"memory_id", "operation_chain_id", "status", "created_at", "expires_at").
		From("undo_log").
		Where(sq.Eq{"undo_id": undoID})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build undo query: %w", err)
	}
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	e, err := scanUndo(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLiteStore) ListUndoByChain(ctx context.Context, chainID string) ([]*UndoEntry, error) {
	query := sq.Select("undo_id", "operation_type", "agent_id", "original_state", "new_state",
		"memory_id", "operation_chain_id", "status", "created_at", "expires_at").
		From("undo_log").
		Where(sq.Eq{"operation_chain_id": chainID}).
		OrderBy("created_at ASC")
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build chain query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query undo_log: %w", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var entries []*UndoEntry
	for rows.Next() {
		e, err := scanUndo(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanUndo(scan func(...any) error) (*UndoEntry, error) {
	var (
		e                  UndoEntry
		original, newState []byte
		memoryID, chainID  sql.NullString
		createdAt, expires int64
	)
	if err := scan(&e.UndoID, &e.OperationType, &e.AgentID, &original, &newState,
		&memoryID, &chainID, &e.Status, &createdAt, &expires); err != nil {
		return nil, err
	}
	e.OriginalState = json.RawMessage(original)
	e.NewState = json.RawMessage(newState)
	e.MemoryID = memoryID.String
	e.OperationChainID = chainID.String
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.ExpiresAt = time.Unix(0, expires).UTC()
	return &e, nil
}

func (s *SQLiteStore) SetUndoStatus(ctx context.Context, undoID, status string) error {
	query := sq.Update("undo_log").
		Set("status", status).
		Where(sq.Eq{"undo_id": undoID})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build undo update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return fmt.Errorf("update undo status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	query := sq.Delete("undo_log").Where(sq.Lt{"expires_at": now.UnixNano()})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("purge undo_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ Store = (*SQLiteStore)(nil)
