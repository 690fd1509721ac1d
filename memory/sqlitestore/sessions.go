package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/memhive/memoryd/memory"
)

var sessionColumns = []string{
	"session_id", "user_id", "agent_id", "start_time", "end_time", "summary", "metadata",
}

func (r *Records) PutSession(ctx context.Context, s *memory.Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	var end any
	if s.EndTime != nil {
		end = s.EndTime.UnixNano()
	}
	queryStr, args, err := sq.Insert("sessions").Columns(sessionColumns...).
		Values(s.ID, s.UserID, s.AgentID, s.StartTime.UnixNano(), end, s.Summary, meta).ToSql()
	if err != nil {
		return fmt.Errorf("build session insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, queryStr, args...); err != nil {
		return classify(fmt.Errorf("insert session %s: %w", s.ID, err))
	}
	return nil
}

func (r *Records) GetSession(ctx context.Context, id string) (*memory.Session, error) {
	queryStr, args, err := sq.Select(sessionColumns...).From("sessions").Where(sq.Eq{"session_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build session query: %w", err)
	}
	row := r.db.QueryRowContext(ctx, queryStr, args...)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, memory.ErrRecordNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return s, nil
}

func (r *Records) UpdateSession(ctx context.Context, s *memory.Session) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	var end any
	if s.EndTime != nil {
		end = s.EndTime.UnixNano()
	}
	queryStr, args, err := sq.Update("sessions").
		Set("end_time", end).
		Set("summary", s.Summary).
		Set("metadata", meta).
		Where(sq.Eq{"session_id": s.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build session update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return classify(fmt.Errorf("update session %s: %w", s.ID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", s.ID, memory.ErrRecordNotFound)
	}
	return nil
}

func (r *Records) ListSessions(ctx context.Context, userID string, activeOnly bool, limit int) ([]*memory.Session, error) {
	b := sq.Select(sessionColumns...).From("sessions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("start_time DESC")
	if activeOnly {
		b = b.Where(sq.Eq{"end_time": nil})
	}
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	queryStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build session listing: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query sessions: %w", err))
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*memory.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(scan func(...any) error) (*memory.Session, error) {
	var (
		s     memory.Session
		start int64
		end   sql.NullInt64
		meta  []byte
	)
	if err := scan(&s.ID, &s.UserID, &s.AgentID, &start, &end, &s.Summary, &meta); err != nil {
		return nil, err
	}
	s.StartTime = time.Unix(0, start).UTC()
	if end.Valid {
		t := time.Unix(0, end.Int64).UTC()
		s.EndTime = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	return &s, nil
}

func (r *Records) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM memories UNION SELECT user_id FROM sessions`)
	if err != nil {
		return nil, classify(fmt.Errorf("list users: %w", err))
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

func (r *Records) PutSpace(ctx context.Context, sp *memory.SharedSpace) error {
	members, err := json.Marshal(sp.Members)
	if err != nil {
		return fmt.Errorf("marshal space members: %w", err)
	}
	queryStr, args, err := sq.Insert("shared_spaces").
		Columns("space_id", "name", "members", "created_at").
		Values(sp.ID, sp.Name, members, sp.CreatedAt.UnixNano()).ToSql()
	if err != nil {
		return fmt.Errorf("build space insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, queryStr, args...); err != nil {
		return classify(fmt.Errorf("insert space %s: %w", sp.ID, err))
	}
	return nil
}

func (r *Records) GetSpace(ctx context.Context, id string) (*memory.SharedSpace, error) {
	queryStr, args, err := sq.Select("space_id", "name", "members", "created_at").
		From("shared_spaces").Where(sq.Eq{"space_id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build space query: %w", err)
	}
	row := r.db.QueryRowContext(ctx, queryStr, args...)
	sp, err := scanSpace(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("space %s: %w", id, memory.ErrRecordNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return sp, nil
}

func (r *Records) UpdateSpace(ctx context.Context, sp *memory.SharedSpace) error {
	members, err := json.Marshal(sp.Members)
	if err != nil {
		return fmt.Errorf("marshal space members: %w", err)
	}
	queryStr, args, err := sq.Update("shared_spaces").
		Set("name", sp.Name).
		Set("members", members).
		Where(sq.Eq{"space_id": sp.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("build space update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return classify(fmt.Errorf("update space %s: %w", sp.ID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("space %s: %w", sp.ID, memory.ErrRecordNotFound)
	}
	return nil
}

// ListSpaces matches membership on the serialized member list. Member ids
// are JSON-encoded strings so the pattern cannot match substrings of other
// agent ids.
func (r *Records) ListSpaces(ctx context.Context, agentID string) ([]*memory.SharedSpace, error) {
	queryStr, args, err := sq.Select("space_id", "name", "members", "created_at").
		From("shared_spaces").
		Where(sq.Expr(`members LIKE ? ESCAPE '\'`, "%"+likeEscape(jsonString(agentID))+"%")).
		OrderBy("created_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build space listing: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query spaces: %w", err))
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*memory.SharedSpace
	for rows.Next() {
		sp, err := scanSpace(rows.Scan)
		if err != nil {
			return nil, err
		}
		// The LIKE is a prefilter; membership is confirmed in-process.
		if sp.HasMember(agentID) {
			out = append(out, sp)
		}
	}
	return out, rows.Err()
}

func scanSpace(scan func(...any) error) (*memory.SharedSpace, error) {
	var (
		sp      memory.SharedSpace
		members []byte
		created int64
	)
	if err := scan(&sp.ID, &sp.Name, &members, &created); err != nil {
		return nil, err
	}
	sp.CreatedAt = time.Unix(0, created).UTC()
	if len(members) > 0 {
		if err := json.Unmarshal(members, &sp.Members); err != nil {
			return nil, fmt.Errorf("unmarshal space members: %w", err)
		}
	}
	return &sp, nil
}

func (r *Records) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

var _ memory.RecordStore = (*Records)(nil)
