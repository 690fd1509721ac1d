// Package sqlitestore persists memories, sessions, shared spaces and the
// knowledge graph in SQLite. It is the default record and graph backend.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/memory"
)

// Records implements memory.RecordStore over SQLite.
type Records struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewRecords wraps an open database. Schema is managed by migrations.
func NewRecords(db *sql.DB, logger zerolog.Logger) *Records {
	return &Records{
		db:     db,
		logger: logger.With().Str("component", "sqlite_records").Logger(),
	}
}

// Open opens (creating if needed) a SQLite database tuned for concurrent
// readers: WAL journal, busy timeout, foreign keys on.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock thrash.
	db.SetMaxOpenConns(1)
	return db, nil
}

var memoryColumns = []string{
	"id", "user_id", "agent_id", "text", "summary", "char_count", "token_estimate",
	"memory_type", "memory_concept", "narrative", "before_state", "after_state",
	"files", "facts", "language_code", "language_confidence",
	"created_at", "updated_at", "expires_at", "archived_at", "summarized",
	"session_id", "share_policy", "allowed_agents", "vector_id", "metadata",
}

func memoryValues(m *memory.Memory) ([]any, error) {
	files, err := json.Marshal(m.Files)
	if err != nil {
		return nil, fmt.Errorf("marshal files: %w", err)
	}
	facts, err := json.Marshal(m.Facts)
	if err != nil {
		return nil, fmt.Errorf("marshal facts: %w", err)
	}
	allowed, err := json.Marshal(m.AllowedAgents)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_agents: %w", err)
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var expires, archived any
	if m.ExpiresAt != nil {
		expires = m.ExpiresAt.UnixNano()
	}
	if m.ArchivedAt != nil {
		archived = m.ArchivedAt.UnixNano()
	}
	return []any{
		m.ID, m.UserID, m.AgentID, m.Text, m.Summary, m.CharCount, m.TokenEstimate,
		string(m.Type), string(m.Concept), m.Narrative, m.BeforeState, m.AfterState,
		files, facts, m.LanguageCode, m.LanguageConfidence,
		m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(), expires, archived, m.Summarized,
		m.SessionID, string(m.SharePolicy), allowed, m.VectorID, meta,
	}, nil
}

func (r *Records) Put(ctx context.Context, m *memory.Memory) error {
	vals, err := memoryValues(m)
	if err != nil {
		return err
	}
	queryStr, args, err := sq.Insert("memories").Columns(memoryColumns...).Values(vals...).ToSql()
	if err != nil {
		return fmt.Errorf("build memory insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, queryStr, args...); err != nil {
		return classify(fmt.Errorf("insert memory %s: %w", m.ID, err))
	}
	return nil
}

func (r *Records) Get(ctx context.Context, id string) (*memory.Memory, error) {
	queryStr, args, err := sq.Select(memoryColumns...).From("memories").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build memory query: %w", err)
	}
	row := r.db.QueryRowContext(ctx, queryStr, args...)
	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, memory.ErrRecordNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func (r *Records) Update(ctx context.Context, m *memory.Memory) error {
	vals, err := memoryValues(m)
	if err != nil {
		return err
	}
	upd := sq.Update("memories").Where(sq.Eq{"id": m.ID})
	for i, col := range memoryColumns {
		if col == "id" {
			continue
		}
		upd = upd.Set(col, vals[i])
	}
	queryStr, args, err := upd.ToSql()
	if err != nil {
		return fmt.Errorf("build memory update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return classify(fmt.Errorf("update memory %s: %w", m.ID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", m.ID, memory.ErrRecordNotFound)
	}
	return nil
}

func (r *Records) Delete(ctx context.Context, id string) error {
	queryStr, args, err := sq.Delete("memories").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build memory delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return classify(fmt.Errorf("delete memory %s: %w", id, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, memory.ErrRecordNotFound)
	}
	return nil
}

// applyFilter translates the closed predicate set to SQL. Metadata-backed
// predicates (category, repair_pending) match on the serialized JSON; the
// keys are reserved so the patterns cannot collide with user data.
func applyFilter(b sq.SelectBuilder, f memory.Filter, now time.Time) sq.SelectBuilder {
	if f.UserID != "" {
		b = b.Where(sq.Eq{"user_id": f.UserID})
	}
	if f.AgentID != "" {
		b = b.Where(sq.Eq{"agent_id": f.AgentID})
	}
	if len(f.Types) > 0 {
		vals := make([]string, len(f.Types))
		for i, t := range f.Types {
			vals[i] = string(t)
		}
		b = b.Where(sq.Eq{"memory_type": vals})
	}
	if len(f.Concepts) > 0 {
		vals := make([]string, len(f.Concepts))
		for i, c := range f.Concepts {
			vals[i] = string(c)
		}
		b = b.Where(sq.Eq{"memory_concept": vals})
	}
	if f.Language != "" {
		b = b.Where(sq.Eq{"language_code": f.Language})
	}
	if f.After != nil {
		b = b.Where(sq.GtOrEq{"created_at": f.After.UnixNano()})
	}
	if f.Before != nil {
		b = b.Where(sq.Lt{"created_at": f.Before.UnixNano()})
	}
	if f.File != "" {
		b = b.Where(sq.Expr(`files LIKE ? ESCAPE '\'`, "%"+likeEscape(jsonString(f.File))+"%"))
	}
	if f.SessionID != "" {
		b = b.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.TextContains != "" {
		b = b.Where(sq.Expr(`text LIKE ? ESCAPE '\'`, "%"+likeEscape(f.TextContains)+"%"))
	}
	if f.Category != "" {
		b = b.Where(sq.Expr(`metadata LIKE ? ESCAPE '\'`, "%"+likeEscape(`"category":`+jsonString(f.Category))+"%"))
	}
	if !f.IncludeExpired {
		b = b.Where(sq.Or{sq.Eq{"expires_at": nil}, sq.GtOrEq{"expires_at": now.UnixNano()}})
	}
	if !f.IncludeArchived {
		b = b.Where(sq.Eq{"archived_at": nil})
	}
	if !f.IncludePending {
		b = b.Where(sq.NotLike{"metadata": `%"repair_pending":true%`})
	}
	return b
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (r *Records) Query(ctx context.Context, f memory.Filter, order memory.Order, limit int, cursor string) (*memory.Page, error) {
	b := sq.Select(memoryColumns...).From("memories")
	b = applyFilter(b, f, time.Now())

	if cursor != "" {
		ts, id, err := memory.DecodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		b = b.Where(sq.Or{
			sq.Lt{"created_at": ts.UnixNano()},
			sq.And{sq.Eq{"created_at": ts.UnixNano()}, sq.Gt{"id": id}},
		})
	}
	b = b.OrderBy("created_at DESC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit + 1))
	}

	queryStr, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build memory query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query memories: %w", err))
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var out []*memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	page := &memory.Page{Memories: out}
	if limit > 0 && len(out) > limit {
		page.Memories = out[:limit]
		last := page.Memories[limit-1]
		page.NextCursor = memory.EncodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}

func (r *Records) BulkGet(ctx context.Context, ids []string) ([]*memory.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	queryStr, args, err := sq.Select(memoryColumns...).From("memories").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build bulk query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("bulk get memories: %w", err))
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	byID := make(map[string]*memory.Memory, len(ids))
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	// Preserve request order.
	out := make([]*memory.Memory, 0, len(byID))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Records) Count(ctx context.Context, f memory.Filter) (int, error) {
	b := sq.Select("COUNT(*)").From("memories")
	b = applyFilter(b, f, time.Now())
	queryStr, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count query: %w", err)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, queryStr, args...).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count memories: %w", err))
	}
	return n, nil
}

func scanMemory(scan func(...any) error) (*memory.Memory, error) {
	var (
		m                    memory.Memory
		memType, memConcept  string
		files, facts         []byte
		allowed, meta        []byte
		createdAt, updatedAt int64
		expires, archived    sql.NullInt64
		sharePolicy          string
		sessionID, vectorID  sql.NullString
	)
	err := scan(&m.ID, &m.UserID, &m.AgentID, &m.Text, &m.Summary, &m.CharCount, &m.TokenEstimate,
		&memType, &memConcept, &m.Narrative, &m.BeforeState, &m.AfterState,
		&files, &facts, &m.LanguageCode, &m.LanguageConfidence,
		&createdAt, &updatedAt, &expires, &archived, &m.Summarized,
		&sessionID, &sharePolicy, &allowed, &vectorID, &meta)
	if err != nil {
		return nil, err
	}
	m.Type = memory.Type(memType)
	m.Concept = memory.Concept(memConcept)
	m.SharePolicy = memory.SharePolicy(sharePolicy)
	m.SessionID = sessionID.String
	m.VectorID = vectorID.String
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if expires.Valid {
		t := time.Unix(0, expires.Int64).UTC()
		m.ExpiresAt = &t
	}
	if archived.Valid {
		t := time.Unix(0, archived.Int64).UTC()
		m.ArchivedAt = &t
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &m.Files); err != nil {
			return nil, fmt.Errorf("unmarshal files for %s: %w", m.ID, err)
		}
	}
	if len(facts) > 0 {
		if err := json.Unmarshal(facts, &m.Facts); err != nil {
			return nil, fmt.Errorf("unmarshal facts for %s: %w", m.ID, err)
		}
	}
	if len(allowed) > 0 {
		if err := json.Unmarshal(allowed, &m.AllowedAgents); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_agents for %s: %w", m.ID, err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

// classify marks lock contention as transient so the engine's retry loop
// takes another pass instead of failing the write.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return memory.Transient(err)
	}
	return err
}
