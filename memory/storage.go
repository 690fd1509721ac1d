package memory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Order controls result ordering for record queries.
type Order string

const (
	OrderCreatedDesc Order = "created_desc"
	OrderRelevance   Order = "relevance"
)

// Filter is the closed set of record query predicates.
type Filter struct {
	UserID       string
	AgentID      string
	Types        []Type
	Concepts     []Concept
	Language     string
	After        *time.Time
	Before       *time.Time
	File         string
	SessionID    string
	TextContains string
	Category     string

	// Administrative reads only.
	IncludeArchived bool
	IncludeExpired  bool
	IncludePending  bool
}

// Matches evaluates every predicate against one record, including the
// lifecycle gates. Store implementations that filter in-process share this
// so their semantics cannot drift.
func (f Filter) Matches(m *Memory, now time.Time) bool {
	if f.UserID != "" && m.UserID != f.UserID {
		return false
	}
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if m.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Concepts) > 0 {
		found := false
		for _, c := range f.Concepts {
			if m.Concept == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Language != "" && m.LanguageCode != f.Language {
		return false
	}
	if f.After != nil && m.CreatedAt.Before(*f.After) {
		return false
	}
	if f.Before != nil && !m.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.File != "" {
		found := false
		for _, file := range m.Files {
			if file == f.File {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	if f.TextContains != "" && !strings.Contains(m.Text, f.TextContains) {
		return false
	}
	if f.Category != "" && m.Category() != f.Category {
		return false
	}
	if !f.IncludeExpired && m.Expired(now) {
		return false
	}
	if !f.IncludeArchived && m.ArchivedAt != nil {
		return false
	}
	if !f.IncludePending && m.RepairPending() {
		return false
	}
	return true
}

// Page is one page of query results with an opaque continuation cursor.
type Page struct {
	Memories   []*Memory `json:"memories"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// EncodeCursor packs (created_at, id) into an opaque cursor. The pair keeps
// pagination stable under concurrent inserts.
func EncodeCursor(createdAt time.Time, id string) string {
	raw := strconv.FormatInt(createdAt.UTC().UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor unpacks a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decode cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return time.Unix(0, ns).UTC(), parts[1], nil
}

// RecordStore is the primary record store for memories, sessions and spaces.
// Implementations return ErrRecordNotFound wrapped for missing ids and
// classify infrastructure failures as transient or permanent.
type RecordStore interface {
	Put(ctx context.Context, m *Memory) error
	Get(ctx context.Context, id string) (*Memory, error)
	Update(ctx context.Context, m *Memory) error
	Delete(ctx context.Context, id string) error
	Query(ctx context.Context, f Filter, order Order, limit int, cursor string) (*Page, error)
	BulkGet(ctx context.Context, ids []string) ([]*Memory, error)
	Count(ctx context.Context, f Filter) (int, error)

	PutSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, userID string, activeOnly bool, limit int) ([]*Session, error)

	// ListUsers enumerates distinct user ids, for lifecycle sweeps.
	ListUsers(ctx context.Context) ([]string, error)

	PutSpace(ctx context.Context, sp *SharedSpace) error
	GetSpace(ctx context.Context, id string) (*SharedSpace, error)
	UpdateSpace(ctx context.Context, sp *SharedSpace) error
	ListSpaces(ctx context.Context, agentID string) ([]*SharedSpace, error)

	Ping(ctx context.Context) error
}

// ErrRecordNotFound is returned by stores for missing ids.
var ErrRecordNotFound = errors.New("record not found")

// VectorRef is one similarity hit. Score is normalized to [0,1].
type VectorRef struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// VectorStore indexes fixed-dimension embeddings for similarity search.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, vector []float32, k int, filter map[string]any) ([]VectorRef, error)
	Nearby(ctx context.Context, id string, k int) ([]VectorRef, error)
	Ping(ctx context.Context) error
}

// Edge is one directed relation in the graph store.
type Edge struct {
	Src   string         `json:"src"`
	Dst   string         `json:"dst"`
	Type  string         `json:"type"`
	Props map[string]any `json:"props,omitempty"`
}

// Graph edge types used by the engine.
const (
	EdgeInSession   = "in_session"
	EdgeTouchesFile = "touches_file"
	EdgeSiblingOf   = "sibling_of"
)

// GraphStore keeps session->memory and file->memory relations.
type GraphStore interface {
	MergeNode(ctx context.Context, id string, labels []string, props map[string]any) error
	MergeEdge(ctx context.Context, src, dst, edgeType string, props map[string]any) error
	Neighborhood(ctx context.Context, id string, depth int, edgeTypes []string) ([]Edge, error)
	// MoveEdges rewrites every edge touching from so it touches to instead.
	// Used by dedup merges.
	MoveEdges(ctx context.Context, from, to string) error
	DeleteNode(ctx context.Context, id string, cascade bool) error
	Ping(ctx context.Context) error
}

// BusMessage is one raw message delivered by the event bus.
type BusMessage struct {
	Channel string
	Payload []byte
}

// Subscription is a live channel-pattern subscription.
type Subscription interface {
	Events() <-chan BusMessage
	Close() error
}

// EventBus distributes events with at-least-once, per-channel best-effort
// FIFO delivery.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, pattern string) (Subscription, error)
	Ping(ctx context.Context) error
}

// Lease is a held named mutual-exclusion token.
type Lease interface {
	Release(ctx context.Context) error
}

// ErrLeaseHeld is returned when a lease is already held elsewhere.
var ErrLeaseHeld = errors.New("lease already held")

// LeaseManager hands out named TTL-bounded leases. Acquire returns
// ErrLeaseHeld (wrapped) when the name is taken.
type LeaseManager interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// TransientError marks a storage failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether the error chain contains a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryPolicy bounds retries of transient adapter failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryPolicy matches the engine's bounded in-process retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      4,
	}
}

// WithRetry runs op, retrying transient failures with jittered exponential
// backoff. Permanent failures and context cancellation end the retry loop
// immediately.
func WithRetry(ctx context.Context, logger zerolog.Logger, policy RetryPolicy, name string, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.RandomizationFactor = 0.2
	eb.Reset()

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		logger.Warn().
			Str("op", name).
			Int("attempt", attempt).
			Err(err).
			Msg("transient failure, retrying")
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(eb, policy.MaxRetries), ctx))
}
