package memory

import (
	"fmt"
	"strings"
	"time"
)

// Type classifies what kind of observation a memory records.
type Type string

const (
	TypeBugfix    Type = "bugfix"
	TypeFeature   Type = "feature"
	TypeDecision  Type = "decision"
	TypeRefactor  Type = "refactor"
	TypeDiscovery Type = "discovery"
	TypeGeneral   Type = "general"
)

// Concept classifies the shape of the knowledge a memory carries.
type Concept string

const (
	ConceptHowItWorks Concept = "how-it-works"
	ConceptGotcha     Concept = "gotcha"
	ConceptTradeOff   Concept = "trade-off"
	ConceptPattern    Concept = "pattern"
	ConceptGeneral    Concept = "general"
)

// SharePolicy controls which agents beside the owner may read a memory.
type SharePolicy string

const (
	SharePrivate        SharePolicy = "private"
	ShareShared         SharePolicy = "shared"
	ShareCategoryShared SharePolicy = "category_shared"
	ShareCustom         SharePolicy = "custom"
)

// Reserved metadata keys. Unknown keys are preserved verbatim on round-trips.
const (
	MetaOriginalText  = "original_text"
	MetaMentionCount  = "mention_count"
	MetaRepairPending = "repair_pending"
	MetaCategory      = "category"
	MetaSpaceID       = "space_id"
	MetaLanguage      = "language"
	MetaExpiryPolicy  = "expiry_policy"
)

// SummaryMaxLen is the maximum derived summary length in runes.
const SummaryMaxLen = 200

// Memory is the atom of storage: one textual item with structured attributes.
type Memory struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`

	Text          string `json:"text"`
	Summary       string `json:"summary"`
	CharCount     int    `json:"char_count"`
	TokenEstimate int    `json:"token_estimate"`

	Type    Type    `json:"memory_type"`
	Concept Concept `json:"memory_concept"`

	Narrative   string   `json:"narrative,omitempty"`
	BeforeState string   `json:"before_state,omitempty"`
	AfterState  string   `json:"after_state,omitempty"`
	Files       []string `json:"files,omitempty"`
	Facts       []string `json:"facts,omitempty"`

	LanguageCode       string  `json:"language_code,omitempty"`
	LanguageConfidence float64 `json:"language_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	Summarized bool       `json:"summarized,omitempty"`

	SessionID string `json:"session_id,omitempty"`

	SharePolicy   SharePolicy `json:"share_policy"`
	AllowedAgents []string    `json:"allowed_agents,omitempty"`

	// VectorID is the id of the embedding in the vector store. Empty while
	// the embedding is pending.
	VectorID string `json:"vector_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Category returns the opaque category string under which the memory is
// grouped for category_shared visibility. Empty when unset.
func (m *Memory) Category() string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[MetaCategory].(string)
	return s
}

// MentionCount returns how many times identical text was re-added.
func (m *Memory) MentionCount() int {
	if m.Metadata == nil {
		return 1
	}
	switch v := m.Metadata[MetaMentionCount].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 1
}

// RepairPending reports whether a partial write left the memory awaiting
// repair. Such memories are hidden from reads.
func (m *Memory) RepairPending() bool {
	if m.Metadata == nil {
		return false
	}
	b, _ := m.Metadata[MetaRepairPending].(bool)
	return b
}

// Expired reports whether the memory is past its expiry at the given time.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// ExpiryPolicy returns the per-memory expiry override ("archive" or
// "delete"). Empty means the deployment default applies.
func (m *Memory) ExpiryPolicy() string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[MetaExpiryPolicy].(string)
	return s
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (m *Memory) Clone() *Memory {
	cp := *m
	cp.Files = append([]string(nil), m.Files...)
	cp.Facts = append([]string(nil), m.Facts...)
	cp.AllowedAgents = append([]string(nil), m.AllowedAgents...)
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		cp.ExpiresAt = &t
	}
	if m.ArchivedAt != nil {
		t := *m.ArchivedAt
		cp.ArchivedAt = &t
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// DeriveSummary produces the deterministic summary for a text: the text
// itself when short enough, otherwise a rune-safe truncation with ellipsis.
func DeriveSummary(text string) string {
	rs := []rune(text)
	if len(rs) <= SummaryMaxLen {
		return text
	}
	return string(rs[:SummaryMaxLen]) + "..."
}

// TokenEstimateFor is the fixed chars-to-tokens heuristic: ceil(chars/4).
func TokenEstimateFor(charCount int) int {
	return (charCount + 3) / 4
}

// NormalizeText strips trailing whitespace per line and around the text
// while keeping internal formatting.
func NormalizeText(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Session groups the memories of one conversational run.
type Session struct {
	ID        string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	AgentID   string         `json:"agent_id"`
	StartTime time.Time      `json:"start_time"`
	EndTime   *time.Time     `json:"end_time,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool { return s.EndTime == nil }

// SharedSpace is a named group of agents granted mutual visibility to
// memories tagged to the space.
type SharedSpace struct {
	ID        string    `json:"space_id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether the agent belongs to the space.
func (s *SharedSpace) HasMember(agentID string) bool {
	for _, m := range s.Members {
		if m == agentID {
			return true
		}
	}
	return false
}

// EventType enumerates the events the engine emits to the bus.
type EventType string

const (
	EventMemoryAdded    EventType = "memory_added"
	EventMemoryUpdated  EventType = "memory_updated"
	EventMemoryDeleted  EventType = "memory_deleted"
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
)

// Event is a best-effort, at-least-once notification. Consumers must be
// idempotent on (Type, MemoryID, Timestamp).
type Event struct {
	Type      EventType      `json:"event_type"`
	MemoryID  string         `json:"memory_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	AgentID   string         `json:"agent_id"`
	UserID    string         `json:"user_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Channel returns the bus topic for the event:
// memory.<user_id>.<agent_id>.<event_type>.
func (e Event) Channel() string {
	return fmt.Sprintf("memory.%s.%s.%s", e.UserID, e.AgentID, e.Type)
}

// Critical events are never dropped under backpressure.
func (e Event) Critical() bool { return e.Type == EventMemoryDeleted }

// Requester identifies the caller of a read or mutation.
type Requester struct {
	UserID  string
	AgentID string
}

func (r Requester) String() string { return r.UserID + "/" + r.AgentID }
