package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/memhive/memoryd/memerr"
)

// SearchMode selects which signals contribute to ranking.
type SearchMode string

const (
	ModeHybrid   SearchMode = "hybrid"
	ModeSemantic SearchMode = "semantic"
	ModeLexical  SearchMode = "lexical"
)

// SearchInput is one search request.
type SearchInput struct {
	Query  string
	Mode   SearchMode
	Filter Filter
	Limit  int

	// LanguageCode overrides query language detection for cross-language
	// affinity weighting.
	LanguageCode string
}

// SearchHit is one ranked result with its score decomposition.
type SearchHit struct {
	Memory   *Memory      `json:"memory"`
	Score    float64      `json:"score"`
	Semantic float64      `json:"semantic"`
	Lexical  float64      `json:"lexical"`
	Recency  float64      `json:"recency"`
	Reason   AccessReason `json:"access_reason"`
}

// lexicalScanLimit bounds how many recent records feed lexical candidate
// generation.
const lexicalScanLimit = 500

// Search ranks the requester's readable memories against a query. Hybrid
// mode mixes semantic similarity, lexical overlap and recency; ties break
// to newer memories, then to the smaller id.
func (e *Engine) Search(ctx context.Context, req Requester, in SearchInput) ([]SearchHit, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, memerr.New(memerr.CodeInvalidInput, "query is required")
	}
	mode := in.Mode
	if mode == "" {
		mode = ModeHybrid
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}

	queryLang := in.LanguageCode
	if queryLang == "" {
		queryLang = DetectLanguage(in.Query).Code
	}

	candidates := make(map[string]*Memory)
	semScores := make(map[string]float64)

	if mode != ModeLexical && e.embedder != nil {
		if err := e.semanticCandidates(ctx, req, in, limit, candidates, semScores); err != nil {
			if mode == ModeSemantic {
				return nil, err
			}
			// Hybrid degrades to lexical+recency when the vector path is down.
			e.logger.Warn().Err(err).Msg("semantic search unavailable, degrading to lexical")
		}
	}
	if mode != ModeSemantic {
		if err := e.lexicalCandidates(ctx, req, in, candidates); err != nil {
			return nil, err
		}
	}

	w := e.cfg.SearchWeights
	switch mode {
	case ModeSemantic:
		w = Weights{Semantic: 1}
	case ModeLexical:
		w = Weights{Lexical: 0.8, Recency: 0.2}
	}

	queryTokens := tokenize(in.Query)
	now := e.now()
	hits := make([]SearchHit, 0, len(candidates))
	for id, m := range candidates {
		if !matchesFilter(m, in.Filter) {
			continue
		}
		ok, reason := e.visibleTo(ctx, m, req)
		if !ok || m.Expired(now) || m.ArchivedAt != nil || m.RepairPending() {
			continue
		}
		sem := semScores[id] * LanguageAffinity(queryLang, m.LanguageCode)
		lex := lexicalScore(queryTokens, m)
		rec := e.recencyScore(m, now)
		hits = append(hits, SearchHit{
			Memory:   m,
			Score:    w.Semantic*sem + w.Lexical*lex + w.Recency*rec,
			Semantic: sem,
			Lexical:  lex,
			Recency:  rec,
			Reason:   reason,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].Memory.CreatedAt.Equal(hits[j].Memory.CreatedAt) {
			return hits[i].Memory.CreatedAt.After(hits[j].Memory.CreatedAt)
		}
		return hits[i].Memory.ID < hits[j].Memory.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// semanticCandidates embeds the query and pulls the nearest same-tenant
// vectors, hydrating them from the record store.
func (e *Engine) semanticCandidates(ctx context.Context, req Requester, in SearchInput, limit int, candidates map[string]*Memory, scores map[string]float64) error {
	embedding, err := e.embedder.Embed(ctx, in.Query)
	if err != nil {
		return memerr.Wrap(memerr.CodeUnavailable, "query embedding failed", err)
	}
	vctx, cancel := e.vectorCtx(ctx)
	defer cancel()
	refs, err := e.vectors.Search(vctx, embedding, limit*4, map[string]any{"user_id": req.UserID})
	if err != nil {
		return memerr.Wrap(memerr.CodeUnavailable, "vector search failed", err)
	}
	if len(refs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		scores[r.ID] = r.Score
		ids = append(ids, r.ID)
	}
	rctx, rcancel := e.recordCtx(ctx)
	defer rcancel()
	ms, err := e.records.BulkGet(rctx, ids)
	if err != nil {
		return memerr.Wrap(memerr.CodeUnavailable, "candidate hydration failed", err)
	}
	for _, m := range ms {
		candidates[m.ID] = m
	}
	return nil
}

// lexicalCandidates adds the requester's recent records so purely textual
// matches surface even without an embedding.
func (e *Engine) lexicalCandidates(ctx context.Context, req Requester, in SearchInput, candidates map[string]*Memory) error {
	f := in.Filter
	f.UserID = req.UserID
	cursor := ""
	scanned := 0
	for scanned < lexicalScanLimit {
		rctx, cancel := e.recordCtx(ctx)
		page, err := e.records.Query(rctx, f, OrderCreatedDesc, 200, cursor)
		cancel()
		if err != nil {
			return notFoundOr(err)
		}
		for _, m := range page.Memories {
			scanned++
			if _, ok := candidates[m.ID]; !ok {
				candidates[m.ID] = m
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return nil
}

// recencyScore decays exponentially with age: exp(-age_days / tau).
func (e *Engine) recencyScore(m *Memory, now time.Time) float64 {
	age := now.Sub(m.CreatedAt)
	if age < 0 {
		age = 0
	}
	days := age.Hours() / 24
	return math.Exp(-days / e.cfg.RecencyTauDays)
}

// lexicalScore is the fraction of query tokens found in the memory's text,
// summary or facts. Case-insensitive whole tokens.
func lexicalScore(queryTokens []string, m *Memory) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	haystack := make(map[string]bool)
	for _, t := range tokenize(m.Text) {
		haystack[t] = true
	}
	for _, fact := range m.Facts {
		for _, t := range tokenize(fact) {
			haystack[t] = true
		}
	}
	matched := 0
	for _, t := range queryTokens {
		if haystack[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// matchesFilter applies the query predicates to one record in-process, for
// candidates that arrived via the vector index rather than a store query.
func matchesFilter(m *Memory, f Filter) bool {
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, m.Type) {
		return false
	}
	if len(f.Concepts) > 0 && !containsConcept(f.Concepts, m.Concept) {
		return false
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
	if f.File != "" && !containsString(m.Files, f.File) {
		return false
	}
	if f.SessionID != "" && m.SessionID != f.SessionID {
		return false
	}
	if f.Category != "" && m.Category() != f.Category {
		return false
	}
	return true
}

func containsType(ts []Type, t Type) bool {
	for _, v := range ts {
		if v == t {
			return true
		}
	}
	return false
}

func containsConcept(cs []Concept, c Concept) bool {
	for _, v := range cs {
		if v == c {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
