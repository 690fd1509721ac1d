package memory

import (
	"context"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/memhive/memoryd/memerr"
)

// MaxBatchSize caps one GetMemoryBatch hydration.
const MaxBatchSize = 100

// GetMemory returns one memory the requester may read, with the reason
// access was granted.
func (e *Engine) GetMemory(ctx context.Context, req Requester, id string) (*Memory, AccessReason, error) {
	if id == "" {
		return nil, ReasonDenied, memerr.New(memerr.CodeInvalidInput, "memory id is required")
	}
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	m, err := e.records.Get(rctx, id)
	if err != nil {
		return nil, ReasonDenied, notFoundOr(err)
	}
	now := e.now()
	if m.Expired(now) || m.ArchivedAt != nil || m.RepairPending() {
		// Lifecycle-hidden memories read as absent, not forbidden.
		return nil, ReasonDenied, memerr.New(memerr.CodeNotFound, "no such memory")
	}
	ok, reason := e.visibleTo(ctx, m, req)
	if !ok {
		return nil, ReasonDenied, memerr.New(memerr.CodeAccessDenied, "memory is not visible to this agent")
	}
	return m, reason, nil
}

// ListInput selects and pages a chronological listing.
type ListInput struct {
	Filter Filter
	Limit  int
	Cursor string
}

// ListMemories returns the requester's readable memories newest first. The
// filter's user id is forced to the requester's.
func (e *Engine) ListMemories(ctx context.Context, req Requester, in ListInput) (*Page, error) {
	f := in.Filter
	f.UserID = req.UserID
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 200 {
		limit = 200
	}

	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	page, err := e.records.Query(rctx, f, OrderCreatedDesc, limit, in.Cursor)
	if err != nil {
		return nil, notFoundOr(err)
	}

	now := e.now()
	visible := lo.Filter(page.Memories, func(m *Memory, _ int) bool {
		return e.readable(ctx, m, req, now)
	})
	return &Page{Memories: visible, NextCursor: page.NextCursor}, nil
}

// GetMemoryBatch hydrates up to MaxBatchSize full records. Ids the requester
// may not read are silently omitted; the caller learns which ids resolved.
func (e *Engine) GetMemoryBatch(ctx context.Context, req Requester, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, memerr.New(memerr.CodeInvalidInput, "ids are required")
	}
	if len(ids) > MaxBatchSize {
		return nil, memerr.Newf(memerr.CodeInvalidInput, "batch exceeds %d ids", MaxBatchSize)
	}
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	ms, err := e.records.BulkGet(rctx, lo.Uniq(ids))
	if err != nil {
		return nil, notFoundOr(err)
	}
	now := e.now()
	return lo.Filter(ms, func(m *Memory, _ int) bool {
		return e.readable(ctx, m, req, now)
	}), nil
}

// IndexEntry is the lightweight projection served by SearchIndex: enough to
// decide whether to hydrate, cheap enough to scan in bulk.
type IndexEntry struct {
	ID            string    `json:"id"`
	Summary       string    `json:"summary"`
	Type          Type      `json:"memory_type"`
	Concept       Concept   `json:"memory_concept"`
	LanguageCode  string    `json:"language_code,omitempty"`
	TokenEstimate int       `json:"token_estimate"`
	CreatedAt     time.Time `json:"created_at"`
	Score         float64   `json:"score,omitempty"`
}

func toIndexEntry(m *Memory, score float64) IndexEntry {
	return IndexEntry{
		ID:            m.ID,
		Summary:       m.Summary,
		Type:          m.Type,
		Concept:       m.Concept,
		LanguageCode:  m.LanguageCode,
		TokenEstimate: m.TokenEstimate,
		CreatedAt:     m.CreatedAt,
		Score:         score,
	}
}

// SearchIndex runs a search but returns index entries instead of full
// records. With an empty query it pages the newest entries.
func (e *Engine) SearchIndex(ctx context.Context, req Requester, in SearchInput) ([]IndexEntry, error) {
	if in.Query == "" {
		page, err := e.ListMemories(ctx, req, ListInput{Filter: in.Filter, Limit: in.Limit})
		if err != nil {
			return nil, err
		}
		return lo.Map(page.Memories, func(m *Memory, _ int) IndexEntry {
			return toIndexEntry(m, 0)
		}), nil
	}
	hits, err := e.Search(ctx, req, in)
	if err != nil {
		return nil, err
	}
	return lo.Map(hits, func(h SearchHit, _ int) IndexEntry {
		return toIndexEntry(h.Memory, h.Score)
	}), nil
}

// Timeline is an anchor memory with its nearest chronological neighbors
// in the same tenant, oldest first on both sides.
type Timeline struct {
	Anchor IndexEntry   `json:"anchor"`
	Before []IndexEntry `json:"before"`
	After  []IndexEntry `json:"after"`
}

// timelineScanLimit bounds the walk toward the anchor's newer neighbors.
const timelineScanLimit = 5000

// GetTimeline resolves an anchor memory the requester may read and returns
// its chronological neighborhood: the nearest older and newer memories of
// the same user, visibility-filtered.
func (e *Engine) GetTimeline(ctx context.Context, req Requester, anchorID string, before, after int) (*Timeline, error) {
	anchor, _, err := e.GetMemory(ctx, req, anchorID)
	if err != nil {
		return nil, err
	}
	if before <= 0 {
		before = 5
	}
	if after <= 0 {
		after = 5
	}
	if before > 50 {
		before = 50
	}
	if after > 50 {
		after = 50
	}
	tl := &Timeline{Anchor: toIndexEntry(anchor, 0)}

	// Older side: the store already yields newest-first, so the first
	// readable hits are the nearest; reverse into chronological order.
	cutoff := anchor.CreatedAt
	now := e.now()
	cursor := ""
	for len(tl.Before) < before {
		rctx, cancel := e.recordCtx(ctx)
		page, err := e.records.Query(rctx, Filter{UserID: req.UserID, Before: &cutoff}, OrderCreatedDesc, before*2, cursor)
		cancel()
		if err != nil {
			return nil, notFoundOr(err)
		}
		for _, m := range page.Memories {
			if m.ID == anchor.ID || !e.readable(ctx, m, req, now) {
				continue
			}
			tl.Before = append(tl.Before, toIndexEntry(m, 0))
			if len(tl.Before) >= before {
				break
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	lo.Reverse(tl.Before)

	// Newer side: nearest-newer means the tail of a newest-first scan, so
	// keep a sliding window of the last readable entries seen.
	cursor = ""
	scanned := 0
	for scanned < timelineScanLimit {
		rctx, cancel := e.recordCtx(ctx)
		page, err := e.records.Query(rctx, Filter{UserID: req.UserID, After: &cutoff}, OrderCreatedDesc, 500, cursor)
		cancel()
		if err != nil {
			return nil, notFoundOr(err)
		}
		for _, m := range page.Memories {
			scanned++
			if m.ID == anchor.ID || !m.CreatedAt.After(cutoff) || !e.readable(ctx, m, req, now) {
				continue
			}
			tl.After = append(tl.After, toIndexEntry(m, 0))
			if len(tl.After) > after {
				tl.After = tl.After[1:]
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	lo.Reverse(tl.After)
	return tl, nil
}

// TimelineDay is one day of activity, newest memory first.
type TimelineDay struct {
	Date     string       `json:"date"`
	Sessions []string     `json:"sessions,omitempty"`
	Entries  []IndexEntry `json:"entries"`
}

// GetTimelineDays groups the requester's recent memories by calendar day
// (UTC), newest day first. Days and entries within a day are both
// descending.
func (e *Engine) GetTimelineDays(ctx context.Context, req Requester, since time.Time, limit int) ([]TimelineDay, error) {
	if limit <= 0 {
		limit = 200
	}
	f := Filter{UserID: req.UserID}
	if !since.IsZero() {
		f.After = &since
	}
	rctx, cancel := e.recordCtx(ctx)
	defer cancel()
	page, err := e.records.Query(rctx, f, OrderCreatedDesc, limit, "")
	if err != nil {
		return nil, notFoundOr(err)
	}

	now := e.now()
	byDay := make(map[string]*TimelineDay)
	var order []string
	for _, m := range page.Memories {
		if !e.readable(ctx, m, req, now) {
			continue
		}
		day := m.CreatedAt.UTC().Format("2006-01-02")
		td, ok := byDay[day]
		if !ok {
			td = &TimelineDay{Date: day}
			byDay[day] = td
			order = append(order, day)
		}
		td.Entries = append(td.Entries, toIndexEntry(m, 0))
		if m.SessionID != "" && !lo.Contains(td.Sessions, m.SessionID) {
			td.Sessions = append(td.Sessions, m.SessionID)
		}
	}

	out := make([]TimelineDay, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

// Facets summarizes the requester's corpus along its categorical axes.
type Facets struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"by_type"`
	ByConcept  map[string]int `json:"by_concept"`
	ByLanguage map[string]int `json:"by_language"`
	TopFiles   []FacetCount   `json:"top_files,omitempty"`
}

// FacetCount is one facet value with its occurrence count.
type FacetCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// facetScanLimit bounds the corpus walk behind GetFacets.
const facetScanLimit = 5000

// GetFacets computes distribution counts over the requester's readable
// memories.
func (e *Engine) GetFacets(ctx context.Context, req Requester) (*Facets, error) {
	f := &Facets{
		ByType:     make(map[string]int),
		ByConcept:  make(map[string]int),
		ByLanguage: make(map[string]int),
	}
	fileCounts := make(map[string]int)

	cursor := ""
	scanned := 0
	now := e.now()
	for scanned < facetScanLimit {
		rctx, cancel := e.recordCtx(ctx)
		page, err := e.records.Query(rctx, Filter{UserID: req.UserID}, OrderCreatedDesc, 500, cursor)
		cancel()
		if err != nil {
			return nil, notFoundOr(err)
		}
		for _, m := range page.Memories {
			scanned++
			if !e.readable(ctx, m, req, now) {
				continue
			}
			f.Total++
			f.ByType[string(m.Type)]++
			f.ByConcept[string(m.Concept)]++
			if m.LanguageCode != "" {
				f.ByLanguage[m.LanguageCode]++
			}
			for _, file := range m.Files {
				fileCounts[file]++
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	for v, n := range fileCounts {
		f.TopFiles = append(f.TopFiles, FacetCount{Value: v, Count: n})
	}
	sort.Slice(f.TopFiles, func(i, j int) bool {
		if f.TopFiles[i].Count != f.TopFiles[j].Count {
			return f.TopFiles[i].Count > f.TopFiles[j].Count
		}
		return f.TopFiles[i].Value < f.TopFiles[j].Value
	})
	if len(f.TopFiles) > 20 {
		f.TopFiles = f.TopFiles[:20]
	}
	return f, nil
}
