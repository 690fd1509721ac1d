package ops

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

type searchArgs struct {
	Query        string     `json:"query"`
	Mode         string     `json:"mode,omitempty"`
	Filter       filterArgs `json:"filter"`
	Limit        int        `json:"limit,omitempty"`
	LanguageCode string     `json:"language_code,omitempty"`
}

func (a searchArgs) toInput() memory.SearchInput {
	return memory.SearchInput{
		Query:        a.Query,
		Mode:         memory.SearchMode(a.Mode),
		Filter:       a.Filter.toFilter(),
		Limit:        a.Limit,
		LanguageCode: a.LanguageCode,
	}
}

func (s *Service) registerSearchOps() {
	s.registry.Register("search_memories", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[searchArgs](args)
		if err != nil {
			return nil, err
		}
		return s.engine.Search(ctx, req, a.toInput())
	})

	s.registry.Register("search_index", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[searchArgs](args)
		if err != nil {
			return nil, err
		}
		return s.engine.SearchIndex(ctx, req, a.toInput())
	})

	// get_timeline serves two shapes: with a memory_id it returns the
	// anchor's chronological neighbors; without one it falls back to the
	// day-grouped activity view.
	s.registry.Register("get_timeline", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			MemoryID string     `json:"memory_id,omitempty"`
			Before   int        `json:"before,omitempty"`
			After    int        `json:"after,omitempty"`
			Since    *time.Time `json:"since,omitempty"`
			Limit    int        `json:"limit,omitempty"`
		}](args)
		if err != nil {
			return nil, err
		}
		if a.MemoryID != "" {
			return s.engine.GetTimeline(ctx, req, a.MemoryID, a.Before, a.After)
		}
		since := time.Now().AddDate(0, 0, -30)
		if a.Since != nil {
			since = *a.Since
		}
		return s.engine.GetTimelineDays(ctx, req, since, a.Limit)
	})

	s.registry.Register("get_facets", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		return s.engine.GetFacets(ctx, req)
	})

	s.registry.Register("search_by_type", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[searchArgs](args)
		if err != nil {
			return nil, err
		}
		if len(a.Filter.Types) == 0 {
			return nil, memerr.New(memerr.CodeInvalidInput, "filter.types is required")
		}
		return s.engine.Search(ctx, req, a.toInput())
	})

	s.registry.Register("search_by_concept", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[searchArgs](args)
		if err != nil {
			return nil, err
		}
		if len(a.Filter.Concepts) == 0 {
			return nil, memerr.New(memerr.CodeInvalidInput, "filter.concepts is required")
		}
		return s.engine.Search(ctx, req, a.toInput())
	})

	s.registry.Register("search_by_file", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[searchArgs](args)
		if err != nil {
			return nil, err
		}
		if a.Filter.File == "" {
			return nil, memerr.New(memerr.CodeInvalidInput, "filter.file is required")
		}
		if a.Query == "" {
			// Pure file lookups fall back to a chronological listing.
			return s.engine.ListMemories(ctx, req, memory.ListInput{Filter: a.Filter.toFilter(), Limit: a.Limit})
		}
		return s.engine.Search(ctx, req, a.toInput())
	})

	// cross_language_search detects the query language for affinity
	// damping; language_code is an optional override of detection.
	s.registry.Register("cross_language_search", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[searchArgs](args)
		if err != nil {
			return nil, err
		}
		return s.engine.Search(ctx, req, a.toInput())
	})

	s.registry.Register("detect_language", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		a, err := decode[struct {
			Text string `json:"text"`
		}](args)
		if err != nil {
			return nil, err
		}
		if a.Text == "" {
			return nil, memerr.New(memerr.CodeInvalidInput, "text is required")
		}
		return memory.DetectLanguage(a.Text), nil
	})

	s.registry.Register("get_supported_languages", func(ctx context.Context, req memory.Requester, args json.RawMessage) (any, error) {
		type language struct {
			Code string `json:"code"`
			Name string `json:"name"`
		}
		out := make([]language, 0, len(memory.SupportedLanguages))
		for code, name := range memory.SupportedLanguages {
			out = append(out, language{Code: code, Name: name})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
		return out, nil
	})
}
