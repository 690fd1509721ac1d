package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/memhive/memoryd/memerr"
	"github.com/memhive/memoryd/memory"
)

func TestSearchRequiresQuery(t *testing.T) {
	e := newEnv(t)
	_, err := e.engine.Search(context.Background(), alice, memory.SearchInput{Query: "   "})
	wantCode(t, err, memerr.CodeInvalidInput)
}

func TestSearchLexical(t *testing.T) {
	e := newEnv(t)
	hit := e.mustAdd(t, memory.AddInput{
		Text: "postgres connection pool exhausted under load", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	e.advance(time.Minute)
	e.mustAdd(t, memory.AddInput{
		Text: "tweaked the frontend button color", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query: "postgres connection pool",
		Mode:  memory.ModeLexical,
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].Memory.ID != hit.Memory.ID {
		t.Fatalf("lexical search missed the match: %+v", hits)
	}
	if hits[0].Lexical != 1.0 {
		t.Fatalf("lexical score = %v, want 1.0", hits[0].Lexical)
	}
	if hits[0].Semantic != 0 {
		t.Fatalf("lexical mode must not score semantically, got %v", hits[0].Semantic)
	}
}

func TestSearchHybridRanksRelevantFirst(t *testing.T) {
	e := newEnv(t)
	relevant := e.mustAdd(t, memory.AddInput{
		Text: "the scheduler retries failed jobs with exponential backoff", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	e.advance(time.Minute)
	e.mustAdd(t, memory.AddInput{
		Text: "renamed the staging environment variables", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query: "scheduler retries failed jobs",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) < 2 {
		t.Fatalf("got %d hits, want both candidates", len(hits))
	}
	if hits[0].Memory.ID != relevant.Memory.ID {
		t.Fatalf("top hit = %q, want the scheduler memory", hits[0].Memory.Summary)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %v, %v", hits[0].Score, hits[1].Score)
	}
	if hits[0].Reason != memory.ReasonOwner {
		t.Fatalf("access reason = %s", hits[0].Reason)
	}
}

func TestSearchRecencyBreaksSimilarity(t *testing.T) {
	e := newEnvCfg(t, memory.EngineConfig{RecencyTauDays: 1})
	old := e.mustAdd(t, memory.AddInput{
		Text: "incident review covered the gateway timeout", UserID: alice.UserID, AgentID: alice.AgentID,
	})
	e.advance(72 * time.Hour)
	recent := e.mustAdd(t, memory.AddInput{
		Text: "incident review covered the gateway timeout again", UserID: alice.UserID, AgentID: alice.AgentID,
	})

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query: "incident review gateway timeout",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) < 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Memory.ID != recent.Memory.ID {
		t.Fatalf("recency should rank %s first, got %s", recent.Memory.ID, hits[0].Memory.ID)
	}
	if hits[0].Recency <= hits[1].Recency {
		t.Fatalf("recency scores: %v vs %v", hits[0].Recency, hits[1].Recency)
	}
	_ = old
}

func TestSearchLanguageAffinityDampsCrossLanguage(t *testing.T) {
	e := newEnv(t)
	english := e.mustAdd(t, memory.AddInput{
		Text: "database connection timeout error", UserID: alice.UserID, AgentID: alice.AgentID,
		LanguageCode: "en", LanguageConfidence: 0.9,
	})
	spanish := e.mustAdd(t, memory.AddInput{
		Text: "database connection timeout failure", UserID: alice.UserID, AgentID: alice.AgentID,
		LanguageCode: "es", LanguageConfidence: 0.9,
	})

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query:        "database connection timeout",
		LanguageCode: "en",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Memory.ID != english.Memory.ID {
		t.Fatalf("same-language memory should rank first")
	}
	var semEn, semEs float64
	for _, h := range hits {
		switch h.Memory.ID {
		case english.Memory.ID:
			semEn = h.Semantic
		case spanish.Memory.ID:
			semEs = h.Semantic
		}
	}
	// Both texts overlap the query equally; the cross-language hit carries
	// the 0.7 affinity multiplier.
	if semEs >= semEn {
		t.Fatalf("affinity not applied: en=%v es=%v", semEn, semEs)
	}
}

func TestSearchRespectsVisibility(t *testing.T) {
	e := newEnv(t)
	e.mustAdd(t, memory.AddInput{
		Text: "reviewer private thoughts on the refactor", UserID: "u1", AgentID: bob.AgentID,
	})
	e.advance(time.Minute)
	shared := e.mustAdd(t, memory.AddInput{
		Text: "reviewer shared conclusions on the refactor", UserID: "u1", AgentID: bob.AgentID,
		SharePolicy: memory.ShareShared,
	})

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query: "reviewer refactor",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want only the shared memory", len(hits))
	}
	if hits[0].Memory.ID != shared.Memory.ID || hits[0].Reason != memory.ReasonShared {
		t.Fatalf("hit = %s reason %s", hits[0].Memory.ID, hits[0].Reason)
	}
}

func TestSearchFilterNarrows(t *testing.T) {
	e := newEnv(t)
	bugfix := e.mustAdd(t, memory.AddInput{
		Text: "release pipeline flake traced to dns caching", UserID: alice.UserID, AgentID: alice.AgentID,
		Type: memory.TypeBugfix,
	})
	e.advance(time.Minute)
	e.mustAdd(t, memory.AddInput{
		Text: "release pipeline now signs artifacts", UserID: alice.UserID, AgentID: alice.AgentID,
		Type: memory.TypeFeature,
	})

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query:  "release pipeline",
		Filter: memory.Filter{Types: []memory.Type{memory.TypeBugfix}},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Memory.ID != bugfix.Memory.ID {
		t.Fatalf("type filter leaked: %+v", hits)
	}
}

func TestSearchLimitClamp(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 12; i++ {
		e.mustAdd(t, memory.AddInput{
			Text:      fmt.Sprintf("observability dashboard panel tweak number %d", i),
			UserID:    alice.UserID,
			AgentID:   alice.AgentID,
			SkipDedup: true,
		})
		e.advance(time.Minute)
	}

	hits, err := e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query: "observability dashboard",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 10 {
		t.Fatalf("default limit should cap at 10, got %d", len(hits))
	}

	hits, err = e.engine.Search(context.Background(), alice, memory.SearchInput{
		Query: "observability dashboard",
		Limit: 3,
	})
	if err != nil || len(hits) != 3 {
		t.Fatalf("explicit limit: %d hits, err %v", len(hits), err)
	}
}
