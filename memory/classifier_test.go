package memory

import (
	"reflect"
	"testing"
)

func TestClassifyType(t *testing.T) {
	c := NewClassifier(nil, nil)
	cases := map[string]Type{
		"Fixed the nil map crash in the importer":      TypeBugfix,
		"Implemented retry with exponential backoff":   TypeFeature,
		"We decided to keep the flat package layout":   TypeDecision,
		"Refactored the config loader into one file":   TypeRefactor,
		"Turns out the driver caches prepared stmts":   TypeDiscovery,
		"Met with the team about quarterly priorities": TypeGeneral,
	}
	for text, want := range cases {
		if got := c.ClassifyType(text); got != want {
			t.Fatalf("ClassifyType(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestClassifyConcept(t *testing.T) {
	c := NewClassifier(nil, nil)
	cases := map[string]Concept{
		"The scheduler works by polling a heap of due timers": ConceptHowItWorks,
		"Gotcha: the client mutates the passed slice":         ConceptGotcha,
		"Faster startup at the cost of a bigger binary":       ConceptTradeOff,
		"Convention: handlers never return raw errors":        ConceptPattern,
		"Shipped version 1.2 of the service today":            ConceptGeneral,
	}
	for text, want := range cases {
		if got := c.ClassifyConcept(text); got != want {
			t.Fatalf("ClassifyConcept(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestClassifierRuleOrder(t *testing.T) {
	// First match wins when a text hits multiple rules.
	c := NewClassifier(nil, nil)
	if got := c.ClassifyType("fixed the bug and added support for retries"); got != TypeBugfix {
		t.Fatalf("earlier rule should win, got %q", got)
	}
}

func TestExtractFiles(t *testing.T) {
	c := NewClassifier(nil, nil)
	text := "Touched internal/server/handler.go and pkg/db/query.go, then internal/server/handler.go again."
	got := c.ExtractFiles(text)
	want := []string{"internal/server/handler.go", "pkg/db/query.go"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractFiles = %v, want %v", got, want)
	}

	if got := c.ExtractFiles("no paths here"); got != nil {
		t.Fatalf("expected nil for pathless text, got %v", got)
	}
}

func TestExtractFacts(t *testing.T) {
	c := NewClassifier(nil, nil)
	got := c.ExtractFacts("The cache is write-through. TTL is one hour. Ok. Eviction is LRU based on access time.")
	if len(got) != 3 {
		t.Fatalf("expected 3 facts, got %v", got)
	}
	if got[0] != "The cache is write-through" {
		t.Fatalf("first fact = %q", got[0])
	}
}
