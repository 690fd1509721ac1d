package memory

import (
	"regexp"
	"strings"
)

// TypeRule maps keyword patterns to a memory type. Rules are evaluated in
// order; the first match wins.
type TypeRule struct {
	Keywords []string
	Type     Type
}

// ConceptRule maps keyword patterns to a memory concept.
type ConceptRule struct {
	Keywords []string
	Concept  Concept
}

// DefaultTypeRules is the ordered default classifier table for the type axis.
func DefaultTypeRules() []TypeRule {
	return []TypeRule{
		{Keywords: []string{"fixed", "fix ", "bug", "crash", "regression", "broken"}, Type: TypeBugfix},
		{Keywords: []string{"implemented", "added", "new feature", "introduce", "support for"}, Type: TypeFeature},
		{Keywords: []string{"decided", "decision", "chose", "picked", "agreed", "we will use"}, Type: TypeDecision},
		{Keywords: []string{"refactored", "refactor", "renamed", "moved", "restructured", "cleaned up"}, Type: TypeRefactor},
		{Keywords: []string{"discovered", "found that", "turns out", "realized", "learned that"}, Type: TypeDiscovery},
	}
}

// DefaultConceptRules is the ordered default classifier table for the
// concept axis.
func DefaultConceptRules() []ConceptRule {
	return []ConceptRule{
		{Keywords: []string{"works by", "under the hood", "internally", "the flow is", "architecture"}, Concept: ConceptHowItWorks},
		{Keywords: []string{"gotcha", "careful", "beware", "watch out", "surprising", "pitfall"}, Concept: ConceptGotcha},
		{Keywords: []string{"trade-off", "tradeoff", "at the cost of", "versus", "instead of", "downside"}, Concept: ConceptTradeOff},
		{Keywords: []string{"pattern", "convention", "idiom", "always", "whenever", "rule of thumb"}, Concept: ConceptPattern},
	}
}

// Classifier assigns type/concept to uncategorized memories and extracts
// structured files and facts from free text. It is fully deterministic.
type Classifier struct {
	typeRules    []TypeRule
	conceptRules []ConceptRule
}

// NewClassifier builds a classifier. Nil rule slices select the defaults.
func NewClassifier(typeRules []TypeRule, conceptRules []ConceptRule) *Classifier {
	if typeRules == nil {
		typeRules = DefaultTypeRules()
	}
	if conceptRules == nil {
		conceptRules = DefaultConceptRules()
	}
	return &Classifier{typeRules: typeRules, conceptRules: conceptRules}
}

// ClassifyType returns the first matching type rule, or general.
func (c *Classifier) ClassifyType(text string) Type {
	lower := strings.ToLower(text)
	for _, rule := range c.typeRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Type
			}
		}
	}
	return TypeGeneral
}

// ClassifyConcept returns the first matching concept rule, or general.
func (c *Classifier) ClassifyConcept(text string) Concept {
	lower := strings.ToLower(text)
	for _, rule := range c.conceptRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, kw) {
				return rule.Concept
			}
		}
	}
	return ConceptGeneral
}

// pathPattern matches path-like substrings: at least one separator and a
// file-ish final segment.
var pathPattern = regexp.MustCompile(`(?:[A-Za-z0-9_\-.]+/)+[A-Za-z0-9_\-.]+\.[A-Za-z0-9]{1,8}`)

// ExtractFiles pulls path-like substrings out of text, first-seen order,
// deduplicated.
func (c *Classifier) ExtractFiles(text string) []string {
	matches := pathPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	var files []string
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:")
		if !seen[m] {
			seen[m] = true
			files = append(files, m)
		}
	}
	return files
}

var sentenceSplit = regexp.MustCompile(`[.!?]\s+|\n+`)

// MaxExtractedFacts caps how many sentences become facts.
const MaxExtractedFacts = 10

// ExtractFacts splits text into sentences and keeps the first substantive
// ones, capped at MaxExtractedFacts.
func (c *Classifier) ExtractFacts(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	var facts []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimRight(p, ".!?"))
		if len(p) < 8 {
			continue
		}
		facts = append(facts, p)
		if len(facts) == MaxExtractedFacts {
			break
		}
	}
	return facts
}
