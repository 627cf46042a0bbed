// Package ident derives valid graph-store identifiers from free-form type
// names. Entity and relationship types arrive in whatever convention the
// extraction model or the user happened to produce; node labels and
// relationship types in the graph store must be stable regardless.
//
// The functions are pure and deterministic: the same input always yields
// the same output, and reasonable spelling variants of one concept
// ("research_paper", "Research-Paper", "research paper") converge on one
// canonical identifier. Normalizing an already-normalized identifier is a
// no-op.
package ident

import (
	"strings"
	"unicode"
)

const (
	// Sentinels prefixed when normalization would otherwise produce an
	// identifier that is empty or starts with a digit.
	labelSentinel        = "Entity"
	relationshipSentinel = "RELATED_TO"
)

// Label converts a free-form entity type into a PascalCase node label.
//
//	Label("research paper") == "ResearchPaper"
//	Label("ML-Model")       == "MlModel"
//	Label("API Endpoint")   == "ApiEndpoint"
//
// Every token is title-cased, acronyms included: "ML-Model" and "ml-model"
// must land on the same label, so no casing information from the input can
// survive.
func Label(raw string) string {
	tokens := tokenize(raw)
	if len(tokens) == 0 {
		return labelSentinel
	}
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(titleToken(tok))
	}
	out := b.String()
	if startsWithDigit(out) {
		return labelSentinel + out
	}
	return out
}

// RelationshipType converts a free-form relationship type into
// SCREAMING_SNAKE_CASE, the graph-query-language convention for
// relationship types.
//
//	RelationshipType("collaborates-with") == "COLLABORATES_WITH"
//	RelationshipType("worksAt")           == "WORKS_AT"
func RelationshipType(raw string) string {
	tokens := tokenize(raw)
	if len(tokens) == 0 {
		return relationshipSentinel
	}
	upper := make([]string, len(tokens))
	for i, tok := range tokens {
		upper[i] = strings.ToUpper(tok)
	}
	out := strings.Join(upper, "_")
	if startsWithDigit(out) {
		return "REL_" + out
	}
	return out
}

// tokenize splits the input into word tokens. A token break happens at any
// run of non-alphanumeric runes and at a lower-to-upper case boundary, so
// "MLModel" yields ["ML", "Model"] and "works-at" yields ["works", "at"].
func tokenize(raw string) []string {
	var tokens []string
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}

	runes := []rune(raw)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(runes[i-1]) {
			flush()
		}
		cur = append(cur, r)
	}
	flush()

	return tokens
}

func titleToken(tok string) string {
	runes := []rune(strings.ToLower(tok))
	if len(runes) == 0 {
		return ""
	}
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

func startsWithDigit(s string) bool {
	if s == "" {
		return false
	}
	return unicode.IsDigit([]rune(s)[0])
}
