// Package fingerprint turns raw generation requests into canonical
// signatures. Normalization is pure and deterministic: the same request
// always produces the same signature and therefore the same pattern ID,
// no matter which session or machine computed it.
package fingerprint

import (
	"sort"
	"strings"

	"modcache/internal/pattern"
)

// Request is the raw descriptor handed over by the caller: the free-text
// prompt plus the structured tags the host environment knows about.
// Empty tags mean "unspecified" and act as wildcards during matching.
type Request struct {
	Prompt      string
	Category    pattern.Category
	Loader      string
	GameVersion string
	Language    string
}

// Normalize produces the canonical signature for a request. No I/O, no
// side effects; tags are lower-cased and trimmed, the prompt is reduced
// to a sorted, deduplicated set of significant terms.
func Normalize(req Request) pattern.Signature {
	return pattern.Signature{
		Terms:       Terms(req.Prompt),
		Loader:      normalizeTag(req.Loader),
		GameVersion: normalizeTag(req.GameVersion),
		Language:    normalizeTag(req.Language),
	}
}

// PatternID derives the stable record identifier for a request.
func PatternID(req Request) (string, error) {
	if !req.Category.Valid() {
		return "", pattern.ErrUnknownCategory
	}
	return pattern.ID(req.Category, Normalize(req)), nil
}

// Terms tokenizes prompt text into the significant-term set: lower-cased,
// punctuation stripped, short tokens and stop-words dropped, deduplicated,
// sorted. The result is never nil, so an all-noise prompt yields an empty
// set rather than a missing one.
func Terms(prompt string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, prompt)

	seen := make(map[string]bool)
	terms := make([]string, 0, 8)
	for _, tok := range strings.Fields(cleaned) {
		if len(tok) <= 2 || stopWords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	sort.Strings(terms)
	return terms
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// stopWords lists tokens too common to discriminate between requests:
// English function words, generic request verbs, and domain words that
// appear in nearly every prompt the assistant sees.
var stopWords = map[string]bool{
	// articles, pronouns, auxiliaries
	"the": true, "and": true, "but": true, "for": true, "nor": true,
	"are": true, "was": true, "were": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "must": true, "shall": true, "can": true,
	"this": true, "that": true, "these": true, "those": true, "its": true,
	"you": true, "your": true, "our": true, "their": true, "them": true,
	"with": true, "into": true, "from": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true, "out": true,
	"when": true, "where": true, "why": true, "how": true, "what": true,
	"which": true, "who": true, "all": true, "each": true, "every": true,
	"some": true, "such": true, "not": true, "only": true, "same": true,
	"than": true, "too": true, "very": true, "just": true, "now": true,
	"then": true, "else": true, "also": true, "any": true,
	// generic request verbs
	"create": true, "make": true, "build": true, "generate": true,
	"write": true, "give": true, "want": true, "need": true, "like": true,
	"please": true, "help": true, "use": true, "using": true, "get": true,
	"implement": true, "new": true,
	// domain words present in nearly every prompt
	"minecraft": true, "mod": true, "mods": true, "game": true,
	"code": true, "java": true, "class": true, "file": true,
}
