// Package pattern defines the unit of memorized knowledge for modcache:
// a canonical request signature paired with the generated artifact that
// satisfied it, plus the usage and outcome statistics that decide whether
// the pair is still worth serving.
package pattern

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
)

// Category classifies the kind of request that produced a pattern.
// Matching never crosses category boundaries.
type Category string

const (
	CategoryCodeGeneration  Category = "code-generation"
	CategoryIdeaGeneration  Category = "idea-generation"
	CategoryIdeaExpansion   Category = "idea-expansion"
	CategoryErrorFix        Category = "error-fix"
	CategoryFeatureAddition Category = "feature-addition"
	CategoryDocumentation   Category = "documentation"
)

// ErrUnknownCategory is returned when a string names no known category.
var ErrUnknownCategory = errors.New("unknown pattern category")

// Categories returns every known category in stable order.
func Categories() []Category {
	return []Category{
		CategoryCodeGeneration,
		CategoryIdeaGeneration,
		CategoryIdeaExpansion,
		CategoryErrorFix,
		CategoryFeatureAddition,
		CategoryDocumentation,
	}
}

// ParseCategory converts a string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryCodeGeneration, CategoryIdeaGeneration, CategoryIdeaExpansion,
		CategoryErrorFix, CategoryFeatureAddition, CategoryDocumentation:
		return true
	}
	return false
}

// Signature is the canonical descriptor of a request: a deduplicated,
// order-independent set of significant prompt terms plus the structured
// tags that must match exactly. An empty tag acts as a wildcard.
type Signature struct {
	Terms       []string `json:"terms"`
	Loader      string   `json:"loader,omitempty"`
	GameVersion string   `json:"game_version,omitempty"`
	Language    string   `json:"language,omitempty"`
}

// Canonical renders the signature as a stable single-line form used for
// identifier derivation and cache keys. Terms are sorted on a copy so the
// result is independent of input order.
func (s Signature) Canonical() string {
	terms := make([]string, len(s.Terms))
	copy(terms, s.Terms)
	sort.Strings(terms)
	return s.Loader + "\n" + s.GameVersion + "\n" + s.Language + "\n" + strings.Join(terms, " ")
}

// Clone returns a deep copy of the signature.
func (s Signature) Clone() Signature {
	if s.Terms != nil {
		terms := make([]string, len(s.Terms))
		copy(terms, s.Terms)
		s.Terms = terms
	}
	return s
}

// Artifact is the stored generated output plus free-form metadata such as
// required dependencies or a difficulty label.
type Artifact struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the artifact.
func (a Artifact) Clone() Artifact {
	if a.Metadata != nil {
		md := make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			md[k] = v
		}
		a.Metadata = md
	}
	return a
}

// idNamespace seeds the UUIDv5 derivation of pattern identifiers. Changing
// it would orphan every previously persisted record, so it never changes.
var idNamespace = uuid.MustParse("7a3c9e51-4f2d-4b8a-9c47-d5f0a2e8b316")

// ID derives the stable identifier for a signature within a category.
// Identical requests always map to the same record.
func ID(cat Category, sig Signature) string {
	return uuid.NewSHA1(idNamespace, []byte(string(cat)+"\n"+sig.Canonical())).String()
}

// Pattern is a memorized (request -> artifact) pair with its statistics.
type Pattern struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	Signature    Signature `json:"signature"`
	Artifact     Artifact  `json:"artifact"`
	UseCount     int64     `json:"use_count"`      // times served as a hit
	SuccessCount int64     `json:"success_count"`  // reported good outcomes
	FailureCount int64     `json:"failure_count"`  // reported bad outcomes
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified"` // sole arbiter of merge conflicts
	Dirty        bool      `json:"dirty"`         // local changes not yet synced
}

// New assembles a pattern with its derived identifier. Counters and
// timestamps are left for the store to manage.
func New(cat Category, sig Signature, art Artifact) Pattern {
	return Pattern{
		ID:        ID(cat, sig),
		Category:  cat,
		Signature: sig,
		Artifact:  art,
	}
}

// SuccessRate returns the percentage of reported outcomes that succeeded,
// in [0, 100]. A pattern with no outcomes yet reports 100 so that fresh
// knowledge stays servable until evidence says otherwise.
func (p Pattern) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 100
	}
	return float64(p.SuccessCount) / float64(total) * 100
}

// Eligible reports whether the pattern may be offered by the matcher.
// Patterns below the threshold stay stored for audit but are never served.
func (p Pattern) Eligible(evictionThreshold float64) bool {
	return p.SuccessRate() >= evictionThreshold
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (p Pattern) Clone() Pattern {
	p.Signature = p.Signature.Clone()
	p.Artifact = p.Artifact.Clone()
	return p
}

// Validate checks the structural integrity of a record, typically one
// received from a remote batch before it is allowed into the store.
func (p Pattern) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required, is.UUID),
		validation.Field(&p.Category, validation.Required, validation.By(categoryRule)),
		validation.Field(&p.Signature, validation.By(signatureRule)),
		validation.Field(&p.UseCount, validation.Min(0)),
		validation.Field(&p.SuccessCount, validation.Min(0)),
		validation.Field(&p.FailureCount, validation.Min(0)),
		validation.Field(&p.LastModified, validation.Required),
	)
}

func categoryRule(value interface{}) error {
	c, _ := value.(Category)
	if !c.Valid() {
		return ErrUnknownCategory
	}
	return nil
}

func signatureRule(value interface{}) error {
	s, _ := value.(Signature)
	if s.Terms == nil {
		return errors.New("terms must not be nil")
	}
	for _, t := range s.Terms {
		if t == "" {
			return errors.New("terms must not contain empty strings")
		}
	}
	return nil
}
