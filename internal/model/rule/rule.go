package rule

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

const (
	// Wildcard is the match value of the catch-all rule.
	Wildcard = "*"
	// DefaultPriority applies to rules that omit a priority.
	DefaultPriority = 999
)

// ResponseType describes the modality of a canned response.
type ResponseType string

const (
	TypeText  ResponseType = "text"
	TypeImage ResponseType = "image"
)

// Valid reports whether t is a known response type.
func (t ResponseType) Valid() bool {
	return t == TypeText || t == TypeImage
}

// Source names where the active rule set came from.
type Source string

const (
	SourceNone     Source = ""
	SourceOverride Source = "override"
	SourceDefault  Source = "default"
	SourceEmbedded Source = "embedded"
	SourceSync     Source = "sync"
)

var (
	errEmptyMatch  = errors.New("match is empty")
	errInvalidType = errors.New("unknown response type")
)

// Rule maps an exact prompt to a canned response.
type Rule struct {
	Match         Match        `json:"match" yaml:"match"`
	Type          ResponseType `json:"type" yaml:"type"`
	Value         string       `json:"value" yaml:"value"`
	CaseSensitive bool         `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty"`
	Priority      *int         `json:"priority,omitempty" yaml:"priority,omitempty"`
	Followup      []string     `json:"followup,omitempty" yaml:"followup,omitempty"`
}

// Priority returns a pointer suitable for Rule.Priority.
func Priority(v int) *int {
	return &v
}

// EffectivePriority returns the rule priority, DefaultPriority when unset.
func (r Rule) EffectivePriority() int {
	if r.Priority == nil {
		return DefaultPriority
	}
	return *r.Priority
}

// IsCatchAll reports whether the rule matches any input.
func (r Rule) IsCatchAll() bool {
	return r.Match.IsWildcard()
}

// Validate checks the fields every persisted rule must carry.
func (r Rule) Validate() error {
	if r.Match.IsZero() {
		return errEmptyMatch
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w %q", errInvalidType, r.Type)
	}
	return nil
}

// Clone returns a deep copy of the rule.
func (r Rule) Clone() Rule {
	out := r
	out.Match = r.Match.clone()
	if r.Priority != nil {
		out.Priority = Priority(*r.Priority)
	}
	if r.Followup != nil {
		out.Followup = append([]string(nil), r.Followup...)
	}
	return out
}

// Set is an ordered list of rules. Stores always hold it sorted.
type Set []Rule

// Sorted returns a copy ordered by ascending priority. Equal priorities keep
// their relative order.
func (s Set) Sorted() Set {
	out := s.Clone()
	slices.SortStableFunc(out, func(a, b Rule) int {
		return cmp.Compare(a.EffectivePriority(), b.EffectivePriority())
	})
	return out
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	for i, r := range s {
		out[i] = r.Clone()
	}
	return out
}

// CatchAll returns the first wildcard rule in set order.
func (s Set) CatchAll() (Rule, bool) {
	for _, r := range s {
		if r.IsCatchAll() {
			return r, true
		}
	}
	return Rule{}, false
}

// Validate rejects empty sets and sets holding an invalid rule.
func (s Set) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no rules", ErrMalformedDocument)
	}
	for i, r := range s {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: rule %d: %v", ErrMalformedDocument, i, err)
		}
	}
	return nil
}
