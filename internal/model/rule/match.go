package rule

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Match is the prompt side of a rule: the wildcard, a literal string, or a
// legacy list of literals. The list form is read for compatibility with old
// documents; nothing in this module builds one.
type Match struct {
	literal string
	legacy  []string
}

// Literal returns a match on a single exact string.
func Literal(s string) Match {
	return Match{literal: s}
}

// Any returns the wildcard match.
func Any() Match {
	return Match{literal: Wildcard}
}

// IsWildcard reports whether the match is the catch-all sentinel.
func (m Match) IsWildcard() bool {
	return m.legacy == nil && m.literal == Wildcard
}

// IsLegacy reports whether the match was decoded from the array form.
func (m Match) IsLegacy() bool {
	return m.legacy != nil
}

// IsZero reports whether the match holds nothing to compare against.
func (m Match) IsZero() bool {
	if m.legacy != nil {
		for _, v := range m.legacy {
			if strings.TrimSpace(v) != "" {
				return false
			}
		}
		return true
	}
	return strings.TrimSpace(m.literal) == ""
}

// Candidates lists the literal strings an input is compared with.
func (m Match) Candidates() []string {
	if m.legacy != nil {
		return append([]string(nil), m.legacy...)
	}
	return []string{m.literal}
}

// Equal reports whether two matches hold the same form and values.
func (m Match) Equal(o Match) bool {
	if (m.legacy == nil) != (o.legacy == nil) {
		return false
	}
	if m.legacy != nil {
		return slices.Equal(m.legacy, o.legacy)
	}
	return m.literal == o.literal
}

func (m Match) String() string {
	if m.legacy != nil {
		return "[" + strings.Join(m.legacy, ", ") + "]"
	}
	return m.literal
}

func (m Match) clone() Match {
	if m.legacy == nil {
		return m
	}
	return Match{legacy: append([]string{}, m.legacy...)}
}

func (m Match) MarshalJSON() ([]byte, error) {
	if m.legacy != nil {
		return json.Marshal(m.legacy)
	}
	return json.Marshal(m.literal)
}

func (m *Match) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		*m = Match{literal: literal}
		return nil
	}
	var legacy []string
	if err := json.Unmarshal(data, &legacy); err != nil || legacy == nil {
		return fmt.Errorf("match must be a string or an array of strings, got %s", data)
	}
	*m = Match{legacy: legacy}
	return nil
}

func (m Match) MarshalYAML() (any, error) {
	if m.legacy != nil {
		return m.legacy, nil
	}
	return m.literal, nil
}

func (m *Match) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*m = Match{literal: value.Value}
		return nil
	case yaml.SequenceNode:
		legacy := []string{}
		if err := value.Decode(&legacy); err != nil {
			return fmt.Errorf("match array: %w", err)
		}
		*m = Match{legacy: legacy}
		return nil
	default:
		return fmt.Errorf("match must be a string or a list of strings (line %d)", value.Line)
	}
}
