package match

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
)

var (
	// ErrNoMatch is returned for blank input.
	ErrNoMatch = errors.New("no match")
	// ErrNoCatchAll is returned when a non-blank input hits no rule, which
	// only happens when the rule set lacks a wildcard rule.
	ErrNoCatchAll = errors.New("rule set has no catch-all rule")
)

// Matcher selects the rule for an input. It only holds diagnostics state.
type Matcher struct {
	logger *zap.Logger

	mu      sync.Mutex
	flagged map[string]struct{}
}

// New creates a matcher. A nil logger disables diagnostics.
func New(logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		logger:  logger,
		flagged: make(map[string]struct{}),
	}
}

// FindMatch returns the first rule in set order that matches input. The set
// must already be sorted by priority.
func (m *Matcher) FindMatch(input string, rules rule.Set) (rule.Rule, error) {
	if strings.TrimSpace(input) == "" {
		return rule.Rule{}, ErrNoMatch
	}
	for _, r := range rules {
		if !Matches(input, r) {
			continue
		}
		if r.Match.IsLegacy() {
			m.flagLegacy(r)
		}
		return r, nil
	}
	return rule.Rule{}, ErrNoCatchAll
}

func (m *Matcher) flagLegacy(r rule.Rule) {
	key := r.Match.String()
	m.mu.Lock()
	_, seen := m.flagged[key]
	m.flagged[key] = struct{}{}
	m.mu.Unlock()
	if !seen {
		m.logger.Warn("matched rule uses deprecated array match", zap.String("match", key))
	}
}

// FindMatch runs a matcher without diagnostics.
func FindMatch(input string, rules rule.Set) (rule.Rule, error) {
	return New(nil).FindMatch(input, rules)
}

// Matches reports whether input selects r. Both sides are trimmed; unless the
// rule is case sensitive both sides are lowercased. Comparison is equality,
// never substring or prefix.
func Matches(input string, r rule.Rule) bool {
	normalized := normalize(input, r.CaseSensitive)
	if normalized == "" {
		return false
	}
	if r.IsCatchAll() {
		return true
	}
	for _, candidate := range r.Match.Candidates() {
		if normalize(candidate, r.CaseSensitive) == normalized {
			return true
		}
	}
	return false
}

func normalize(text string, caseSensitive bool) string {
	text = strings.TrimSpace(text)
	if !caseSensitive {
		text = strings.ToLower(text)
	}
	return text
}
