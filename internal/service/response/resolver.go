package response

import (
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/analysis/match"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
)

// ApologyText is served when no rule could be selected.
const ApologyText = "I'm sorry, I didn't understand that. Could you try asking in a different way?"

// imageKeywords mark image rules that may stand in for a text answer when the
// caller asked for an image.
var imageKeywords = []string{"demo", "screenshot"}

// Response is the payload handed to a surface for rendering.
type Response struct {
	Type     rule.ResponseType `json:"type"`
	Value    string            `json:"value"`
	Followup []string          `json:"followup"`
}

// Apology returns the built-in response for unmatched input.
func Apology() Response {
	return Response{Type: rule.TypeText, Value: ApologyText, Followup: []string{}}
}

// FromRule copies a rule's response fields.
func FromRule(r rule.Rule) Response {
	followup := append([]string{}, r.Followup...)
	return Response{Type: r.Type, Value: r.Value, Followup: followup}
}

// Resolver turns a matched rule into a response for the requested modality.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a resolver. A nil logger disables diagnostics.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Resolve maps matched (nil when nothing matched) to a response. An image
// request against a text rule is upgraded when the set holds a suitable image
// rule; otherwise the text response is served unchanged.
func (r *Resolver) Resolve(matched *rule.Rule, input string, requested rule.ResponseType, rules rule.Set) Response {
	if matched == nil {
		return Apology()
	}
	if requested == rule.TypeImage && matched.Type == rule.TypeText {
		if alt, ok := findImageAlternative(input, rules); ok {
			r.logger.Debug("serving image alternative",
				zap.String("input", input),
				zap.String("matched", matched.Match.String()),
				zap.String("alternative", alt.Match.String()))
			return FromRule(alt)
		}
		r.logger.Debug("no image alternative, serving text", zap.String("input", input))
	}
	return FromRule(*matched)
}

// findImageAlternative looks for an image rule that matches input on its own,
// then for any image rule whose prompt mentions one of imageKeywords. Wildcard
// rules never stand in.
func findImageAlternative(input string, rules rule.Set) (rule.Rule, bool) {
	for _, candidate := range rules {
		if candidate.Type != rule.TypeImage || candidate.IsCatchAll() {
			continue
		}
		if match.Matches(input, candidate) {
			return candidate, true
		}
	}
	for _, candidate := range rules {
		if candidate.Type != rule.TypeImage || candidate.IsCatchAll() {
			continue
		}
		if mentionsKeyword(candidate.Match) {
			return candidate, true
		}
	}
	return rule.Rule{}, false
}

func mentionsKeyword(m rule.Match) bool {
	for _, candidate := range m.Candidates() {
		lowered := strings.ToLower(candidate)
		for _, keyword := range imageKeywords {
			if strings.Contains(lowered, keyword) {
				return true
			}
		}
	}
	return false
}
