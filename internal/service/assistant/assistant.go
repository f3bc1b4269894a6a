// Package assistant is the call surface used by every front end: it ties the
// rule store, matcher, resolver and session store of one context together.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/canned-assistant/backend/internal/analysis/match"
	model "github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/response"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
)

// ExportVersion is stamped on exported documents.
const ExportVersion = "1.0"

// ErrInvalidExport is returned when an import does not match the export schema.
var ErrInvalidExport = errors.New("invalid export document")

// Options wires an Assistant. Rules and Sessions are required.
type Options struct {
	Rules    *rules.Store
	Sessions *chat.Service
	Logger   *zap.Logger
	Now      func() time.Time
}

// Assistant answers prompts with canned responses.
type Assistant struct {
	rules    *rules.Store
	sessions *chat.Service
	matcher  *match.Matcher
	resolver *response.Resolver
	logger   *zap.Logger
	now      func() time.Time
}

// Turn is the outcome of one recorded exchange.
type Turn struct {
	SessionID string            `json:"sessionId"`
	Response  response.Response `json:"response"`
}

// Export is the transportable form of everything a context persists.
type Export struct {
	Version    string                 `json:"version"`
	ExportedAt time.Time              `json:"exportedAt"`
	RuleSource rule.Source            `json:"ruleSource,omitempty"`
	Override   *rule.OverrideDocument `json:"rulesOverride,omitempty"`
	Sessions   model.Document         `json:"sessions"`
}

// New builds an assistant.
func New(opts Options) *Assistant {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Assistant{
		rules:    opts.Rules,
		sessions: opts.Sessions,
		matcher:  match.New(opts.Logger),
		resolver: response.NewResolver(opts.Logger),
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// LoadRules resolves the rule set if it is not active yet.
func (a *Assistant) LoadRules(ctx context.Context) rule.Set {
	return a.rules.Load(ctx)
}

// ReloadRules re-resolves the rule set from storage and sources.
func (a *Assistant) ReloadRules(ctx context.Context) rule.Set {
	return a.rules.Reload(ctx)
}

// GetAllRules returns the active rules in match order.
func (a *Assistant) GetAllRules(ctx context.Context) rule.Set {
	return a.rules.Load(ctx)
}

// GetRulesSource reports where the active rules came from.
func (a *Assistant) GetRulesSource() rule.Source {
	return a.rules.Source()
}

// ReplaceRules installs an administrator override.
func (a *Assistant) ReplaceRules(ctx context.Context, set rule.Set) error {
	return a.rules.Replace(ctx, set)
}

// ResetRules removes the administrator override.
func (a *Assistant) ResetRules(ctx context.Context) rule.Set {
	return a.rules.ResetOverride(ctx)
}

// FindMatch returns the first rule matching input.
func (a *Assistant) FindMatch(ctx context.Context, input string) (rule.Rule, error) {
	return a.matcher.FindMatch(input, a.rules.Load(ctx))
}

// Evaluation pairs the matched rule with the response it produced. Rule is
// nil when nothing matched.
type Evaluation struct {
	Rule     *rule.Rule
	Response response.Response
}

// Evaluate matches and resolves input against one snapshot of the rules.
func (a *Assistant) Evaluate(ctx context.Context, input string, modality rule.ResponseType) Evaluation {
	set := a.rules.Load(ctx)
	matched, err := a.matcher.FindMatch(input, set)
	if err != nil {
		if errors.Is(err, match.ErrNoCatchAll) {
			a.logger.Warn("rule set has no catch-all", zap.Int("rules", len(set)))
		}
		return Evaluation{Response: a.resolver.Resolve(nil, input, modality, set)}
	}
	return Evaluation{Rule: &matched, Response: a.resolver.Resolve(&matched, input, modality, set)}
}

// ProcessInput answers input without recording it. It always produces a
// response.
func (a *Assistant) ProcessInput(ctx context.Context, input string, modality rule.ResponseType) response.Response {
	return a.Evaluate(ctx, input, modality).Response
}

// Chat answers input and records both sides in the current session,
// creating one when none is current. Blank input is rejected with
// match.ErrNoMatch and nothing is recorded.
func (a *Assistant) Chat(ctx context.Context, input string, modality rule.ResponseType) (Turn, error) {
	if strings.TrimSpace(input) == "" {
		return Turn{}, match.ErrNoMatch
	}

	sessionID, ok := a.sessions.GetCurrent(ctx)
	if !ok {
		var err error
		sessionID, err = a.sessions.CreateSession(ctx, "")
		if err != nil {
			return Turn{}, fmt.Errorf("create session: %w", err)
		}
	}

	if !a.sessions.AppendMessage(ctx, sessionID, model.Message{Type: model.MessageUser, Content: input}) {
		return Turn{}, chat.ErrSessionNotFound
	}

	resp := a.ProcessInput(ctx, input, modality)
	a.sessions.AppendMessage(ctx, sessionID, model.Message{
		Type:         model.MessageAssistant,
		Content:      resp.Value,
		ResponseType: resp.Type,
		Followup:     resp.Followup,
	})

	return Turn{SessionID: sessionID, Response: resp}, nil
}

func (a *Assistant) CreateSession(ctx context.Context, titleHint string) (string, error) {
	return a.sessions.CreateSession(ctx, titleHint)
}

func (a *Assistant) AppendMessage(ctx context.Context, sessionID string, msg model.Message) bool {
	return a.sessions.AppendMessage(ctx, sessionID, msg)
}

func (a *Assistant) DeleteSession(ctx context.Context, sessionID string) bool {
	return a.sessions.DeleteSession(ctx, sessionID)
}

func (a *Assistant) ClearAll(ctx context.Context) bool {
	return a.sessions.ClearAll(ctx)
}

func (a *Assistant) SetCurrent(ctx context.Context, sessionID string) bool {
	return a.sessions.SetCurrent(ctx, sessionID)
}

func (a *Assistant) GetCurrent(ctx context.Context) (string, bool) {
	return a.sessions.GetCurrent(ctx)
}

func (a *Assistant) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	return a.sessions.GetSession(ctx, sessionID)
}

func (a *Assistant) ListSessions(ctx context.Context) []model.Session {
	return a.sessions.ListSessions(ctx)
}

// Export serializes the persisted sessions and rule override.
func (a *Assistant) Export(ctx context.Context) (Export, error) {
	out := Export{
		Version:    ExportVersion,
		ExportedAt: a.now().UTC(),
		RuleSource: a.rules.Source(),
		Sessions:   a.sessions.Snapshot(ctx),
	}
	doc, ok, err := a.rules.Override(ctx)
	if err != nil {
		return Export{}, fmt.Errorf("read rule override: %w", err)
	}
	if ok {
		out.Override = &doc
	}
	return out, nil
}

// Import restores an export. The whole document is validated before
// anything is written. An export without an override removes the current one.
func (a *Assistant) Import(ctx context.Context, in Export) error {
	if in.Version == "" {
		return fmt.Errorf("%w: missing version", ErrInvalidExport)
	}
	if err := in.Sessions.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if in.Override != nil {
		if err := in.Override.Rules.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}
	}

	if err := a.sessions.Restore(ctx, in.Sessions); err != nil {
		return err
	}
	if in.Override != nil {
		if err := a.rules.Replace(ctx, in.Override.Rules); err != nil {
			return err
		}
	} else {
		a.rules.ResetOverride(ctx)
	}
	a.logger.Info("import complete", zap.Int("sessions", len(in.Sessions.Chats)), zap.Bool("override", in.Override != nil))
	return nil
}
