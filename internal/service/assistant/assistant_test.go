package assistant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/canned-assistant/backend/internal/analysis/match"
	model "github.com/zhouzirui/canned-assistant/backend/internal/model/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/chat"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/response"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rules"
	"github.com/zhouzirui/canned-assistant/backend/internal/service/rulesync"
	"github.com/zhouzirui/canned-assistant/backend/internal/storage"
)

func newAssistant(t *testing.T, bus *rulesync.Bus, origin string) *Assistant {
	t.Helper()
	opts := rules.Options{
		Storage: storage.NewMemory(),
		Origin:  origin,
	}
	if bus != nil {
		opts.Publisher = bus
	}
	store := rules.NewStore(opts)
	if bus != nil {
		t.Cleanup(rulesync.NewListener(rules.OverrideKey, origin, store, nil, nil).Attach(bus))
	}
	return New(Options{
		Rules:    store,
		Sessions: chat.NewService(chat.Options{}),
	})
}

func technicalRules() rule.Set {
	return rule.Set{
		{Match: rule.Any(), Type: rule.TypeText, Value: "fallback"},
		{
			Match:    rule.Literal("Can you help with technical issues?"),
			Type:     rule.TypeText,
			Value:    "Yes, I can help.",
			Priority: rule.Priority(5),
			Followup: []string{"Show me a demo"},
		},
		{Match: rule.Literal("Show me a demo"), Type: rule.TypeImage, Value: "images/demo.png", Priority: rule.Priority(10)},
	}
}

func TestProcessInputMatchesIgnoringCase(t *testing.T) {
	ctx := context.Background()
	a := newAssistant(t, nil, "")
	require.NoError(t, a.ReplaceRules(ctx, technicalRules()))

	got := a.ProcessInput(ctx, "  can you help with TECHNICAL issues?  ", rule.TypeText)
	want := response.Response{Type: rule.TypeText, Value: "Yes, I can help.", Followup: []string{"Show me a demo"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected response (-want +got):\n%s", diff)
	}

	got = a.ProcessInput(ctx, "Can you help with technical issues?", rule.TypeImage)
	assert.Equal(t, rule.TypeImage, got.Type)
	assert.Equal(t, "images/demo.png", got.Value)

	assert.Equal(t, "fallback", a.ProcessInput(ctx, "unknown", rule.TypeText).Value)
}

func TestProcessInputApologisesWithoutCatchAll(t *testing.T) {
	ctx := context.Background()
	a := newAssistant(t, nil, "")
	require.NoError(t, a.ReplaceRules(ctx, rule.Set{{Match: rule.Literal("Hello"), Type: rule.TypeText, Value: "hi"}}))

	got := a.ProcessInput(ctx, "something else", rule.TypeText)
	assert.Equal(t, response.ApologyText, got.Value)
	assert.Empty(t, got.Followup)

	_, err := a.FindMatch(ctx, "something else")
	assert.ErrorIs(t, err, match.ErrNoCatchAll)
	_, err = a.FindMatch(ctx, "   ")
	assert.ErrorIs(t, err, match.ErrNoMatch)
}

func TestGetAllRulesLoadsEmbeddedRules(t *testing.T) {
	a := newAssistant(t, nil, "")
	set := a.GetAllRules(context.Background())
	assert.Equal(t, rule.SourceEmbedded, a.GetRulesSource())
	require.NotEmpty(t, set)
	_, ok := set.CatchAll()
	assert.True(t, ok)
}

func TestChatRecordsBothSides(t *testing.T) {
	ctx := context.Background()
	a := newAssistant(t, nil, "")

	turn, err := a.Chat(ctx, "hello", rule.TypeText)
	require.NoError(t, err)
	require.NotEmpty(t, turn.SessionID)

	again, err := a.Chat(ctx, "What can you do?", rule.TypeText)
	require.NoError(t, err)
	assert.Equal(t, turn.SessionID, again.SessionID, "chat continues the current session")

	session, err := a.GetSession(ctx, turn.SessionID)
	require.NoError(t, err)
	require.Len(t, session.Messages, 4)
	assert.Equal(t, "Hello", session.Title)
	assert.Equal(t, model.MessageUser, session.Messages[0].Type)
	assert.Equal(t, model.MessageAssistant, session.Messages[1].Type)
	assert.Equal(t, turn.Response.Value, session.Messages[1].Content)
	assert.Equal(t, turn.Response.Followup, session.Messages[1].Followup)

	_, err = a.Chat(ctx, "  ", rule.TypeText)
	assert.ErrorIs(t, err, match.ErrNoMatch)
}

func TestRulesPropagateBetweenContexts(t *testing.T) {
	ctx := context.Background()
	bus := rulesync.NewBus()
	admin := newAssistant(t, bus, "admin")
	chatSurface := newAssistant(t, bus, "chat")

	before := chatSurface.ProcessInput(ctx, "Can you help with technical issues?", rule.TypeText)
	require.NoError(t, admin.ReplaceRules(ctx, technicalRules()))

	if diff := cmp.Diff(technicalRules().Sorted(), chatSurface.GetAllRules(ctx)); diff != "" {
		t.Fatalf("chat context did not converge (-want +got):\n%s", diff)
	}
	after := chatSurface.ProcessInput(ctx, "Can you help with technical issues?", rule.TypeText)
	assert.NotEqual(t, before.Value, after.Value)
	assert.Equal(t, "Yes, I can help.", after.Value)
	assert.Equal(t, rule.SourceSync, chatSurface.GetRulesSource())
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newAssistant(t, nil, "")
	require.NoError(t, src.ReplaceRules(ctx, technicalRules()))
	_, err := src.Chat(ctx, "Show me a demo", rule.TypeImage)
	require.NoError(t, err)

	exported, err := src.Export(ctx)
	require.NoError(t, err)
	require.NotNil(t, exported.Override)
	assert.Equal(t, ExportVersion, exported.Version)

	data, err := json.Marshal(exported)
	require.NoError(t, err)
	var decoded Export
	require.NoError(t, json.Unmarshal(data, &decoded))

	dst := newAssistant(t, nil, "")
	require.NoError(t, dst.Import(ctx, decoded))
	assert.Len(t, dst.ListSessions(ctx), 1)
	assert.Equal(t, rule.SourceOverride, dst.GetRulesSource())
	if diff := cmp.Diff(src.GetAllRules(ctx), dst.GetAllRules(ctx)); diff != "" {
		t.Fatalf("imported rules differ (-src +dst):\n%s", diff)
	}
}

func TestImportWithoutOverrideRestoresDefaults(t *testing.T) {
	ctx := context.Background()
	src := newAssistant(t, nil, "")
	src.LoadRules(ctx)
	exported, err := src.Export(ctx)
	require.NoError(t, err)
	require.Nil(t, exported.Override)

	dst := newAssistant(t, nil, "")
	require.NoError(t, dst.ReplaceRules(ctx, technicalRules()))
	require.NoError(t, dst.Import(ctx, exported))

	assert.Equal(t, rule.SourceEmbedded, dst.GetRulesSource())
	again, err := dst.Export(ctx)
	require.NoError(t, err)
	assert.Nil(t, again.Override)
}

func TestEvaluateReportsTheRuleBehindTheResponse(t *testing.T) {
	ctx := context.Background()
	a := newAssistant(t, nil, "")
	require.NoError(t, a.ReplaceRules(ctx, technicalRules()))

	got := a.Evaluate(ctx, "CAN YOU HELP WITH TECHNICAL ISSUES?", rule.TypeText)
	require.NotNil(t, got.Rule)
	assert.Equal(t, "Can you help with technical issues?", got.Rule.Match.String())
	assert.Equal(t, got.Rule.Value, got.Response.Value)

	require.NoError(t, a.ReplaceRules(ctx, rule.Set{{Match: rule.Literal("Hello"), Type: rule.TypeText, Value: "hi"}}))
	miss := a.Evaluate(ctx, "anything", rule.TypeText)
	assert.Nil(t, miss.Rule)
	assert.Equal(t, response.ApologyText, miss.Response.Value)
}

func TestImportRejectsSchemaMismatch(t *testing.T) {
	ctx := context.Background()
	a := newAssistant(t, nil, "")
	_, err := a.CreateSession(ctx, "keep me")
	require.NoError(t, err)

	assert.ErrorIs(t, a.Import(ctx, Export{}), ErrInvalidExport)
	assert.ErrorIs(t, a.Import(ctx, Export{Version: ExportVersion}), ErrInvalidExport)
	assert.ErrorIs(t, a.Import(ctx, Export{
		Version:  ExportVersion,
		Sessions: model.Document{Chats: []model.Session{}, Settings: model.Settings{Version: model.DocumentVersion}},
		Override: &rule.OverrideDocument{Version: rule.OverrideVersion},
	}), ErrInvalidExport)

	assert.Len(t, a.ListSessions(ctx), 1)
}
