package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/canned-assistant/backend/internal/model/rule"
)

func technicalSet() rule.Set {
	return rule.Set{
		{Match: rule.Any(), Type: rule.TypeText, Value: "fallback", Priority: rule.Priority(999)},
		{Match: rule.Literal("Can you help with technical issues?"), Type: rule.TypeText, Value: "technical", Priority: rule.Priority(5)},
	}.Sorted()
}

func TestFindMatchIsCaseInsensitiveByDefault(t *testing.T) {
	got, err := FindMatch("CAN YOU HELP WITH TECHNICAL ISSUES?", technicalSet())
	require.NoError(t, err)
	assert.Equal(t, "technical", got.Value)
}

func TestFindMatchTrimsInput(t *testing.T) {
	got, err := FindMatch("  can you help with technical issues?\n", technicalSet())
	require.NoError(t, err)
	assert.Equal(t, "technical", got.Value)
}

func TestFindMatchRequiresEquality(t *testing.T) {
	set := technicalSet()
	for _, input := range []string{
		"Can you help with technical issues",
		"Can you help with technical issues? Please",
		"help with technical",
		"Can you help with  technical issues?",
	} {
		got, err := FindMatch(input, set)
		require.NoError(t, err, input)
		assert.True(t, got.IsCatchAll(), "input %q should fall through to the catch-all", input)
	}
}

func TestFindMatchCaseSensitiveRule(t *testing.T) {
	set := rule.Set{
		{Match: rule.Literal("ID"), Type: rule.TypeText, Value: "exact", CaseSensitive: true, Priority: rule.Priority(1)},
		{Match: rule.Any(), Type: rule.TypeText, Value: "fallback"},
	}.Sorted()

	got, err := FindMatch("ID", set)
	require.NoError(t, err)
	assert.Equal(t, "exact", got.Value)

	got, err = FindMatch("id", set)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Value)
}

func TestFindMatchBlankInput(t *testing.T) {
	_, err := FindMatch("   ", technicalSet())
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestFindMatchWithoutCatchAll(t *testing.T) {
	set := rule.Set{{Match: rule.Literal("hello"), Type: rule.TypeText, Value: "hi"}}
	_, err := FindMatch("goodbye", set)
	assert.ErrorIs(t, err, ErrNoCatchAll)
	assert.NotErrorIs(t, err, ErrNoMatch)
}

func TestLowerPriorityNumberWins(t *testing.T) {
	set := rule.Set{
		{Match: rule.Literal("hello"), Type: rule.TypeText, Value: "late", Priority: rule.Priority(20)},
		{Match: rule.Literal("HELLO"), Type: rule.TypeText, Value: "early", Priority: rule.Priority(3)},
		{Match: rule.Any(), Type: rule.TypeText, Value: "fallback", Priority: rule.Priority(999)},
	}.Sorted()
	got, err := FindMatch("Hello", set)
	require.NoError(t, err)
	assert.Equal(t, "early", got.Value)
}

func TestIdenticalRulesResolveByInsertionOrder(t *testing.T) {
	set := rule.Set{
		{Match: rule.Literal("hello"), Type: rule.TypeText, Value: "first", Priority: rule.Priority(3)},
		{Match: rule.Literal("hello"), Type: rule.TypeText, Value: "second", Priority: rule.Priority(3)},
	}.Sorted()
	got, err := FindMatch("hello", set)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Value)
}

func TestCatchAllWithLowPriorityNumberShadowsLiterals(t *testing.T) {
	// The wildcard is only last by convention; a misconfigured priority is
	// still resolved deterministically by sort order.
	set := rule.Set{
		{Match: rule.Literal("hello"), Type: rule.TypeText, Value: "hello", Priority: rule.Priority(10)},
		{Match: rule.Any(), Type: rule.TypeText, Value: "fallback", Priority: rule.Priority(1)},
	}.Sorted()
	got, err := FindMatch("hello", set)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Value)

	set = rule.Set{
		{Match: rule.Any(), Type: rule.TypeText, Value: "fallback"},
		{Match: rule.Literal("hello"), Type: rule.TypeText, Value: "hello"},
	}.Sorted()
	got, err = FindMatch("hello", set)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Value, "equal priorities keep insertion order")
}

func TestLegacyArrayMatchIsFlaggedOnce(t *testing.T) {
	var r rule.Rule
	require.NoError(t, r.Match.UnmarshalJSON([]byte(`["hi","hey"]`)))
	r.Type = rule.TypeText
	r.Value = "greeting"
	set := rule.Set{r, {Match: rule.Any(), Type: rule.TypeText, Value: "fallback"}}

	core, logs := observer.New(zap.WarnLevel)
	m := New(zap.New(core))

	for _, input := range []string{"HEY", "hi"} {
		got, err := m.FindMatch(input, set)
		require.NoError(t, err)
		assert.Equal(t, "greeting", got.Value)
	}
	got, err := m.FindMatch("hi hey", set)
	require.NoError(t, err)
	assert.True(t, got.IsCatchAll())

	assert.Equal(t, 1, logs.FilterMessage("matched rule uses deprecated array match").Len())
}

func TestCatchAllCoversArbitraryInput(t *testing.T) {
	set := rule.Seed().Sorted()
	for _, input := range []string{"x", "what is the weather", "Hello!", "show me a demo please"} {
		got, err := FindMatch(input, set)
		require.NoError(t, err)
		assert.True(t, got.IsCatchAll(), input)
	}
}
