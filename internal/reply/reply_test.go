package reply

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"biashara-copilot/internal/domain"
)

func wire(text, tail string) string {
	return ReplyMarker + "\n" + text + "\n" + ActionsMarker + "\n" + tail
}

func TestParse_RoundTrip(t *testing.T) {
	raw := wire("Hello", `{"actions":[{"title":"Do X"}],"nextMove":"Call supplier","lang":"en"}`)

	meta := Parse(raw)
	require.Equal(t, "Hello", meta.Text)
	require.Equal(t, []domain.ActionItem{{Title: "Do X"}}, meta.Actions)
	require.Equal(t, "Call supplier", meta.NextMove)
	require.Equal(t, domain.LangEnglish, meta.Lang)
	require.Nil(t, meta.Memory)
}

func TestFormat_ParsesBack(t *testing.T) {
	raw, err := Format("Habari", Payload{
		Lang:     domain.LangSwahili,
		NextMove: "Piga simu",
		Actions:  []domain.ActionItem{{Title: "Restock sugar", Steps: []string{"Call supplier"}, Priority: domain.PriorityHigh}},
		Memory:   &domain.ConversationState{Topic: "stock", StrategyLevel: domain.StrategyPlan},
	})
	require.NoError(t, err)
	require.NotContains(t, raw, "updatedAt")

	meta := Parse(raw)
	require.Equal(t, "Habari", meta.Text)
	require.Equal(t, domain.LangSwahili, meta.Lang)
	require.Len(t, meta.Actions, 1)
	require.Equal(t, domain.PriorityHigh, meta.Actions[0].Priority)
	require.NotNil(t, meta.Memory)
	require.Equal(t, "stock", meta.Memory.Topic)
	require.Equal(t, domain.StrategyPlan, meta.Memory.StrategyLevel)
}

func TestParse_DegradesToPlainText(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "malformed json", raw: wire("Hello", `{"actions":[{"title":"Do X"`)},
		{name: "no markers", raw: "Just a plain answer."},
		{name: "missing actions marker", raw: ReplyMarker + "\nHello"},
		{name: "misordered markers", raw: ActionsMarker + "\n{}\n" + ReplyMarker + "\nHello"},
		{name: "empty tail", raw: wire("Hello", "  ")},
		{name: "array root", raw: wire("Hello", `[{"title":"x"}]`)},
		{name: "schema mismatch", raw: wire("Hello", `{"actions":"not-a-list"}`)},
		{name: "trailing data", raw: wire("Hello", `{"actions":[]} {"actions":[]}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta := Parse(tc.raw)
			require.Equal(t, tc.raw, meta.Text)
			require.NotNil(t, meta.Actions)
			require.Empty(t, meta.Actions)
			require.Nil(t, meta.Memory)
		})
	}
}

func TestParse_CoercesActions(t *testing.T) {
	raw := wire("Plan", `{
		"actions": [
			{"title": "  Count stock  ", "priority": "high", "steps": ["a", "", "  ", 3, "b"], "eta": "2d"},
			{"title": ""},
			{"steps": ["orphan"]},
			"not an object",
			{"title": "Call bank", "priority": "urgent"}
		]
	}`)

	meta := Parse(raw)
	require.Equal(t, "Plan", meta.Text)
	require.Equal(t, []domain.ActionItem{
		{Title: "Count stock", Priority: domain.PriorityHigh, Steps: []string{"a", "b"}, ETA: "2d"},
		{Title: "Call bank"},
	}, meta.Actions)
}

func TestParse_ActionSchemaDropsEntries(t *testing.T) {
	raw := wire("Plan", `{
		"actions": [
			{"title": 42},
			{"title": "   "},
			{"title": "Restock", "steps": "buy flour"},
			{"title": "Restock", "steps": ["buy flour"], "priority": 1, "eta": 3}
		]
	}`)

	meta := Parse(raw)
	require.Equal(t, "Plan", meta.Text)
	require.Equal(t, []domain.ActionItem{{Title: "Restock", Steps: []string{"buy flour"}}}, meta.Actions)
}

func TestActionSchema(t *testing.T) {
	require.NoError(t, compiledAction.Validate(map[string]any{"title": "Count stock", "steps": []any{}}))
	require.Error(t, compiledAction.Validate(map[string]any{"title": "\t"}))
	require.Error(t, compiledAction.Validate(map[string]any{"steps": []any{"x"}}))
	require.Error(t, compiledAction.Validate("Count stock"))
}

func TestParse_MemoryFieldTypesAreGated(t *testing.T) {
	raw := wire("Sawa", `{"memory":{"topic":5}}`)

	meta := Parse(raw)
	require.Equal(t, raw, meta.Text)
	require.Nil(t, meta.Memory)
	require.Empty(t, meta.Actions)
}

func TestParse_MemoryAndLang(t *testing.T) {
	raw := wire("Sawa", `{"lang":"SW","memory":{"topic":"pricing","objective":"raise margin","strategyLevel":"execution"}}`)

	meta := Parse(raw)
	require.Equal(t, domain.LangSwahili, meta.Lang)
	require.NotNil(t, meta.Memory)
	require.Equal(t, "pricing", meta.Memory.Topic)
	require.Equal(t, "raise margin", meta.Memory.Objective)
	require.Equal(t, domain.StrategyExecution, meta.Memory.StrategyLevel)
}

func TestParse_CodeFencedTail(t *testing.T) {
	raw := wire("Hi", "```json\n{\"nextMove\":\"Check cash\"}\n```")

	meta := Parse(raw)
	require.Equal(t, "Hi", meta.Text)
	require.Equal(t, "Check cash", meta.NextMove)
}

func TestReplyPrefix(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"", ""},
		{"Hello", "Hello"},
		{"<<<REP", ""},
		{ReplyMarker, ""},
		{ReplyMarker + "\nHello wor", "Hello wor"},
		{ReplyMarker + "\nHello<<<ACT", "Hello"},
		{ReplyMarker + "\nHello\n" + ActionsMarker + "\n{\"actions\"", "Hello"},
		{"Hello <", "Hello"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ReplyPrefix(tc.raw), "raw=%q", tc.raw)
	}
}

func TestReplyPrefix_NeverShrinks(t *testing.T) {
	raw := wire("Habari ya leo, mkuu!", `{"actions":[]}`)
	prev := ""
	for i := 1; i <= len(raw); i++ {
		got := ReplyPrefix(raw[:i])
		require.True(t, strings.HasPrefix(got, prev), "prefix shrank at %d: %q -> %q", i, prev, got)
		prev = got
	}
	require.Equal(t, "Habari ya leo, mkuu!", prev)
}
