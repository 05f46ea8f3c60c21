// Package reply splits raw model output into user-facing text and the
// machine-readable actions block that follows it.
package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"biashara-copilot/internal/domain"
)

const (
	ReplyMarker   = "<<<REPLY>>>"
	ActionsMarker = "<<<ACTIONS>>>"
)

// payloadSchema gates the whole actions block: a document that fails it
// degrades the reply to plain text.
const payloadSchema = `{
	"type": "object",
	"properties": {
		"lang": {"type": "string"},
		"nextMove": {"type": "string"},
		"actions": {"type": "array"},
		"memory": {
			"type": ["object", "null"],
			"properties": {
				"topic": {"type": "string"},
				"objective": {"type": "string"},
				"lastPlan": {"type": "string"},
				"strategyLevel": {"type": "string"}
			}
		}
	}
}`

// actionSchema decides which entries of "actions" are kept. Entries that fail
// it are dropped one by one; the rest of the block still applies.
const actionSchema = `{
	"type": "object",
	"required": ["title"],
	"properties": {
		"title": {"type": "string", "pattern": "\\S"},
		"steps": {"type": "array"}
	}
}`

var (
	compiledPayload = jsonschema.MustCompileString("payload.schema.json", payloadSchema)
	compiledAction  = jsonschema.MustCompileString("action.schema.json", actionSchema)
)

// Payload is the JSON tail of the wire format.
type Payload struct {
	Lang     domain.Lang               `json:"lang,omitempty"`
	NextMove string                    `json:"nextMove,omitempty"`
	Actions  []domain.ActionItem       `json:"actions"`
	Memory   *domain.ConversationState `json:"memory,omitempty"`
}

type wireMemory struct {
	Topic         string `json:"topic,omitempty"`
	Objective     string `json:"objective,omitempty"`
	LastPlan      string `json:"lastPlan,omitempty"`
	StrategyLevel string `json:"strategyLevel,omitempty"`
}

// Parse never fails. Output that does not follow the marker contract is
// returned whole as plain text with no actions.
func Parse(raw string) domain.AiMeta {
	text, tail, ok := split(raw)
	if !ok {
		return plain(raw)
	}
	p, err := decodePayload(tail)
	if err != nil {
		return plain(raw)
	}
	return domain.AiMeta{
		Text:     text,
		Actions:  p.Actions,
		NextMove: p.NextMove,
		Lang:     p.Lang,
		Memory:   p.Memory,
	}
}

// Format renders text and payload in the wire format Parse accepts.
func Format(text string, p Payload) (string, error) {
	w := struct {
		Lang     domain.Lang         `json:"lang,omitempty"`
		NextMove string              `json:"nextMove,omitempty"`
		Actions  []domain.ActionItem `json:"actions"`
		Memory   *wireMemory         `json:"memory,omitempty"`
	}{Lang: p.Lang, NextMove: p.NextMove, Actions: p.Actions}
	if w.Actions == nil {
		w.Actions = []domain.ActionItem{}
	}
	if m := p.Memory; m != nil {
		w.Memory = &wireMemory{
			Topic:         m.Topic,
			Objective:     m.Objective,
			LastPlan:      m.LastPlan,
			StrategyLevel: string(m.StrategyLevel),
		}
	}
	tail, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("reply: marshal payload: %w", err)
	}
	return ReplyMarker + "\n" + text + "\n" + ActionsMarker + "\n" + string(tail), nil
}

// ReplyPrefix returns the part of a possibly incomplete raw reply that is safe
// to show: text after the reply marker and before the actions marker. A
// trailing fragment that could be the start of a marker is held back, as is
// trailing whitespace, so the visible prefix never shrinks as more text arrives.
func ReplyPrefix(raw string) string {
	s := raw
	trimmed := strings.TrimLeft(s, " \t\r\n")
	if strings.HasPrefix(trimmed, ReplyMarker) {
		s = trimmed[len(ReplyMarker):]
	} else if strings.HasPrefix(ReplyMarker, trimmed) {
		return ""
	} else if i := strings.Index(s, ReplyMarker); i >= 0 {
		s = s[i+len(ReplyMarker):]
	}
	if i := strings.Index(s, ActionsMarker); i >= 0 {
		s = s[:i]
	} else {
		s = s[:len(s)-partialSuffix(s, ActionsMarker)]
	}
	return strings.TrimSpace(s)
}

// partialSuffix returns the length of the longest suffix of s that is a proper
// prefix of marker.
func partialSuffix(s, marker string) int {
	n := len(marker) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

func split(raw string) (text, tail string, ok bool) {
	r := strings.Index(raw, ReplyMarker)
	if r < 0 {
		return "", "", false
	}
	rest := raw[r+len(ReplyMarker):]
	a := strings.Index(rest, ActionsMarker)
	if a < 0 {
		return "", "", false
	}
	return strings.TrimSpace(rest[:a]), rest[a+len(ActionsMarker):], true
}

func plain(raw string) domain.AiMeta {
	return domain.AiMeta{Text: raw, Actions: []domain.ActionItem{}}
}

func decodePayload(tail string) (Payload, error) {
	body := stripFence(strings.TrimSpace(tail))
	if body == "" {
		return Payload{}, errors.New("reply: empty actions block")
	}

	var generic any
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return Payload{}, fmt.Errorf("reply: decode actions block: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Payload{}, errors.New("reply: trailing data after actions block")
	}
	if err := compiledPayload.Validate(generic); err != nil {
		return Payload{}, fmt.Errorf("reply: actions block invalid: %w", err)
	}

	doc := generic.(map[string]any)
	items, _ := doc["actions"].([]any)
	p := Payload{
		Lang:     domain.ParseLang(asString(doc["lang"])),
		NextMove: strings.TrimSpace(asString(doc["nextMove"])),
		Actions:  make([]domain.ActionItem, 0, len(items)),
	}
	for _, v := range items {
		if item, ok := coerceAction(v); ok {
			p.Actions = append(p.Actions, item)
		}
	}
	if m, ok := doc["memory"].(map[string]any); ok {
		p.Memory = &domain.ConversationState{
			Topic:         strings.TrimSpace(asString(m["topic"])),
			Objective:     strings.TrimSpace(asString(m["objective"])),
			LastPlan:      strings.TrimSpace(asString(m["lastPlan"])),
			StrategyLevel: domain.ParseStrategyLevel(asString(m["strategyLevel"])),
		}
	}
	return p, nil
}

// coerceAction keeps an entry that satisfies actionSchema. Unknown priorities
// and non-string steps or eta are dropped from the item, not the item itself.
func coerceAction(v any) (domain.ActionItem, bool) {
	if err := compiledAction.Validate(v); err != nil {
		return domain.ActionItem{}, false
	}
	m := v.(map[string]any)
	item := domain.ActionItem{
		Title:    strings.TrimSpace(asString(m["title"])),
		Priority: coercePriority(asString(m["priority"])),
		ETA:      strings.TrimSpace(asString(m["eta"])),
	}
	steps, _ := m["steps"].([]any)
	for _, step := range steps {
		if s := strings.TrimSpace(asString(step)); s != "" {
			item.Steps = append(item.Steps, s)
		}
	}
	return item, true
}

func coercePriority(s string) domain.Priority {
	switch domain.Priority(strings.ToUpper(strings.TrimSpace(s))) {
	case domain.PriorityLow:
		return domain.PriorityLow
	case domain.PriorityMedium:
		return domain.PriorityMedium
	case domain.PriorityHigh:
		return domain.PriorityHigh
	}
	return ""
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// stripFence removes a surrounding markdown code fence some models add.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
