package domain

import (
	"strings"
	"time"
)

// Lang is a reply language tag.
type Lang string

const (
	LangSwahili Lang = "sw"
	LangEnglish Lang = "en"
	LangAuto    Lang = "auto"
)

// ParseLang normalizes s to a known Lang, or returns "".
func ParseLang(s string) Lang {
	switch Lang(strings.ToLower(strings.TrimSpace(s))) {
	case LangSwahili:
		return LangSwahili
	case LangEnglish:
		return LangEnglish
	case LangAuto:
		return LangAuto
	}
	return ""
}

// LanguageMode is what the user selected: AUTO or a forced language.
type LanguageMode string

const (
	ModeAuto    LanguageMode = "AUTO"
	ModeSwahili LanguageMode = "sw"
	ModeEnglish LanguageMode = "en"
)

// StrategyLevel records how far a conversation has progressed.
type StrategyLevel string

const (
	StrategyIdea      StrategyLevel = "IDEA"
	StrategyPlan      StrategyLevel = "PLAN"
	StrategyExecution StrategyLevel = "EXECUTION"
)

// ParseStrategyLevel normalizes s, or returns "".
func ParseStrategyLevel(s string) StrategyLevel {
	switch StrategyLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case StrategyIdea:
		return StrategyIdea
	case StrategyPlan:
		return StrategyPlan
	case StrategyExecution:
		return StrategyExecution
	}
	return ""
}

// ConversationState is short-lived memory for one context key.
type ConversationState struct {
	Topic         string        `json:"topic,omitempty"`
	Objective     string        `json:"objective,omitempty"`
	LastPlan      string        `json:"lastPlan,omitempty"`
	StrategyLevel StrategyLevel `json:"strategyLevel,omitempty"`
	Lang          Lang          `json:"lang,omitempty"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Informative reports whether any field besides UpdatedAt carries content.
func (s *ConversationState) Informative() bool {
	if s == nil {
		return false
	}
	return strings.TrimSpace(s.Topic) != "" ||
		strings.TrimSpace(s.Objective) != "" ||
		strings.TrimSpace(s.LastPlan) != "" ||
		s.StrategyLevel != "" ||
		s.Lang != ""
}

// Expired reports whether the state is older than ttl at now.
func (s *ConversationState) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.UpdatedAt) > ttl
}

// Priority of an ActionItem.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ActionItem is one machine-readable next step proposed by the model.
type ActionItem struct {
	Title    string   `json:"title"`
	Steps    []string `json:"steps,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	ETA      string   `json:"eta,omitempty"`
}

// AiMeta is the parsed model output.
type AiMeta struct {
	Text     string             `json:"text"`
	Actions  []ActionItem       `json:"actions"`
	NextMove string             `json:"nextMove,omitempty"`
	Lang     Lang               `json:"lang,omitempty"`
	Memory   *ConversationState `json:"memory,omitempty"`
}
