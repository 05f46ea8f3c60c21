package usecase

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/reply"
)

const (
	maxHistoryTurns    = 12
	shortMessageChars  = 26
	shortMessageTokens = 3
	minClassifyChars   = 6
)

// PromptInput is everything the packer folds into one outbound block.
type PromptInput struct {
	Message    string
	Mode       domain.LanguageMode
	History    []domain.ChatTurn
	Context    domain.ContextAttributes
	State      *domain.ConversationState
	ImageCount int
}

// BuildPrompt composes the single instruction block sent to the backend.
func BuildPrompt(in PromptInput) string {
	lang := ResolveLanguage(in.Mode, in.Message, in.State, in.History)

	sections := []string{
		"SYSTEM RULES:\n" + systemRules(lang),
		"OUTPUT FORMAT:\n" + outputContract(),
	}
	if s := continuitySection(in.State); s != "" {
		sections = append(sections, "CONTINUITY:\n"+s)
	}
	if s := contextSection(in.Context); s != "" {
		sections = append(sections, "CONTEXT:\n"+s)
	}
	if s := historySection(TrimHistory(in.History)); s != "" {
		sections = append(sections, "HISTORY:\n"+s)
	}
	if in.ImageCount > 0 {
		sections = append(sections, fmt.Sprintf("ATTACHED IMAGES: %d", in.ImageCount))
	}
	sections = append(sections, "USER MESSAGE:\n"+in.Message)
	return strings.Join(sections, "\n\n")
}

// TrimHistory keeps the most recent turns.
func TrimHistory(history []domain.ChatTurn) []domain.ChatTurn {
	if len(history) <= maxHistoryTurns {
		return history
	}
	return history[len(history)-maxHistoryTurns:]
}

// ResolveLanguage returns the language the reply should be forced into, or ""
// to let the model follow the user. In AUTO mode only short messages are
// overridden, so a one-word reply does not flip the conversation language.
func ResolveLanguage(mode domain.LanguageMode, message string, state *domain.ConversationState, history []domain.ChatTurn) domain.Lang {
	switch mode {
	case domain.ModeSwahili:
		return domain.LangSwahili
	case domain.ModeEnglish:
		return domain.LangEnglish
	}
	if !isShort(message) {
		return ""
	}
	if state != nil && (state.Lang == domain.LangSwahili || state.Lang == domain.LangEnglish) {
		return state.Lang
	}
	for i := len(history) - 1; i >= 0; i-- {
		t := history[i]
		if t.Role != domain.RoleUser || utf8.RuneCountInString(strings.TrimSpace(t.Content)) < minClassifyChars {
			continue
		}
		return ClassifyLanguage(t.Content)
	}
	return ""
}

func isShort(message string) bool {
	m := strings.TrimSpace(message)
	return utf8.RuneCountInString(m) <= shortMessageChars || len(strings.Fields(m)) <= shortMessageTokens
}

var swahiliMarkers = wordSet(
	"na", "ya", "wa", "za", "kwa", "ni", "la", "cha", "hii", "hiyo", "nini", "gani", "je",
	"sana", "leo", "habari", "asante", "mimi", "wewe", "yangu", "langu", "biashara", "duka",
	"bei", "nataka", "naomba", "tafadhali", "kuna", "hapana", "ndiyo", "sawa", "mkuu", "vipi",
	"kama", "lakini", "pia", "bado", "mauzo", "pesa", "wateja", "nifanye", "jinsi", "kuongeza",
)

var englishMarkers = wordSet(
	"the", "and", "is", "are", "to", "of", "for", "what", "how", "my", "i", "you", "it",
	"this", "that", "with", "please", "can", "do", "sales", "price", "shop", "want", "need",
	"hello", "thanks", "yes", "no", "in", "on", "should", "customers", "increase", "stock",
)

// ClassifyLanguage guesses sw or en from marker words. It returns "" when
// neither side wins.
func ClassifyLanguage(text string) domain.Lang {
	var sw, en int
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		if _, ok := swahiliMarkers[w]; ok {
			sw++
		}
		if _, ok := englishMarkers[w]; ok {
			en++
		}
	}
	switch {
	case sw > en:
		return domain.LangSwahili
	case en > sw:
		return domain.LangEnglish
	}
	return ""
}

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

func systemRules(lang domain.Lang) string {
	rules := []string{
		"1) You are a practical business copilot for small retail and service businesses.",
		"2) Give concrete, short advice the owner can act on today.",
		"3) Use the currency and locale from the context when numbers are involved.",
		"4) Do not invent sales figures. Ask when information is missing.",
	}
	switch lang {
	case domain.LangSwahili:
		rules = append(rules, "5) Reply in Swahili.")
	case domain.LangEnglish:
		rules = append(rules, "5) Reply in English.")
	default:
		rules = append(rules, "5) Reply in the language the user writes in (Swahili or English).")
	}
	return strings.Join(rules, "\n")
}

func outputContract() string {
	return strings.Join([]string{
		reply.ReplyMarker,
		"<the reply shown to the user>",
		reply.ActionsMarker,
		`{"lang":"sw"|"en","nextMove":"string","actions":[{"title":"string","steps":["string"],"priority":"LOW"|"MEDIUM"|"HIGH","eta":"string"}],"memory":{"topic":"string","objective":"string","lastPlan":"string","strategyLevel":"IDEA"|"PLAN"|"EXECUTION"}}`,
		"Always emit both markers. The JSON must be a single object on the lines after the actions marker.",
	}, "\n")
}

func continuitySection(st *domain.ConversationState) string {
	if !st.Informative() {
		return ""
	}
	return bulletList([][2]string{
		{"Topic", st.Topic},
		{"Objective", st.Objective},
		{"Last plan", st.LastPlan},
		{"Strategy level", string(st.StrategyLevel)},
	})
}

func contextSection(a domain.ContextAttributes) string {
	return bulletList([][2]string{
		{"Organization", a.OrgName},
		{"Organization id", a.OrgID},
		{"Store", a.Store},
		{"Store id", a.StoreID},
		{"Role", a.Role},
		{"Locale", a.Locale},
		{"Currency", a.Currency},
	})
}

func historySection(history []domain.ChatTurn) string {
	var lines []string
	for _, t := range history {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		speaker := "User"
		if t.Role == domain.RoleAssistant {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+content)
	}
	return strings.Join(lines, "\n")
}

func bulletList(pairs [][2]string) string {
	var lines []string
	for _, p := range pairs {
		if v := strings.TrimSpace(p[1]); v != "" {
			lines = append(lines, "- "+p[0]+": "+v)
		}
	}
	return strings.Join(lines, "\n")
}
