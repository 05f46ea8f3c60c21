package domain

import "slices"

// Role values for ChatTurn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is one prior exchange line shown to the model as history.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextAttributes describe who is asking. Empty fields are omitted from prompts.
type ContextAttributes struct {
	OrgID    string `json:"orgId,omitempty"`
	OrgName  string `json:"orgName,omitempty"`
	StoreID  string `json:"storeId,omitempty"`
	Store    string `json:"store,omitempty"`
	Role     string `json:"role,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// GlobalContextKey scopes memory when no organization is known.
const GlobalContextKey = "global"

// ContextKey returns the memory scope for the attributes.
func (a ContextAttributes) ContextKey() string {
	if a.OrgID == "" {
		return GlobalContextKey
	}
	return "org:" + a.OrgID
}

// AttachedImage is held only for the outbound request it belongs to.
type AttachedImage struct {
	ID           string `json:"id"`
	SourceRef    string `json:"sourceRef,omitempty"`
	EmbeddedData string `json:"embeddedData"`
}

// PayloadKind tags a RetryPayload.
type PayloadKind string

const (
	PayloadChat   PayloadKind = "chat"
	PayloadVision PayloadKind = "vision"
	PayloadImage  PayloadKind = "image"
)

// RetryPayload is the last attempted request, kept verbatim for a user retry.
// Text and History are set for chat and vision, Images only for vision and
// Prompt only for image.
type RetryPayload struct {
	Kind    PayloadKind
	Text    string
	History []ChatTurn
	Images  []AttachedImage
	Prompt  string
	Mode    LanguageMode
	Context ContextAttributes
}

// NewChatPayload copies history so later changes by the caller do not alter
// what a retry resends.
func NewChatPayload(text string, history []ChatTurn) RetryPayload {
	return RetryPayload{Kind: PayloadChat, Text: text, History: slices.Clone(history)}
}

func NewVisionPayload(text string, history []ChatTurn, images []AttachedImage) RetryPayload {
	return RetryPayload{Kind: PayloadVision, Text: text, History: slices.Clone(history), Images: slices.Clone(images)}
}

func NewImagePayload(prompt string) RetryPayload {
	return RetryPayload{Kind: PayloadImage, Prompt: prompt}
}

// PackedTurn is one outbound chat or vision request after packing.
type PackedTurn struct {
	Prompt  string
	Lang    Lang
	Context ContextAttributes
	Images  []AttachedImage
}

// GeneratedImage is the result of an image generation request. Either URL or
// Data (base64) is set.
type GeneratedImage struct {
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}
