// Package backend speaks to the assistant backend on behalf of the
// orchestration pipeline. Every call goes through a dispatch.Dispatcher so
// timeouts and retries are applied uniformly.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"biashara-copilot/internal/dispatch"
	"biashara-copilot/internal/domain"
)

// tokenPayload is the JSON shape stored in SSM for the backend token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Dispatcher is satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Do(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

type contextBody struct {
	OrgID    string `json:"orgId,omitempty"`
	StoreID  string `json:"storeId,omitempty"`
	Role     string `json:"role,omitempty"`
	Locale   string `json:"locale,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type imageBody struct {
	ID   string `json:"id"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

type chatBody struct {
	Message string      `json:"message"`
	Lang    domain.Lang `json:"lang,omitempty"`
	Context contextBody `json:"context"`
	Images  []imageBody `json:"images,omitempty"`
}

type imageRequestBody struct {
	Prompt string `json:"prompt"`
}

type transcribeBody struct {
	Audio    string `json:"audio"`
	MimeType string `json:"mimeType"`
}

type taskBody struct {
	OrgID    string          `json:"orgId"`
	StoreID  string          `json:"storeId,omitempty"`
	Title    string          `json:"title"`
	Steps    []string        `json:"steps,omitempty"`
	Priority domain.Priority `json:"priority,omitempty"`
	ETA      string          `json:"eta,omitempty"`
	Source   string          `json:"source"`
}

// Client calls the backend routes. The bearer token is read from SSM on first
// use; once a fetch succeeds it is reused for the lifetime of the process.
type Client struct {
	baseURL     string
	dispatcher  Dispatcher
	getter      Getter
	paramPrefix string
	newTag      func() string

	tokenMu sync.Mutex
	token   string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithTagger replaces the request tag generator.
func WithTagger(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newTag = fn
		}
	}
}

func NewClient(d Dispatcher, ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if d == nil {
		return nil, errors.New("backend: dispatcher must not be nil")
	}
	if ps == nil {
		return nil, errors.New("backend: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("backend: parameter prefix must not be empty")
	}
	c := &Client{
		dispatcher:  d,
		getter:      ps,
		paramPrefix: paramPrefix,
		newTag:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	return c, nil
}

// TokenParameterName is the SSM parameter that holds the backend token.
func (c *Client) TokenParameterName() string {
	return c.paramPrefix + "/backend-token"
}

// Chat sends a packed chat turn and returns the raw reply text.
func (c *Client) Chat(ctx context.Context, in domain.PackedTurn) (string, error) {
	resp, err := c.post(ctx, dispatch.KindChat, "/chat", newChatBody(in))
	if err != nil {
		return "", err
	}
	return replyText(resp), nil
}

// Vision sends a packed turn with attached images.
func (c *Client) Vision(ctx context.Context, in domain.PackedTurn) (string, error) {
	if len(in.Images) == 0 {
		return "", errors.New("backend: Vision: at least one image is required")
	}
	resp, err := c.post(ctx, dispatch.KindVision, "/vision", newChatBody(in))
	if err != nil {
		return "", err
	}
	return replyText(resp), nil
}

func (c *Client) GenerateImage(ctx context.Context, prompt string) (domain.GeneratedImage, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return domain.GeneratedImage{}, errors.New("backend: GenerateImage: prompt must not be empty")
	}
	resp, err := c.post(ctx, dispatch.KindImage, "/images", imageRequestBody{Prompt: prompt})
	if err != nil {
		return domain.GeneratedImage{}, err
	}
	res := domain.GeneratedImage{
		URL:  field(resp, "url", "imageUrl"),
		Data: field(resp, "b64", "data"),
	}
	if res.URL == "" && res.Data == "" {
		return domain.GeneratedImage{}, fmt.Errorf("backend: GenerateImage: response carried no image: %s", dispatch.Clip(resp.Raw, 200))
	}
	return res, nil
}

// Transcribe converts recorded audio to text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", errors.New("backend: Transcribe: audio must not be empty")
	}
	if mimeType == "" {
		mimeType = "audio/mp4"
	}
	resp, err := c.post(ctx, dispatch.KindTranscribe, "/transcribe", transcribeBody{
		Audio:    base64.StdEncoding.EncodeToString(audio),
		MimeType: mimeType,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(replyText(resp)), nil
}

// CreateTask records one action item in the external task system. The request
// is sent once, keyed by its tag so the backend can drop duplicates.
func (c *Client) CreateTask(ctx context.Context, attrs domain.ContextAttributes, item domain.ActionItem) error {
	if strings.TrimSpace(attrs.OrgID) == "" {
		return errors.New("backend: CreateTask: org id must not be empty")
	}
	_, err := c.post(ctx, dispatch.KindTask, "/tasks", taskBody{
		OrgID:    attrs.OrgID,
		StoreID:  attrs.StoreID,
		Title:    item.Title,
		Steps:    item.Steps,
		Priority: item.Priority,
		ETA:      item.ETA,
		Source:   "copilot",
	})
	return err
}

// StreamRequest builds the event-stream variant of a chat turn. It is sent
// outside the dispatcher because the body is consumed incrementally.
func (c *Client) StreamRequest(ctx context.Context, in domain.PackedTurn) (*http.Request, error) {
	body, err := json.Marshal(newChatBody(in))
	if err != nil {
		return nil, fmt.Errorf("backend: marshal request: %w", err)
	}
	header, err := c.header(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	req.Header = header
	req.Header.Set("Accept", "text/event-stream")
	return req, nil
}

func (c *Client) post(ctx context.Context, kind dispatch.Kind, path string, payload any) (*dispatch.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("backend: marshal request: %w", err)
	}
	header, err := c.header(ctx)
	if err != nil {
		return nil, err
	}
	if kind == dispatch.KindTask {
		header.Set("Idempotency-Key", header.Get("X-Request-Id"))
	}
	return c.dispatcher.Do(ctx, dispatch.Request{
		Kind:   kind,
		Tag:    header.Get("X-Request-Id"),
		Method: http.MethodPost,
		URL:    c.baseURL + path,
		Header: header,
		Body:   body,
	})
}

func (c *Client) header(ctx context.Context) (http.Header, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+token)
	h.Set("X-Request-Id", c.newTag())
	return h, nil
}

// resolveToken caches only a successful fetch, so a failed or cancelled
// first call does not stick.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.token != "" {
		return c.token, nil
	}
	token, err := fetchToken(ctx, c.getter, c.TokenParameterName())
	if err != nil {
		return "", err
	}
	c.token = token
	return token, nil
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("backend: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("backend: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("backend: token is empty")
	}
	return tp.Token, nil
}

func newChatBody(in domain.PackedTurn) chatBody {
	b := chatBody{
		Message: in.Prompt,
		Lang:    in.Lang,
		Context: contextBody{
			OrgID:    in.Context.OrgID,
			StoreID:  in.Context.StoreID,
			Role:     in.Context.Role,
			Locale:   in.Context.Locale,
			Currency: in.Context.Currency,
		},
	}
	for _, img := range in.Images {
		b.Images = append(b.Images, imageBody{ID: img.ID, URL: img.SourceRef, Data: img.EmbeddedData})
	}
	return b
}

// replyText picks the reply out of a decoded response, falling back to the
// raw body for plain-text replies.
func replyText(resp *dispatch.Response) string {
	if v := field(resp, "reply", "text", "content", "message"); v != "" {
		return v
	}
	if m, ok := resp.Body.(map[string]any); ok {
		if raw, ok := m["raw"].(string); ok {
			return raw
		}
	}
	return resp.Raw
}

func field(resp *dispatch.Response, keys ...string) string {
	m, ok := resp.Body.(map[string]any)
	if !ok {
		return ""
	}
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
