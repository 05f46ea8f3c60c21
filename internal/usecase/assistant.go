package usecase

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/memory"
	"biashara-copilot/internal/pacing"
	"biashara-copilot/internal/reply"
	"biashara-copilot/internal/stream"
)

// Backend is the set of remote calls the pipeline makes.
type Backend interface {
	Chat(ctx context.Context, in domain.PackedTurn) (string, error)
	Vision(ctx context.Context, in domain.PackedTurn) (string, error)
	GenerateImage(ctx context.Context, prompt string) (domain.GeneratedImage, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
	StreamRequest(ctx context.Context, in domain.PackedTurn) (*http.Request, error)
}

// MemoryStore is satisfied by *memory.Store.
type MemoryStore interface {
	Hydrate(ctx context.Context, key string)
	Get(ctx context.Context, key string) *domain.ConversationState
	Set(key string, st *domain.ConversationState)
	Clear(key string)
	Now() time.Time
}

type Config struct {
	Streaming bool
	Pacing    pacing.Options
	// StreamClient sends streaming requests. Defaults to a client without a
	// global timeout; StreamTimeout bounds each request instead.
	StreamClient  stream.Doer
	StreamTimeout time.Duration
	Logger        *slog.Logger
	// PacerOptions are applied to every surface pacer, mostly for tests.
	PacerOptions []pacing.Option
}

// Assistant owns the shared collaborators and hands out one Surface per chat
// surface. Memory is shared across surfaces and keyed by context.
type Assistant struct {
	backend Backend
	memory  MemoryStore
	tasks   *TaskBridge
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	surfaces map[string]*Surface
}

func NewAssistant(b Backend, mem MemoryStore, tasks *TaskBridge, cfg Config) (*Assistant, error) {
	if b == nil {
		return nil, errors.New("usecase: backend must not be nil")
	}
	if mem == nil {
		return nil, errors.New("usecase: memory store must not be nil")
	}
	if cfg.Pacing == (pacing.Options{}) {
		cfg.Pacing = pacing.DefaultOptions()
	}
	if cfg.StreamClient == nil {
		cfg.StreamClient = &http.Client{}
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = stream.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if tasks == nil {
		tasks = NewTaskBridge(nil, false, cfg.Logger)
	}
	return &Assistant{
		backend:  b,
		memory:   mem,
		tasks:    tasks,
		cfg:      cfg,
		logger:   cfg.Logger,
		surfaces: make(map[string]*Surface),
	}, nil
}

// Surface returns the surface registered under id, creating it on first use.
func (a *Assistant) Surface(id string) *Surface {
	id = strings.TrimSpace(id)
	if id == "" {
		id = "default"
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.surfaces[id]; ok {
		return s
	}
	p := pacing.New(a.cfg.Pacing, a.cfg.PacerOptions...)
	s := &Surface{
		id:       id,
		a:        a,
		pacer:    p,
		streamer: stream.New(a.cfg.StreamClient, p, a.logger, stream.WithTimeout(a.cfg.StreamTimeout)),
		recovery: NewRecovery(),
	}
	a.surfaces[id] = s
	return s
}

// ClearMemory forgets the conversation state of the context.
func (a *Assistant) ClearMemory(attrs domain.ContextAttributes) {
	key := attrs.ContextKey()
	a.memory.Clear(key)
	a.logger.Info("memory cleared", "key", key)
}

// SendInput is one user turn.
type SendInput struct {
	Text    string
	Mode    domain.LanguageMode
	History []domain.ChatTurn
	Context domain.ContextAttributes
	Images  []domain.AttachedImage
}

// Reply is what a surface returns for a completed turn.
type Reply struct {
	Meta     domain.AiMeta
	Lang     domain.Lang
	Streamed bool
	// Stopped is set when the reveal was cut short after the reply arrived.
	Stopped bool
	Tasks   TaskSyncResult
	Image   *domain.GeneratedImage
}

// Surface is one chat screen. It has at most one active reply: every send
// stops the previous reveal and replaces the retained retry payload.
type Surface struct {
	id       string
	a        *Assistant
	pacer    *pacing.Pacer
	streamer *stream.Streamer
	recovery *Recovery
}

func (s *Surface) ID() string { return s.id }

// Stop cancels the in-flight stream and any pacing.
func (s *Surface) Stop() {
	s.streamer.Stop()
	s.pacer.Stop()
}

// Pending exposes the payload retained after a failure.
func (s *Surface) Pending() (PendingRetry, bool) {
	return s.recovery.Pending()
}

func (s *Surface) RecoveryState() RecoveryState {
	return s.recovery.State()
}

// Send runs a text chat turn. onPartial receives growing prefixes of the reply.
func (s *Surface) Send(ctx context.Context, in SendInput, onPartial func(string)) (Reply, error) {
	if strings.TrimSpace(in.Text) == "" {
		return Reply{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	p := domain.NewChatPayload(strings.TrimSpace(in.Text), in.History)
	p.Mode, p.Context = in.Mode, in.Context
	return s.begin(ctx, p, onPartial)
}

// SendVision runs a turn with attached images. Text is optional.
func (s *Surface) SendVision(ctx context.Context, in SendInput, onPartial func(string)) (Reply, error) {
	if len(in.Images) == 0 {
		return Reply{}, newError(ErrorInvalidInput, "missing_images", nil)
	}
	p := domain.NewVisionPayload(strings.TrimSpace(in.Text), in.History, in.Images)
	p.Mode, p.Context = in.Mode, in.Context
	return s.begin(ctx, p, onPartial)
}

func (s *Surface) GenerateImage(ctx context.Context, prompt string, attrs domain.ContextAttributes) (Reply, error) {
	if strings.TrimSpace(prompt) == "" {
		return Reply{}, newError(ErrorInvalidInput, "empty_prompt", nil)
	}
	p := domain.NewImagePayload(strings.TrimSpace(prompt))
	p.Context = attrs
	return s.begin(ctx, p, nil)
}

// Transcribe turns recorded audio into text. It is not retained for retry;
// the caller still holds the recording.
func (s *Surface) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", newError(ErrorInvalidInput, "empty_audio", nil)
	}
	text, err := s.a.backend.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return "", upstreamError("transcribe_failed", err)
	}
	return text, nil
}

// Retry resubmits the retained payload unchanged.
func (s *Surface) Retry(ctx context.Context, onPartial func(string)) (Reply, error) {
	s.Stop()
	p, err := s.recovery.Retry()
	if err != nil {
		return Reply{}, newError(ErrorNoPendingRetry, "no_pending_retry", err)
	}
	return s.run(ctx, p, onPartial)
}

func (s *Surface) begin(ctx context.Context, p domain.RetryPayload, onPartial func(string)) (Reply, error) {
	s.Stop()
	s.recovery.Begin(p)
	return s.run(ctx, p, onPartial)
}

func (s *Surface) run(ctx context.Context, p domain.RetryPayload, onPartial func(string)) (Reply, error) {
	var (
		out Reply
		err error
	)
	switch p.Kind {
	case domain.PayloadImage:
		out, err = s.image(ctx, p)
	default:
		out, err = s.converse(ctx, p, onPartial)
	}
	if err != nil {
		s.recovery.Fail(err)
		if errors.Is(err, stream.ErrStopped) {
			return Reply{}, err
		}
		return Reply{}, upstreamError(failureReason(p.Kind), err)
	}
	s.recovery.Succeed()
	return out, nil
}

func (s *Surface) converse(ctx context.Context, p domain.RetryPayload, onPartial func(string)) (Reply, error) {
	a := s.a
	key := p.Context.ContextKey()
	a.memory.Hydrate(ctx, key)
	state := a.memory.Get(ctx, key)

	lang := ResolveLanguage(p.Mode, p.Text, state, p.History)
	turn := domain.PackedTurn{
		Prompt: BuildPrompt(PromptInput{
			Message:    p.Text,
			Mode:       p.Mode,
			History:    p.History,
			Context:    p.Context,
			State:      state,
			ImageCount: len(p.Images),
		}),
		Lang:    lang,
		Context: p.Context,
		Images:  p.Images,
	}

	var (
		out   Reply
		paced bool
	)
	if p.Kind == domain.PayloadChat && a.cfg.Streaming {
		res, err := s.streamer.Stream(ctx, stream.Request{
			Open: func(ctx context.Context) (*http.Request, error) {
				return a.backend.StreamRequest(ctx, turn)
			},
			Fallback: func(ctx context.Context) (string, error) {
				return a.backend.Chat(ctx, turn)
			},
		}, onPartial)
		if err != nil {
			return Reply{}, err
		}
		out.Meta, out.Streamed, out.Stopped = res.Meta, res.Streamed, res.Stopped
		paced = true
	} else {
		call := a.backend.Chat
		if p.Kind == domain.PayloadVision {
			call = a.backend.Vision
		}
		raw, err := call(ctx, turn)
		if err != nil {
			return Reply{}, err
		}
		out.Meta = reply.Parse(raw)
	}

	out.Lang = replyLang(out.Meta.Lang, lang)
	s.remember(key, state, out.Meta.Memory, out.Lang)
	out.Tasks = a.tasks.Sync(ctx, out.Meta.Actions, p.Context)

	if !paced && onPartial != nil {
		if err := s.pacer.Run(ctx, out.Meta.Text, onPartial); err != nil {
			out.Stopped = true
		}
	}

	a.logger.Info("reply delivered",
		"surface", s.id,
		"kind", p.Kind,
		"streamed", out.Streamed,
		"actions", len(out.Meta.Actions),
		"lang", out.Lang,
	)
	return out, nil
}

func (s *Surface) image(ctx context.Context, p domain.RetryPayload) (Reply, error) {
	img, err := s.a.backend.GenerateImage(ctx, p.Prompt)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Meta: domain.AiMeta{Actions: []domain.ActionItem{}}, Image: &img}, nil
}

// remember merges the reply's memory into the stored state. The resolved
// language is recorded so later short messages keep it.
func (s *Surface) remember(key string, prev, next *domain.ConversationState, lang domain.Lang) {
	var n domain.ConversationState
	if next != nil {
		n = *next
	}
	if lang == domain.LangSwahili || lang == domain.LangEnglish {
		n.Lang = lang
	}
	if merged := memory.Merge(prev, &n, s.a.memory.Now()); merged != nil {
		s.a.memory.Set(key, merged)
	}
}

func replyLang(fromReply, resolved domain.Lang) domain.Lang {
	switch fromReply {
	case domain.LangSwahili, domain.LangEnglish:
		return fromReply
	}
	return resolved
}

func failureReason(kind domain.PayloadKind) string {
	switch kind {
	case domain.PayloadVision:
		return "vision_failed"
	case domain.PayloadImage:
		return "image_failed"
	}
	return "chat_failed"
}

// Send runs a chat turn on the named surface without partial updates.
func (a *Assistant) Send(ctx context.Context, surface string, in SendInput) (Reply, error) {
	return a.Surface(surface).Send(ctx, in, nil)
}

func (a *Assistant) SendVision(ctx context.Context, surface string, in SendInput) (Reply, error) {
	return a.Surface(surface).SendVision(ctx, in, nil)
}

func (a *Assistant) GenerateImage(ctx context.Context, surface, prompt string, attrs domain.ContextAttributes) (Reply, error) {
	return a.Surface(surface).GenerateImage(ctx, prompt, attrs)
}

func (a *Assistant) Transcribe(ctx context.Context, surface string, audio []byte, mimeType string) (string, error) {
	return a.Surface(surface).Transcribe(ctx, audio, mimeType)
}

func (a *Assistant) Retry(ctx context.Context, surface string) (Reply, error) {
	return a.Surface(surface).Retry(ctx, nil)
}

func (a *Assistant) Pending(surface string) (PendingRetry, bool) {
	return a.Surface(surface).Pending()
}
