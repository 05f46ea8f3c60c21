package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/usecase"
)

type stubService struct {
	reply      usecase.Reply
	err        error
	transcript string
	pending    *usecase.PendingRetry

	surface string
	in      usecase.SendInput
	prompt  string
	audio   []byte
	cleared *domain.ContextAttributes
	calls   []string
}

func (s *stubService) Send(_ context.Context, surface string, in usecase.SendInput) (usecase.Reply, error) {
	s.calls = append(s.calls, "send")
	s.surface, s.in = surface, in
	return s.reply, s.err
}

func (s *stubService) SendVision(_ context.Context, surface string, in usecase.SendInput) (usecase.Reply, error) {
	s.calls = append(s.calls, "vision")
	s.surface, s.in = surface, in
	return s.reply, s.err
}

func (s *stubService) GenerateImage(_ context.Context, surface, prompt string, _ domain.ContextAttributes) (usecase.Reply, error) {
	s.calls = append(s.calls, "image")
	s.surface, s.prompt = surface, prompt
	return s.reply, s.err
}

func (s *stubService) Transcribe(_ context.Context, surface string, audio []byte, _ string) (string, error) {
	s.calls = append(s.calls, "transcribe")
	s.surface, s.audio = surface, audio
	return s.transcript, s.err
}

func (s *stubService) Retry(_ context.Context, surface string) (usecase.Reply, error) {
	s.calls = append(s.calls, "retry")
	s.surface = surface
	return s.reply, s.err
}

func (s *stubService) Pending(string) (usecase.PendingRetry, bool) {
	if s.pending == nil {
		return usecase.PendingRetry{}, false
	}
	return *s.pending, true
}

func (s *stubService) ClearMemory(attrs domain.ContextAttributes) {
	s.cleared = &attrs
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, svc *stubService) *Handler {
	t.Helper()
	h, err := NewHandler(svc, nil)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, nil)
	require.Error(t, err)
}

func TestHandle_Chat(t *testing.T) {
	svc := &stubService{reply: usecase.Reply{
		Meta: domain.AiMeta{Text: "Habari!", Actions: []domain.ActionItem{{Title: "Piga simu"}}, NextMove: "Angalia"},
		Lang: domain.LangSwahili,
	}}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat",
		`{"surfaceId":"s1","text":"Mambo","mode":"sw","context":{"orgId":"org-1"},"history":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "s1", svc.surface)
	require.Equal(t, "Mambo", svc.in.Text)
	require.Equal(t, domain.ModeSwahili, svc.in.Mode)
	require.Equal(t, "org-1", svc.in.Context.OrgID)
	require.Len(t, svc.in.History, 1)

	out := parseBody[replyResponse](t, resp.Body)
	require.Equal(t, "Habari!", out.Text)
	require.Equal(t, "Angalia", out.NextMove)
	require.Equal(t, domain.LangSwahili, out.Lang)
	require.Len(t, out.Actions, 1)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_VisionAssignsImageIDs(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/vision",
		`{"text":"hii ni nini","images":[{"embeddedData":"aGk="},{"id":"keep","sourceRef":"file://a.jpg"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"vision"}, svc.calls)
	require.Equal(t, domain.ModeAuto, svc.in.Mode)
	require.Len(t, svc.in.Images, 2)
	require.NotEmpty(t, svc.in.Images[0].ID)
	require.Equal(t, "keep", svc.in.Images[1].ID)

	out := parseBody[replyResponse](t, resp.Body)
	require.NotNil(t, out.Actions)
}

func TestHandle_ImageTranscribeRetry(t *testing.T) {
	svc := &stubService{
		reply:      usecase.Reply{Image: &domain.GeneratedImage{URL: "https://img/1.png"}},
		transcript: "bei ya sukari",
	}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/image", `{"prompt":"poster"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "poster", svc.prompt)
	require.Equal(t, "https://img/1.png", parseBody[replyResponse](t, resp.Body).Image.URL)

	audio := base64.StdEncoding.EncodeToString([]byte("voice"))
	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/transcribe", `{"audio":"`+audio+`"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("voice"), svc.audio)
	require.Equal(t, "bei ya sukari", parseBody[transcribeResponse](t, resp.Body).Text)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/retry/", `{"surfaceId":"s9"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "s9", svc.surface)
}

func TestHandle_TranscribeInvalidAudio(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/transcribe", `{"audio":"%%%"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_audio", parseBody[errorResponse](t, resp.Body).Reason)
}

func TestHandle_ClearMemory(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	event := makeEvent(http.MethodDelete, "/memory", "")
	event.QueryStringParameters = map[string]string{"orgId": "org-7"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NotNil(t, svc.cleared)
	require.Equal(t, "org-7", svc.cleared.OrgID)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_Base64Body(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	event := makeEvent(http.MethodPost, "/chat", base64.StdEncoding.EncodeToString([]byte(`{"text":"hello"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", svc.in.Text)
}

func TestHandle_Routing(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/chat", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/nope", "{}"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "chat_failed"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "chat_failed"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "timeout", err: &usecase.Error{Code: usecase.ErrorTimeout, Reason: "chat_failed"}, status: http.StatusGatewayTimeout, code: string(usecase.ErrorTimeout)},
		{name: "no pending retry", err: &usecase.Error{Code: usecase.ErrorNoPendingRetry, Reason: "no_pending_retry"}, status: http.StatusConflict, code: string(usecase.ErrorNoPendingRetry)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "x"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"text":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_FailureCarriesRetryLabel(t *testing.T) {
	svc := &stubService{
		err:     &usecase.Error{Code: usecase.ErrorUpstream, Reason: "chat_failed"},
		pending: &usecase.PendingRetry{Label: `Resend "hi"`},
	}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/chat", `{"surfaceId":"s1","text":"hi"}`))
	require.NoError(t, err)
	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, `Resend "hi"`, out.RetryLabel)
	require.Equal(t, "chat_failed", out.Reason)
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	event := makeEvent(http.MethodPost, "/chat", `{"text":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
