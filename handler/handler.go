package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"biashara-copilot/internal/domain"
	"biashara-copilot/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type Service interface {
	Send(ctx context.Context, surface string, in usecase.SendInput) (usecase.Reply, error)
	SendVision(ctx context.Context, surface string, in usecase.SendInput) (usecase.Reply, error)
	GenerateImage(ctx context.Context, surface, prompt string, attrs domain.ContextAttributes) (usecase.Reply, error)
	Transcribe(ctx context.Context, surface string, audio []byte, mimeType string) (string, error)
	Retry(ctx context.Context, surface string) (usecase.Reply, error)
	Pending(surface string) (usecase.PendingRetry, bool)
	ClearMemory(attrs domain.ContextAttributes)
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

type imageRequest struct {
	ID           string `json:"id"`
	SourceRef    string `json:"sourceRef"`
	EmbeddedData string `json:"embeddedData"`
}

type chatRequest struct {
	SurfaceID string                   `json:"surfaceId"`
	Text      string                   `json:"text"`
	Mode      string                   `json:"mode"`
	History   []domain.ChatTurn        `json:"history"`
	Context   domain.ContextAttributes `json:"context"`
	Images    []imageRequest           `json:"images"`
}

type generateRequest struct {
	SurfaceID string                   `json:"surfaceId"`
	Prompt    string                   `json:"prompt"`
	Context   domain.ContextAttributes `json:"context"`
}

type transcribeRequest struct {
	SurfaceID string `json:"surfaceId"`
	Audio     string `json:"audio"`
	MimeType  string `json:"mimeType"`
}

type retryRequest struct {
	SurfaceID string `json:"surfaceId"`
}

type memoryRequest struct {
	Context domain.ContextAttributes `json:"context"`
}

type replyResponse struct {
	Text         string                 `json:"text"`
	Actions      []domain.ActionItem    `json:"actions"`
	NextMove     string                 `json:"nextMove,omitempty"`
	Lang         domain.Lang            `json:"lang,omitempty"`
	Streamed     bool                   `json:"streamed"`
	TasksCreated int                    `json:"tasksCreated"`
	TasksFailed  int                    `json:"tasksFailed"`
	Image        *domain.GeneratedImage `json:"image,omitempty"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	RetryLabel string `json:"retryLabel,omitempty"`
}

func NewHandler(svc Service, logger *slog.Logger) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}, nil
}

// Handle serves API Gateway proxy requests.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", corrID, "path", req.Path)

	body, err := requestBody(req)
	if err != nil {
		return h.respond(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
	}

	route := strings.TrimRight(req.Path, "/")
	switch {
	case route == "/chat" && req.HTTPMethod == http.MethodPost:
		return h.chat(ctx, log, corrID, body, false), nil
	case route == "/vision" && req.HTTPMethod == http.MethodPost:
		return h.chat(ctx, log, corrID, body, true), nil
	case route == "/image" && req.HTTPMethod == http.MethodPost:
		return h.generate(ctx, log, corrID, body), nil
	case route == "/transcribe" && req.HTTPMethod == http.MethodPost:
		return h.transcribe(ctx, log, corrID, body), nil
	case route == "/retry" && req.HTTPMethod == http.MethodPost:
		return h.retry(ctx, log, corrID, body), nil
	case route == "/memory" && req.HTTPMethod == http.MethodDelete:
		return h.clearMemory(corrID, body, req.QueryStringParameters), nil
	case knownRoute(route):
		return h.respond(http.StatusMethodNotAllowed, corrID, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}
	return h.respond(http.StatusNotFound, corrID, errorResponse{Error: "NOT_FOUND"}), nil
}

func (h *Handler) chat(ctx context.Context, log *slog.Logger, corrID string, body []byte, vision bool) events.APIGatewayProxyResponse {
	var in chatRequest
	if !decode(body, &in) {
		return h.invalidBody(corrID)
	}
	send := usecase.SendInput{
		Text:    in.Text,
		Mode:    parseMode(in.Mode),
		History: in.History,
		Context: in.Context,
	}
	var (
		out usecase.Reply
		err error
	)
	if vision {
		for _, img := range in.Images {
			id := img.ID
			if id == "" {
				id = uuid.NewString()
			}
			send.Images = append(send.Images, domain.AttachedImage{ID: id, SourceRef: img.SourceRef, EmbeddedData: img.EmbeddedData})
		}
		out, err = h.svc.SendVision(ctx, in.SurfaceID, send)
	} else {
		out, err = h.svc.Send(ctx, in.SurfaceID, send)
	}
	if err != nil {
		return h.failure(log, corrID, in.SurfaceID, err)
	}
	return h.respond(http.StatusOK, corrID, toReplyResponse(out))
}

func (h *Handler) generate(ctx context.Context, log *slog.Logger, corrID string, body []byte) events.APIGatewayProxyResponse {
	var in generateRequest
	if !decode(body, &in) {
		return h.invalidBody(corrID)
	}
	out, err := h.svc.GenerateImage(ctx, in.SurfaceID, in.Prompt, in.Context)
	if err != nil {
		return h.failure(log, corrID, in.SurfaceID, err)
	}
	return h.respond(http.StatusOK, corrID, toReplyResponse(out))
}

func (h *Handler) transcribe(ctx context.Context, log *slog.Logger, corrID string, body []byte) events.APIGatewayProxyResponse {
	var in transcribeRequest
	if !decode(body, &in) {
		return h.invalidBody(corrID)
	}
	audio, err := base64.StdEncoding.DecodeString(in.Audio)
	if err != nil {
		return h.respond(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_audio"})
	}
	text, err := h.svc.Transcribe(ctx, in.SurfaceID, audio, in.MimeType)
	if err != nil {
		return h.failure(log, corrID, "", err)
	}
	return h.respond(http.StatusOK, corrID, transcribeResponse{Text: text})
}

func (h *Handler) retry(ctx context.Context, log *slog.Logger, corrID string, body []byte) events.APIGatewayProxyResponse {
	var in retryRequest
	if !decode(body, &in) {
		return h.invalidBody(corrID)
	}
	out, err := h.svc.Retry(ctx, in.SurfaceID)
	if err != nil {
		return h.failure(log, corrID, in.SurfaceID, err)
	}
	return h.respond(http.StatusOK, corrID, toReplyResponse(out))
}

func (h *Handler) clearMemory(corrID string, body []byte, query map[string]string) events.APIGatewayProxyResponse {
	var in memoryRequest
	if len(body) > 0 && !decode(body, &in) {
		return h.invalidBody(corrID)
	}
	if in.Context.OrgID == "" {
		in.Context.OrgID = strings.TrimSpace(query["orgId"])
	}
	h.svc.ClearMemory(in.Context)
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusNoContent,
		Headers:    map[string]string{correlationHeader: corrID},
	}
}

func (h *Handler) failure(log *slog.Logger, corrID, surface string, err error) events.APIGatewayProxyResponse {
	resp := errorResponse{Error: string(usecase.ErrorInternal)}
	status := http.StatusInternalServerError

	var uerr *usecase.Error
	if errors.As(err, &uerr) {
		resp.Error, resp.Reason = string(uerr.Code), uerr.Reason
		status = statusFor(uerr.Code)
	}
	if surface != "" {
		if p, ok := h.svc.Pending(surface); ok {
			resp.RetryLabel = p.Label
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed", "code", resp.Error, "reason", resp.Reason, "err", err)
	} else {
		log.Warn("request rejected", "code", resp.Error, "reason", resp.Reason, "err", err)
	}
	return h.respond(status, corrID, resp)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	case usecase.ErrorNoPendingRetry:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func toReplyResponse(r usecase.Reply) replyResponse {
	actions := r.Meta.Actions
	if actions == nil {
		actions = []domain.ActionItem{}
	}
	return replyResponse{
		Text:         r.Meta.Text,
		Actions:      actions,
		NextMove:     r.Meta.NextMove,
		Lang:         r.Lang,
		Streamed:     r.Streamed,
		TasksCreated: r.Tasks.Created,
		TasksFailed:  r.Tasks.Failed,
		Image:        r.Image,
	}
}

func parseMode(s string) domain.LanguageMode {
	switch domain.ParseLang(s) {
	case domain.LangSwahili:
		return domain.ModeSwahili
	case domain.LangEnglish:
		return domain.ModeEnglish
	}
	return domain.ModeAuto
}

func knownRoute(route string) bool {
	switch route {
	case "/chat", "/vision", "/image", "/transcribe", "/retry", "/memory":
		return true
	}
	return false
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

func decode(body []byte, v any) bool {
	return json.Unmarshal(body, v) == nil
}

func (h *Handler) invalidBody(corrID string) events.APIGatewayProxyResponse {
	return h.respond(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
}

func (h *Handler) respond(status int, corrID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode response failed", "err", err)
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
