package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/persona-chat/internal/audio"
	"github.com/RichardoC/persona-chat/internal/llm"
	"github.com/RichardoC/persona-chat/internal/models"
	"github.com/RichardoC/persona-chat/internal/persona"
	"github.com/RichardoC/persona-chat/internal/session"
	"go.uber.org/zap"
)

// ChatService runs conversation turns for a session.
type ChatService interface {
	Reply(ctx context.Context, sessionID, message string) (*llm.Reply, error)
	History(ctx context.Context, sessionID string) ([]models.Message, error)
	ClearHistory(ctx context.Context, sessionID string) error
	Persona() *persona.Persona
}

type Formatter interface {
	Format(ctx context.Context, message string) string
}

type VoiceLister interface {
	Voices(ctx context.Context) ([]audio.Voice, error)
}

// Info describes the API on the root and health endpoints.
type Info struct {
	Title            string
	Version          string
	OpenAIConfigured bool
}

// Services are the collaborators of a Handler. Chat is required; a nil
// Formatter returns messages unchanged and nil audio parts disable the audio
// endpoints.
type Services struct {
	Chat        ChatService
	Formatter   Formatter
	Transcriber audio.Transcriber
	Synthesizer audio.Synthesizer
	Voices      VoiceLister
	Validator   audio.Validator
	Cache       *audio.Cache
}

type Handler struct {
	chat        ChatService
	formatter   Formatter
	transcriber audio.Transcriber
	synthesizer audio.Synthesizer
	voices      VoiceLister
	validator   audio.Validator
	cache       *audio.Cache
	info        Info
	logger      *zap.Logger
	now         func() time.Time
}

func NewHandler(services Services, info Info, logger *zap.Logger) *Handler {
	return &Handler{
		chat:        services.Chat,
		formatter:   services.Formatter,
		transcriber: services.Transcriber,
		synthesizer: services.Synthesizer,
		voices:      services.Voices,
		validator:   services.Validator,
		cache:       services.Cache,
		info:        info,
		logger:      logger,
		now:         time.Now,
	}
}

type MessageRequest struct {
	Message string `json:"message"`
}

type MessageResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	// Messages is the reply split into shorter messages, when it was split.
	Messages []string `json:"messages,omitempty"`
}

type FormatResponse struct {
	OriginalMessage  string    `json:"original_message"`
	FormattedMessage string    `json:"formatted_message"`
	Timestamp        time.Time `json:"timestamp"`
}

type ContinueRequest struct {
	MessageIndex *int `json:"message_index"`
}

type ContinueResponse struct {
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	HasMore      bool      `json:"has_more"`
	CurrentIndex *int      `json:"current_index,omitempty"`
}

type HistoryMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusResponse struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type ErrorResponse struct {
	Detail string `json:"detail"`
	Type   string `json:"type,omitempty"`
}

// resolveSession returns the request's session id and echoes it back.
func resolveSession(w http.ResponseWriter, r *http.Request) string {
	sid := session.Resolve(r.Header.Get(session.HeaderName))
	w.Header().Set(session.HeaderName, sid)
	return sid
}

// decodeMessage reads a MessageRequest and returns its trimmed message.
func (h *Handler) decodeMessage(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Corpo da requisição inválido")
		return "", false
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		h.writeError(w, http.StatusBadRequest, "Mensagem não pode estar vazia")
		return "", false
	}
	return message, true
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sid := resolveSession(w, r)
	message, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}

	reply, err := h.chat.Reply(r.Context(), sid, message)
	if err != nil {
		h.logger.Error("failed to process message", zap.Error(err), zap.String("session_id", sid))
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Erro interno do servidor: %v", err))
		return
	}

	resp := MessageResponse{
		Message:   reply.Text,
		Timestamp: h.now(),
		SessionID: sid,
	}
	if len(reply.Parts) > 1 {
		resp.Messages = reply.Parts
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) FormatMessage(w http.ResponseWriter, r *http.Request) {
	message, ok := h.decodeMessage(w, r)
	if !ok {
		return
	}

	formatted := message
	if h.formatter != nil {
		formatted = h.formatter.Format(r.Context(), message)
	}
	h.writeJSON(w, http.StatusOK, FormatResponse{
		OriginalMessage:  message,
		FormattedMessage: formatted,
		Timestamp:        h.now(),
	})
}

// ContinueConversation returns the next canned follow-up. A missing index
// means 1.
func (h *Handler) ContinueConversation(w http.ResponseWriter, r *http.Request) {
	sid := resolveSession(w, r)

	var req ContinueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Corpo da requisição inválido")
		return
	}
	index := 1
	if req.MessageIndex != nil {
		index = *req.MessageIndex
	}

	p := h.chat.Persona()
	resp := ContinueResponse{
		Message:   p.FollowUpDone,
		Timestamp: h.now(),
		SessionID: sid,
	}
	if index >= 0 && index < len(p.FollowUps) {
		resp.Message = p.FollowUps[index]
		resp.HasMore = index < len(p.FollowUps)-1
		resp.CurrentIndex = &index
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sid := resolveSession(w, r)

	messages, err := h.chat.History(r.Context(), sid)
	if err != nil {
		h.logger.Error("failed to get history", zap.Error(err), zap.String("session_id", sid))
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Erro ao recuperar histórico: %v", err))
		return
	}

	out := make([]HistoryMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, HistoryMessage{
			ID:        m.ID,
			Content:   m.Content,
			Role:      m.Role,
			Timestamp: m.Timestamp,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	sid := resolveSession(w, r)

	if err := h.chat.ClearHistory(r.Context(), sid); err != nil {
		h.logger.Error("failed to clear history", zap.Error(err), zap.String("session_id", sid))
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Erro ao limpar histórico: %v", err))
		return
	}
	h.writeJSON(w, http.StatusOK, StatusResponse{
		Message:   "Histórico limpo com sucesso",
		Timestamp: h.now(),
		Status:    "success",
	})
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"message":   h.info.Title + " está funcionando",
		"version":   h.info.Version,
		"timestamp": h.now(),
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	audioFiles := 0
	if h.cache != nil {
		audioFiles = h.cache.Len()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"api":               h.info.Title,
		"version":           h.info.Version,
		"persona":           h.chat.Persona().Name,
		"audio_files":       audioFiles,
		"timestamp":         h.now(),
		"openai_configured": h.info.OpenAIConfigured,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, detail string) {
	h.writeJSON(w, code, ErrorResponse{Detail: detail})
}
