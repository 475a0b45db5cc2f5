package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/RichardoC/persona-chat/internal/metrics"
	"github.com/RichardoC/persona-chat/internal/models"
	"github.com/RichardoC/persona-chat/internal/persona"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Store is the conversation persistence the service needs.
type Store interface {
	GetOrCreateConversation(ctx context.Context, sessionID string) (*models.Conversation, error)
	GetConversationHistory(ctx context.Context, conversationID string) ([]models.HistoryEntry, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SaveMessage(ctx context.Context, conversationID, content, role string) (*models.Message, error)
	UpdateMessageCount(ctx context.Context, conversationID string, count int)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Options are the fixed completion parameters.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type Service struct {
	llm       llms.Model
	store     Store
	persona   *persona.Persona
	context   *ContextBuilder
	formatter *Formatter
	enhancer  *Enhancer
	opts      Options
	logger    *zap.Logger
}

// Reply is the outcome of one turn.
type Reply struct {
	ConversationID string
	Text           string

	// Parts is Text split into shorter messages by the enhancer, or Text alone.
	Parts  []string
	Intent Intent
}

// NewOpenAI builds an OpenAI compatible chat model. An empty baseURL uses the
// public endpoint.
func NewOpenAI(baseURL, token, model string) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return llm, nil
}

func New(model llms.Model, store Store, p *persona.Persona, opts Options, logger *zap.Logger) *Service {
	return &Service{
		llm:     model,
		store:   store,
		persona: p,
		context: NewContextBuilder(p),
		opts:    opts,
		logger:  logger,
	}
}

// WithFormatter enables the whitespace reformatting pass on replies.
func (s *Service) WithFormatter(f *Formatter) *Service {
	s.formatter = f
	return s
}

// WithEnhancer enables reply enrichment and splitting.
func (s *Service) WithEnhancer(e *Enhancer) *Service {
	s.enhancer = e
	return s
}

func (s *Service) Persona() *persona.Persona {
	return s.persona
}

// Reply runs one turn for sessionID. Store failures are returned; provider
// failures never are, they are replaced by a fallback reply.
func (s *Service) Reply(ctx context.Context, sessionID, message string) (*Reply, error) {
	conv, err := s.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	history, err := s.store.GetConversationHistory(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}

	// Saved before calling the provider so its failure does not lose the turn.
	if _, err := s.store.SaveMessage(ctx, conv.ID, message, models.RoleUser); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	systemContext, intent := s.context.Build(history, message)
	metrics.Classifications.WithLabelValues(intent.String()).Inc()
	s.logger.Debug("classified message",
		zap.String("session_id", sessionID),
		zap.String("intent", intent.String()),
		zap.Int("history", len(history)))

	text := s.Complete(ctx, systemContext, history, message, sessionID)

	if s.formatter != nil {
		if formatted := s.formatter.Format(ctx, text); ValidReply(formatted) {
			text = formatted
		}
	}
	if s.enhancer != nil {
		text = s.enhancer.Enrich(text)
	}

	if _, err := s.store.SaveMessage(ctx, conv.ID, text, models.RoleAssistant); err != nil {
		return nil, fmt.Errorf("failed to save assistant message: %w", err)
	}
	// Derived from the history read above, not recounted from the store.
	s.store.UpdateMessageCount(ctx, conv.ID, len(history)+2)

	reply := &Reply{
		ConversationID: conv.ID,
		Text:           text,
		Parts:          []string{text},
		Intent:         intent,
	}
	if s.enhancer != nil {
		reply.Parts = s.enhancer.Split(text)
	}
	return reply, nil
}

// Complete asks the provider for the next assistant message. It always returns
// a usable reply: provider errors and empty or too short output are replaced by
// the persona's fallbacks.
func (s *Service) Complete(ctx context.Context, systemContext string, history []models.HistoryEntry, message, sessionID string) string {
	messages := make([]llms.MessageContent, 0, len(history)+2)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemContext))
	for _, h := range history {
		messages = append(messages, llms.TextParts(messageType(h.Role), h.Content))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, message))

	start := time.Now()
	resp, err := s.llm.GenerateContent(ctx, messages,
		llms.WithModel(s.opts.Model),
		llms.WithMaxTokens(s.opts.MaxTokens),
		llms.WithTemperature(s.opts.Temperature),
	)
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CompletionOutcomes.WithLabelValues("provider_error").Inc()
		s.logger.Error("completion provider failed",
			zap.Error(err),
			zap.String("session_id", sessionID))
		return s.persona.Fallbacks.ProviderError
	}

	text := firstChoice(resp)
	if !ValidReply(text) {
		metrics.CompletionOutcomes.WithLabelValues("degenerate").Inc()
		s.logger.Warn("completion provider returned degenerate reply",
			zap.String("session_id", sessionID),
			zap.Int("length", utf8.RuneCountInString(text)))
		return s.persona.Fallbacks.Degenerate
	}
	metrics.CompletionOutcomes.WithLabelValues("ok").Inc()
	return text
}

// History returns the stored messages of the session's conversation.
func (s *Service) History(ctx context.Context, sessionID string) ([]models.Message, error) {
	conv, err := s.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	return messages, nil
}

// ClearHistory deletes the session's conversation and all its messages.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	conv, err := s.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to get conversation: %w", err)
	}
	return s.store.DeleteConversation(ctx, conv.ID)
}

// ValidReply reports whether text is long enough to send to the user.
func ValidReply(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= persona.MinReplyLength
}

func firstChoice(resp *llms.ContentResponse) string {
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return ""
	}
	return resp.Choices[0].Content
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	default:
		return llms.ChatMessageTypeHuman
	}
}
