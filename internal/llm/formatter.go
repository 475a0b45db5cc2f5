package llm

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/RichardoC/persona-chat/internal/persona"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

const (
	// formatMinLength is the shortest trimmed message worth reformatting.
	formatMinLength = 50
	// formatMinResult is the trimmed length a reformatted message must exceed.
	formatMinResult = 10
)

// Formatter re-flows the paragraphs of a reply with a second model call
// without changing its content.
type Formatter struct {
	llm     llms.Model
	persona *persona.Persona
	model   string
	logger  *zap.Logger
}

func NewFormatter(model llms.Model, p *persona.Persona, modelName string, logger *zap.Logger) *Formatter {
	return &Formatter{
		llm:     model,
		persona: p,
		model:   modelName,
		logger:  logger,
	}
}

// Format returns message reformatted, or message unchanged when it is short,
// the call fails or the result looks broken.
func (f *Formatter) Format(ctx context.Context, message string) string {
	if utf8.RuneCountInString(strings.TrimSpace(message)) < formatMinLength {
		return message
	}

	resp, err := f.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, f.persona.FormatterPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, f.persona.FormatterRequest+message),
	},
		llms.WithModel(f.model),
		llms.WithMaxTokens(1000),
		llms.WithTemperature(0.3),
	)
	if err != nil {
		f.logger.Warn("failed to format message", zap.Error(err))
		return message
	}

	formatted := strings.TrimSpace(firstChoice(resp))
	if utf8.RuneCountInString(formatted) <= formatMinResult {
		return message
	}
	return formatted
}
