package llm

import (
	"github.com/RichardoC/persona-chat/internal/models"
	"github.com/RichardoC/persona-chat/internal/persona"
)

// Intent is the classification of a user message that selects the context
// block sent with it.
type Intent int

const (
	IntentGeneral Intent = iota
	IntentFirstContact
	IntentIdentityChallenge
	IntentOffTopic
	IntentOnTopic
)

func (i Intent) String() string {
	switch i {
	case IntentFirstContact:
		return "first_contact"
	case IntentIdentityChallenge:
		return "identity_challenge"
	case IntentOffTopic:
		return "off_topic"
	case IntentOnTopic:
		return "on_topic"
	default:
		return "general"
	}
}

type rule struct {
	intent Intent
	match  func(history []models.HistoryEntry, message string) bool
}

// ContextBuilder picks the instruction block for a message. Rules are
// evaluated in order and the first match wins; IntentGeneral applies when
// none match.
type ContextBuilder struct {
	persona *persona.Persona
	rules   []rule
}

func NewContextBuilder(p *persona.Persona) *ContextBuilder {
	kw := p.Keywords
	return &ContextBuilder{
		persona: p,
		rules: []rule{
			{IntentFirstContact, func(history []models.HistoryEntry, message string) bool {
				return len(history) == 0 && persona.ContainsAny(message, kw.Greetings)
			}},
			{IntentIdentityChallenge, func(_ []models.HistoryEntry, message string) bool {
				return persona.ContainsAny(message, kw.IdentityChallenges)
			}},
			{IntentOffTopic, func(_ []models.HistoryEntry, message string) bool {
				return persona.ContainsAny(message, kw.OffTopic) && !persona.ContainsAny(message, kw.OnTopic)
			}},
			{IntentOnTopic, func(_ []models.HistoryEntry, message string) bool {
				return persona.ContainsAny(message, kw.OnTopic)
			}},
		},
	}
}

// Classify returns the intent of message given the turns before it.
func (b *ContextBuilder) Classify(history []models.HistoryEntry, message string) Intent {
	for _, r := range b.rules {
		if r.match(history, message) {
			return r.intent
		}
	}
	return IntentGeneral
}

// Block returns the instruction block for intent.
func (b *ContextBuilder) Block(intent Intent) string {
	blocks := b.persona.Blocks
	switch intent {
	case IntentFirstContact:
		return blocks.FirstContact
	case IntentIdentityChallenge:
		return blocks.IdentityChallenge
	case IntentOffTopic:
		return blocks.OffTopic
	case IntentOnTopic:
		return blocks.OnTopic
	default:
		return blocks.General
	}
}

// Build returns the system instruction for message: the persona's base prompt
// followed by the selected block.
func (b *ContextBuilder) Build(history []models.HistoryEntry, message string) (string, Intent) {
	intent := b.Classify(history, message)
	return b.persona.SystemPrompt + "\n\n" + b.Block(intent), intent
}

// BuildSystemContext is Build without the intent.
func (b *ContextBuilder) BuildSystemContext(history []models.HistoryEntry, message string) string {
	systemContext, _ := b.Build(history, message)
	return systemContext
}
