// Package persona holds the fixed identity the assistant keeps across replies:
// the base instructions, the keyword lists used to classify user messages,
// the context blocks chosen from them, canned fallbacks and the enhancer pools.
//
// The data lives in YAML so the word lists stay auditable and can be swapped
// without touching the classification code.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// MinReplyLength is the shortest trimmed reply, in characters, accepted from
// the completion provider. Fallbacks must satisfy it too.
const MinReplyLength = 5

type Persona struct {
	Name             string    `yaml:"name"`
	Institution      string    `yaml:"institution"`
	SystemPrompt     string    `yaml:"system_prompt"`
	Keywords         Keywords  `yaml:"keywords"`
	Blocks           Blocks    `yaml:"blocks"`
	Fallbacks        Fallbacks `yaml:"fallbacks"`
	FollowUps        []string  `yaml:"follow_ups"`
	FollowUpDone     string    `yaml:"follow_up_done"`
	FormatterPrompt  string    `yaml:"formatter_prompt"`
	FormatterRequest string    `yaml:"formatter_request"`
	Enhancer         Enhancer  `yaml:"enhancer"`
}

// Keywords are matched as lower-case substrings of the user message.
type Keywords struct {
	Greetings          []string `yaml:"greetings"`
	IdentityChallenges []string `yaml:"identity_challenges"`
	OffTopic           []string `yaml:"off_topic"`
	OnTopic            []string `yaml:"on_topic"`
}

// Blocks are the context instructions appended after the system prompt.
type Blocks struct {
	FirstContact      string `yaml:"first_contact"`
	IdentityChallenge string `yaml:"identity_challenge"`
	OffTopic          string `yaml:"off_topic"`
	OnTopic           string `yaml:"on_topic"`
	General           string `yaml:"general"`
}

type Fallbacks struct {
	// Degenerate replaces an empty or too short provider reply.
	Degenerate string `yaml:"degenerate"`

	// ProviderError replaces the reply when the provider call fails.
	ProviderError string `yaml:"provider_error"`
}

type Enhancer struct {
	EvidenceIndicators []string      `yaml:"evidence_indicators"`
	GreetingIndicators []string      `yaml:"greeting_indicators"`
	ScienceTopics      []string      `yaml:"science_topics"`
	Connectives        []string      `yaml:"connectives"`
	Examples           []ExamplePool `yaml:"examples"`
	Analogies          []string      `yaml:"analogies"`
	Questions          []string      `yaml:"questions"`
	Offers             []string      `yaml:"offers"`
}

// ExamplePool is a set of practical examples inserted when a reply mentions
// one of Triggers. Label prefixes the inserted example.
type ExamplePool struct {
	Label    string   `yaml:"label"`
	Triggers []string `yaml:"triggers"`
	Pool     []string `yaml:"pool"`
}

// Default returns the embedded persona.
func Default() (*Persona, error) {
	return Parse(defaultYAML)
}

// LoadFile reads a persona from a YAML file.
func LoadFile(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona file: %w", err)
	}
	return Parse(data)
}

// Load returns the persona at path, or the embedded one when path is empty.
func Load(path string) (*Persona, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse persona: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that every block a classification can select is present
// and that fallbacks are long enough to pass reply validation themselves.
func (p *Persona) Validate() error {
	var errs []error
	if strings.TrimSpace(p.SystemPrompt) == "" {
		errs = append(errs, errors.New("system_prompt is required"))
	}
	blocks := map[string]string{
		"first_contact":      p.Blocks.FirstContact,
		"identity_challenge": p.Blocks.IdentityChallenge,
		"off_topic":          p.Blocks.OffTopic,
		"on_topic":           p.Blocks.OnTopic,
		"general":            p.Blocks.General,
	}
	for _, name := range []string{"first_contact", "identity_challenge", "off_topic", "on_topic", "general"} {
		if strings.TrimSpace(blocks[name]) == "" {
			errs = append(errs, fmt.Errorf("blocks.%s is required", name))
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.Fallbacks.Degenerate)) < MinReplyLength {
		errs = append(errs, errors.New("fallbacks.degenerate is too short"))
	}
	if utf8.RuneCountInString(strings.TrimSpace(p.Fallbacks.ProviderError)) < MinReplyLength {
		errs = append(errs, errors.New("fallbacks.provider_error is too short"))
	}
	return errors.Join(errs...)
}

// normalize lower-cases keyword lists so matching only has to lower the message.
func (p *Persona) normalize() {
	lower := func(words []string) {
		for i, w := range words {
			words[i] = strings.ToLower(w)
		}
	}
	lower(p.Keywords.Greetings)
	lower(p.Keywords.IdentityChallenges)
	lower(p.Keywords.OffTopic)
	lower(p.Keywords.OnTopic)
	lower(p.Enhancer.EvidenceIndicators)
	lower(p.Enhancer.GreetingIndicators)
	lower(p.Enhancer.ScienceTopics)
	for i := range p.Enhancer.Examples {
		lower(p.Enhancer.Examples[i].Triggers)
	}
}

// ContainsAny reports whether the lower-cased text contains any keyword.
func ContainsAny(text string, keywords []string) bool {
	lowered := strings.ToLower(text)
	for _, k := range keywords {
		if strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}
