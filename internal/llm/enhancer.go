package llm

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/RichardoC/persona-chat/internal/persona"
)

// Thresholds, in characters, used by the enhancer.
const (
	connectiveMaxLength = 120
	exampleMaxLength    = 150
	analogyMaxLength    = 180

	splitMinLength     = 400
	paragraphMaxLength = 350
	chunkMaxLength     = 300
)

// Probabilities of the optional enrichment steps.
const (
	connectiveChance = 0.3
	analogyChance    = 0.4
	questionChance   = 0.7
)

// Source is the randomness used by the enhancer. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
	Intn(n int) int
}

// Enhancer enriches an already generated reply with connectives, practical
// examples, analogies and a closing question, and splits long replies into a
// sequence of shorter messages.
type Enhancer struct {
	mu  sync.Mutex
	rng Source
	cfg persona.Enhancer
}

func NewEnhancer(p *persona.Persona, rng Source) *Enhancer {
	return &Enhancer{rng: rng, cfg: p.Enhancer}
}

// Enhance applies Enrich and then Split.
func (e *Enhancer) Enhance(message string) []string {
	return e.Split(e.Enrich(message))
}

// Enrich applies the enrichment steps in order.
func (e *Enhancer) Enrich(message string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	message = e.addConnective(message)
	message = e.addExample(message)
	message = e.addAnalogy(message)
	return e.addQuestion(message)
}

func (e *Enhancer) hasEvidence(message string) bool {
	return persona.ContainsAny(message, e.cfg.EvidenceIndicators)
}

func (e *Enhancer) isGreeting(message string) bool {
	return persona.ContainsAny(message, e.cfg.GreetingIndicators)
}

func (e *Enhancer) choose(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[e.rng.Intn(len(pool))]
}

func (e *Enhancer) addConnective(message string) string {
	if e.isGreeting(message) || !e.hasEvidence(message) {
		return message
	}
	if e.rng.Float64() < connectiveChance && runeLen(message) < connectiveMaxLength && len(e.cfg.Connectives) > 0 {
		return e.choose(e.cfg.Connectives) + " " + message
	}
	return message
}

// addExample inserts one example from the first pool whose triggers appear in
// a reply that already talks about science.
func (e *Enhancer) addExample(message string) string {
	if !persona.ContainsAny(message, e.cfg.ScienceTopics) {
		return message
	}
	for _, pool := range e.cfg.Examples {
		if !persona.ContainsAny(message, pool.Triggers) {
			continue
		}
		example := e.choose(pool.Pool)
		if example != "" && runeLen(message) < exampleMaxLength {
			message = message + " " + pool.Label + " " + example
		}
		break
	}
	return message
}

func (e *Enhancer) addAnalogy(message string) string {
	if !e.hasEvidence(message) || e.rng.Float64() >= analogyChance {
		return message
	}
	analogy := e.choose(e.cfg.Analogies)
	if analogy != "" && runeLen(message) < analogyMaxLength {
		message = message + " " + analogy + "."
	}
	return message
}

// addQuestion closes an evidence bearing reply with a reflective question and
// an offer of more examples. Greetings never get one.
func (e *Enhancer) addQuestion(message string) string {
	if e.isGreeting(message) || !e.hasEvidence(message) {
		return message
	}
	if e.rng.Float64() >= questionChance || len(e.cfg.Questions) == 0 {
		return message
	}
	question := e.choose(e.cfg.Questions)
	offer := e.choose(e.cfg.Offers)
	return message + "\n\n" + question + " " + offer
}

// Split breaks a long reply into shorter messages: first on paragraphs, then
// on sentences inside paragraphs that are still too long, accumulating
// sentences greedily up to chunkMaxLength.
func (e *Enhancer) Split(message string) []string {
	return splitMessage(message)
}

func splitMessage(message string) []string {
	if runeLen(message) < splitMinLength {
		return []string{message}
	}

	var out []string
	for _, paragraph := range strings.Split(message, "\n\n") {
		if strings.TrimSpace(paragraph) == "" {
			continue
		}
		if runeLen(paragraph) <= paragraphMaxLength {
			out = append(out, paragraph)
			continue
		}

		var current string
		for _, sentence := range strings.Split(paragraph, ".") {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" {
				continue
			}
			if current != "" && runeLen(current+sentence) > chunkMaxLength {
				out = append(out, strings.TrimSpace(current))
				current = sentence + ". "
				continue
			}
			current += sentence + ". "
		}
		if current != "" {
			out = append(out, strings.TrimSpace(current))
		}
	}

	if len(out) == 0 {
		return []string{message}
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
