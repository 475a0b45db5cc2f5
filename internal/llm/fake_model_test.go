package llm

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// fakeModel is an llms.Model whose reply is computed from the request.
type fakeModel struct {
	mu      sync.Mutex
	respond func(messages []llms.MessageContent) (string, error)
	calls   []fakeCall
}

type fakeCall struct {
	messages []llms.MessageContent
	options  llms.CallOptions
}

func replying(text string) *fakeModel {
	return &fakeModel{respond: func([]llms.MessageContent) (string, error) { return text, nil }}
}

func failing(err error) *fakeModel {
	return &fakeModel{respond: func([]llms.MessageContent) (string, error) { return "", err }}
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{messages: messages, options: opts})
	f.mu.Unlock()

	text, err := f.respond(messages)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) lastCall() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return fakeCall{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func textOf(m llms.MessageContent) string {
	var b strings.Builder
	for _, part := range m.Parts {
		if text, ok := part.(llms.TextContent); ok {
			b.WriteString(text.Text)
		}
	}
	return b.String()
}

var errProvider = errors.New("provider unavailable")
