package audio

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/RichardoC/persona-chat/internal/metrics"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// defaultExtension is used for uploads whose name has no extension; browsers
// record in webm.
const defaultExtension = "webm"

type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, filename string) (string, error)
}

// WhisperTranscriber sends speech to the OpenAI transcription endpoint.
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
	dir      string
	logger   *zap.Logger
}

// NewWhisperTranscriber builds a transcriber for model and spoken language.
// Scratch files are written to dir, or the system temp dir when empty.
func NewWhisperTranscriber(client *openai.Client, model, language, dir string, logger *zap.Logger) *WhisperTranscriber {
	return &WhisperTranscriber{
		client:   client,
		model:    model,
		language: language,
		dir:      dir,
		logger:   logger,
	}
}

// NewOpenAIClient builds a go-openai client. An empty baseURL uses the public
// endpoint.
func NewOpenAIClient(token, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(token)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Transcribe writes data to a scratch file carrying filename's extension,
// which the provider uses to detect the format, and returns the trimmed text.
func (t *WhisperTranscriber) Transcribe(ctx context.Context, data []byte, filename string) (string, error) {
	ext := extension(filename)
	if ext == "" {
		ext = defaultExtension
	}

	path, err := t.writeScratch(data, ext)
	if err != nil {
		metrics.AudioOperations.WithLabelValues("transcribe", "error").Inc()
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			t.logger.Warn("failed to remove scratch file", zap.String("path", path), zap.Error(err))
		}
	}()

	resp, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: path,
		Language: t.language,
	})
	if err != nil {
		metrics.AudioOperations.WithLabelValues("transcribe", "error").Inc()
		t.logger.Error("transcription failed", zap.Error(err), zap.String("filename", filename))
		return "", fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	metrics.AudioOperations.WithLabelValues("transcribe", "ok").Inc()
	return strings.TrimSpace(resp.Text), nil
}

func (t *WhisperTranscriber) writeScratch(data []byte, ext string) (string, error) {
	f, err := os.CreateTemp(t.dir, "upload_*."+ext)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
