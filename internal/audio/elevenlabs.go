package audio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/RichardoC/persona-chat/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	elevenLabsBaseURL = "https://api.elevenlabs.io"
	outputFormat      = "mp3_44100_128"
	writeTimeout      = 5 * time.Second
)

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Voice is a voice offered by the synthesis provider.
type Voice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ElevenLabs synthesizes speech over the ElevenLabs stream-input websocket.
type ElevenLabs struct {
	apiKey     string
	voiceID    string
	model      string
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// NewElevenLabs builds a client for one voice and model. An empty baseURL
// uses the public API.
func NewElevenLabs(apiKey, voiceID, model, baseURL string, logger *zap.Logger) *ElevenLabs {
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	return &ElevenLabs{
		apiKey:     strings.TrimSpace(apiKey),
		voiceID:    voiceID,
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}
}

type streamFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Synthesize returns text spoken with the configured voice as mp3.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	audio, err := e.synthesize(ctx, text)
	if err != nil {
		metrics.AudioOperations.WithLabelValues("synthesize", "error").Inc()
		e.logger.Error("speech synthesis failed", zap.Error(err), zap.String("voice_id", e.voiceID))
		return nil, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	metrics.AudioOperations.WithLabelValues("synthesize", "ok").Inc()
	return audio, nil
}

func (e *ElevenLabs) synthesize(ctx context.Context, text string) ([]byte, error) {
	if e.apiKey == "" {
		return nil, errors.New("elevenlabs api key is not configured")
	}
	wsURL, err := e.streamURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("xi-api-key", e.apiKey)
	conn, _, err := e.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// The first frame opens the stream, the second carries the whole reply and
	// flushes it, and an empty text ends the stream.
	frames := []map[string]any{
		{"text": " ", "voice_settings": map[string]any{"stability": 0.5, "similarity_boost": 0.75}},
		{"text": strings.TrimSpace(text) + " ", "flush": true},
		{"text": ""},
	}
	for _, frame := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
	}

	var out []byte
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(out) > 0 {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Error != "" {
			return nil, fmt.Errorf("provider error: %s %s", frame.Error, frame.Message)
		}
		if frame.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
			if err != nil {
				return nil, fmt.Errorf("decode audio: %w", err)
			}
			out = append(out, chunk...)
		}
		if frame.IsFinal {
			break
		}
	}
	if len(out) == 0 {
		return nil, errors.New("provider returned no audio")
	}
	return out, nil
}

func (e *ElevenLabs) streamURL() (string, error) {
	u, err := url.Parse(e.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss", "":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/text-to-speech/" + url.PathEscape(e.voiceID) + "/stream-input"
	q := u.Query()
	q.Set("model_id", e.model)
	q.Set("output_format", outputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Voices lists the voices available to the account.
func (e *ElevenLabs) Voices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list voices: status %d", resp.StatusCode)
	}

	var body struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode voices: %w", err)
	}
	for i := range body.Voices {
		if body.Voices[i].Category == "" {
			body.Voices[i].Category = "unknown"
		}
	}
	return body.Voices, nil
}
