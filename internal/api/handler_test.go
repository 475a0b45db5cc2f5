package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RichardoC/persona-chat/internal/audio"
	"github.com/RichardoC/persona-chat/internal/db"
	"github.com/RichardoC/persona-chat/internal/llm"
	"github.com/RichardoC/persona-chat/internal/models"
	"github.com/RichardoC/persona-chat/internal/persona"
	"github.com/RichardoC/persona-chat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"
)

const assistantReply = "A água sempre busca o nível, observe o horizonte."

type stubModel struct {
	reply string
}

func (m stubModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

type stubTranscriber struct {
	text string
	err  error
}

func (s stubTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return s.text, s.err
}

type stubSynthesizer struct {
	audio []byte
	err   error
}

func (s stubSynthesizer) Synthesize(context.Context, string) ([]byte, error) {
	return s.audio, s.err
}

type stubVoices struct {
	voices []audio.Voice
	err    error
}

func (s stubVoices) Voices(context.Context) ([]audio.Voice, error) {
	return s.voices, s.err
}

type testServer struct {
	handler http.Handler
	cache   *audio.Cache
}

func newTestServer(t *testing.T, modify func(*Services)) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store, err := db.New(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "chat.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p, err := persona.Default()
	require.NoError(t, err)
	chat := llm.New(stubModel{reply: assistantReply}, store, p, llm.Options{Model: "gpt-4", MaxTokens: 800, Temperature: 0.8}, logger)

	cache := audio.NewCache(t.TempDir(), logger)
	services := Services{
		Chat:        chat,
		Formatter:   llm.NewFormatter(stubModel{reply: "Texto formatado com parágrafos."}, p, "gpt-4", logger),
		Transcriber: stubTranscriber{text: "a terra é plana?"},
		Synthesizer: stubSynthesizer{audio: []byte("ID3-fake-mp3")},
		Voices:      stubVoices{voices: []audio.Voice{{VoiceID: "v1", Name: "Eduardo", Category: "cloned"}}},
		Validator:   audio.Validator{MaxSize: 1024, Formats: []string{"mp3", "wav", "webm"}},
		Cache:       cache,
	}
	if modify != nil {
		modify(&services)
	}
	h := NewHandler(services, Info{Title: "Persona Chat API", Version: "1.0.0", OpenAIConfigured: true}, logger)
	return &testServer{handler: h.Routes([]string{"*"}, ""), cache: cache}
}

func (s *testServer) do(t *testing.T, method, path, sessionID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if sessionID != "" {
		req.Header.Set(session.HeaderName, sessionID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) postJSON(t *testing.T, path, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, http.MethodPost, path, sessionID, strings.NewReader(body), "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.postJSON(t, "/chat/", "session-1", `{"message":"  olá  "}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "session-1", rec.Header().Get(session.HeaderName))

	resp := decode[MessageResponse](t, rec)
	assert.Equal(t, assistantReply, resp.Message)
	assert.Equal(t, "session-1", resp.SessionID)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Empty(t, resp.Messages)
}

func TestSendMessageAssignsSession(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.postJSON(t, "/chat", "", `{"message":"olá"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[MessageResponse](t, rec)
	assert.Len(t, resp.SessionID, 36)
	assert.Equal(t, resp.SessionID, rec.Header().Get(session.HeaderName))
}

func TestSendMessageRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, nil)

	for _, body := range []string{`{"message":"   "}`, `{}`, `not json`} {
		rec := srv.postJSON(t, "/chat/", "s", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.NotEmpty(t, decode[ErrorResponse](t, rec).Detail)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)

	require.Equal(t, http.StatusOK, srv.postJSON(t, "/chat/", "s1", `{"message":"primeira pergunta"}`).Code)
	require.Equal(t, http.StatusOK, srv.postJSON(t, "/chat/", "s2", `{"message":"outra sessão"}`).Code)

	rec := srv.do(t, http.MethodGet, "/chat/history", "s1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[[]HistoryMessage](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "primeira pergunta", history[0].Content)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.NotEmpty(t, history[0].ID)
	assert.False(t, history[1].Timestamp.Before(history[0].Timestamp))

	rec = srv.do(t, http.MethodDelete, "/chat/history", "s1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "success", status.Status)

	rec = srv.do(t, http.MethodGet, "/chat/history", "s1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/chat/history", "s2", nil, "")
	assert.Len(t, decode[[]HistoryMessage](t, rec), 2)
}

func TestContinueConversation(t *testing.T) {
	srv := newTestServer(t, nil)
	p, err := persona.Default()
	require.NoError(t, err)

	rec := srv.postJSON(t, "/chat/continue", "s", `{"message_index":0}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ContinueResponse](t, rec)
	assert.Equal(t, p.FollowUps[0], resp.Message)
	assert.True(t, resp.HasMore)
	require.NotNil(t, resp.CurrentIndex)
	assert.Equal(t, 0, *resp.CurrentIndex)

	resp = decode[ContinueResponse](t, srv.postJSON(t, "/chat/continue", "s", `{}`))
	assert.Equal(t, p.FollowUps[1], resp.Message)
	assert.True(t, resp.HasMore)

	resp = decode[ContinueResponse](t, srv.postJSON(t, "/chat/continue", "s", `{"message_index":2}`))
	assert.Equal(t, p.FollowUps[2], resp.Message)
	assert.False(t, resp.HasMore)

	rec = srv.postJSON(t, "/chat/continue", "s", `{"message_index":7}`)
	resp = decode[ContinueResponse](t, rec)
	assert.Equal(t, p.FollowUpDone, resp.Message)
	assert.False(t, resp.HasMore)
	assert.Nil(t, resp.CurrentIndex)
	assert.NotContains(t, rec.Body.String(), "current_index")

	rec = srv.do(t, http.MethodPost, "/chat/continue", "s", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, p.FollowUps[1], decode[ContinueResponse](t, rec).Message)
}

func TestFormatMessage(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.postJSON(t, "/chat/format", "", `{"message":"curta"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[FormatResponse](t, rec)
	assert.Equal(t, "curta", resp.OriginalMessage)
	assert.Equal(t, "curta", resp.FormattedMessage)

	long := strings.Repeat("Observe o horizonte numa praia aberta. ", 3)
	body, err := json.Marshal(MessageRequest{Message: long})
	require.NoError(t, err)
	resp = decode[FormatResponse](t, srv.postJSON(t, "/chat/format", "", string(body)))
	assert.Equal(t, "Texto formatado com parágrafos.", resp.FormattedMessage)

	rec = srv.postJSON(t, "/chat/format", "", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartAudio(t *testing.T, field, filename string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestSendAudioAndDownload(t *testing.T) {
	srv := newTestServer(t, nil)

	body, contentType := multipartAudio(t, "audio_file", "clip.mp3", []byte("recording"))
	rec := srv.do(t, http.MethodPost, "/chat/audio", "s1", body, contentType)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[AudioResponse](t, rec)
	assert.Equal(t, "a terra é plana?", resp.TranscribedText)
	assert.Equal(t, assistantReply, resp.ResponseText)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "/chat/audio/download/"+resp.AudioID, resp.AudioURL)

	rec = srv.do(t, http.MethodGet, resp.AudioURL, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), resp.AudioID)
	assert.Equal(t, "ID3-fake-mp3", rec.Body.String())

	rec = srv.do(t, http.MethodGet, "/chat/history", "s1", nil, "")
	history := decode[[]HistoryMessage](t, rec)
	require.Len(t, history, 2)
	assert.Equal(t, "a terra é plana?", history[0].Content)

	rec = srv.do(t, http.MethodDelete, "/chat/audio/cache", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "1 arquivos removidos")
	assert.Equal(t, 0, srv.cache.Len())

	rec = srv.do(t, http.MethodGet, resp.AudioURL, "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendAudioErrors(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(*Services)
		field    string
		filename string
		size     int
		want     int
	}{
		{"unsupported extension", nil, "audio_file", "clip.mp4", 10, http.StatusBadRequest},
		{"too large", nil, "audio_file", "clip.mp3", 2048, http.StatusBadRequest},
		{"wrong field", nil, "file", "clip.mp3", 10, http.StatusBadRequest},
		{"transcription failure", func(s *Services) {
			s.Transcriber = stubTranscriber{err: audio.ErrTranscription}
		}, "audio_file", "clip.mp3", 10, http.StatusBadGateway},
		{"empty transcription", func(s *Services) {
			s.Transcriber = stubTranscriber{text: ""}
		}, "audio_file", "clip.mp3", 10, http.StatusBadRequest},
		{"synthesis failure", func(s *Services) {
			s.Synthesizer = stubSynthesizer{err: audio.ErrSynthesis}
		}, "audio_file", "clip.mp3", 10, http.StatusBadGateway},
		{"audio disabled", func(s *Services) {
			s.Transcriber = nil
		}, "audio_file", "clip.mp3", 10, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.modify)
			body, contentType := multipartAudio(t, tt.field, tt.filename, bytes.Repeat([]byte("x"), tt.size))
			rec := srv.do(t, http.MethodPost, "/chat/audio", "s1", body, contentType)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Detail)
			assert.Equal(t, 0, srv.cache.Len())
		})
	}
}

func TestSendAudioValidationDetail(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		size     int
		want     string
	}{
		{"unsupported extension", "clip.mp4", 10, "Formato não suportado. Use: mp3, wav, webm"},
		{"too large", "clip.mp3", 2048, "Arquivo muito grande. Máximo: 0.0MB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, nil)
			body, contentType := multipartAudio(t, "audio_file", tt.filename, bytes.Repeat([]byte("x"), tt.size))
			rec := srv.do(t, http.MethodPost, "/chat/audio", "s1", body, contentType)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.want, decode[ErrorResponse](t, rec).Detail)
		})
	}
}

func TestDownloadUnknownAudio(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/chat/audio/download/nope", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Áudio não encontrado", decode[ErrorResponse](t, rec).Detail)
}

func TestListVoices(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := srv.do(t, http.MethodGet, "/chat/audio/voices", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []audio.Voice{{VoiceID: "v1", Name: "Eduardo", Category: "cloned"}}, decode[[]audio.Voice](t, rec))

	srv = newTestServer(t, func(s *Services) { s.Voices = stubVoices{err: errors.New("unauthorized")} })
	rec = srv.do(t, http.MethodGet, "/chat/audio/voices", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestHealthAndRoot(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := srv.do(t, http.MethodGet, "/health", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "Persona Chat API", health["api"])
	assert.Equal(t, "1.0.0", health["version"])
	assert.Equal(t, true, health["openai_configured"])
	assert.Equal(t, "Eduardo Mayer", health["persona"])
	assert.EqualValues(t, 0, health["audio_files"])

	_, err := srv.cache.Store([]byte("ID3"), "resposta")
	require.NoError(t, err)
	rec = srv.do(t, http.MethodGet, "/health", "", nil, "")
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["audio_files"])

	rec = srv.do(t, http.MethodGet, "/", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode[map[string]any](t, rec)["message"], "está funcionando")

	rec = srv.do(t, http.MethodGet, "/metrics", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "persona_chat_requests_total")
}

func TestCORSExposesSessionHeader(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/chat/", strings.NewReader(`{"message":"olá"}`))
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set(session.HeaderName, "s1")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), session.HeaderName)
}

func TestCORSPreflight(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{"wildcard echoes origin", []string{"*"}, "http://app.example", "http://app.example"},
		{"listed origin", []string{"http://app.example"}, "http://app.example", "http://app.example"},
		{"unlisted origin", []string{"http://app.example"}, "http://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(Services{}, Info{}, zaptest.NewLogger(t))
			req := httptest.NewRequest(http.MethodOptions, "/chat/", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			rec := httptest.NewRecorder()
			h.Routes(tt.allowed, "").ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

type panickingChat struct {
	*llm.Service
}

func (panickingChat) Reply(context.Context, string, string) (*llm.Reply, error) {
	panic("boom")
}

func TestRecovererReturnsJSON(t *testing.T) {
	srv := newTestServer(t, func(s *Services) {
		s.Chat = panickingChat{Service: s.Chat.(*llm.Service)}
	})

	rec := srv.postJSON(t, "/chat/", "s1", `{"message":"olá"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "internal server error: boom", resp.Detail)
	assert.Equal(t, "internal_server_error", resp.Type)
}

func TestStaticFrontend(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o600))

	p, err := persona.Default()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	h := NewHandler(Services{Chat: llm.New(stubModel{reply: assistantReply}, nil, p, llm.Options{}, logger)}, Info{}, logger)
	handler := h.Routes([]string{"*"}, dir)

	for path, want := range map[string]string{
		"/":              "<html>app</html>",
		"/some/app/page": "<html>app</html>",
		"/static/app.js": "console.log(1)",
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, want, rec.Body.String(), path)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
