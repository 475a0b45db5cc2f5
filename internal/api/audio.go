package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/persona-chat/internal/audio"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// multipartOverhead is the slack allowed on top of the audio size ceiling for
// multipart framing.
const multipartOverhead = 1 << 20

type AudioResponse struct {
	TranscribedText string    `json:"transcribed_text"`
	ResponseText    string    `json:"response_text"`
	AudioID         string    `json:"audio_id"`
	AudioURL        string    `json:"audio_url"`
	Timestamp       time.Time `json:"timestamp"`
	SessionID       string    `json:"session_id"`
}

func (h *Handler) audioEnabled(w http.ResponseWriter) bool {
	if h.transcriber == nil || h.synthesizer == nil || h.cache == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Áudio não está configurado")
		return false
	}
	return true
}

// SendAudio transcribes an uploaded recording, answers it like a text message
// and synthesizes the answer for download.
func (h *Handler) SendAudio(w http.ResponseWriter, r *http.Request) {
	sid := resolveSession(w, r)
	if !h.audioEnabled(w) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.validator.MaxSize+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusBadRequest, h.validationDetail(audio.ErrTooLarge))
			return
		}
		h.writeError(w, http.StatusBadRequest, "Formulário multipart inválido")
		return
	}

	file, header, err := r.FormFile("audio_file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Arquivo de áudio não fornecido (campo 'audio_file')")
		return
	}
	defer file.Close()
	if header.Filename == "" {
		h.writeError(w, http.StatusBadRequest, "Nome do arquivo não fornecido")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Falha ao ler o arquivo de áudio")
		return
	}
	if err := h.validator.Validate(header.Filename, int64(len(data))); err != nil {
		h.writeError(w, http.StatusBadRequest, h.validationDetail(err))
		return
	}

	ctx := r.Context()
	transcribed, err := h.transcriber.Transcribe(ctx, data, header.Filename)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("Erro ao transcrever áudio: %v", err))
		return
	}
	if transcribed == "" {
		h.writeError(w, http.StatusBadRequest, "Não foi possível transcrever o áudio. Tente falar mais alto ou em um ambiente mais silencioso.")
		return
	}

	reply, err := h.chat.Reply(ctx, sid, transcribed)
	if err != nil {
		h.logger.Error("failed to process audio message", zap.Error(err), zap.String("session_id", sid))
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Erro ao processar áudio: %v", err))
		return
	}

	speech, err := h.synthesizer.Synthesize(ctx, reply.Text)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, fmt.Sprintf("Erro ao gerar áudio: %v", err))
		return
	}

	artifact, err := h.cache.Store(speech, reply.Text)
	if err != nil {
		h.logger.Error("failed to store audio", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Erro ao salvar arquivo de áudio: %v", err))
		return
	}

	h.writeJSON(w, http.StatusOK, AudioResponse{
		TranscribedText: transcribed,
		ResponseText:    reply.Text,
		AudioID:         artifact.ID,
		AudioURL:        "/chat/audio/download/" + artifact.ID,
		Timestamp:       h.now(),
		SessionID:       sid,
	})
}

// validationDetail renders a Validator error for the user.
func (h *Handler) validationDetail(err error) string {
	switch {
	case errors.Is(err, audio.ErrTooLarge):
		return fmt.Sprintf("Arquivo muito grande. Máximo: %.1fMB", h.validator.MaxSizeMB())
	case errors.Is(err, audio.ErrUnsupportedFormat):
		return "Formato não suportado. Use: " + strings.Join(h.validator.Formats, ", ")
	default:
		return "Arquivo de áudio inválido"
	}
}

func (h *Handler) DownloadAudio(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, http.StatusNotFound, "Áudio não encontrado")
		return
	}
	id := chi.URLParam(r, "id")
	artifact, err := h.cache.Get(id)
	if errors.Is(err, audio.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Áudio não encontrado")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Erro ao baixar áudio: %v", err))
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="response_%s.mp3"`, artifact.ID))
	http.ServeFile(w, r, artifact.Path)
}

// ListVoices returns the provider's voices, or an empty list when they cannot
// be fetched.
func (h *Handler) ListVoices(w http.ResponseWriter, r *http.Request) {
	voices := []audio.Voice{}
	if h.voices != nil {
		list, err := h.voices.Voices(r.Context())
		if err != nil {
			h.logger.Warn("failed to list voices", zap.Error(err))
		} else if list != nil {
			voices = list
		}
	}
	h.writeJSON(w, http.StatusOK, voices)
}

func (h *Handler) ClearAudioCache(w http.ResponseWriter, r *http.Request) {
	removed := 0
	if h.cache != nil {
		removed = h.cache.Clear()
	}
	h.logger.Info("cleared audio cache", zap.Int("removed", removed))
	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Cache limpo. %d arquivos removidos.", removed),
	})
}
