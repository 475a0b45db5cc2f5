package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RichardoC/persona-chat/internal/metrics"
	"github.com/RichardoC/persona-chat/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// apiPrefixes are never answered with the single page app.
var apiPrefixes = []string{"/chat", "/health", "/metrics", "/api/"}

// Routes returns the HTTP surface. When staticDir is set its files are served
// under /static and its index.html answers / and unknown paths.
func (h *Handler) Routes(allowedOrigins []string, staticDir string) http.Handler {
	r := chi.NewRouter()
	r.Use(h.recoverer)
	r.Use(h.requestLogger)
	r.Use(cors.Handler(corsOptions(allowedOrigins)))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/chat", func(r chi.Router) {
		r.Post("/", h.SendMessage)
		r.Post("/format", h.FormatMessage)
		r.Post("/continue", h.ContinueConversation)
		r.Get("/history", h.GetHistory)
		r.Delete("/history", h.ClearHistory)

		r.Post("/audio", h.SendAudio)
		r.Get("/audio/download/{id}", h.DownloadAudio)
		r.Get("/audio/voices", h.ListVoices)
		r.Delete("/audio/cache", h.ClearAudioCache)
	})

	index := ""
	if staticDir != "" {
		if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
			index = filepath.Join(staticDir, "index.html")
			r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
		} else {
			h.logger.Warn("static directory not found, frontend disabled", zap.String("dir", staticDir))
		}
	}

	if index == "" {
		r.Get("/", h.Root)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			h.writeError(w, http.StatusNotFound, "Not Found")
		})
		return r
	}

	spa := func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range apiPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				h.writeError(w, http.StatusNotFound, "API route not found")
				return
			}
		}
		if _, err := os.Stat(index); err != nil {
			h.writeError(w, http.StatusNotFound, "Frontend not found")
			return
		}
		http.ServeFile(w, r, index)
	}
	r.Get("/", spa)
	r.NotFound(spa)
	return r
}

// corsOptions allows credentialed requests. A "*" origin echoes the request's
// Origin back, since browsers refuse a literal "*" alongside credentials.
func corsOptions(allowedOrigins []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{session.HeaderName},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if slices.Contains(allowedOrigins, "*") {
		opts.AllowedOrigins = nil
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return opts
}

// requestLogger logs every request and records its metrics under the matched
// route pattern.
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		metrics.RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
		h.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("origin", r.Header.Get("Origin")),
			zap.Duration("duration", elapsed))
	})
}

// recoverer turns a panic into a 500 that carries the panic text.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			h.logger.Error("panic serving request",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.ByteString("stack", debug.Stack()))
			h.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
				Detail: fmt.Sprintf("internal server error: %v", rec),
				Type:   "internal_server_error",
			})
		}()
		next.ServeHTTP(w, r)
	})
}
