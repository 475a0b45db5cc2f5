package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/persona-chat/internal/api"
	"github.com/RichardoC/persona-chat/internal/audio"
	"github.com/RichardoC/persona-chat/internal/config"
	"github.com/RichardoC/persona-chat/internal/db"
	"github.com/RichardoC/persona-chat/internal/llm"
	"github.com/RichardoC/persona-chat/internal/logging"
	"github.com/RichardoC/persona-chat/internal/persona"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const apiTitle = "Persona Chat API"

// version is set at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

var (
	envFile  string
	logLevel string
	devLogs  bool
)

var rootCmd = &cobra.Command{
	Use:   "persona-chat",
	Short: "Chat backend that answers as a fixed persona",
	Long: `persona-chat serves a chat API that answers every message in the voice of a
single configured persona, keeps each session's conversation in a SQL store and
can answer recorded speech with synthesized speech.

Configuration is read from the environment, optionally preloaded from the file
given with --env-file. Without a subcommand it runs serve.`,
	Version:       version,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "human readable development logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err := logging.New(cfg.LogLevel, devLogs)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.ValidateDatabase(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sqlDB, err := sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	applied, err := db.Migrate(cmd.Context(), sqlDB, cfg.DatabaseDriver)
	if err != nil {
		return err
	}
	logger.Info("migrations applied",
		zap.String("driver", cfg.DatabaseDriver),
		zap.Int("applied", applied))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("driver", cfg.DatabaseDriver))
		return err
	}
	defer database.Close()

	p, err := persona.Load(cfg.PersonaFile)
	if err != nil {
		return fmt.Errorf("failed to load persona: %w", err)
	}

	model, err := llm.NewOpenAI(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	formatter := llm.NewFormatter(model, p, cfg.FormatterModel, logger)
	chat := llm.New(model, database, p, llm.Options{
		Model:       cfg.OpenAIModel,
		MaxTokens:   cfg.OpenAIMaxTokens,
		Temperature: cfg.OpenAITemperature,
	}, logger)
	if cfg.FormatterEnabled {
		chat.WithFormatter(formatter)
	}
	if cfg.EnhancerEnabled {
		seed := cfg.EnhancerSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		chat.WithEnhancer(llm.NewEnhancer(p, rand.New(rand.NewSource(seed))))
	}

	if cfg.ElevenLabsAPIKey == "" {
		logger.Warn("ELEVENLABS_API_KEY is not set, audio replies will fail")
	}
	speech := audio.NewElevenLabs(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoiceID, cfg.ElevenLabsModel, cfg.ElevenLabsBaseURL, logger)
	cache := audio.NewCache(cfg.AudioDir, logger)
	defer func() {
		logger.Info("removed cached audio", zap.Int("count", cache.Clear()))
	}()

	handler := api.NewHandler(api.Services{
		Chat:        chat,
		Formatter:   formatter,
		Transcriber: audio.NewWhisperTranscriber(audio.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), cfg.TranscriptionModel, cfg.TranscriptionLanguage, cfg.AudioDir, logger),
		Synthesizer: speech,
		Voices:      speech,
		Validator:   audio.Validator{MaxSize: cfg.MaxAudioSize, Formats: cfg.AudioFormats},
		Cache:       cache,
	}, api.Info{
		Title:            apiTitle,
		Version:          version,
		OpenAIConfigured: cfg.OpenAIAPIKey != "",
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler.Routes(cfg.AllowedOrigins, cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", cfg.Addr),
			zap.String("model", cfg.OpenAIModel),
			zap.String("persona", p.Name),
			zap.String("institution", p.Institution),
			zap.Bool("formatter", cfg.FormatterEnabled),
			zap.Bool("enhancer", cfg.EnhancerEnabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("failed to start server", zap.Error(err))
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
