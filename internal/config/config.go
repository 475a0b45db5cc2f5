// Package config loads server settings from the environment and an optional
// dotenv file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every setting the server reads. Each field is set from the
// environment variable named by its upper-cased mapstructure key.
type Config struct {
	OpenAIAPIKey      string  `mapstructure:"openai_api_key"`
	OpenAIBaseURL     string  `mapstructure:"openai_base_url"`
	OpenAIModel       string  `mapstructure:"openai_model"`
	OpenAIMaxTokens   int     `mapstructure:"openai_max_tokens"`
	OpenAITemperature float64 `mapstructure:"openai_temperature"`

	// FormatterModel is used by the optional reply formatter.
	FormatterModel   string `mapstructure:"formatter_model"`
	FormatterEnabled bool   `mapstructure:"formatter_enabled"`

	EnhancerEnabled bool `mapstructure:"enhancer_enabled"`
	// EnhancerSeed seeds the enhancer's random source; 0 picks a time based seed.
	EnhancerSeed int64 `mapstructure:"enhancer_seed"`

	TranscriptionModel    string `mapstructure:"transcription_model"`
	TranscriptionLanguage string `mapstructure:"transcription_language"`

	ElevenLabsAPIKey  string `mapstructure:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `mapstructure:"elevenlabs_voice_id"`
	ElevenLabsModel   string `mapstructure:"elevenlabs_model"`
	ElevenLabsBaseURL string `mapstructure:"elevenlabs_base_url"`

	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`

	MaxAudioSize int64    `mapstructure:"max_audio_size"`
	AudioFormats []string `mapstructure:"audio_formats"`
	AudioDir     string   `mapstructure:"audio_dir"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`
	Addr           string   `mapstructure:"addr"`
	StaticDir      string   `mapstructure:"static_dir"`
	PersonaFile    string   `mapstructure:"persona_file"`
	LogLevel       string   `mapstructure:"log_level"`
}

var defaults = map[string]any{
	"openai_api_key":         "",
	"openai_base_url":        "",
	"openai_model":           "gpt-4",
	"openai_max_tokens":      800,
	"openai_temperature":     0.8,
	"formatter_model":        "gpt-4",
	"formatter_enabled":      false,
	"enhancer_enabled":       false,
	"enhancer_seed":          0,
	"transcription_model":    "whisper-1",
	"transcription_language": "pt",
	"elevenlabs_api_key":     "",
	"elevenlabs_voice_id":    "21m00Tcm4TlvDq8ikWAM",
	"elevenlabs_model":       "eleven_multilingual_v2",
	"elevenlabs_base_url":    "",
	"database_driver":        "sqlite3",
	"database_url":           "persona-chat.db",
	"max_audio_size":         25 * 1024 * 1024,
	"audio_formats":          []string{"mp3", "wav", "m4a", "ogg", "webm"},
	"audio_dir":              "",
	"allowed_origins":        []string{"*"},
	"addr":                   ":8000",
	"static_dir":             "",
	"persona_file":           "",
	"log_level":              "info",
}

// Load reads envFile when it is not empty, then the process environment,
// which takes precedence.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read env file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.AudioFormats = normalizeList(cfg.AudioFormats, true)
	cfg.AllowedOrigins = normalizeList(cfg.AllowedOrigins, false)
	return &cfg, nil
}

// Validate reports every setting that prevents the server from starting.
func (c *Config) Validate() error {
	var errs []error
	if c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if err := c.ValidateDatabase(); err != nil {
		errs = append(errs, err)
	}
	if c.OpenAIMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("OPENAI_MAX_TOKENS must be positive, got %d", c.OpenAIMaxTokens))
	}
	if c.OpenAITemperature < 0 || c.OpenAITemperature > 2 {
		errs = append(errs, fmt.Errorf("OPENAI_TEMPERATURE must be between 0 and 2, got %g", c.OpenAITemperature))
	}
	if c.MaxAudioSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_AUDIO_SIZE must be positive, got %d", c.MaxAudioSize))
	}
	if len(c.AudioFormats) == 0 {
		errs = append(errs, errors.New("AUDIO_FORMATS must list at least one extension"))
	}
	if c.Addr == "" {
		errs = append(errs, errors.New("ADDR is required"))
	}
	return errors.Join(errs...)
}

// ValidateDatabase checks only the store settings, which is all migrations need.
func (c *Config) ValidateDatabase() error {
	switch c.DatabaseDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite3 or pgx, got %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// normalizeList trims entries, drops empty ones and splits entries that still
// contain commas.
func normalizeList(in []string, lower bool) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if lower {
				part = strings.ToLower(strings.TrimPrefix(part, "."))
			}
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
