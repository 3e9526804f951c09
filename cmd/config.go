package main

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"delta-gateway/internal/integrations/mistral"
	"delta-gateway/internal/usecase"
)

const (
	transportHTTP = "http"
	transportSDK  = "sdk"
)

// appConfig is everything the Lambda reads from its environment.
type appConfig struct {
	APIKey      string
	APIKeyParam string
	BaseURL     string
	Transport   string
	Timeout     time.Duration
	Chat        usecase.Config
}

// envSource reads environment variables through viper. Values that fail to
// parse are logged and replaced by the default.
type envSource struct {
	v      *viper.Viper
	logger *slog.Logger
}

func newEnvSource(logger *slog.Logger) envSource {
	v := viper.New()
	v.AutomaticEnv()
	return envSource{v: v, logger: logger}
}

func loadConfig(env envSource) appConfig {
	timeoutSeconds := env.Int("MISTRAL_TIMEOUT_SECONDS", int(mistral.DefaultTimeout/time.Second))
	return appConfig{
		APIKey:      env.String("MISTRAL_API_KEY", ""),
		APIKeyParam: env.String("MISTRAL_API_KEY_PARAM", ""),
		BaseURL:     env.String("MISTRAL_BASE_URL", mistral.DefaultBaseURL),
		Transport:   strings.ToLower(env.String("MISTRAL_TRANSPORT", transportHTTP)),
		Timeout:     time.Duration(timeoutSeconds) * time.Second,
		Chat: usecase.Config{
			SupportsImage: env.Bool("ENABLE_IMAGE_INPUT", true),
			TextModel:     env.String("MISTRAL_TEXT_MODEL", usecase.DefaultTextModel),
			VisionModel:   env.String("MISTRAL_VISION_MODEL", usecase.DefaultVisionModel),
			SystemPrompt:  env.String("SYSTEM_PROMPT", usecase.DefaultSystemPrompt),
			Temperature:   env.Float("MISTRAL_TEMPERATURE", usecase.DefaultTemperature),
			MaxTokens:     env.Int("MISTRAL_MAX_TOKENS", usecase.DefaultMaxTokens),
			MaxMessageLen: env.Int("MAX_MESSAGE_LENGTH", usecase.DefaultMaxMessageLen),
		},
	}
}

func (e envSource) raw(key string) string {
	return strings.TrimSpace(e.v.GetString(key))
}

func (e envSource) String(key, def string) string {
	if v := e.raw(key); v != "" {
		return v
	}
	return def
}

func (e envSource) Int(key string, def int) int {
	v := e.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.invalid(key, v, def)
		return def
	}
	return n
}

func (e envSource) Float(key string, def float64) float64 {
	v := e.raw(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.invalid(key, v, def)
		return def
	}
	return f
}

func (e envSource) Bool(key string, def bool) bool {
	v := e.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.invalid(key, v, def)
		return def
	}
	return b
}

func (e envSource) invalid(key, value string, def any) {
	e.logger.Warn("invalid environment value, using default", "key", key, "value", value, "default", def)
}
