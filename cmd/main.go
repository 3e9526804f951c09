package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"delta-gateway/handler"
	"delta-gateway/internal/integrations/mistral"
	"delta-gateway/internal/integrations/mistralsdk"
	"delta-gateway/internal/integrations/paramstore"
	"delta-gateway/internal/usecase"
)

func main() {
	ctx := context.Background()

	// A local .env is optional; inside Lambda there is none.
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// ---- Configuration (read only here) ----
	appCfg := loadConfig(newEnvSource(slog.Default()))
	apiKey, transport := appCfg.APIKey, appCfg.Transport
	cfg := appCfg.Chat

	// ---- Provider credential ----
	if apiKey == "" && appCfg.APIKeyParam != "" {
		apiKey = loadAPIKeyFromSSM(ctx, appCfg.APIKeyParam)
	}
	if apiKey == "" {
		// Not fatal: every chat request answers 500 until a key is configured.
		slog.Warn("provider API key is not configured")
	}
	cfg.APIKey = apiKey

	// ---- Clients ----
	var llm usecase.Completer
	switch transport {
	case transportSDK:
		llm = mistralsdk.NewClient(apiKey, mistralsdk.WithBaseURL(appCfg.BaseURL), mistralsdk.WithTimeout(appCfg.Timeout))
	case transportHTTP:
		llm = mistral.NewClient(apiKey, mistral.WithBaseURL(appCfg.BaseURL), mistral.WithTimeout(appCfg.Timeout))
	default:
		slog.Error("unknown MISTRAL_TRANSPORT", "value", transport)
		os.Exit(1)
	}

	// ---- Handler ----
	chatService, err := usecase.NewChatService(llm, cfg)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("starting chat gateway",
		"transport", transport,
		"supports_image", cfg.SupportsImage,
		"text_model", cfg.TextModel,
		"vision_model", cfg.VisionModel,
	)
	lambda.Start(h.Handle)
}

func loadAPIKeyFromSSM(ctx context.Context, name string) string {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		return ""
	}
	ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		return ""
	}
	key, err := ps.APIKey(ctx, name)
	if err != nil {
		slog.Error("failed to load provider API key from SSM", "param", name, "err", err)
		return ""
	}
	return key
}
