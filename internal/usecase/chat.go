package usecase

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"

	"delta-gateway/internal/domain"
)

const (
	DefaultTextModel     = "mistral-small-latest"
	DefaultVisionModel   = "pixtral-12b-2409"
	DefaultTemperature   = 0.7
	DefaultMaxTokens     = 500
	DefaultMaxMessageLen = 0
)

// Completer performs one chat completion call against the provider.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// providerStatusError is implemented by transport errors carrying a non-2xx
// provider response.
type providerStatusError interface {
	HTTPStatusCode() int
	ResponseBody() string
}

// Config is fixed per deployment and injected at construction. A zero
// MaxMessageLen disables the length check.
type Config struct {
	APIKey        string
	SupportsImage bool
	TextModel     string
	VisionModel   string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	MaxMessageLen int
}

type ChatService struct {
	llm Completer
	cfg Config
}

type ChatInput struct {
	Message string
	Image   string
}

type ChatOutput struct {
	Response string
	Model    string
}

func NewChatService(llm Completer, cfg Config) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if strings.TrimSpace(cfg.TextModel) == "" {
		cfg.TextModel = DefaultTextModel
	}
	if strings.TrimSpace(cfg.VisionModel) == "" {
		cfg.VisionModel = DefaultVisionModel
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Temperature < 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxMessageLen < 0 {
		cfg.MaxMessageLen = DefaultMaxMessageLen
	}
	return &ChatService{llm: llm, cfg: cfg}, nil
}

// Chat validates the input, builds the provider payload and performs exactly
// one provider call. The message is forwarded as given; whitespace only
// matters for the emptiness check. Every failure is returned as *Error.
func (s *ChatService) Chat(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := in.Message
	image := ""
	if s.cfg.SupportsImage {
		image = strings.TrimSpace(in.Image)
	}

	if err := s.validate(message, image); err != nil {
		return ChatOutput{}, err
	}
	if s.cfg.APIKey == "" {
		return ChatOutput{}, newError(ErrorConfiguration, http.StatusInternalServerError, msgAPIKeyMissing, "", nil)
	}

	req := s.completionRequest(message, image)
	answer, err := s.llm.Complete(ctx, req)
	if err != nil {
		return ChatOutput{}, classifyProviderError(err)
	}
	return ChatOutput{Response: answer, Model: req.Model}, nil
}

func (s *ChatService) validate(message, image string) *Error {
	if strings.TrimSpace(message) == "" && image == "" {
		if s.cfg.SupportsImage {
			return NewBadRequest(msgMessageOrImage, "", nil)
		}
		return NewBadRequest(msgMessageRequired, "", nil)
	}
	if s.cfg.MaxMessageLen > 0 && utf8.RuneCountInString(message) > s.cfg.MaxMessageLen {
		return NewBadRequest(msgMessageTooLong, "", nil)
	}
	if image != "" && !isSupportedImageRef(image) {
		return NewBadRequest(msgUnsupportedImage, "", nil)
	}
	return nil
}

func (s *ChatService) completionRequest(message, image string) domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       s.selectModel(image != ""),
		Messages:    buildPromptMessages(s.cfg.SystemPrompt, message, image),
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	}
}

func (s *ChatService) selectModel(hasImage bool) string {
	if hasImage {
		return s.cfg.VisionModel
	}
	return s.cfg.TextModel
}

func classifyProviderError(err error) *Error {
	var statusErr providerStatusError
	if errors.As(err, &statusErr) {
		return newError(ErrorProvider, statusErr.HTTPStatusCode(), msgProviderError, statusErr.ResponseBody(), err)
	}
	if isTimeout(err) {
		return newError(ErrorProviderTimeout, http.StatusGatewayTimeout, msgProviderTimeout, err.Error(), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(ErrorProviderUnavailable, http.StatusBadGateway, msgProviderUnavailable, err.Error(), err)
	}
	return NewUnexpected(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
