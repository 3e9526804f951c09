// Package mistralsdk implements the chat completion transport on top of the
// go-openai SDK, pointed at Mistral's OpenAI-compatible endpoint.
package mistralsdk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"delta-gateway/internal/domain"
	"delta-gateway/internal/integrations/mistral"
)

const maxErrorBody = 64 << 10

// Client is a Completer backed by the go-openai SDK.
type Client struct {
	api     *openai.Client
	chatURL string
}

type settings struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*settings)

func WithBaseURL(baseURL string) Option {
	return func(s *settings) {
		s.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *settings) {
		s.httpClient = httpClient
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.httpClient = &http.Client{Timeout: d}
		}
	}
}

// NewClient builds the SDK client. A base URL without the /v1 suffix gets it
// appended, as with the plain HTTP transport.
func NewClient(apiKey string, opts ...Option) *Client {
	s := settings{
		baseURL:    mistral.DefaultBaseURL,
		httpClient: &http.Client{Timeout: mistral.DefaultTimeout},
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.baseURL == "" {
		s.baseURL = mistral.DefaultBaseURL
	}
	if !strings.HasSuffix(s.baseURL, "/v1") {
		s.baseURL += "/v1"
	}

	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	cfg.BaseURL = s.baseURL
	cfg.HTTPClient = withBodyCapture(s.httpClient)

	return &Client{
		api:     openai.NewClientWithConfig(cfg),
		chatURL: s.baseURL + "/chat/completions",
	}
}

// Complete issues one chat completion call and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, in domain.CompletionRequest) (string, error) {
	if in.Model == "" {
		return "", errors.New("mistralsdk: model must not be empty")
	}

	capture := &capturedBody{}
	ctx = context.WithValue(ctx, captureKey{}, capture)

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       in.Model,
		Messages:    toSDKMessages(in.Messages),
		Temperature: sdkTemperature(in.Temperature),
		MaxTokens:   in.MaxTokens,
	})
	if err != nil {
		return "", c.translateError(err, capture)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("mistralsdk: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// translateError turns SDK status errors into *mistral.HTTPStatusError so the
// gateway sees the same shape regardless of transport.
func (c *Client) translateError(err error, capture *capturedBody) error {
	status := 0
	fallback := ""
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, fallback = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status, fallback = reqErr.HTTPStatusCode, reqErr.Error()
	}
	if status == 0 {
		return fmt.Errorf("mistralsdk: chat completion: %w", err)
	}

	body := capture.get()
	if body == "" {
		body = fallback
	}
	return fmt.Errorf("mistralsdk: chat completion: %w", &mistral.HTTPStatusError{
		StatusCode: status,
		URL:        c.chatURL,
		Body:       body,
	})
}

// sdkTemperature keeps a configured zero on the wire. The SDK tags the field
// omitempty, so 0 is sent as the smallest positive float32 instead.
func sdkTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

func toSDKMessages(msgs []domain.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if !m.IsMultimodal() {
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartText:
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
			case domain.PartImageURL:
				if p.ImageURL == nil {
					continue
				}
				parts = append(parts, openai.ChatMessagePart{
					Type:     openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL.URL},
				})
			}
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts})
	}
	return out
}

type captureKey struct{}

// capturedBody holds the raw body of a failed response for one call.
type capturedBody struct {
	mu   sync.Mutex
	body []byte
}

func (b *capturedBody) set(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.body = p
}

func (b *capturedBody) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.body)
}

// captureTransport copies non-2xx response bodies into the capturedBody found
// in the request context, then hands the SDK an unread copy.
type captureTransport struct {
	next http.RoundTripper
}

func (t captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := t.next.RoundTrip(req)
	if err != nil || (res.StatusCode >= 200 && res.StatusCode < 300) {
		return res, err
	}
	capture, ok := req.Context().Value(captureKey{}).(*capturedBody)
	if !ok {
		return res, nil
	}
	buf, readErr := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	_ = res.Body.Close()
	capture.set(buf)
	res.Body = io.NopCloser(bytes.NewReader(buf))
	if readErr != nil {
		return nil, fmt.Errorf("read error response body: %w", readErr)
	}
	return res, nil
}

func withBodyCapture(hc *http.Client) *http.Client {
	if hc == nil {
		hc = &http.Client{Timeout: mistral.DefaultTimeout}
	}
	wrapped := *hc
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	wrapped.Transport = captureTransport{next: next}
	return &wrapped
}
