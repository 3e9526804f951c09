package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/stretchr/testify/require"

	"delta-gateway/internal/integrations/mistral"
	"delta-gateway/internal/integrations/mistralsdk"
	"delta-gateway/internal/usecase"
)

type stubChat struct {
	out   usecase.ChatOutput
	err   error
	in    usecase.ChatInput
	calls int
	panic any
}

func (s *stubChat) Chat(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	s.calls++
	s.in = in
	if s.panic != nil {
		panic(s.panic)
	}
	return s.out, s.err
}

func makeEvent(method, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       "/chat",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func lambdaCtx(requestID string) context.Context {
	return lambdacontext.NewContext(context.Background(), &lambdacontext.LambdaContext{AwsRequestID: requestID})
}

func requireJSONHeaders(t *testing.T, resp events.APIGatewayProxyResponse) {
	t.Helper()
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
	require.NotEmpty(t, resp.Headers["X-Request-Id"])
}

func mustHandler(t *testing.T, chat ChatService) *Handler {
	t.Helper()
	h, err := NewHandler(chat)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_Preflight(t *testing.T) {
	chat := &stubChat{}
	h := mustHandler(t, chat)

	for _, method := range []string{"OPTIONS", "options"} {
		resp, err := h.Handle(context.Background(), makeEvent(method, `not-json`))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Empty(t, resp.Body)
		require.Equal(t, "*", resp.Headers["Access-Control-Allow-Origin"])
		require.Equal(t, "POST, OPTIONS", resp.Headers["Access-Control-Allow-Methods"])
		require.Equal(t, "Content-Type, X-User-Id", resp.Headers["Access-Control-Allow-Headers"])
		require.Equal(t, "86400", resp.Headers["Access-Control-Max-Age"])
		require.NotContains(t, resp.Headers, "Content-Type")
	}
	require.Zero(t, chat.calls)
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	for _, method := range []string{"GET", "PUT", "DELETE", "PATCH", ""} {
		t.Run(method, func(t *testing.T) {
			chat := &stubChat{}
			h := mustHandler(t, chat)

			resp, err := h.Handle(context.Background(), makeEvent(method, `{"message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
			requireJSONHeaders(t, resp)
			require.Equal(t, "Method not allowed", parseBody[errorResponse](t, resp.Body).Error)
			require.Zero(t, chat.calls)
		})
	}
}

func TestHandle_HappyPath(t *testing.T) {
	chat := &stubChat{out: usecase.ChatOutput{Response: "Привет! 👋 <b>", Model: "mistral-small-latest"}}
	h := mustHandler(t, chat)

	resp, err := h.Handle(lambdaCtx("req-1"), makeEvent(http.MethodPost, `{"message":"Привет","image":"https://example.com/a.png"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	requireJSONHeaders(t, resp)
	require.Equal(t, "req-1", resp.Headers["X-Request-Id"])
	require.Equal(t, usecase.ChatInput{Message: "Привет", Image: "https://example.com/a.png"}, chat.in)

	require.Equal(t, `{"response":"Привет! 👋 <b>","request_id":"req-1"}`, resp.Body)
}

func TestHandle_GeneratesRequestIDOutsideLambda(t *testing.T) {
	prev := newRequestID
	newRequestID = func() string { return "generated-id" }
	t.Cleanup(func() { newRequestID = prev })

	h := mustHandler(t, &stubChat{out: usecase.ChatOutput{Response: "ok"}})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, "generated-id", resp.Headers["X-Request-Id"])
	require.Equal(t, "generated-id", parseBody[chatResponse](t, resp.Body).RequestID)
}

func TestHandle_InvalidBody(t *testing.T) {
	for _, body := range []string{`not-json`, `{"message":`, `[1,2]`, `{"message":42}`} {
		t.Run(body, func(t *testing.T) {
			chat := &stubChat{}
			h := mustHandler(t, chat)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, body))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			requireJSONHeaders(t, resp)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, "Invalid JSON body", out.Error)
			require.NotEmpty(t, out.Details)
			require.Zero(t, chat.calls)
		})
	}
}

func TestHandle_EmptyBodyIsEmptyObject(t *testing.T) {
	chat := &stubChat{out: usecase.ChatOutput{Response: "ok"}}
	h := mustHandler(t, chat)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "  "))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ChatInput{}, chat.in)
}

func TestHandle_Base64Body(t *testing.T) {
	chat := &stubChat{out: usecase.ChatOutput{Response: "ok"}}
	h := mustHandler(t, chat)

	event := makeEvent(http.MethodPost, base64.StdEncoding.EncodeToString([]byte(`{"message":"hello"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", chat.in.Message)

	event.Body = "%%%"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		status  int
		message string
		details string
	}{
		{name: "bad request", err: usecase.NewBadRequest("Message is required", "", nil), status: http.StatusBadRequest, message: "Message is required"},
		{name: "configuration", err: &usecase.Error{Kind: usecase.ErrorConfiguration, Status: 500, Message: "API key not configured"}, status: 500, message: "API key not configured"},
		{name: "provider", err: &usecase.Error{Kind: usecase.ErrorProvider, Status: 429, Message: "Mistral API error", Details: `{"m":"slow"}`}, status: 429, message: "Mistral API error", details: `{"m":"slow"}`},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, message: "boom"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := mustHandler(t, &stubChat{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			requireJSONHeaders(t, resp)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.message, out.Error)
			require.Equal(t, tc.details, out.Details)
			if tc.details == "" {
				require.NotContains(t, resp.Body, "details")
			}
		})
	}
}

func TestHandle_RecoversPanics(t *testing.T) {
	h := mustHandler(t, &stubChat{panic: "nil map write"})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	requireJSONHeaders(t, resp)
	require.Contains(t, parseBody[errorResponse](t, resp.Body).Error, "nil map write")
}

// ---------------------------------------------------------------------------
// Gateway end to end: handler + ChatService + transports against a stub provider
// ---------------------------------------------------------------------------

type providerStub struct {
	status int
	body   string
	delay  time.Duration

	mu       sync.Mutex
	calls    int
	lastBody map[string]any
}

func (p *providerStub) snapshot() (int, map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls, p.lastBody
}

func (p *providerStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body := map[string]any{}
		require.NoError(t, json.Unmarshal(raw, &body))
		p.mu.Lock()
		p.calls++
		p.lastBody = body
		p.mu.Unlock()
		if p.delay > 0 {
			time.Sleep(p.delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(p.status)
		_, _ = w.Write([]byte(p.body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type transportFactory func(apiKey, baseURL string, timeout time.Duration) usecase.Completer

var transports = map[string]transportFactory{
	"http": func(apiKey, baseURL string, timeout time.Duration) usecase.Completer {
		return mistral.NewClient(apiKey, mistral.WithBaseURL(baseURL), mistral.WithTimeout(timeout))
	},
	"sdk": func(apiKey, baseURL string, timeout time.Duration) usecase.Completer {
		return mistralsdk.NewClient(apiKey, mistralsdk.WithBaseURL(baseURL+"/v1"), mistralsdk.WithTimeout(timeout))
	},
}

func newGateway(t *testing.T, factory transportFactory, apiKey, baseURL string, timeout time.Duration) *Handler {
	t.Helper()
	svc, err := usecase.NewChatService(factory(apiKey, baseURL, timeout), usecase.Config{
		APIKey:        apiKey,
		SupportsImage: true,
		Temperature:   usecase.DefaultTemperature,
	})
	require.NoError(t, err)
	return mustHandler(t, svc)
}

func TestGateway_ProviderSuccess(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			stub := &providerStub{status: 200, body: `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`}
			srv := stub.server(t)
			h := newGateway(t, factory, "sk-test", srv.URL, 2*time.Second)

			resp, err := h.Handle(lambdaCtx("req-1"), makeEvent(http.MethodPost, `{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, "hi", parseBody[chatResponse](t, resp.Body).Response)
			_, sent := stub.snapshot()
			require.Equal(t, usecase.DefaultTextModel, sent["model"])
			require.InDelta(t, usecase.DefaultTemperature, sent["temperature"], 1e-6)

			again, err := h.Handle(lambdaCtx("req-1"), makeEvent(http.MethodPost, `{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, resp.Body, again.Body, "deterministic provider must give identical bodies")
		})
	}
}

func TestGateway_ZeroTemperatureIsSent(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			stub := &providerStub{status: 200, body: `{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`}
			srv := stub.server(t)
			svc, err := usecase.NewChatService(factory("sk-test", srv.URL, 2*time.Second), usecase.Config{
				APIKey:      "sk-test",
				Temperature: 0,
			})
			require.NoError(t, err)
			h := mustHandler(t, svc)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			_, sent := stub.snapshot()
			require.Contains(t, sent, "temperature")
			require.InDelta(t, 0, sent["temperature"], 1e-6)
		})
	}
}

func TestGateway_ProviderRateLimitPassesThrough(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			const raw = `{"object":"error","message":"Requests rate limit exceeded","type":"rate_limited"}`
			stub := &providerStub{status: http.StatusTooManyRequests, body: raw}
			srv := stub.server(t)
			h := newGateway(t, factory, "sk-test", srv.URL, 2*time.Second)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
			requireJSONHeaders(t, resp)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, "Mistral API error", out.Error)
			require.Equal(t, raw, out.Details)
			calls, _ := stub.snapshot()
			require.Equal(t, 1, calls, "no retries")
		})
	}
}

func TestGateway_ImageChangesModelAndShape(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			stub := &providerStub{status: 200, body: `{"choices":[{"message":{"content":"a cat"}}]}`}
			srv := stub.server(t)
			h := newGateway(t, factory, "sk-test", srv.URL, 2*time.Second)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"image":"https://example.com/cat.jpg"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			_, sent := stub.snapshot()
			require.Equal(t, usecase.DefaultVisionModel, sent["model"])

			msgs := sent["messages"].([]any)
			require.Len(t, msgs, 2)
			require.Equal(t, "system", msgs[0].(map[string]any)["role"])
			content, ok := msgs[1].(map[string]any)["content"].([]any)
			require.True(t, ok, "user content must be a part list")
			require.Len(t, content, 2)
			require.Equal(t, "text", content[0].(map[string]any)["type"])
			require.Equal(t, "What is in this image?", content[0].(map[string]any)["text"])
			require.Equal(t, "image_url", content[1].(map[string]any)["type"])
		})
	}
}

func TestGateway_MissingKeyNeverReachesProvider(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			stub := &providerStub{status: 200, body: `{}`}
			srv := stub.server(t)
			h := newGateway(t, factory, "", srv.URL, 2*time.Second)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			require.Contains(t, parseBody[errorResponse](t, resp.Body).Error, "API key")
			calls, _ := stub.snapshot()
			require.Zero(t, calls)
		})
	}
}

func TestGateway_EmptyMessage(t *testing.T) {
	h := newGateway(t, transports["http"], "sk-test", "http://127.0.0.1:1", time.Second)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":""}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, strings.ToLower(parseBody[errorResponse](t, resp.Body).Error), "required")
}

func TestGateway_Timeout(t *testing.T) {
	for name, factory := range transports {
		t.Run(name, func(t *testing.T) {
			stub := &providerStub{status: 200, body: `{"choices":[]}`, delay: 200 * time.Millisecond}
			srv := stub.server(t)
			h := newGateway(t, factory, "sk-test", srv.URL, 50*time.Millisecond)

			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
			require.Equal(t, "Mistral API request timed out", parseBody[errorResponse](t, resp.Body).Error)
		})
	}
}

func TestGateway_Unreachable(t *testing.T) {
	h := newGateway(t, transports["http"], "sk-test", "http://127.0.0.1:1", time.Second)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, `{"message":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, "Mistral API unreachable", parseBody[errorResponse](t, resp.Body).Error)
}
