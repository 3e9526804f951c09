package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"delta-gateway/internal/usecase"
)

const (
	headerContentType = "Content-Type"
	headerAllowOrigin = "Access-Control-Allow-Origin"
	headerRequestID   = "X-Request-Id"

	msgInvalidBody = "Invalid JSON body"
)

// ChatService is the gateway operation the handler fronts.
type ChatService interface {
	Chat(ctx context.Context, in usecase.ChatInput) (usecase.ChatOutput, error)
}

type Handler struct {
	chat   ChatService
	logger *slog.Logger
}

type chatRequest struct {
	Message string `json:"message"`
	Image   string `json:"image"`
}

type chatResponse struct {
	Response  string `json:"response"`
	RequestID string `json:"request_id"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func NewHandler(chat ChatService) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	return &Handler{chat: chat, logger: slog.Default()}, nil
}

// Handle serves one API Gateway proxy event. It always returns a well-formed
// response and a nil error; failures are reported in the JSON envelope.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (resp events.APIGatewayProxyResponse, err error) {
	requestID := requestIDFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			resp = h.fail(requestID, usecase.NewUnexpected(fmt.Errorf("panic: %v", r)))
			err = nil
		}
	}()

	switch strings.ToUpper(strings.TrimSpace(event.HTTPMethod)) {
	case http.MethodOptions:
		return preflightResponse(), nil
	case http.MethodPost:
	default:
		return h.fail(requestID, usecase.NewMethodNotAllowed(event.HTTPMethod)), nil
	}

	in, badReq := decodeRequest(event)
	if badReq != nil {
		return h.fail(requestID, badReq), nil
	}

	out, chatErr := h.chat.Chat(ctx, usecase.ChatInput{Message: in.Message, Image: in.Image})
	if chatErr != nil {
		return h.fail(requestID, usecase.AsError(chatErr)), nil
	}

	h.logger.Info("chat completed", "request_id", requestID, "model", out.Model)
	return jsonResponse(http.StatusOK, requestID, chatResponse{Response: out.Response, RequestID: requestID}), nil
}

func decodeRequest(event events.APIGatewayProxyRequest) (chatRequest, *usecase.Error) {
	body := event.Body
	if event.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return chatRequest{}, usecase.NewBadRequest(msgInvalidBody, "body is not valid base64", err)
		}
		body = string(raw)
	}
	if strings.TrimSpace(body) == "" {
		body = "{}"
	}

	var in chatRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return chatRequest{}, usecase.NewBadRequest(msgInvalidBody, err.Error(), err)
	}
	return in, nil
}

func (h *Handler) fail(requestID string, e *usecase.Error) events.APIGatewayProxyResponse {
	attrs := []any{"request_id", requestID, "status", e.Status, "kind", string(e.Kind)}
	if e.Err != nil {
		attrs = append(attrs, "err", e.Err.Error())
	}
	if e.Status >= http.StatusInternalServerError {
		h.logger.Error("chat request failed", attrs...)
	} else {
		h.logger.Warn("chat request rejected", attrs...)
	}
	return jsonResponse(e.Status, requestID, errorResponse{Error: e.Message, Details: e.Details})
}

func preflightResponse() events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			headerAllowOrigin:              "*",
			"Access-Control-Allow-Methods": "POST, OPTIONS",
			"Access-Control-Allow-Headers": "Content-Type, X-User-Id",
			"Access-Control-Max-Age":       "86400",
		},
		Body: "",
	}
}

func jsonResponse(status int, requestID string, payload any) events.APIGatewayProxyResponse {
	body, err := marshalJSON(payload)
	if err != nil {
		status = http.StatusInternalServerError
		body = `{"error":"Internal server error"}`
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			headerContentType: "application/json",
			headerAllowOrigin: "*",
			headerRequestID:   requestID,
		},
		Body: body,
	}
}

// marshalJSON keeps non-ASCII text and HTML characters unescaped.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func requestIDFromContext(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return newRequestID()
}

var newRequestID = func() string {
	return uuid.NewString()
}
