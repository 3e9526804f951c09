package domain

import "encoding/json"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ContentPartType names the kind of a multimodal content part.
type ContentPartType string

const (
	PartText     ContentPartType = "text"
	PartImageURL ContentPartType = "image_url"
)

// ImageURL points at an image by URL or data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one typed element of a multimodal message.
type ContentPart struct {
	Type     ContentPartType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *ImageURL       `json:"image_url,omitempty"`
}

// ChatMessage is the provider-agnostic chat message shape passed to the
// transports. Content holds plain text; when Parts is non-empty the message
// is multimodal and Content is ignored.
type ChatMessage struct {
	Role    string
	Content string
	Parts   []ContentPart
}

func (m ChatMessage) IsMultimodal() bool {
	return len(m.Parts) > 0
}

// MarshalJSON encodes content as a string for text messages and as a list of
// typed parts for multimodal ones, matching the chat completions wire format.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if m.IsMultimodal() {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// CompletionRequest is a single chat completion call.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
}
