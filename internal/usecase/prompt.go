package usecase

import (
	"strings"

	"delta-gateway/internal/domain"
)

const (
	// DefaultSystemPrompt is the Delta AI persona used unless a deployment overrides it.
	DefaultSystemPrompt = "Ты Delta AI - дружелюбный и умный русскоязычный ассистент. " +
		"Отвечай кратко, понятно и по делу. Используй эмодзи где уместно."

	defaultImagePrompt = "What is in this image?"
)

// buildPromptMessages returns the fixed system persona followed by one user
// turn. With an image the user turn is a text part plus an image part.
func buildPromptMessages(systemPrompt, message, image string) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: systemPrompt},
	}

	if image == "" {
		return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
	}

	text := message
	if strings.TrimSpace(text) == "" {
		text = defaultImagePrompt
	}
	return append(messages, domain.ChatMessage{
		Role: domain.RoleUser,
		Parts: []domain.ContentPart{
			{Type: domain.PartText, Text: text},
			{Type: domain.PartImageURL, ImageURL: &domain.ImageURL{URL: image}},
		},
	})
}

// isSupportedImageRef accepts inline image data URIs and http(s) URLs.
func isSupportedImageRef(image string) bool {
	lower := strings.ToLower(image)
	if rest, ok := strings.CutPrefix(lower, "data:image/"); ok {
		return strings.Contains(rest, ",")
	}
	for _, scheme := range []string{"https://", "http://"} {
		if rest, ok := strings.CutPrefix(lower, scheme); ok {
			return rest != ""
		}
	}
	return false
}
