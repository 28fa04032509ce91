package openai

import "github.com/arttherapy/arthelper/internal/conversation"

// ChatRequest matches the OpenAI-compatible chat/completions request.
type ChatRequest struct {
	// Model is the provider model identifier; the relay fills it when empty.
	Model string `json:"model,omitempty"`
	// Messages is the ordered conversation history.
	Messages []Message `json:"messages"`
	// Stream toggles server-sent events in the response.
	Stream bool `json:"stream,omitempty"`
	// Temperature controls randomness, if supported by the backend.
	Temperature *float64 `json:"temperature,omitempty"`
	// MaxTokens limits the model output, if supported by the backend.
	MaxTokens *int `json:"max_tokens,omitempty"`
	// Locale asks the relay for a system prompt in this language.
	// The relay never forwards it to the gateway.
	Locale string `json:"locale,omitempty"`
}

// Message represents a chat message.
type Message struct {
	// Role is one of system, user or assistant.
	Role string `json:"role"`
	// Content is a string or a list of ContentPart values.
	Content any `json:"content"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	// Type is "text" or "image_url".
	Type string `json:"type"`
	// Text carries text for text parts.
	Text string `json:"text,omitempty"`
	// ImageURL carries the drawing for image parts.
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points to an image the model should look at.
type ImageURL struct {
	// URL is an https or data URL.
	URL string `json:"url"`
}

// ChatResponse matches the OpenAI-compatible chat/completions response.
type ChatResponse struct {
	// ID is the request id from the provider.
	ID string `json:"id"`
	// Choices contains the assistant messages.
	Choices []ChatChoice `json:"choices"`
	// Usage reports token counts.
	Usage Usage `json:"usage"`
}

// ChatChoice represents a single completion choice.
type ChatChoice struct {
	// Index is the choice index.
	Index int `json:"index"`
	// Message is the assistant response.
	Message Message `json:"message"`
	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason"`
}

// Usage represents token usage info.
type Usage struct {
	// PromptTokens counts input tokens.
	PromptTokens int `json:"prompt_tokens"`
	// CompletionTokens counts output tokens.
	CompletionTokens int `json:"completion_tokens"`
	// TotalTokens is the sum of prompt and completion tokens.
	TotalTokens int `json:"total_tokens"`
}

// MessagesFromHistory converts conversation turns into request messages.
func MessagesFromHistory(history conversation.History) []Message {
	messages := make([]Message, 0, len(history))
	for _, turn := range history {
		messages = append(messages, Message{Role: turn.Role, Content: turn.Content})
	}
	return messages
}

// MessageText returns the text of a string or multi-part message.
func MessageText(message Message) string {
	switch typed := message.Content.(type) {
	case string:
		return typed
	case []ContentPart:
		var text string
		for _, part := range typed {
			text += part.Text
		}
		return text
	case []any:
		var text string
		for _, item := range typed {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if value, ok := part["text"].(string); ok {
				text += value
			}
		}
		return text
	default:
		return ""
	}
}
