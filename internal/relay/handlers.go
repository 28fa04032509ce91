package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/llm/openai"
)

// maxBodyBytes bounds request bodies; drawings arrive as data URLs.
const maxBodyBytes = 8 << 20

// chatBody is the client payload for /chat.
type chatBody struct {
	Messages []openai.Message `json:"messages"`
	Locale   string           `json:"locale,omitempty"`
}

// feedbackBody is the client payload for /feedback.
type feedbackBody struct {
	ImageURL    string `json:"image_url,omitempty"`
	Description string `json:"description,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// feedbackResponse is returned by /feedback.
type feedbackResponse struct {
	Feedback string `json:"feedback"`
}

// handleChat forwards the conversation upstream and passes the SSE body through.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	messages := make([]openai.Message, 0, len(body.Messages)+1)
	messages = append(messages, openai.Message{Role: conversation.RoleSystem, Content: s.systemPrompt(body.Locale)})
	for _, message := range body.Messages {
		// Clients cannot replace the relay's instructions.
		if message.Role == conversation.RoleSystem {
			continue
		}
		messages = append(messages, message)
	}

	resp, err := s.gateway.OpenStream(r.Context(), &openai.ChatRequest{Model: s.cfg.Model, Messages: messages})
	if err != nil {
		s.writeUpstreamError(w, "chat", err)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	reader := bufio.NewReader(resp.Body)
	for {
		line, readErr := reader.ReadString('\n')
		if line != "" {
			if _, err := io.WriteString(w, line); err != nil {
				s.logger.Debug("chat client went away", zap.Error(err))
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && r.Context().Err() == nil {
				s.logger.Warn("chat upstream read failed", zap.Error(readErr))
			}
			return
		}
	}
}

// handleFeedback asks for short encouraging feedback on a drawing.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var body feedbackBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.ImageURL) == "" && strings.TrimSpace(body.Description) == "" {
		writeError(w, http.StatusBadRequest, "image_url or description is required")
		return
	}

	parts := []openai.ContentPart{{Type: "text", Text: feedbackPrompt(body)}}
	if body.ImageURL != "" {
		parts = append(parts, openai.ContentPart{Type: "image_url", ImageURL: &openai.ImageURL{URL: body.ImageURL}})
	}
	resp, err := s.gateway.ChatCompletions(r.Context(), &openai.ChatRequest{
		Model: s.cfg.Model,
		Messages: []openai.Message{
			{Role: conversation.RoleSystem, Content: s.systemPrompt(body.Locale)},
			{Role: conversation.RoleUser, Content: parts},
		},
	})
	if err != nil {
		s.writeUpstreamError(w, "feedback", err)
		return
	}
	writeJSON(w, http.StatusOK, feedbackResponse{Feedback: strings.TrimSpace(openai.MessageText(resp.Choices[0].Message))})
}

// feedbackPrompt builds the instruction text for a drawing.
func feedbackPrompt(body feedbackBody) string {
	builder := strings.Builder{}
	english := strings.HasPrefix(strings.ToLower(body.Locale), "en")
	if english {
		builder.WriteString("A child has finished a drawing. Give short, warm and encouraging feedback in two or three sentences, and ask one gentle question about it.")
		if body.Description != "" {
			fmt.Fprintf(&builder, "\nThe child describes it as: %s", body.Description)
		}
		if body.Emotion != "" {
			fmt.Fprintf(&builder, "\nThe child feels: %s", body.Emotion)
		}
		return builder.String()
	}
	builder.WriteString("Ребёнок закончил рисунок. Дай короткий, тёплый и ободряющий отзыв в двух-трёх предложениях и задай один мягкий вопрос о рисунке.")
	if body.Description != "" {
		fmt.Fprintf(&builder, "\nРебёнок описывает рисунок так: %s", body.Description)
	}
	if body.Emotion != "" {
		fmt.Fprintf(&builder, "\nРебёнок чувствует: %s", body.Emotion)
	}
	return builder.String()
}

// writeUpstreamError maps gateway failures to relay statuses.
func (s *Server) writeUpstreamError(w http.ResponseWriter, route string, err error) {
	switch {
	case errors.Is(err, openai.ErrRateLimited):
		s.logger.Warn("gateway rate limited", zap.String("route", route))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
	case errors.Is(err, openai.ErrQuotaExceeded):
		s.logger.Warn("gateway quota exceeded", zap.String("route", route))
		writeError(w, http.StatusPaymentRequired, "payment required, please add credits")
	default:
		s.logger.Error("gateway call failed", zap.String("route", route), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upstream error")
	}
}

// decodeBody parses a bounded JSON request body.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
