package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"shadowkeep-backend/internal/model"
)

var (
	ErrGenUnauthorized = errors.New("generation collaborator rejected credentials")
	ErrGenRateLimited  = errors.New("generation collaborator rate-limited")
	ErrGenTimeout      = errors.New("generation request timed out")
	ErrGenDisabled     = errors.New("generation is not configured")
)

// Generator produces one persona turn from a conversation window. The
// triggering text arrives with the persona's summon token already
// stripped. Implementations perform no retries; a failed turn is the
// caller's policy decision.
type Generator interface {
	Generate(ctx context.Context, profile model.PersonaProfile, window []model.ChatMessage, trigger string) (string, error)
}

// OpenAIGateway talks to an OpenAI-compatible chat-completions endpoint.
// It holds no shared state; its only side effect is the outbound request.
type OpenAIGateway struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

func NewOpenAIGateway(apiKey, baseURL, model string, timeout time.Duration) *OpenAIGateway {
	return &OpenAIGateway{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model            string                  `json:"model"`
	Messages         []chatCompletionMessage `json:"messages"`
	Temperature      float64                 `json:"temperature"`
	MaxTokens        int                     `json:"max_tokens"`
	PresencePenalty  float64                 `json:"presence_penalty"`
	FrequencyPenalty float64                 `json:"frequency_penalty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
}

func (g *OpenAIGateway) Generate(ctx context.Context, profile model.PersonaProfile, window []model.ChatMessage, trigger string) (string, error) {
	if g.apiKey == "" {
		return "", ErrGenDisabled
	}

	messages := buildContext(profile, window, trigger)

	body, err := json.Marshal(chatCompletionRequest{
		Model:            g.model,
		Messages:         messages,
		Temperature:      profile.Temperature,
		MaxTokens:        profile.MaxTokens,
		PresencePenalty:  0.6,
		FrequencyPenalty: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return "", ErrGenTimeout
		}
		return "", fmt.Errorf("generation request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrGenUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrGenRateLimited
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("generation request: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("generation request: empty completion")
	}

	return completion.Choices[0].Message.Content, nil
}

// buildContext shapes the conversation window for the collaborator: the
// persona's own prior turns become assistant turns, everything else a
// user turn prefixed with the speaker's display name.
func buildContext(profile model.PersonaProfile, window []model.ChatMessage, trigger string) []chatCompletionMessage {
	messages := make([]chatCompletionMessage, 0, len(window)+2)
	messages = append(messages, chatCompletionMessage{Role: "system", Content: profile.SystemPrompt})

	for _, msg := range window {
		if msg.Content == "" || msg.Author == "" {
			continue
		}
		if msg.Author == string(profile.Name) {
			messages = append(messages, chatCompletionMessage{Role: "assistant", Content: msg.Content})
			continue
		}
		messages = append(messages, chatCompletionMessage{
			Role:    "user",
			Content: speakerName(msg.Author) + ": " + msg.Content,
		})
	}

	messages = append(messages, chatCompletionMessage{Role: "user", Content: trigger})
	return messages
}

func speakerName(author string) string {
	if model.ValidRole(model.Role(author)) {
		return model.Role(author).DisplayName()
	}
	return author
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
