package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Response bodies larger than this indicate a misbehaving upstream.
const maxResponseBodySize = 10 << 20 // 10 MB

// HTTPBackendConfig describes one OpenAI-compatible chat-completions
// endpoint.
type HTTPBackendConfig struct {
	ProviderID string
	BaseURL    string // e.g. https://api.openai.com
	APIKey     string
	Model      string // upstream model name sent in the request body
}

// HTTPBackend implements Invoker against an OpenAI-compatible
// chat-completions API. All major vendors expose (or proxy) this shape,
// which keeps the adapter uniform across tiers.
type HTTPBackend struct {
	cfg    HTTPBackendConfig
	client *http.Client
}

// NewHTTPBackend creates an HTTPBackend. The client timeout is a backstop;
// per-attempt deadlines come from the router via ctx.
func NewHTTPBackend(cfg HTTPBackendConfig) *HTTPBackend {
	return &HTTPBackend{
		cfg: cfg,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// ID returns the provider id this backend serves.
func (b *HTTPBackend) ID() string { return b.cfg.ProviderID }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Invoke dispatches the prompt upstream and maps failures to the typed
// taxonomy: deadline -> ErrTimeout, 429 -> ErrRateLimited, other non-2xx
// -> *Error.
func (b *HTTPBackend) Invoke(ctx context.Context, prompt string, p Params) (*Completion, error) {
	msgs := buildMessages(prompt, p)
	payload, err := json.Marshal(chatRequest{
		Model:       b.cfg.Model,
		Messages:    msgs,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: encoding request: %w", b.cfg.ProviderID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provider %s: building request: %w", b.cfg.ProviderID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("provider %s: %w", b.cfg.ProviderID, ErrTimeout)
		}
		return nil, &Error{ProviderID: b.cfg.ProviderID, StatusCode: 0, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &Error{ProviderID: b.cfg.ProviderID, StatusCode: resp.StatusCode, Message: "reading response: " + err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("provider %s: %w", b.cfg.ProviderID, ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg := upstreamErrorMessage(body)
		return nil, &Error{ProviderID: b.cfg.ProviderID, StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{ProviderID: b.cfg.ProviderID, StatusCode: resp.StatusCode, Message: "decoding response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{ProviderID: b.cfg.ProviderID, StatusCode: resp.StatusCode, Message: "no choices in response"}
	}

	comp := &Completion{
		Content:      parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
	}
	// Some upstreams omit usage; fall back to the chars/4 heuristic so
	// cost accounting never records zero tokens for real work.
	if comp.InputTokens == 0 {
		comp.InputTokens = estimateTokens(prompt, p)
	}
	if comp.OutputTokens == 0 {
		comp.OutputTokens = int64(len(comp.Content) / 4)
	}
	return comp, nil
}

func buildMessages(prompt string, p Params) []chatMessage {
	msgs := make([]chatMessage, 0, len(p.ConversationHistory)+2)
	if p.SystemMessage != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.SystemMessage})
	}
	for _, m := range p.ConversationHistory {
		msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})
	return msgs
}

func estimateTokens(prompt string, p Params) int64 {
	chars := len(prompt) + len(p.SystemMessage)
	for _, m := range p.ConversationHistory {
		chars += len(m.Content)
	}
	return int64(chars / 4)
}

func upstreamErrorMessage(body []byte) string {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
