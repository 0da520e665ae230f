package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Config configures the model provider client.
type Config struct {
	// BaseURL of an OpenAI-compatible API (OpenAI, OpenRouter, local gateways).
	BaseURL string `yaml:"base_url" envconfig:"PROVIDER_BASE_URL"`

	// APIKey; when empty it is resolved from the OS keyring or environment.
	APIKey string `yaml:"api_key"`

	// Model is the default model id.
	Model string `yaml:"model" envconfig:"DEFAULT_MODEL"`

	// Timeout bounds a single model call.
	Timeout time.Duration `yaml:"timeout"`

	// RetryBackoff is the wait before the single retry of a transient failure.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// MaxTokens caps the completion length; 0 leaves it to the API.
	MaxTokens int `yaml:"max_tokens"`
}

// DefaultConfig targets the OpenAI API.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "https://api.openai.com/v1",
		Model:        "gpt-4o-mini",
		Timeout:      120 * time.Second,
		RetryBackoff: 2500 * time.Millisecond,
	}
}

// OpenAI is a chat completions client.
type OpenAI struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAI creates a client. The API key must already be resolved.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &OpenAI{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "provider"),
	}
}

// ---------- Wire Types ----------

type chatMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func toWire(req Request) chatRequest {
	out := chatRequest{Model: req.Model}
	if req.SystemPrompt != "" {
		sp := req.SystemPrompt
		out.Messages = append(out.Messages, chatMessage{Role: RoleSystem, Content: &sp})
	}
	for _, m := range req.Messages {
		content := m.Content
		cm := chatMessage{Role: m.Role, Content: &content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, wireToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: functionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		if len(cm.ToolCalls) > 0 && content == "" {
			cm.Content = nil
		}
		out.Messages = append(out.Messages, cm)
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, wireTool{
			Type:     "function",
			Function: functionDef{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		out.MaxTokens = &mt
	}
	return out
}

// Complete implements Model.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.cfg.MaxTokens
	}

	bodyBytes, err := json.Marshal(toWire(req))
	if err != nil {
		return nil, &Error{Kind: Permanent, Reason: "encode", Err: fmt.Errorf("marshaling request: %w", err)}
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &Error{Kind: Permanent, Reason: "request", Err: fmt.Errorf("creating request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("sending chat completion",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: Transient, Reason: "read", Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		kind, reason := ClassifyStatus(resp.StatusCode, string(respBody))
		c.logger.Error("API error",
			"model", req.Model,
			"status", resp.StatusCode,
			"kind", kind.String(),
			"body", truncate(string(respBody), 500),
		)
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Reason: reason, Message: string(respBody)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, &Error{Kind: Transient, Reason: "malformed", Err: fmt.Errorf("parsing response: %w", err)}
	}
	if chatResp.Error != nil {
		kind, reason := ClassifyStatus(resp.StatusCode, chatResp.Error.Message)
		return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Reason: reason, Message: chatResp.Error.Message}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &Error{Kind: Transient, Reason: "empty", Message: "no choices in response"}
	}

	choice := chatResp.Choices[0]
	out := &Response{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Model:        req.Model,
		Usage: Usage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	c.logger.Info("chat completion done",
		"model", req.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.ToolCalls),
	)
	return out, nil
}

// transportError classifies failures that never produced an HTTP status.
// A caller cancellation is permanent; everything else may recover.
func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Kind: Permanent, Reason: "canceled", Err: err}
	}
	reason := "network"
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		reason = "timeout"
	}
	return &Error{Kind: Transient, Reason: reason, Err: fmt.Errorf("API request failed: %w", err)}
}
