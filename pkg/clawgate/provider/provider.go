// Package provider defines the model-call contract and ships an
// OpenAI-compatible chat completions client.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message roles understood by chat completion APIs.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the prompt sent to the model.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a tool invocation requested by the model. Arguments is the
// raw JSON object produced by the model and may be malformed.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is a single model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
}

// Response is what the model returned.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
	Usage        Usage
}

// Usage holds token accounting reported by the API.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Model is the contract every provider client satisfies.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ErrorKind separates failures worth retrying from those that are not.
type ErrorKind int

const (
	// Transient failures (5xx, 429, overload, timeouts) may succeed later.
	Transient ErrorKind = iota
	// Permanent failures (bad key, billing, malformed request) will not.
	Permanent
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "permanent"
}

// Error is returned by providers for every failed call.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	// Reason is a short machine label such as "rate_limit" or "auth".
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("provider ")
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(" (" + e.Reason + ")")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": " + truncate(e.Message, 200))
	} else if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure worth retrying.
// Errors that are not *Error (for example a summarizer returning garbage)
// count as permanent.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Transient
}

// ClassifyStatus maps an HTTP status and error body to a kind and reason.
func ClassifyStatus(statusCode int, body string) (ErrorKind, string) {
	bodyLower := strings.ToLower(body)

	if strings.Contains(bodyLower, "context_length_exceeded") ||
		strings.Contains(bodyLower, "maximum context length") {
		return Permanent, "context"
	}

	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return Permanent, "billing"
	}

	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "too many requests") {
		return Transient, "rate_limit"
	}

	if statusCode == 529 || strings.Contains(bodyLower, "overloaded") {
		return Transient, "overloaded"
	}

	if statusCode == 408 ||
		strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "timed out") {
		return Transient, "timeout"
	}

	switch {
	case statusCode == 400:
		return Permanent, "bad_request"
	case statusCode == 401 || statusCode == 403:
		return Permanent, "auth"
	case statusCode == 404:
		return Permanent, "not_found"
	case statusCode >= 500:
		return Transient, "server"
	default:
		return Permanent, "fatal"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
