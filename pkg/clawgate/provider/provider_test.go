package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zalando/go-keyring"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status     int
		body       string
		wantKind   ErrorKind
		wantReason string
	}{
		{429, "", Transient, "rate_limit"},
		{500, "internal", Transient, "server"},
		{503, "", Transient, "server"},
		{529, "", Transient, "overloaded"},
		{200, "Overloaded, try later", Transient, "overloaded"},
		{401, "invalid api key", Permanent, "auth"},
		{403, "", Permanent, "auth"},
		{402, "", Permanent, "billing"},
		{400, "context_length_exceeded", Permanent, "context"},
		{400, "bad field", Permanent, "bad_request"},
		{418, "", Permanent, "fatal"},
	}
	for _, tt := range tests {
		kind, reason := ClassifyStatus(tt.status, tt.body)
		if kind != tt.wantKind || reason != tt.wantReason {
			t.Errorf("ClassifyStatus(%d, %q) = %s/%s, want %s/%s",
				tt.status, tt.body, kind, reason, tt.wantKind, tt.wantReason)
		}
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	if !IsTransient(&Error{Kind: Transient}) {
		t.Error("transient error not detected")
	}
	wrapped := errors.Join(errors.New("outer"), &Error{Kind: Transient})
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error not detected")
	}
	if IsTransient(&Error{Kind: Permanent}) || IsTransient(errors.New("plain")) {
		t.Error("non-transient error reported transient")
	}
}

func TestOpenAI_CompleteWithToolCalls(t *testing.T) {
	t.Parallel()

	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "shell_exec", "arguments": "{\"command\":\"ls\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := NewOpenAI(Config{BaseURL: srv.URL, APIKey: "sk-test", Model: "test-model"}, nil)
	resp, err := c.Complete(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages: []Message{
			{Role: RoleUser, Content: "list files"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "old", Name: "list_files", Arguments: "{}"}}},
			{Role: RoleTool, ToolCallID: "old", Content: "a.txt"},
		},
		Tools: []ToolDefinition{{Name: "shell_exec", Description: "run"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got.Model != "test-model" {
		t.Errorf("model = %q, want test-model", got.Model)
	}
	if len(got.Messages) != 4 || got.Messages[0].Role != RoleSystem {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[2].Content != nil {
		t.Error("assistant tool-call message should have null content")
	}
	if got.Messages[3].ToolCallID != "old" {
		t.Errorf("tool_call_id = %q, want old", got.Messages[3].ToolCallID)
	}
	if len(got.Tools) != 1 || string(got.Tools[0].Function.Parameters) == "" {
		t.Errorf("tools = %+v", got.Tools)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "shell_exec" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestOpenAI_ErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   ErrorKind
	}{
		{"server error", 502, "bad gateway", Transient},
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, Transient},
		{"bad key", 401, `{"error":{"message":"invalid key"}}`, Permanent},
		{"malformed body", 200, `not json`, Transient},
		{"no choices", 200, `{"choices":[]}`, Transient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := NewOpenAI(Config{BaseURL: srv.URL}, nil)
			_, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if pe.Kind != tt.want {
				t.Errorf("Kind = %s, want %s", pe.Kind, tt.want)
			}
		})
	}
}

func TestOpenAI_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewOpenAI(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := c.Complete(context.Background(), Request{})
	if !IsTransient(err) {
		t.Errorf("timeout err = %v, want transient", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	keyring.MockInit()

	t.Setenv("CLAWGATE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	if key, src := ResolveAPIKey("from-config", nil); key != "from-config" || src != "config" {
		t.Errorf("config fallback = %q/%q", key, src)
	}

	t.Setenv("OPENAI_API_KEY", "from-env")
	if key, src := ResolveAPIKey("from-config", nil); key != "from-env" || src != "env:OPENAI_API_KEY" {
		t.Errorf("env = %q/%q", key, src)
	}

	if err := StoreKeyring(KeyringAPIKey, "from-keyring"); err != nil {
		t.Fatal(err)
	}
	if key, src := ResolveAPIKey("from-config", nil); key != "from-keyring" || src != "keyring" {
		t.Errorf("keyring = %q/%q", key, src)
	}
	if err := DeleteKeyring(KeyringAPIKey); err != nil {
		t.Fatal(err)
	}
}
