package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

const summarizePrompt = `You maintain the running summary of a conversation between a user and their assistant.
Write an updated summary that replaces both the previous summary and the transcript below.

Keep, even if they appear only in the previous summary:
- facts the user stated about themselves, their preferences and their environment
- open tasks, promises and questions still unanswered
- tool results that later messages rely on (file names, numbers, URLs, outputs)
- decisions made and their reasons

Drop greetings and small talk. Write plain prose or short bullet points, no preamble.`

// ModelSummarizer summarizes through a chat model.
type ModelSummarizer struct {
	model     provider.Model
	modelName string
	maxTokens int
}

// NewModelSummarizer uses model; an empty modelName uses the provider's
// default.
func NewModelSummarizer(model provider.Model, modelName string, maxTokens int) *ModelSummarizer {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ModelSummarizer{model: model, modelName: modelName, maxTokens: maxTokens}
}

// Summarize implements Summarizer.
func (s *ModelSummarizer) Summarize(ctx context.Context, previous string, turns []store.Turn) (string, error) {
	var b strings.Builder
	if previous != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Transcript:\n")
	b.WriteString(transcript(turns))

	resp, err := s.model.Complete(ctx, provider.Request{
		Model:        s.modelName,
		SystemPrompt: summarizePrompt,
		Messages:     []provider.Message{{Role: provider.RoleUser, Content: b.String()}},
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	if len(resp.ToolCalls) > 0 {
		return "", errors.New("summarize: model answered with tool calls")
	}
	return resp.Text, nil
}
