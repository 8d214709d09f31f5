package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/agent"
	"github.com/ShayCichocki/relay/internal/logging"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned no text")

// rolePrompts gives each known agent type its system prompt.
var rolePrompts = map[string]string{
	"security-fixer":     "You are a security engineer. Find and fix the vulnerability described. Never weaken existing checks.",
	"precision-editor":   "You are a precise code editor. Make exactly the requested change and nothing else.",
	"code-analyzer":      "You are a code analyst. Explain structure, risks and the concrete changes needed.",
	"content-scraper":    "You extract the requested content and return it verbatim with its source.",
	"document-converter": "You convert documents between formats, preserving structure and meaning.",
	"general-purpose":    "You are a capable software engineering assistant.",
}

// SystemPrompt returns the system prompt used for agentType.
func SystemPrompt(agentType string) string {
	if p, ok := rolePrompts[agentType]; ok {
		return p
	}
	return fmt.Sprintf("You are the %q agent. Complete the task you are given.", agentType)
}

// ClaudeRunner runs each task as one Messages API call.
type ClaudeRunner struct {
	client *Client
	logger *zap.Logger
}

var _ agent.Runner = (*ClaudeRunner)(nil)

// NewClaudeRunner creates a runner backed by client.
func NewClaudeRunner(client *Client, logger *zap.Logger) *ClaudeRunner {
	return &ClaudeRunner{client: client, logger: logging.OrNop(logger).Named("claude")}
}

// RunTask sends prompt to the model under agentType's role and returns the text reply.
// Progress is reported to the agent.Reporter carried by ctx.
func (r *ClaudeRunner) RunTask(ctx context.Context, agentType, prompt string) (string, error) {
	rep := agent.ReporterFrom(ctx)
	rep.Checkpoint("request sent", agent.Pct(10))

	resp, err := r.client.inner.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     r.client.model,
		MaxTokens: r.client.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: SystemPrompt(agentType)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		rep.Error(err.Error())
		return "", fmt.Errorf("claude %s: %w", agentType, err)
	}

	r.client.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			rep.ToolUsage(block.Name)
		}
	}

	r.logger.Debug("task answered",
		zap.String("agent_type", agentType),
		zap.String("stop_reason", string(resp.StopReason)),
		zap.Int64("input_tokens", resp.Usage.InputTokens),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)

	if text.Len() == 0 {
		return "", fmt.Errorf("claude %s: %w", agentType, ErrEmptyResponse)
	}
	rep.Checkpoint("response received", agent.Pct(90))
	return text.String(), nil
}
