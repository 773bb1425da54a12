// Package generator produces candidate SQL for a natural-language question
// using the Anthropic API. The generator is deliberately untrusted: whatever
// it returns goes through the full guardrail validator before any execution.
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"credit-insights/internal/domain"
)

const (
	defaultMaxTokens    = 1024
	defaultMinGroupSize = 20
)

// Config carries the tunables for the Anthropic generator.
type Config struct {
	Model        string
	MaxTokens    int
	MinGroupSize int
}

// Anthropic is a domain.Generator backed by the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	model        anthropic.Model
	maxTokens    int64
	systemPrompt string
	logger       *slog.Logger
}

var _ domain.Generator = (*Anthropic)(nil)

// New creates a generator. The API key is read from the environment by the
// SDK (ANTHROPIC_API_KEY).
func New(cfg Config, logger *slog.Logger) *Anthropic {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MinGroupSize <= 0 {
		cfg.MinGroupSize = defaultMinGroupSize
	}
	return &Anthropic{
		client:       anthropic.NewClient(),
		model:        anthropic.Model(cfg.Model),
		maxTokens:    int64(cfg.MaxTokens),
		systemPrompt: SystemPrompt(cfg.MinGroupSize),
		logger:       logger,
	}
}

// Generate asks the model for one candidate statement. Prior failed attempts
// are folded into the user prompt so the model corrects rather than repeats.
func (a *Anthropic) Generate(ctx context.Context, req domain.GenerateRequest) (string, error) {
	userPrompt := BuildUserPrompt(req)

	start := time.Now()
	a.logger.Debug("generation starting", "model", a.model, "prior_attempts", len(req.Prior))

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Type: "text", Text: a.systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		a.logger.Warn("generation failed", "duration", time.Since(start), "error", err)
		return "", fmt.Errorf("anthropic API error: %w", err)
	}
	a.logger.Debug("generation completed", "duration", time.Since(start), "stop_reason", msg.StopReason)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return ExtractSQL(block.Text), nil
		}
	}
	return "", fmt.Errorf("no text content in model response")
}

// ExtractSQL pulls the statement out of a model response. Models wrap SQL in
// markdown fences more often than not; the fenced body wins when present,
// otherwise the trimmed response is used as-is. A trailing semicolon is
// stripped so the single-statement gate sees exactly one statement.
func ExtractSQL(response string) string {
	response = strings.TrimSpace(response)

	if idx := strings.Index(response, "```sql"); idx != -1 {
		start := idx + len("```sql")
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + len("```")
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		} else {
			response = response[start:]
		}
	}

	response = strings.TrimSpace(response)
	response = strings.TrimSuffix(response, ";")
	return strings.TrimSpace(response)
}
