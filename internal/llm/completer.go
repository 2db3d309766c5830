// Package llm adapts agentsdk-go chat models to the single-shot completion
// contract used by the summarizer and the agent stages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"

	"github.com/stellarlinkco/mimic/internal/config"
)

const jsonInstruction = "Respond with a single JSON object and nothing else."

var ErrUnavailable = errors.New("completion provider unavailable")

// Request is one single-turn completion.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// ForceJSON asks the model for a bare JSON object.
	ForceJSON bool
}

type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc lets a plain function satisfy Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ModelCompleter runs requests through an agentsdk-go model.
type ModelCompleter struct {
	model   model.Model
	timeout time.Duration
}

func NewModelCompleter(m model.Model, timeout time.Duration) *ModelCompleter {
	return &ModelCompleter{model: m, timeout: timeout}
}

func (c *ModelCompleter) Complete(ctx context.Context, req Request) (string, error) {
	if c == nil || c.model == nil {
		return "", ErrUnavailable
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", fmt.Errorf("complete: empty prompt")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	system := req.System
	if req.ForceJSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}
	mreq := model.Request{
		Messages:  []model.Message{{Role: "user", Content: req.Prompt}},
		System:    system,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature > 0 {
		temperature := req.Temperature
		mreq.Temperature = &temperature
	}

	resp, err := c.model.Complete(ctx, mreq)
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("complete: empty response")
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// Unavailable is used when no provider is configured. Every call fails with
// ErrUnavailable so callers take their degraded path.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// NewFromConfig builds the configured provider, or Unavailable when no API key is set.
func NewFromConfig(cfg config.ProviderConfig) (Completer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Unavailable{}, nil
	}
	modelName := cfg.Model
	if modelName == "" {
		modelName = config.DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultProviderTimeout) * time.Millisecond
	}

	var (
		m   model.Model
		err error
	)
	switch cfg.Type {
	case "anthropic":
		m, err = model.NewAnthropic(model.AnthropicConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     modelName,
			MaxTokens: maxTokens,
		})
	case "", "openai":
		m, err = model.NewOpenAI(model.OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     modelName,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s model: %w", cfg.Type, err)
	}
	return NewModelCompleter(m, timeout), nil
}
