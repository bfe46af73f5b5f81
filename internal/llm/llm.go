// Package llm wraps OpenAI-compatible chat endpoints (Ollama, DeepSeek,
// OpenAI) behind a small Provider interface with ordered fallback.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoProvider is returned when no provider is configured.
var ErrNoProvider = errors.New("no llm provider configured")

// Provider completes a single system+user prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ProviderConfig describes one OpenAI-compatible endpoint.
type ProviderConfig struct {
	Name        string        `mapstructure:"name" json:"name"`
	BaseURL     string        `mapstructure:"base_url" json:"base_url"`
	APIKey      string        `mapstructure:"api_key" json:"api_key"`
	Model       string        `mapstructure:"model" json:"model"`
	MaxTokens   int           `mapstructure:"max_tokens" json:"max_tokens"`
	Temperature float32       `mapstructure:"temperature" json:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout" json:"timeout"`
}

// OpenAI talks to one OpenAI-compatible endpoint.
type OpenAI struct {
	cfg    ProviderConfig
	client *openai.Client
}

func NewOpenAI(cfg ProviderConfig) *OpenAI {
	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Model
	}
	return &OpenAI{cfg: cfg, client: openai.NewClientWithConfig(conf)}
}

func (o *OpenAI) Name() string { return o.cfg.Name }

func (o *OpenAI) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", o.cfg.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s completion: empty response", o.cfg.Name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Chain tries providers in order and returns the first success.
type Chain []Provider

func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, p := range c {
		names = append(names, p.Name())
	}
	return strings.Join(names, ",")
}

func (c Chain) Complete(ctx context.Context, system, prompt string) (string, error) {
	if len(c) == 0 {
		return "", ErrNoProvider
	}
	var errs []error
	for _, p := range c {
		out, err := p.Complete(ctx, system, prompt)
		if err == nil && out != "" {
			return out, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: empty completion", p.Name())
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

// FromConfig builds a Chain; nil when nothing is configured.
func FromConfig(cfgs []ProviderConfig) Provider {
	var chain Chain
	for _, c := range cfgs {
		if c.Model == "" {
			continue
		}
		chain = append(chain, NewOpenAI(c))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}
