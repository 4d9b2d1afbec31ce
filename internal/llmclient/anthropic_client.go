package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/config"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicClient implements schemas.LLMClient for the Anthropic Messages API.
type AnthropicClient struct {
	transport
	apiKey  string
	baseURL string
	config  config.LLMConfig
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	TopP        float64            `json:"top_p,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewAnthropicClient initializes the client. cfg.Endpoint overrides the base URL.
func NewAnthropicClient(cfg config.LLMConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API Key is required")
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		transport: transport{
			provider:       "anthropic",
			httpClient:     &http.Client{Timeout: cfg.APITimeout},
			logger:         logger.Named("llm_client.anthropic"),
			backoffFactory: newExponentialBackoff(cfg.MaxElapsed),
		},
		apiKey:  cfg.APIKey,
		baseURL: base,
		config:  cfg,
	}, nil
}

// Generate sends a single-turn message and returns the concatenated text blocks.
func (c *AnthropicClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       c.config.Model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.UserPrompt}},
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var text string
	err = c.postJSON(ctx, c.baseURL+"/v1/messages", headers, body, func(raw []byte) error {
		var resp anthropicResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode response payload: %w", err)
		}
		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		if sb.Len() == 0 {
			return fmt.Errorf("anthropic API returned no text content (stop_reason: %s)", resp.StopReason)
		}
		c.logger.Info("LLM generation complete (Anthropic)",
			zap.Int("input_tokens", resp.Usage.InputTokens),
			zap.Int("output_tokens", resp.Usage.OutputTokens),
		)
		text = sb.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Close is a no-op; the client holds no long-lived resources.
func (c *AnthropicClient) Close() error { return nil }
