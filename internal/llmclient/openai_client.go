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

const defaultOpenAIBaseURL = "https://api.openai.com"

// OpenAIClient implements schemas.LLMClient for any server speaking the
// OpenAI chat completions protocol.
type OpenAIClient struct {
	transport
	apiKey  string
	baseURL string
	config  config.LLMConfig
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client. cfg.Endpoint overrides the base URL,
// which allows compatible providers.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API Key is required")
	}
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	return &OpenAIClient{
		transport: transport{
			provider:       "openai",
			httpClient:     &http.Client{Timeout: cfg.APITimeout},
			logger:         logger.Named("llm_client.openai"),
			backoffFactory: newExponentialBackoff(cfg.MaxElapsed),
		},
		apiKey:  cfg.APIKey,
		baseURL: base,
		config:  cfg,
	}, nil
}

// Generate sends a system and a user message and returns the first choice.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: req.Options.Temperature,
		TopP:        req.Options.TopP,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var text string
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	err = c.postJSON(ctx, c.baseURL+"/v1/chat/completions", headers, body, func(raw []byte) error {
		var resp chatResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode response payload: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("chat.completions response missing choices")
		}
		c.logger.Info("LLM generation complete (OpenAI)",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Close is a no-op; the client holds no long-lived resources.
func (c *OpenAIClient) Close() error { return nil }
