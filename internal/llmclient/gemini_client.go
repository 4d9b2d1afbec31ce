// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/xkilldash9x/emulate-cli/api/schemas"
	"github.com/xkilldash9x/emulate-cli/internal/config"
)

// GeminiClient implements schemas.LLMClient for the Google Gemini REST API.
type GeminiClient struct {
	transport
	apiKey   string
	endpoint string
	config   config.LLMConfig
}

// -- Gemini API Request/Response Structures --

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequestPayload struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"system_instruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponsePayload struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &GeminiClient{
		transport: transport{
			provider:       "gemini",
			httpClient:     &http.Client{Timeout: cfg.APITimeout},
			logger:         logger.Named("llm_client.gemini"),
			backoffFactory: newExponentialBackoff(cfg.MaxElapsed),
		},
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		config:   cfg,
	}, nil
}

// Generate sends the prompts to the Gemini API and returns the generated text.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var text string
	err = c.postJSON(ctx, c.endpoint, map[string]string{"x-goog-api-key": c.apiKey}, body, func(raw []byte) error {
		var resp geminiResponsePayload
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode response payload: %w", err)
		}
		if len(resp.Candidates) == 0 {
			return fmt.Errorf("gemini API returned no candidates")
		}
		candidate := resp.Candidates[0]
		if len(candidate.Content.Parts) == 0 {
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}
		c.logger.Info("LLM generation complete (Gemini)",
			zap.Int("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int("completion_tokens", resp.UsageMetadata.CandidatesTokenCount),
		)
		text = candidate.Content.Parts[0].Text
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Close is a no-op; the client holds no long-lived resources.
func (c *GeminiClient) Close() error { return nil }

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) geminiRequestPayload {
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.config.MaxTokens
	}
	payload := geminiRequestPayload{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Options.Temperature,
			TopP:            req.Options.TopP,
			MaxOutputTokens: maxTokens,
		},
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	return payload
}
