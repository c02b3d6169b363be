package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// DefaultOpenRouterBaseURL is OpenRouter's OpenAI-compatible endpoint.
const DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterConfig configures the OpenRouter provider.
type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Referer string // sent as HTTP-Referer for OpenRouter rankings
	Title   string // sent as X-Title
	Models  map[models.PlanTier]string
}

// OpenRouter talks to OpenRouter through the OpenAI client.
type OpenRouter struct {
	client *openai.Client
	models map[models.PlanTier]string
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

// NewOpenRouter creates an OpenRouter provider.
func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterBaseURL
	}
	if cfg.Models == nil {
		cfg.Models = map[models.PlanTier]string{
			models.TierStandard: "anthropic/claude-3-haiku-20240307",
			models.TierPremium:  "openai/gpt-4-turbo",
		}
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &headerTransport{
			headers: map[string]string{"HTTP-Referer": cfg.Referer, "X-Title": cfg.Title},
			base:    http.DefaultTransport,
		},
	}

	return &OpenRouter{
		client: openai.NewClientWithConfig(oc),
		models: cfg.Models,
	}
}

func (o *OpenRouter) Name() models.LLMProvider { return models.ProviderOpenRouter }

func (o *OpenRouter) Model(tier models.PlanTier) string {
	if m, ok := o.models[tier]; ok {
		return m
	}
	return o.models[models.TierStandard]
}

// Complete sends one chat completion request.
func (o *OpenRouter) Complete(ctx context.Context, call Call) (Result, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if call.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: call.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: call.Prompt})

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       call.Model,
		Messages:    messages,
		MaxTokens:   call.MaxOutputTokens,
		Temperature: call.Temperature,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Result{}, &ProviderError{Provider: models.ProviderOpenRouter, Message: "empty response"}
	}

	// priced by the requested model; OpenRouter may report a dated variant
	return Result{
		Text:         resp.Choices[0].Message.Content,
		Model:        call.Model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// classifyOpenAIError maps client errors to ProviderError so status codes
// drive retry decisions. Transport errors pass through unchanged.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewStatusError(models.ProviderOpenRouter, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return NewStatusError(models.ProviderOpenRouter, reqErr.HTTPStatusCode, reqErr.Error())
	}
	return fmt.Errorf("llm: openrouter: %w", err)
}
