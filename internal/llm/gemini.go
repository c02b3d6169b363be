package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/herald/pkg/models"
)

// DefaultGeminiBaseURL is the Google Generative Language API.
const DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

const maxResponseBodySize = 10 << 20 // 10 MB

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Models  map[models.PlanTier]string
}

// Gemini calls the generateContent REST endpoint directly.
type Gemini struct {
	apiKey  string
	baseURL string
	models  map[models.PlanTier]string
	client  *http.Client
}

// NewGemini creates a Gemini provider.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Models == nil {
		cfg.Models = map[models.PlanTier]string{
			models.TierStandard: "gemini-1.5-flash",
			models.TierPremium:  "gemini-1.5-pro",
		}
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		models:  cfg.Models,
		// per-call deadlines come from the context
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (g *Gemini) Name() models.LLMProvider { return models.ProviderGemini }

func (g *Gemini) Model(tier models.PlanTier) string {
	if m, ok := g.models[tier]; ok {
		return m
	}
	return g.models[models.TierStandard]
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
		Temperature     float32 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Complete sends one generateContent request.
func (g *Gemini) Complete(ctx context.Context, call Call) (Result, error) {
	var body geminiRequest
	body.Contents = []geminiContent{{Role: "user", Parts: []geminiPart{{Text: call.Prompt}}}}
	if call.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: call.System}}}
	}
	body.GenerationConfig.MaxOutputTokens = call.MaxOutputTokens
	body.GenerationConfig.Temperature = call.Temperature

	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("llm: gemini: encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", g.baseURL, call.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("llm: gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm: gemini: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return Result{}, fmt.Errorf("llm: gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		var ge geminiError
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
			msg = ge.Error.Message
		}
		return Result{}, NewStatusError(models.ProviderGemini, resp.StatusCode, msg)
	}

	var out geminiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &ProviderError{Provider: models.ProviderGemini, Message: "malformed response: " + err.Error()}
	}

	var text strings.Builder
	if len(out.Candidates) > 0 {
		for _, part := range out.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return Result{}, &ProviderError{Provider: models.ProviderGemini, Message: "empty response"}
	}

	return Result{
		Text:         text.String(),
		Model:        call.Model,
		InputTokens:  out.UsageMetadata.PromptTokenCount,
		OutputTokens: out.UsageMetadata.CandidatesTokenCount,
	}, nil
}
