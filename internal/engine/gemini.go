package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// GeminiConfig configures the Gemini-backed Engine.
type GeminiConfig struct {
	APIKey string
	Model  string
	// MaxRetries bounds extra attempts after a transient failure.
	MaxRetries int
	// RetryBase is the first backoff delay; doubled per attempt.
	RetryBase time.Duration
}

// Gemini generates images through the Gemini API. Transient failures are
// retried with exponential backoff; permanent failures (bad key, safety
// refusal) surface immediately.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("engine: gemini api key required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-exp"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: gemini client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Generate(ctx context.Context, req Request) (Result, error) {
	contents := buildContents(req)
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		SafetySettings:     safetySettings(req.SafetyLevel),
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := g.cfg.RetryBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
		resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, contents, config)
		if err != nil {
			lastErr = err
			kind := Classify(err)
			if kind == KindSafetyBlocked {
				return Result{SafetyBlocked: true, Duration: time.Since(start)}, nil
			}
			if !IsRetryable(kind) {
				return Result{}, fmt.Errorf("engine: gemini: %w", err)
			}
			continue
		}
		result, err := extractResult(resp)
		if err != nil {
			return Result{}, err
		}
		result.Duration = time.Since(start)
		return result, nil
	}
	return Result{}, fmt.Errorf("engine: gemini: retries exhausted: %w", lastErr)
}

func buildContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.Contents)+1)
	for _, turn := range req.Contents {
		role := genai.RoleUser
		if turn.Role == RoleModel {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if turn.Text != "" {
			parts = append(parts, genai.NewPartFromText(turn.Text))
		}
		if len(turn.ImagePNG) > 0 {
			parts = append(parts, genai.NewPartFromBytes(turn.ImagePNG, "image/png"))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	contents = append(contents, &genai.Content{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{genai.NewPartFromText(composePrompt(req))},
	})
	return contents
}

func composePrompt(req Request) string {
	prompt := req.Prompt
	if req.NegativePrompt != "" {
		prompt += "\nDo not include: " + req.NegativePrompt
	}
	if req.AspectRatio != "" {
		prompt += "\nAspect ratio: " + req.AspectRatio
	}
	if req.Resolution != "" {
		prompt += "\nTarget resolution: " + req.Resolution
	}
	return prompt
}

func safetySettings(level string) []*genai.SafetySetting {
	threshold := genai.HarmBlockThresholdBlockMediumAndAbove
	switch level {
	case "strict":
		threshold = genai.HarmBlockThresholdBlockLowAndAbove
	case "relaxed":
		threshold = genai.HarmBlockThresholdBlockOnlyHigh
	}
	categories := []genai.HarmCategory{
		genai.HarmCategoryHarassment,
		genai.HarmCategoryHateSpeech,
		genai.HarmCategorySexuallyExplicit,
		genai.HarmCategoryDangerousContent,
	}
	settings := make([]*genai.SafetySetting, 0, len(categories))
	for _, c := range categories {
		settings = append(settings, &genai.SafetySetting{Category: c, Threshold: threshold})
	}
	return settings
}

func extractResult(resp *genai.GenerateContentResponse) (Result, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return Result{}, errors.New("engine: gemini: empty response")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return Result{SafetyBlocked: true}, nil
	}
	if cand.Content == nil {
		return Result{}, errors.New("engine: gemini: candidate without content")
	}
	var result Result
	for _, part := range cand.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			result.Text += part.Text
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			result.ImagePNG = part.InlineData.Data
		}
	}
	if len(result.ImagePNG) == 0 {
		return Result{}, errors.New("engine: gemini: no image in response")
	}
	return result, nil
}
