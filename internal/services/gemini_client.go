package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"tradesight_go_backend/internal/utils/retry"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// OpenRouter ids of Gemini models mapped to Google AI Studio model names.
var geminiModelNames = map[string]string{
	"google/gemini-pro-1.5":   "gemini-1.5-pro",
	"google/gemini-flash-1.5": "gemini-1.5-flash",
}

// GenAIClient is the part of the genai client used here.
type GenAIClient interface {
	GenerativeModel(name string) *genai.GenerativeModel
	Close() error
}

type GeminiClient struct {
	client GenAIClient
	policy retry.Policy
}

func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiClient{client: client, policy: retry.VendorPolicy(IsRetryableVendorError)}, nil
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

func (c *GeminiClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if len(req.Turns) == 0 {
		return nil, errors.New("completion request has no turns")
	}

	model := c.client.GenerativeModel(GeminiModelName(req.Model))
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	model.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}

	history := make([]*genai.Content, 0, len(req.Turns)-1)
	for _, turn := range req.Turns[:len(req.Turns)-1] {
		parts, err := geminiParts(turn)
		if err != nil {
			return nil, err
		}
		history = append(history, &genai.Content{Role: geminiRole(turn.Role), Parts: parts})
	}
	last, err := geminiParts(req.Turns[len(req.Turns)-1])
	if err != nil {
		return nil, err
	}

	resp, err := retry.Do(ctx, c.policy, "gemini.generate", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		cs := model.StartChat()
		cs.History = history
		resp, err := cs.SendMessage(ctx, last...)
		return resp, classifyGeminiError(err)
	})
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("Gemini completion failed")
		return nil, err
	}

	text := geminiText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyCompletion
	}
	result := &CompletionResult{Text: text, Model: req.Model}
	if resp.UsageMetadata != nil {
		result.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return result, nil
}

// GeminiModelName converts an OpenRouter model id to the Google AI Studio name.
func GeminiModelName(modelID string) string {
	if name, ok := geminiModelNames[modelID]; ok {
		return name
	}
	return strings.TrimPrefix(modelID, "google/")
}

func geminiRole(role string) string {
	if role == RoleAssistant {
		return "model"
	}
	return "user"
}

func geminiParts(turn ChatTurn) ([]genai.Part, error) {
	parts := []genai.Part{genai.Text(turn.Text)}
	for _, url := range turn.ImageURLs {
		format, data, err := decodeDataURL(url)
		if err != nil {
			return nil, err
		}
		parts = append(parts, genai.ImageData(format, data))
	}
	return parts, nil
}

// decodeDataURL splits "data:image/png;base64,..." into ("png", bytes).
func decodeDataURL(url string) (string, []byte, error) {
	header, payload, ok := strings.Cut(url, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return "", nil, fmt.Errorf("gemini route only accepts base64 image data URLs")
	}
	format := strings.TrimSuffix(strings.TrimPrefix(header, "data:image/"), ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid image data: %w", err)
	}
	return format, data, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func classifyGeminiError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &VendorError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	return err
}
