package services

import (
	"sort"

	"github.com/shopspring/decimal"
)

const (
	DefaultModelID = "openai/gpt-4o-mini"

	// TokensPerDollar converts vendor USD cost into platform tokens.
	TokensPerDollar = 667

	analysisInputEstimate  = 2000
	analysisOutputEstimate = 1500
	chatInputEstimate      = 1000
	chatOutputEstimate     = 500
)

type ModelPricing struct {
	ModelID          string          `json:"modelId"`
	InputPricePer1K  decimal.Decimal `json:"inputPricePer1k"`
	OutputPricePer1K decimal.Decimal `json:"outputPricePer1k"`
}

func pricing(modelID, in, out string) ModelPricing {
	return ModelPricing{
		ModelID:          modelID,
		InputPricePer1K:  decimal.RequireFromString(in),
		OutputPricePer1K: decimal.RequireFromString(out),
	}
}

// USD per 1k tokens.
var modelPrices = map[string]ModelPricing{
	"openai/gpt-4o":                            pricing("openai/gpt-4o", "0.005", "0.015"),
	"openai/gpt-4o-mini":                       pricing("openai/gpt-4o-mini", "0.00015", "0.0006"),
	"anthropic/claude-3.5-sonnet":              pricing("anthropic/claude-3.5-sonnet", "0.003", "0.015"),
	"anthropic/claude-3-haiku":                 pricing("anthropic/claude-3-haiku", "0.00025", "0.00125"),
	"google/gemini-pro-1.5":                    pricing("google/gemini-pro-1.5", "0.00125", "0.005"),
	"google/gemini-flash-1.5":                  pricing("google/gemini-flash-1.5", "0.000075", "0.0003"),
	"meta-llama/llama-3.2-90b-vision-instruct": pricing("meta-llama/llama-3.2-90b-vision-instruct", "0.0009", "0.0009"),
}

var (
	thousand        = decimal.NewFromInt(1000)
	tokensPerDollar = decimal.NewFromInt(TokensPerDollar)
)

// GetModelCosts returns the price entry for modelID, or the default model's entry when
// the model is unknown.
func GetModelCosts(modelID string) ModelPricing {
	if p, ok := modelPrices[modelID]; ok {
		return p
	}
	return modelPrices[DefaultModelID]
}

func IsSupportedModel(modelID string) bool {
	_, ok := modelPrices[modelID]
	return ok
}

// CalculateCost converts vendor token counts into platform tokens, rounding up.
// Negative counts are treated as zero.
func CalculateCost(modelID string, inputTokens, outputTokens int64) int64 {
	p := GetModelCosts(modelID)
	in := decimal.NewFromInt(max(inputTokens, 0))
	out := decimal.NewFromInt(max(outputTokens, 0))

	costUSD := in.Div(thousand).Mul(p.InputPricePer1K).
		Add(out.Div(thousand).Mul(p.OutputPricePer1K))
	return costUSD.Mul(tokensPerDollar).Ceil().IntPart()
}

// CalculateTokenCost is the pre-flight estimate used to gate an operation before the
// vendor call is made.
func CalculateTokenCost(modelID string, isAnalysis bool) int64 {
	if isAnalysis {
		return CalculateCost(modelID, analysisInputEstimate, analysisOutputEstimate)
	}
	return CalculateCost(modelID, chatInputEstimate, chatOutputEstimate)
}

type ModelInfo struct {
	ModelPricing
	AnalysisEstimate int64 `json:"analysisEstimate"`
	ChatEstimate     int64 `json:"chatEstimate"`
}

// SupportedModels lists the price table sorted by model id.
func SupportedModels() []ModelInfo {
	models := make([]ModelInfo, 0, len(modelPrices))
	for id, p := range modelPrices {
		models = append(models, ModelInfo{
			ModelPricing:     p,
			AnalysisEstimate: CalculateTokenCost(id, true),
			ChatEstimate:     CalculateTokenCost(id, false),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ModelID < models[j].ModelID })
	return models
}
