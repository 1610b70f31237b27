package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"tradesight_go_backend/internal/utils/retry"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyCompletion = errors.New("model returned an empty completion")

type ChatTurn struct {
	Role string
	Text string
	// ImageURLs are https or data: URLs sent as vision inputs.
	ImageURLs []string
}

type CompletionRequest struct {
	Model       string
	System      string
	Turns       []ChatTurn
	Temperature float32
	MaxTokens   int
}

type CompletionResult struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// VendorError is a failed vendor call with its HTTP status, when one was received.
type VendorError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s returned %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
}

func (e *VendorError) Unwrap() error {
	return e.Err
}

// IsRetryableVendorError reports rate limiting and 5xx responses. Timeouts and client
// errors are final.
func IsRetryableVendorError(err error) bool {
	var vendorErr *VendorError
	if !errors.As(err, &vendorErr) {
		return false
	}
	return retry.IsRetryableStatus(vendorErr.StatusCode)
}

// FormatVendorError turns a vendor failure into a message a user can act on.
func FormatVendorError(err error) string {
	var (
		vendorErr *VendorError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "The model took too long to respond. Try again, or choose a faster model such as " + DefaultModelID + "."
	case errors.Is(err, context.Canceled):
		return "The request was cancelled before the model finished."
	case errors.Is(err, ErrEmptyCompletion):
		return "The model returned an empty response. Try again or choose a different model."
	case errors.As(err, &vendorErr) && vendorErr.StatusCode > 0:
		switch code := vendorErr.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return "The analysis provider rejected our credentials. Please contact support."
		case code == http.StatusPaymentRequired:
			return "The analysis provider account is out of credit. Please contact support."
		case code == http.StatusTooManyRequests:
			return "The model is receiving too many requests. Wait a minute and try again, or switch models."
		case code >= http.StatusInternalServerError:
			return "The model provider is having problems. Try again shortly or choose a different model."
		default:
			return "The model rejected the request. Try a smaller or clearer chart image, or a different model."
		}
	case errors.As(err, &netErr):
		return "Could not reach the analysis service. Check your internet connection, disable any VPN or proxy, and try again."
	}
	return "The analysis request failed. Please try again."
}

// OpenRouterClient talks to the OpenAI compatible chat completions API of OpenRouter.
type OpenRouterClient struct {
	client *openai.Client
	policy retry.Policy
}

func NewOpenRouterClient(apiKey, baseURL string) *OpenRouterClient {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	return &OpenRouterClient{
		client: openai.NewClientWithConfig(cfg),
		policy: retry.VendorPolicy(IsRetryableVendorError),
	}
}

func (c *OpenRouterClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    buildOpenAIMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	resp, err := retry.Do(ctx, c.policy, "openrouter.chat", func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		return resp, classifyOpenAIError(err)
	})
	if err != nil {
		log.Error().Err(err).Str("model", req.Model).Msg("OpenRouter completion failed")
		return nil, err
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyCompletion
	}
	return &CompletionResult{
		Text:         resp.Choices[0].Message.Content,
		Model:        req.Model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

func buildOpenAIMessages(req CompletionRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.Turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		if len(turn.ImageURLs) == 0 {
			messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
			continue
		}

		parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: turn.Text}}
		for _, url := range turn.ImageURLs {
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url, Detail: openai.ImageURLDetailHigh},
			})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
	}
	return messages
}

func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &VendorError{Provider: "openrouter", StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &VendorError{Provider: "openrouter", StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error(), Err: err}
	}
	return err
}

// ModelRouter sends google/gemini-* models to the direct Gemini client when one is
// configured and everything else to OpenRouter.
type ModelRouter struct {
	openRouter LLMClient
	gemini     LLMClient
}

func NewModelRouter(openRouter, gemini LLMClient) *ModelRouter {
	return &ModelRouter{openRouter: openRouter, gemini: gemini}
}

func (r *ModelRouter) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if r.gemini != nil && strings.HasPrefix(req.Model, "google/gemini") {
		return r.gemini.Complete(ctx, req)
	}
	if r.openRouter == nil {
		return nil, &VendorError{Provider: "router", Message: "no provider configured for " + req.Model}
	}
	return r.openRouter.Complete(ctx, req)
}
