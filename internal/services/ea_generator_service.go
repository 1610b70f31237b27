package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/analysisparser"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultEATimeout     = 30 * time.Second
	maxStrategyLength    = 4000
	eaGeneratorMaxTokens = 1500
)

var (
	ErrEmptyStrategy    = errors.New("strategy description is empty")
	ErrStrategyTooLong  = fmt.Errorf("strategy description exceeds %d characters", maxStrategyLength)
	ErrNoExpertAdvisor  = errors.New("model response contains no MQL5 source")
	codeFence           = regexp.MustCompile("(?s)```([A-Za-z0-9+]*)[ \t]*\n(.*?)```")
	preferredFenceLangs = map[string]bool{"mql5": true, "mq5": true, "mql": true}
)

const eaSystemPrompt = `You write MetaTrader 5 Expert Advisors in MQL5.
Return the complete source of a single .mq5 file in one fenced code block tagged mql5, followed by a short plain-text explanation of the inputs and the entry and exit rules.
The EA must compile without external includes besides <Trade\Trade.mqh>, expose risk and stop distances as input parameters, and never martingale.`

type EARequest struct {
	Model       string
	Strategy    string
	Symbol      string
	Timeframe   string
	RiskPercent float64
}

type EAResult struct {
	Code          string `json:"code"`
	Explanation   string `json:"explanation"`
	FileName      string `json:"fileName"`
	Model         string `json:"model"`
	UsageRecordID string `json:"usageRecordId,omitempty"`
}

// EAGeneratorService turns a plain-language strategy into MQL5 source.
type EAGeneratorService struct {
	ledger  TokenLedger
	llm     LLMClient
	timeout time.Duration
}

func NewEAGeneratorService(ledger TokenLedger, llm LLMClient, timeout time.Duration) *EAGeneratorService {
	if timeout <= 0 {
		timeout = DefaultEATimeout
	}
	return &EAGeneratorService{ledger: ledger, llm: llm, timeout: timeout}
}

func (s *EAGeneratorService) Generate(ctx context.Context, userID uuid.UUID, req EARequest) (*EAResult, error) {
	req.Strategy = strings.TrimSpace(req.Strategy)
	switch {
	case req.Strategy == "":
		return nil, ErrEmptyStrategy
	case len(req.Strategy) > maxStrategyLength:
		return nil, ErrStrategyTooLong
	}
	if req.Model == "" {
		req.Model = DefaultModelID
	}
	if !IsSupportedModel(req.Model) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModel, req.Model)
	}

	reservation, err := s.ledger.ChargeForOperation(ctx, userID, models.FeatureEAGenerator, req.Model, CalculateTokenCost(req.Model, true))
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.llm.Complete(callCtx, CompletionRequest{
		Model:       req.Model,
		System:      eaSystemPrompt,
		Turns:       []ChatTurn{{Role: RoleUser, Text: eaPrompt(req)}},
		Temperature: 0.2,
		MaxTokens:   eaGeneratorMaxTokens,
	})
	if err != nil {
		s.ledger.ReleaseReservation(ctx, reservation)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		log.Error().Err(err).Str("user_id", userID.String()).Str("model", req.Model).Msg("EA generation failed")
		return nil, err
	}

	code, explanation, ok := ExtractEACode(result.Text)
	if !ok {
		s.ledger.ReleaseReservation(ctx, reservation)
		return nil, ErrNoExpertAdvisor
	}

	recordID := s.ledger.RecordTokenUsage(ctx, userID, UsageInput{
		Feature:      models.FeatureEAGenerator,
		Model:        req.Model,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Metadata:     map[string]interface{}{"symbol": req.Symbol, "timeframe": req.Timeframe},
		Reservation:  reservation,
	})

	return &EAResult{
		Code:          code,
		Explanation:   explanation,
		FileName:      eaFileName(req),
		Model:         req.Model,
		UsageRecordID: recordID,
	}, nil
}

func eaPrompt(req EARequest) string {
	var b strings.Builder
	b.WriteString("Strategy:\n")
	b.WriteString(req.Strategy)
	if req.Symbol != "" {
		fmt.Fprintf(&b, "\nSymbol: %s", req.Symbol)
	}
	if req.Timeframe != "" {
		fmt.Fprintf(&b, "\nTimeframe: PERIOD_%s", analysisparser.ToMetaTraderTimeframe(req.Timeframe))
	}
	if req.RiskPercent > 0 {
		fmt.Fprintf(&b, "\nDefault risk per trade: %.2f%% of balance", req.RiskPercent)
	}
	return b.String()
}

// ExtractEACode returns the MQL5 block of a model response and the text around it. An
// mql5 tagged fence wins over an untagged one.
func ExtractEACode(text string) (code, explanation string, ok bool) {
	matches := codeFence.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return "", "", false
	}
	chosen := matches[0]
	for _, m := range matches {
		if preferredFenceLangs[strings.ToLower(text[m[2]:m[3]])] {
			chosen = m
			break
		}
	}
	code = strings.TrimSpace(text[chosen[4]:chosen[5]])
	if code == "" {
		return "", "", false
	}
	explanation = strings.TrimSpace(text[:chosen[0]] + "\n" + text[chosen[1]:])
	return code, explanation, true
}

var nonFileChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

func eaFileName(req EARequest) string {
	parts := []string{"TradeSight"}
	if req.Symbol != "" {
		parts = append(parts, nonFileChars.ReplaceAllString(req.Symbol, ""))
	}
	if req.Timeframe != "" {
		parts = append(parts, analysisparser.ToMetaTraderTimeframe(req.Timeframe))
	}
	return strings.Join(parts, "_") + ".mq5"
}
