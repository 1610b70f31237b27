package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/analysisparser"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultAnalysisTimeout = 60 * time.Second
	MaxChartsPerAnalysis   = 4
	MaxChartBytes          = 8 << 20
	defaultHistoryLimit    = 50
)

var (
	ErrNoCharts         = errors.New("at least one chart is required")
	ErrTooManyCharts    = fmt.Errorf("at most %d charts can be analysed at once", MaxChartsPerAnalysis)
	ErrUnsupportedModel = errors.New("unsupported model")
	ErrInvalidChart     = errors.New("invalid chart image")
)

var allowedChartTypes = []string{"image/png", "image/jpeg", "image/webp"}

const analysisSystemPrompt = `You are a professional technical analyst. Analyse the trading chart image and answer using exactly this layout:

MARKET SUMMARY
Symbol: <instrument>
Timeframe: <chart timeframe, e.g. 15m, 1h, 4h, 1D>
Current Price: <price>
Trend: <Bullish | Bearish | Sideways>

TECHNICAL ANALYSIS
Support Levels:
- <price>
Resistance Levels:
- <price>
Price Movement: <one short paragraph>

TECHNICAL INDICATORS
RSI:
- Value: <value>
- Signal: <overbought | oversold | neutral>
MACD:
- Value: <value>
- Signal: <bullish | bearish | neutral>

TRADING SIGNAL
Action: <BUY | SELL | HOLD>
Entry Price: <price>
Stop Loss: <price>
Take Profit: <price>
Confidence Level: <0-100>%

RISK MANAGEMENT
Reasoning: <why the trade makes sense and what invalidates it>

Write N/A for any value you cannot read from the chart.`

// ChartUpload is one chart image submitted for analysis. Timeframe and Symbol are hints
// from the client and may be empty.
type ChartUpload struct {
	Content     []byte
	ContentType string
	Timeframe   string
	Symbol      string
}

type AnalysisRequest struct {
	Model  string
	Charts []ChartUpload
	Notes  string
}

type ChartAnalysis struct {
	ChartPath string                        `json:"chartPath"`
	Raw       string                        `json:"raw"`
	Parsed    analysisparser.ParsedAnalysis `json:"parsed"`
}

type AnalysisResult struct {
	ID            uuid.UUID            `json:"id"`
	Model         string               `json:"model"`
	Analyses      []ChartAnalysis      `json:"analyses"`
	Correlative   *CorrelativeAnalysis `json:"correlative,omitempty"`
	InputTokens   int64                `json:"inputTokens"`
	OutputTokens  int64                `json:"outputTokens"`
	UsageRecordID string               `json:"usageRecordId,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
}

type AnalysisService struct {
	ledger   TokenLedger
	llm      LLMClient
	charts   ChartStore
	history  AnalysisHistoryDB
	template analysisparser.Template
	timeout  time.Duration
	now      func() time.Time
}

func NewAnalysisService(ledger TokenLedger, llm LLMClient, charts ChartStore, history AnalysisHistoryDB, timeout time.Duration) *AnalysisService {
	if timeout <= 0 {
		timeout = DefaultAnalysisTimeout
	}
	return &AnalysisService{
		ledger:   ledger,
		llm:      llm,
		charts:   charts,
		history:  history,
		template: analysisparser.TemplateV1,
		timeout:  timeout,
		now:      time.Now,
	}
}

// EstimateAnalysisCost is the amount reserved before the vendor is called.
func EstimateAnalysisCost(modelID string, charts int) int64 {
	return CalculateTokenCost(modelID, true) * int64(charts)
}

// AnalyzeCharts runs one vendor call per chart and merges the results when more than one
// chart was sent. The reservation is released on any failure before settlement.
func (s *AnalysisService) AnalyzeCharts(ctx context.Context, userID uuid.UUID, req AnalysisRequest) (*AnalysisResult, error) {
	if req.Model == "" {
		req.Model = DefaultModelID
	}
	if err := validateAnalysisRequest(req); err != nil {
		return nil, err
	}

	reservation, err := s.ledger.ChargeForOperation(ctx, userID, models.FeatureAnalysis, req.Model, EstimateAnalysisCost(req.Model, len(req.Charts)))
	if err != nil {
		return nil, err
	}
	settled := false
	defer func() {
		if !settled {
			s.ledger.ReleaseReservation(ctx, reservation)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	paths, err := s.uploadCharts(ctx, userID, req.Charts)
	if err != nil {
		return nil, err
	}

	results := make([]*CompletionResult, len(req.Charts))
	g, gctx := errgroup.WithContext(ctx)
	for i := range req.Charts {
		i := i
		g.Go(func() error {
			result, err := s.llm.Complete(gctx, CompletionRequest{
				Model:       req.Model,
				System:      analysisSystemPrompt,
				Turns:       []ChatTurn{analysisTurn(req.Charts[i], req.Notes)},
				Temperature: 0.2,
				MaxTokens:   1500,
			})
			if err != nil {
				return err
			}
			if err := analysisparser.ValidateTemplate(result.Text, s.template); err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.discardCharts(userID, paths)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		log.Error().Err(err).Str("user_id", userID.String()).Str("model", req.Model).Msg("Chart analysis failed")
		return nil, err
	}

	analysis := &AnalysisResult{
		ID:        uuid.New(),
		Model:     req.Model,
		Analyses:  make([]ChartAnalysis, len(results)),
		CreatedAt: s.now(),
	}
	raws := make([]string, len(results))
	metas := make([]ChartMeta, len(results))
	for i, result := range results {
		raws[i] = result.Text
		metas[i] = ChartMeta{Timeframe: req.Charts[i].Timeframe, Symbol: req.Charts[i].Symbol, Path: paths[i]}
		analysis.Analyses[i] = ChartAnalysis{
			ChartPath: paths[i],
			Raw:       result.Text,
			Parsed:    analysisparser.ParseAnalysis(result.Text),
		}
		analysis.InputTokens += result.InputTokens
		analysis.OutputTokens += result.OutputTokens
	}
	if len(results) > 1 {
		correlative := AnalyzeCorrelation(raws, metas)
		analysis.Correlative = &correlative
	}

	settled = true
	analysis.UsageRecordID = s.ledger.RecordTokenUsage(ctx, userID, UsageInput{
		Feature:      models.FeatureAnalysis,
		Model:        req.Model,
		InputTokens:  analysis.InputTokens,
		OutputTokens: analysis.OutputTokens,
		Metadata: map[string]interface{}{
			"analysis_id": analysis.ID.String(),
			"charts":      len(results),
		},
		Reservation: reservation,
	})

	s.saveHistory(ctx, userID, analysis, raws, paths)
	return analysis, nil
}

func (s *AnalysisService) ListHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.AnalysisHistory, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}
	return s.history.ListAnalyses(ctx, userID, limit)
}

func (s *AnalysisService) GetHistory(ctx context.Context, userID, id uuid.UUID) (*models.AnalysisHistory, error) {
	return s.history.GetAnalysis(ctx, userID, id)
}

func validateAnalysisRequest(req AnalysisRequest) error {
	if len(req.Charts) == 0 {
		return ErrNoCharts
	}
	if len(req.Charts) > MaxChartsPerAnalysis {
		return ErrTooManyCharts
	}
	if !IsSupportedModel(req.Model) {
		return fmt.Errorf("%w: %s", ErrUnsupportedModel, req.Model)
	}
	for i, chart := range req.Charts {
		if len(chart.Content) == 0 {
			return fmt.Errorf("%w: chart %d is empty", ErrInvalidChart, i+1)
		}
		if len(chart.Content) > MaxChartBytes {
			return fmt.Errorf("%w: chart %d exceeds %d MB", ErrInvalidChart, i+1, MaxChartBytes>>20)
		}
		if !lo.Contains(allowedChartTypes, chart.ContentType) {
			return fmt.Errorf("%w: unsupported content type %q", ErrInvalidChart, chart.ContentType)
		}
	}
	return nil
}

func analysisTurn(chart ChartUpload, notes string) ChatTurn {
	var prompt strings.Builder
	prompt.WriteString("Analyse this chart.")
	if chart.Symbol != "" {
		prompt.WriteString(" Symbol: " + chart.Symbol + ".")
	}
	if chart.Timeframe != "" {
		prompt.WriteString(" Timeframe: " + analysisparser.FormatTimeframe(chart.Timeframe) + ".")
	}
	if notes = strings.TrimSpace(notes); notes != "" {
		prompt.WriteString("\nTrader notes: " + notes)
	}
	return ChatTurn{
		Role:      RoleUser,
		Text:      prompt.String(),
		ImageURLs: []string{dataURL(chart.ContentType, chart.Content)},
	}
}

func dataURL(contentType string, content []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(content)
}

func (s *AnalysisService) uploadCharts(ctx context.Context, userID uuid.UUID, charts []ChartUpload) ([]string, error) {
	paths := make([]string, 0, len(charts))
	for _, chart := range charts {
		path, err := s.charts.UploadChart(ctx, userID.String(), chart.Content, chart.ContentType)
		if err != nil {
			s.discardCharts(userID, paths)
			return nil, fmt.Errorf("failed to upload chart: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (s *AnalysisService) discardCharts(userID uuid.UUID, paths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, path := range paths {
		if err := s.charts.DeleteChart(ctx, path); err != nil {
			log.Warn().Err(err).Str("user_id", userID.String()).Str("path", path).Msg("Failed to delete chart")
		}
	}
}

// saveHistory failures are logged: the user has already been billed for the result.
func (s *AnalysisService) saveHistory(ctx context.Context, userID uuid.UUID, analysis *AnalysisResult, raws, paths []string) {
	first := analysis.Analyses[0].Parsed
	entry := &models.AnalysisHistory{
		ID:          analysis.ID,
		UserID:      userID,
		Model:       analysis.Model,
		Symbol:      first.Symbol,
		Timeframe:   first.Timeframe,
		Action:      first.Signal,
		Confidence:  first.Confidence,
		RawAnalysis: strings.Join(raws, analysisSeparator),
		Correlative: analysis.Correlative != nil,
		CreatedAt:   analysis.CreatedAt,
	}
	if analysis.Correlative != nil {
		entry.Summary = analysis.Correlative.Summary
		entry.Action = lo.Ternary(analysis.Correlative.Signals.Primary != "", analysis.Correlative.Signals.Primary, "HOLD")
		entry.Confidence = analysis.Correlative.Signals.Confidence
	}
	if err := entry.SetChartPaths(paths); err != nil {
		log.Error().Err(err).Msg("Failed to encode chart paths")
		return
	}
	if err := s.history.SaveAnalysis(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Str("analysis_id", analysis.ID.String()).Msg("Failed to save analysis history")
	}
}

// analysisSeparator joins the raw outputs of a multi-chart analysis in history.
const analysisSeparator = "\n\n=====\n\n"

// SplitRawAnalyses reverses the join done when a multi-chart analysis is saved.
func SplitRawAnalyses(raw string) []string {
	return strings.Split(raw, analysisSeparator)
}
