package services

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tradesight_go_backend/internal/utils/analysisparser"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const TrendMixed = "Mixed"

// ChartMeta describes the chart an analysis was produced from. Fields may be empty.
type ChartMeta struct {
	Timeframe string `json:"timeframe"`
	Symbol    string `json:"symbol,omitempty"`
	Path      string `json:"path,omitempty"`
}

type KeyLevels struct {
	Support    []string `json:"support"`
	Resistance []string `json:"resistance"`
}

type CorrelationSignals struct {
	Primary      string `json:"primary"`
	Confirmation string `json:"confirmation"`
	EntryPrice   string `json:"entryPrice"`
	TakeProfit   string `json:"takeProfit"`
	Confidence   int    `json:"confidence"`
}

type TimeframeSummary struct {
	Timeframe  string `json:"timeframe"`
	Symbol     string `json:"symbol,omitempty"`
	Trend      string `json:"trend,omitempty"`
	Signal     string `json:"signal"`
	Confidence int    `json:"confidence"`
}

type CorrelativeAnalysis struct {
	TrendAlignment  string             `json:"trendAlignment"`
	SignalAlignment bool               `json:"signalAlignment"`
	Summary         string             `json:"summary"`
	PriceMovement   string             `json:"priceMovement"`
	KeyLevels       KeyLevels          `json:"keyLevels"`
	Signals         CorrelationSignals `json:"signals"`
	Recommendation  string             `json:"recommendation"`
	Timeframes      []TimeframeSummary `json:"timeframes"`
}

var (
	parseAnalysis = analysisparser.ParseAnalysis
	levelNumber   = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
)

func neutralAnalysis(confidence int, summary string) CorrelativeAnalysis {
	return CorrelativeAnalysis{
		TrendAlignment: TrendMixed,
		Summary:        summary,
		KeyLevels:      KeyLevels{Support: []string{}, Resistance: []string{}},
		Signals: CorrelationSignals{
			Primary:      analysisparser.ActionHold,
			Confirmation: analysisparser.ActionHold,
			EntryPrice:   analysisparser.NotAvailable,
			TakeProfit:   analysisparser.NotAvailable,
			Confidence:   confidence,
		},
		Recommendation: "No trade: not enough information to correlate timeframes.",
		Timeframes:     []TimeframeSummary{},
	}
}

// AnalyzeCorrelation merges per-chart analyses into one multi-timeframe view. charts is
// matched to analyses by index and may be shorter. It never panics.
func AnalyzeCorrelation(analyses []string, charts []ChartMeta) (result CorrelativeAnalysis) {
	if len(analyses) == 0 {
		return neutralAnalysis(50, "No analyses were provided.")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("analyses", len(analyses)).Msg("Correlative analysis failed")
			result = neutralAnalysis(0, "Correlative analysis failed; treat the individual chart analyses on their own.")
		}
	}()

	parsed := make([]analysisparser.ParsedAnalysis, len(analyses))
	for i, text := range analyses {
		parsed[i] = parseAnalysis(text)
	}

	trend := trendAlignment(parsed)
	signalsAgree := len(lo.Uniq(lo.Map(parsed, func(p analysisparser.ParsedAnalysis, _ int) string {
		return p.Signal
	}))) == 1

	var support, resistance []string
	for _, p := range parsed {
		support = append(support, p.Support...)
		resistance = append(resistance, p.Resistance...)
	}
	levels := KeyLevels{Support: orderLevels(support), Resistance: orderLevels(resistance)}

	confidence := 0
	if signalsAgree {
		confidence += 30
	}
	if trend != TrendMixed {
		confidence += 30
	}
	if len(levels.Support) > 0 {
		confidence += 20
	}
	if len(levels.Resistance) > 0 {
		confidence += 20
	}
	confidence = min(confidence, 100)

	primary := analysisparser.ActionHold
	if signalsAgree && trend != TrendMixed {
		primary = parsed[0].Signal
	}

	timeframes := make([]TimeframeSummary, len(parsed))
	for i, p := range parsed {
		timeframes[i] = TimeframeSummary{
			Timeframe:  chartTimeframe(i, p, charts),
			Symbol:     lo.Ternary(p.Symbol != "", p.Symbol, chartSymbol(i, charts)),
			Trend:      p.Trend,
			Signal:     p.Signal,
			Confidence: p.Confidence,
		}
	}

	signals := CorrelationSignals{
		Primary:      primary,
		Confirmation: confirmation(timeframes, signalsAgree),
		EntryPrice:   levelAt(levels.Resistance, 0),
		TakeProfit:   levelAt(levels.Resistance, 1),
		Confidence:   confidence,
	}

	return CorrelativeAnalysis{
		TrendAlignment:  trend,
		SignalAlignment: signalsAgree,
		Summary:         buildSummary(timeframes, parsed, levels),
		PriceMovement:   buildPriceMovement(timeframes, parsed),
		KeyLevels:       levels,
		Signals:         signals,
		Recommendation:  buildRecommendation(signals, trend),
		Timeframes:      timeframes,
	}
}

// trendAlignment returns the shared trend when every chart reports the same non-empty
// trend, ignoring case, and Mixed otherwise.
func trendAlignment(parsed []analysisparser.ParsedAnalysis) string {
	first := strings.TrimSpace(parsed[0].Trend)
	if first == "" {
		return TrendMixed
	}
	for _, p := range parsed[1:] {
		if !strings.EqualFold(strings.TrimSpace(p.Trend), first) {
			return TrendMixed
		}
	}
	return first
}

// orderLevels deduplicates levels and sorts them by their first number, ascending.
// Levels without a number keep their first-seen order after the numeric ones.
func orderLevels(levels []string) []string {
	type numbered struct {
		text  string
		value float64
	}
	var numeric []numbered
	other := []string{}
	for _, level := range lo.Uniq(levels) {
		match := levelNumber.FindString(strings.ReplaceAll(level, ",", ""))
		value, err := strconv.ParseFloat(match, 64)
		if match == "" || err != nil {
			other = append(other, level)
			continue
		}
		numeric = append(numeric, numbered{text: level, value: value})
	}
	sort.SliceStable(numeric, func(i, j int) bool { return numeric[i].value < numeric[j].value })

	ordered := make([]string, 0, len(numeric)+len(other))
	for _, n := range numeric {
		ordered = append(ordered, n.text)
	}
	return append(ordered, other...)
}

func levelAt(levels []string, i int) string {
	if i < len(levels) {
		return levels[i]
	}
	return analysisparser.NotAvailable
}

func chartTimeframe(i int, p analysisparser.ParsedAnalysis, charts []ChartMeta) string {
	if i < len(charts) && charts[i].Timeframe != "" {
		return analysisparser.FormatTimeframe(charts[i].Timeframe)
	}
	if p.Timeframe != "" {
		return p.Timeframe
	}
	return fmt.Sprintf("Chart %d", i+1)
}

func chartSymbol(i int, charts []ChartMeta) string {
	if i < len(charts) {
		return strings.ToUpper(charts[i].Symbol)
	}
	return ""
}

func confirmation(timeframes []TimeframeSummary, agree bool) string {
	if agree {
		return fmt.Sprintf("All %d timeframes agree on %s", len(timeframes), timeframes[0].Signal)
	}
	parts := lo.Map(timeframes, func(tf TimeframeSummary, _ int) string {
		return tf.Timeframe + " " + tf.Signal
	})
	return "Timeframes disagree (" + strings.Join(parts, ", ") + ")"
}

func buildSummary(timeframes []TimeframeSummary, parsed []analysisparser.ParsedAnalysis, levels KeyLevels) string {
	paragraphs := make([]string, 0, len(timeframes)+1)
	for i, tf := range timeframes {
		var b strings.Builder
		fmt.Fprintf(&b, "%s", tf.Timeframe)
		if tf.Symbol != "" {
			fmt.Fprintf(&b, " (%s)", tf.Symbol)
		}
		fmt.Fprintf(&b, ": trend %s, signal %s, confidence %d%%.",
			lo.Ternary(tf.Trend != "", tf.Trend, analysisparser.NotAvailable), tf.Signal, tf.Confidence)
		if parsed[i].PriceMovement != "" {
			b.WriteString(" " + parsed[i].PriceMovement)
		}
		paragraphs = append(paragraphs, b.String())
	}
	paragraphs = append(paragraphs, fmt.Sprintf("Key levels: support at %s; resistance at %s.",
		joinLevels(levels.Support), joinLevels(levels.Resistance)))
	return strings.Join(paragraphs, "\n\n")
}

func buildPriceMovement(timeframes []TimeframeSummary, parsed []analysisparser.ParsedAnalysis) string {
	var parts []string
	for i, p := range parsed {
		if p.PriceMovement != "" {
			parts = append(parts, timeframes[i].Timeframe+": "+p.PriceMovement)
		}
	}
	return strings.Join(parts, " ")
}

func buildRecommendation(s CorrelationSignals, trend string) string {
	if s.Primary == analysisparser.ActionHold {
		if trend == TrendMixed {
			return fmt.Sprintf("HOLD: timeframes do not share a trend. Wait for alignment (confidence %d%%).", s.Confidence)
		}
		return fmt.Sprintf("HOLD: %s trend without a clear entry signal (confidence %d%%).", trend, s.Confidence)
	}
	return fmt.Sprintf("%s with a %s trend across timeframes. Entry near %s, take profit at %s (confidence %d%%).",
		s.Primary, trend, s.EntryPrice, s.TakeProfit, s.Confidence)
}

func joinLevels(levels []string) string {
	if len(levels) == 0 {
		return "none identified"
	}
	return strings.Join(levels, ", ")
}
