package analysisparser

import (
	"strings"

	"github.com/rs/zerolog/log"
)

type IndicatorReading struct {
	Value    string            `json:"value,omitempty"`
	Signal   string            `json:"signal,omitempty"`
	Analysis string            `json:"analysis,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

type ParsedAnalysis struct {
	Symbol        string            `json:"symbol,omitempty"`
	Timeframe     string            `json:"timeframe,omitempty"`
	CurrentPrice  string            `json:"currentPrice,omitempty"`
	Trend         string            `json:"trend,omitempty"`
	Signal        string            `json:"signal"`
	Support       []string          `json:"support"`
	Resistance    []string          `json:"resistance"`
	RSI           *IndicatorReading `json:"rsi,omitempty"`
	MACD          *IndicatorReading `json:"macd,omitempty"`
	PriceMovement string            `json:"priceMovement,omitempty"`
	Indicators    string            `json:"indicators,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
	EntryPrice    string            `json:"entryPrice,omitempty"`
	StopLoss      string            `json:"stopLoss,omitempty"`
	TakeProfit    string            `json:"takeProfit,omitempty"`
	Confidence    int               `json:"confidence"`
}

func emptyAnalysis() ParsedAnalysis {
	return ParsedAnalysis{
		Signal:     ActionHold,
		Support:    []string{},
		Resistance: []string{},
		Confidence: DefaultConfidence,
	}
}

// ParseAnalysis builds a ParsedAnalysis from a vendor response. It never panics; a
// failure part way through leaves the fields parsed so far.
func ParseAnalysis(text string) (result ParsedAnalysis) {
	result = emptyAnalysis()
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Msg("analysis parsing aborted, returning partial result")
		}
	}()

	if strings.TrimSpace(text) == "" {
		return result
	}

	result.Symbol = ExtractValue(text, "Symbol")
	result.Timeframe = ExtractTimeframe(text)
	result.CurrentPrice = ExtractValue(text, "Current Price")
	result.Trend = ExtractValue(text, "Trend")
	result.Signal = ExtractValue(text, "Action")
	result.Support = ExtractLevels(text, "Support")
	result.Resistance = ExtractLevels(text, "Resistance")
	result.RSI = ExtractIndicator(text, "RSI")
	result.MACD = ExtractIndicator(text, "MACD")
	result.PriceMovement = ExtractValue(text, "Price Movement")
	result.Indicators = ExtractValue(text, "Technical Indicators")
	result.Reasoning = ExtractValue(text, "Signal Reasoning")
	result.EntryPrice = ExtractValue(text, "Entry Price")
	result.StopLoss = ExtractValue(text, "Stop Loss")
	result.TakeProfit = ExtractValue(text, "Take Profit")
	result.Confidence = ExtractConfidenceLevel(text)
	return result
}

// ExtractIndicator reads an indicator block such as
//
//	RSI: 62
//	- Signal: Bullish
//	- Analysis: Momentum building above 50.
//
// Sub-lines must be bulleted or indented. Returns nil when the indicator is absent.
func ExtractIndicator(text, name string) *IndicatorReading {
	lines := splitLines(text)
	for i, line := range lines {
		n := normalizeLine(line)
		key, value, ok := splitKeyValue(n)
		if !ok {
			continue
		}
		if !strings.HasPrefix(strings.ToUpper(key), strings.ToUpper(name)) {
			continue
		}

		reading := &IndicatorReading{}
		if v := cleanValue(value); !isMissing(v) {
			reading.Value = v
		}
		for _, next := range lines[i+1:] {
			if strings.TrimSpace(next) == "" {
				continue
			}
			if _, isHeader := headerName(next); isHeader || !isSubLine(next) {
				break
			}
			subKey, subValue, kv := splitKeyValue(normalizeLine(next))
			if !kv {
				break
			}
			v := cleanValue(subValue)
			if isMissing(v) {
				continue
			}
			reading.assign(subKey, v)
		}
		if reading.empty() {
			return nil
		}
		return reading
	}
	return nil
}

func (r *IndicatorReading) assign(key, value string) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "value", "reading", "current value", "level":
		r.Value = value
	case "signal", "bias", "status":
		r.Signal = value
	case "analysis", "interpretation", "comment":
		r.Analysis = value
	default:
		if r.Details == nil {
			r.Details = make(map[string]string)
		}
		r.Details[key] = value
	}
}

func (r *IndicatorReading) empty() bool {
	return r.Value == "" && r.Signal == "" && r.Analysis == "" && len(r.Details) == 0
}

func isSubLine(line string) bool {
	if line != strings.TrimLeft(line, " \t") {
		return true
	}
	return listMarker.MatchString(emphasis.Replace(strings.TrimSpace(line)))
}
