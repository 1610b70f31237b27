package analysisparser

import (
	"regexp"
	"strings"
)

// MetaTrader style (M15, H4, D1, MN1) and chart style (15m, 4h, 1D, 1M) differ only in
// unit letter and order.
var (
	metaTraderPattern = regexp.MustCompile(`^(MN|M|H|D|W)(\d+)$`)
	chartPattern      = regexp.MustCompile(`^(\d+)(m|h|H|d|D|w|W|M)$`)

	metaTraderToChartUnit = map[string]string{
		"M":  "m",
		"H":  "h",
		"D":  "D",
		"W":  "W",
		"MN": "M",
	}
	chartToMetaTraderUnit = map[string]string{
		"m": "M",
		"h": "H",
		"H": "H",
		"d": "D",
		"D": "D",
		"w": "W",
		"W": "W",
		"M": "MN",
	}
)

// FormatTimeframe converts MetaTrader notation to chart notation: M15 -> 15m, D1 -> 1D,
// MN1 -> 1M. Anything else is returned unchanged.
func FormatTimeframe(tf string) string {
	m := metaTraderPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(tf)))
	if m == nil {
		return tf
	}
	return m[2] + metaTraderToChartUnit[m[1]]
}

// ToMetaTraderTimeframe is the inverse of FormatTimeframe.
func ToMetaTraderTimeframe(tf string) string {
	m := chartPattern.FindStringSubmatch(strings.TrimSpace(tf))
	if m == nil {
		return tf
	}
	return chartToMetaTraderUnit[m[2]] + m[1]
}

// ExtractTimeframe reads the Timeframe field and returns it in chart notation.
func ExtractTimeframe(text string) string {
	value := ExtractValue(text, "Timeframe")
	if value == "" {
		return ""
	}
	return FormatTimeframe(strings.Fields(value)[0])
}
