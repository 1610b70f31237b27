package analysisparser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"

	DefaultConfidence = 75
	NotAvailable      = "N/A"
)

var (
	listMarker   = regexp.MustCompile(`^(?:[-*•·>]+\s+|\d+[.)]\s+)`)
	emphasis     = strings.NewReplacer("**", "", "__", "", "`", "")
	brackets     = strings.NewReplacer("[", "", "]", "")
	actionWord   = regexp.MustCompile(`\b(BUY|SELL|HOLD)\b`)
	firstInteger = regexp.MustCompile(`-?\d+`)
	// A comma only separates levels when whitespace follows, so "65,000" stays whole.
	levelSplit   = regexp.MustCompile(`\s*(?:,\s+|[;|]|\band\b)\s*`)
	symbolStubs  = []string{"symbol", "ticker", "pair", "unknown", "xxx", "xxxxxx", "asset", "instrument", "n/a"}
)

// ExtractValue scans text line by line for field and returns its cleaned value, or ""
// when the field is absent or holds a placeholder. Action never returns "": it resolves
// to BUY, SELL or HOLD.
func ExtractValue(text, field string) string {
	lines := splitLines(text)
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "symbol":
		return extractSymbol(lines)
	case "price movement":
		return extractPriceMovement(lines)
	case "action":
		return extractAction(lines)
	case "technical indicators":
		return extractIndicatorsBlock(lines)
	case "technical analysis", "signal reasoning":
		return extractReasoning(lines)
	}
	value, _ := findField(lines, field)
	return value
}

// ValueOrNA is ExtractValue with "N/A" in place of a missing value.
func ValueOrNA(text, field string) string {
	if v := ExtractValue(text, field); v != "" {
		return v
	}
	return NotAvailable
}

// ExtractLevels splits a price-level field ("Support Levels: 1.08, 1.075") into its
// individual levels. A bare label followed by a bullet list is also accepted.
func ExtractLevels(text, field string) []string {
	lines := splitLines(text)
	levels := []string{}
	for i, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || !matchesLabel(key, field) {
			continue
		}
		var raw []string
		if strings.TrimSpace(value) != "" {
			raw = levelSplit.Split(value, -1)
		} else {
			raw = collectListItems(lines[i+1:])
		}
		for _, r := range raw {
			if v := cleanValue(strings.TrimRight(r, ", ")); !isMissing(v) {
				levels = append(levels, v)
			}
		}
		if len(levels) > 0 {
			return lo.Uniq(levels)
		}
	}
	return levels
}

// ExtractConfidenceLevel returns the first integer on the "Confidence Level:" line,
// clamped to [0,100]. A bare "Confidence:" line is read when that label is absent.
// Without either it returns DefaultConfidence.
func ExtractConfidenceLevel(text string) int {
	lines := splitLines(text)
	for _, line := range lines {
		n := normalizeLine(line)
		lower := strings.ToLower(n)
		idx := strings.Index(lower, "confidence level")
		if idx < 0 {
			continue
		}
		rest := n[idx+len("confidence level"):]
		colon := strings.Index(rest, ":")
		if colon < 0 {
			continue
		}
		match := firstInteger.FindString(rest[colon+1:])
		if match == "" {
			continue
		}
		value, err := strconv.Atoi(match)
		if err != nil {
			continue
		}
		return clamp(value, 0, 100)
	}
	for _, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || !strings.EqualFold(key, "confidence") {
			continue
		}
		if v, err := strconv.Atoi(firstInteger.FindString(value)); err == nil {
			return clamp(v, 0, 100)
		}
	}
	return DefaultConfidence
}

// NormalizeAction maps free text onto BUY, SELL or HOLD.
func NormalizeAction(value string) string {
	if m := actionWord.FindString(strings.ToUpper(value)); m != "" {
		return m
	}
	return ActionHold
}

func extractSymbol(lines []string) string {
	for _, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || !matchesLabel(key, "symbol") {
			continue
		}
		// Only the first Symbol line counts; later mentions tend to be commentary.
		v := cleanValue(value)
		if isMissing(v) || lo.Contains(symbolStubs, strings.ToLower(v)) {
			return ""
		}
		return strings.ToUpper(strings.Fields(v)[0])
	}
	return ""
}

// extractAction prefers a line keyed exactly "Action". Keys that merely contain the word,
// such as "Price Action", are only consulted when no such line exists.
func extractAction(lines []string) string {
	var exact, loose []string
	for _, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || !matchesLabel(key, "action") {
			continue
		}
		if strings.EqualFold(key, "action") {
			exact = append(exact, value)
		} else {
			loose = append(loose, value)
		}
	}
	candidates := loose
	if len(exact) > 0 {
		candidates = exact
	}
	for _, value := range candidates {
		if m := actionWord.FindString(strings.ToUpper(cleanValue(value))); m != "" {
			return m
		}
	}
	return ActionHold
}

func extractPriceMovement(lines []string) string {
	start := indexOfSection(lines, SectionTechnicalAnalysis)
	if start < 0 {
		value, _ := findField(lines, "price movement")
		return value
	}

	var parts []string
	// inLevels is set while walking the bullets under a bare Support or Resistance label.
	inLevels := false
	for _, line := range lines[start+1:] {
		if _, ok := headerName(line); ok {
			break
		}
		n := normalizeLine(line)
		if n == "" || isDecorative(n) {
			continue
		}
		if inLevels && listMarker.MatchString(emphasis.Replace(strings.TrimSpace(line))) {
			continue
		}
		inLevels = false
		if key, value, ok := splitKeyValue(n); ok {
			switch {
			case matchesLabel(key, "price movement"):
				n = value
			case matchesLabel(key, "support"), matchesLabel(key, "resistance"):
				inLevels = value == ""
				continue
			}
		}
		if v := cleanValue(n); !isMissing(v) {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		value, _ := findField(lines, "price movement")
		return value
	}
	return strings.Join(parts, " ")
}

func extractIndicatorsBlock(lines []string) string {
	start := indexOfSection(lines, SectionTechnicalIndicators)
	if start < 0 {
		return ""
	}
	var kept []string
	for _, line := range lines[start+1:] {
		if name, ok := headerName(line); ok && name == SectionTradingSignal {
			break
		}
		n := normalizeLine(line)
		if n == "" || isDecorative(n) {
			continue
		}
		kept = append(kept, n)
	}
	return strings.Join(kept, "\n")
}

// extractReasoning merges the signal reasoning with the level and indicator commentary
// into one deduplicated paragraph.
func extractReasoning(lines []string) string {
	var fragments []string

	for i, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || !matchesLabel(key, "reasoning") {
			continue
		}
		if v := cleanValue(value); !isMissing(v) {
			fragments = append(fragments, v)
		}
		for _, next := range lines[i+1:] {
			if _, isHeader := headerName(next); isHeader {
				break
			}
			n := normalizeLine(next)
			if n == "" {
				continue
			}
			if _, _, kv := splitKeyValue(n); kv {
				break
			}
			fragments = append(fragments, cleanValue(n))
		}
		break
	}

	text := strings.Join(lines, "\n")
	if support := ExtractLevels(text, "support"); len(support) > 0 {
		fragments = append(fragments, "Key support at "+strings.Join(support, ", ")+".")
	}
	if resistance := ExtractLevels(text, "resistance"); len(resistance) > 0 {
		fragments = append(fragments, "Key resistance at "+strings.Join(resistance, ", ")+".")
	}

	for _, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || strings.ToLower(strings.TrimSpace(key)) != "analysis" {
			continue
		}
		if v := cleanValue(value); !isMissing(v) {
			fragments = append(fragments, v)
		}
	}

	sentences := splitSentences(strings.Join(fragments, " "))
	sentences = lo.UniqBy(sentences, strings.ToLower)
	return strings.Join(sentences, " ")
}

// findField returns the first non-placeholder value whose key contains label.
func findField(lines []string, label string) (string, int) {
	for i, line := range lines {
		key, value, ok := splitKeyValue(normalizeLine(line))
		if !ok || !matchesLabel(key, label) {
			continue
		}
		if v := cleanValue(value); !isMissing(v) {
			return v, i
		}
	}
	return "", -1
}

func collectListItems(lines []string) []string {
	var items []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(items) > 0 {
				break
			}
			continue
		}
		if !listMarker.MatchString(emphasis.Replace(trimmed)) {
			break
		}
		items = append(items, normalizeLine(trimmed))
	}
	return items
}

func splitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

func normalizeLine(line string) string {
	n := strings.TrimSpace(line)
	n = strings.TrimLeft(n, "#")
	n = emphasis.Replace(n)
	n = strings.TrimSpace(n)
	n = listMarker.ReplaceAllString(n, "")
	return strings.TrimSpace(n)
}

func splitKeyValue(line string) (string, string, bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func matchesLabel(key, label string) bool {
	return strings.Contains(strings.ToLower(key), strings.ToLower(strings.TrimSpace(label)))
}

func cleanValue(value string) string {
	v := emphasis.Replace(strings.TrimSpace(value))
	v = listMarker.ReplaceAllString(v, "")
	v = brackets.Replace(v)
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		v = v[1 : len(v)-1]
	}
	return strings.TrimSpace(v)
}

func isMissing(value string) bool {
	lower := strings.TrimRight(strings.ToLower(strings.TrimSpace(value)), ".")
	switch lower {
	case "", "undefined", "null", "n/a", "na", "none", "-":
		return true
	}
	return strings.HasPrefix(lower, "not visible")
}

// isDecorative reports lines made only of emoji, rules or punctuation.
func isDecorative(line string) bool {
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		end := r == '.' || r == '!' || r == '?'
		if end && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
