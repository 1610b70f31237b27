package analysisparser

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	SectionMarketSummary       = "MARKET SUMMARY"
	SectionTechnicalAnalysis   = "TECHNICAL ANALYSIS"
	SectionTechnicalIndicators = "TECHNICAL INDICATORS"
	SectionTradingSignal       = "TRADING SIGNAL"
	SectionRiskManagement      = "RISK MANAGEMENT"
)

var knownSections = []string{
	SectionMarketSummary,
	SectionTechnicalAnalysis,
	SectionTechnicalIndicators,
	SectionTradingSignal,
	SectionRiskManagement,
}

// Template is the contract between the analysis prompt and this parser. Bump Version
// whenever the prompt changes its section layout.
type Template struct {
	Version          string
	RequiredSections []string
}

var TemplateV1 = Template{
	Version: "v1",
	RequiredSections: []string{
		SectionMarketSummary,
		SectionTechnicalAnalysis,
		SectionTradingSignal,
	},
}

var ErrTemplateMismatch = errors.New("analysis does not match the expected template")

type TemplateMismatchError struct {
	Version string
	Missing []string
}

func (e *TemplateMismatchError) Error() string {
	return fmt.Sprintf("analysis template %s: missing sections %s", e.Version, strings.Join(e.Missing, ", "))
}

func (e *TemplateMismatchError) Is(target error) bool {
	return target == ErrTemplateMismatch
}

// ValidateTemplate reports every required section header absent from text.
func ValidateTemplate(text string, tpl Template) error {
	found := make(map[string]bool)
	for _, line := range splitLines(text) {
		if name, ok := headerName(line); ok {
			found[name] = true
		}
	}

	var missing []string
	for _, section := range tpl.RequiredSections {
		if !found[section] {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		return &TemplateMismatchError{Version: tpl.Version, Missing: missing}
	}
	return nil
}

// headerName returns the canonical section name when line is a section header.
// Known sections are matched in any case, other all-caps lines of two or more words
// count as headers of unknown sections.
func headerName(line string) (string, bool) {
	n := normalizeLine(line)
	n = strings.TrimLeftFunc(n, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	n = strings.TrimSpace(strings.TrimRight(n, ":=- "))
	if n == "" || len(n) > 60 || strings.Contains(n, ":") {
		return "", false
	}

	upper := strings.ToUpper(n)
	allCaps := upper == n
	for _, section := range knownSections {
		if upper == section || (allCaps && strings.HasPrefix(upper, section)) {
			return section, true
		}
	}

	if !allCaps || !hasLetter(n) || len(strings.Fields(n)) < 2 {
		return "", false
	}
	return n, true
}

func indexOfSection(lines []string, section string) int {
	for i, line := range lines {
		if name, ok := headerName(line); ok && name == section {
			return i
		}
	}
	return -1
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
