package services

import (
	"fmt"
	"io"
	"strings"

	"tradesight_go_backend/internal/models"
	"tradesight_go_backend/internal/utils/analysisparser"

	"github.com/jung-kurt/gofpdf"
)

// RenderAnalysisReport writes a saved analysis as an A4 PDF. The parsed fields are
// rebuilt from the stored raw output so reports follow parser improvements.
func RenderAnalysisReport(w io.Writer, entry *models.AnalysisHistory) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("TradeSight analysis "+entry.ID.String(), true)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, tr(reportTitle(entry)))
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, tr(fmt.Sprintf("Model %s, created %s", entry.Model, entry.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))))
	pdf.Ln(10)

	raws := SplitRawAnalyses(entry.RawAnalysis)
	charts := entry.Charts()
	if entry.Correlative && len(raws) > 1 {
		metas := make([]ChartMeta, len(charts))
		for i, path := range charts {
			metas[i] = ChartMeta{Path: path}
		}
		correlative := AnalyzeCorrelation(raws, metas)
		reportHeading(pdf, tr, "Multi-timeframe view")
		reportField(pdf, tr, "Trend alignment", correlative.TrendAlignment)
		reportField(pdf, tr, "Signal", fmt.Sprintf("%s (%d%% confidence)", correlative.Signals.Primary, correlative.Signals.Confidence))
		reportField(pdf, tr, "Confirmation", correlative.Signals.Confirmation)
		reportField(pdf, tr, "Entry", correlative.Signals.EntryPrice)
		reportField(pdf, tr, "Take profit", correlative.Signals.TakeProfit)
		reportParagraph(pdf, tr, correlative.Summary)
		reportParagraph(pdf, tr, correlative.Recommendation)
	}

	for i, raw := range raws {
		parsed := analysisparser.ParseAnalysis(raw)
		heading := "Chart analysis"
		if len(raws) > 1 {
			heading = fmt.Sprintf("Chart %d of %d", i+1, len(raws))
		}
		reportHeading(pdf, tr, heading)
		reportField(pdf, tr, "Symbol", orNA(parsed.Symbol))
		reportField(pdf, tr, "Timeframe", orNA(parsed.Timeframe))
		reportField(pdf, tr, "Trend", orNA(parsed.Trend))
		reportField(pdf, tr, "Action", fmt.Sprintf("%s (%d%% confidence)", parsed.Signal, parsed.Confidence))
		reportField(pdf, tr, "Entry / Stop / Target", fmt.Sprintf("%s / %s / %s", orNA(parsed.EntryPrice), orNA(parsed.StopLoss), orNA(parsed.TakeProfit)))
		reportField(pdf, tr, "Support", orNA(strings.Join(parsed.Support, ", ")))
		reportField(pdf, tr, "Resistance", orNA(strings.Join(parsed.Resistance, ", ")))
		if parsed.RSI != nil {
			reportField(pdf, tr, "RSI", indicatorLine(parsed.RSI))
		}
		if parsed.MACD != nil {
			reportField(pdf, tr, "MACD", indicatorLine(parsed.MACD))
		}
		reportParagraph(pdf, tr, parsed.PriceMovement)
		reportParagraph(pdf, tr, parsed.Reasoning)
	}

	pdf.SetFont("Arial", "I", 8)
	pdf.MultiCell(0, 4, tr("Generated by a language model from chart images. Not financial advice."), "", "L", false)
	return pdf.Output(w)
}

func reportTitle(entry *models.AnalysisHistory) string {
	parts := []string{"Analysis"}
	if entry.Symbol != "" {
		parts = append(parts, entry.Symbol)
	}
	if entry.Timeframe != "" {
		parts = append(parts, entry.Timeframe)
	}
	return strings.Join(parts, " ")
}

func reportHeading(pdf *gofpdf.Fpdf, tr func(string) string, text string) {
	pdf.SetFont("Arial", "B", 13)
	pdf.Cell(0, 8, tr(text))
	pdf.Ln(9)
}

func reportField(pdf *gofpdf.Fpdf, tr func(string) string, label, value string) {
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(45, 6, tr(label), "", 0, "L", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(0, 6, tr(value), "", "L", false)
}

func reportParagraph(pdf *gofpdf.Fpdf, tr func(string) string, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	pdf.Ln(2)
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(0, 5, tr(text), "", "L", false)
	pdf.Ln(3)
}

func indicatorLine(r *analysisparser.IndicatorReading) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Value, r.Signal, r.Analysis} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return orNA(strings.Join(parts, ", "))
}

func orNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return analysisparser.NotAvailable
	}
	return value
}
