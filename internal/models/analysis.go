package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AnalysisHistory keeps the raw vendor output and the chart objects it was produced from.
// Parsed structures are rebuilt from RawAnalysis on demand.
type AnalysisHistory struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	UserID      uuid.UUID      `gorm:"type:uuid;index" json:"userId"`
	Model       string         `json:"model"`
	Symbol      string         `json:"symbol"`
	Timeframe   string         `json:"timeframe"`
	Action      string         `json:"action"`
	Confidence  int            `json:"confidence"`
	RawAnalysis string         `gorm:"type:text" json:"rawAnalysis"`
	ChartPaths  datatypes.JSON `json:"chartPaths"`
	Correlative bool           `json:"correlative"`
	Summary     string         `gorm:"type:text" json:"summary,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"createdAt"`
}

func (h *AnalysisHistory) SetChartPaths(paths []string) error {
	raw, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	h.ChartPaths = datatypes.JSON(raw)
	return nil
}

func (h *AnalysisHistory) Charts() []string {
	var paths []string
	if len(h.ChartPaths) == 0 {
		return paths
	}
	_ = json.Unmarshal(h.ChartPaths, &paths)
	return paths
}
