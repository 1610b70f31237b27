package api

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	apperrors "tradesight_go_backend/internal/errors"
	"tradesight_go_backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	maxAnalysisBody   = services.MaxChartsPerAnalysis*services.MaxChartBytes + 1<<20
	defaultHistoryLen = 20
)

// analyzeChartsHandler reads a multipart form: model, optional notes, one or more "charts"
// files and optional "timeframes"/"symbols" values aligned with the files.
func analyzeChartsHandler(analysis AnalysisAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxAnalysisBody)
		form, err := c.MultipartForm()
		if err != nil {
			apperrors.HandleError(c, apperrors.New400Error("invalid multipart form"))
			return
		}

		model := strings.TrimSpace(c.PostForm("model"))
		if model == "" {
			apperrors.HandleError(c, apperrors.New400Error("model is required"))
			return
		}

		files := form.File["charts"]
		timeframes := form.Value["timeframes"]
		symbols := form.Value["symbols"]
		charts := make([]services.ChartUpload, 0, len(files))
		for i, fh := range files {
			content, err := readFormFile(fh)
			if err != nil {
				apperrors.HandleError(c, apperrors.New400Error(err.Error()))
				return
			}
			charts = append(charts, services.ChartUpload{
				Content:     content,
				ContentType: http.DetectContentType(content),
				Timeframe:   formValueAt(timeframes, i),
				Symbol:      formValueAt(symbols, i),
			})
		}

		result, err := analysis.AnalyzeCharts(c.Request.Context(), user.ID, services.AnalysisRequest{
			Model:  model,
			Charts: charts,
			Notes:  c.PostForm("notes"),
		})
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Warn().Err(err).Str("model", model).Int("charts", len(charts)).Msg("Chart analysis failed")
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func formValueAt(values []string, i int) string {
	if i < len(values) {
		return strings.TrimSpace(values[i])
	}
	return ""
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > services.MaxChartBytes {
		return nil, fmt.Errorf("%s exceeds %d bytes", fh.Filename, services.MaxChartBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot read %s", fh.Filename)
	}
	defer f.Close()
	content, err := io.ReadAll(io.LimitReader(f, services.MaxChartBytes+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read %s", fh.Filename)
	}
	return content, nil
}

func listHistoryHandler(analysis AnalysisAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultHistoryLen)))
		if err != nil || limit <= 0 {
			apperrors.HandleError(c, apperrors.New400Error("limit must be a positive integer"))
			return
		}
		entries, err := analysis.ListHistory(c.Request.Context(), user.ID, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": entries})
	}
}

func getHistoryHandler(analysis AnalysisAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		entry, err := analysis.GetHistory(c.Request.Context(), user.ID, id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func historyReportHandler(analysis AnalysisAPI) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		id, ok := pathUUID(c, "id")
		if !ok {
			return
		}
		entry, err := analysis.GetHistory(c.Request.Context(), user.ID, id)
		if err != nil {
			respondError(c, err)
			return
		}

		var buf bytes.Buffer
		if err := services.RenderAnalysisReport(&buf, entry); err != nil {
			apperrors.HandleError(c, apperrors.LogAndReturn500(err))
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="analysis-%s.pdf"`, entry.ID))
		c.Data(http.StatusOK, "application/pdf", buf.Bytes())
	}
}

func chartPath(c *gin.Context, userID string) (string, bool) {
	name := c.Param("name")
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		apperrors.HandleError(c, apperrors.New400Error("invalid chart name"))
		return "", false
	}
	return "users/" + userID + "/charts/" + name, true
}

func listChartsHandler(charts services.ChartStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		paths, err := charts.ListCharts(c.Request.Context(), user.ID.String())
		if err != nil {
			respondError(c, err)
			return
		}
		if paths == nil {
			paths = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"charts": paths})
	}
}

func getChartHandler(charts services.ChartStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		path, ok := chartPath(c, user.ID.String())
		if !ok {
			return
		}
		content, err := charts.DownloadChart(c.Request.Context(), path)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, http.DetectContentType(content), content)
	}
}

func deleteChartHandler(charts services.ChartStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		path, ok := chartPath(c, user.ID.String())
		if !ok {
			return
		}
		if err := charts.DeleteChart(c.Request.Context(), path); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func generateEAHandler(ea EAGenerator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			return
		}
		var request struct {
			Model       string  `json:"model" binding:"required"`
			Strategy    string  `json:"strategy"`
			Symbol      string  `json:"symbol"`
			Timeframe   string  `json:"timeframe"`
			RiskPercent float64 `json:"riskPercent"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		result, err := ea.Generate(c.Request.Context(), user.ID, services.EARequest{
			Model:       request.Model,
			Strategy:    request.Strategy,
			Symbol:      request.Symbol,
			Timeframe:   request.Timeframe,
			RiskPercent: request.RiskPercent,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
