package dashboard

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"spreadmatrix/internal/cache"
	"spreadmatrix/internal/metrics"
	"spreadmatrix/internal/spread"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

const (
	statusOK          = "ok"
	statusEmpty       = "empty"
	statusUnavailable = "unavailable"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type matrixPayload struct {
	RowSide   models.Side      `json:"row_side"`
	ColSide   models.Side      `json:"col_side"`
	Title     string           `json:"title"`
	Exchanges []string         `json:"exchanges"`
	Values    [][]models.Price `json:"values"`
	Tones     [][]spread.Tone  `json:"tones"`
}

type snapshotPayload struct {
	Status    string                  `json:"status"`
	Message   string                  `json:"message,omitempty"`
	Asset     string                  `json:"asset"`
	Start     string                  `json:"start,omitempty"`
	End       string                  `json:"end,omitempty"`
	Exchanges []string                `json:"exchanges"`
	Prices    map[string]models.Price `json:"prices"`
	Matrices  []matrixPayload         `json:"matrices"`
}

type seriesPayload struct {
	Status  string               `json:"status"`
	Message string               `json:"message,omitempty"`
	Chart   *spread.TrendConfig  `json:"chart,omitempty"`
	Series  *models.SpreadSeries `json:"series,omitempty"`
	Missing []string             `json:"missing,omitempty"`
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

// resolveAsset matches the requested asset case-insensitively against the
// table, falling back to the configured default and then the first asset.
func (s *Server) resolveAsset(obs []models.Observation, requested string) string {
	assets := spread.Assets(obs)
	requested = strings.TrimSpace(requested)
	if requested == "" {
		requested = s.display.DefaultAsset
	}
	for _, a := range assets {
		if strings.EqualFold(a, requested) {
			return a
		}
	}
	if requested == "" && len(assets) > 0 {
		return assets[0]
	}
	return requested
}

func (s *Server) handleAssets(c *gin.Context) {
	obs := s.table.Observations()
	c.JSON(http.StatusOK, gin.H{
		"assets":       spread.Assets(obs),
		"default":      s.resolveAsset(obs, ""),
		"refreshed_at": formatTime(s.table.RefreshedAt(), s.table.Location()),
	})
}

func (s *Server) handleExchanges(c *gin.Context) {
	obs := s.table.Observations()
	asset := s.resolveAsset(obs, c.Query("asset"))
	c.JSON(http.StatusOK, gin.H{
		"asset":      asset,
		"exchanges":  spread.ExchangesFor(obs, asset),
		"directions": models.Directions,
	})
}

var clockLayouts = []string{"15:04:05", "15:04"}

// parseInstant reads date (YYYY-MM-DD) and clock (HH:MM[:SS]) in loc.
func parseInstant(date, clock string, loc *time.Location) (time.Time, error) {
	for _, layout := range clockLayouts {
		if t, err := time.ParseInLocation("2006-01-02 "+layout, date+" "+clock, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date/time %q %q", date, clock)
}

func (s *Server) handleMatrix(c *gin.Context) {
	obs := s.table.Observations()
	loc := s.table.Location()
	asset := s.resolveAsset(obs, c.Query("asset"))

	date, clock := strings.TrimSpace(c.Query("date")), strings.TrimSpace(c.Query("time"))
	var at time.Time
	switch {
	case date == "" && clock == "":
		latest, ok := spread.LatestTimestamp(obs, asset)
		if !ok {
			s.respondSnapshot(c, asset, spread.Snapshot{}, spread.ErrEmptyInput, 0)
			return
		}
		at = latest
	case date == "" || clock == "":
		s.badRequest(c, "date and time must be given together")
		return
	default:
		parsed, err := parseInstant(date, clock, loc)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		at = parsed
	}

	started := time.Now()
	snap, err := spread.BuildSnapshot(obs, spread.SnapshotQuery{Asset: asset, At: at, Window: s.display.SnapshotWindow})
	s.respondSnapshot(c, asset, snap, err, time.Since(started))
}

func (s *Server) respondSnapshot(c *gin.Context, asset string, snap spread.Snapshot, err error, elapsed time.Duration) {
	metrics.ObserveBuild(metrics.KindMatrix, asset, err, elapsed, len(snap.Exchanges)*len(snap.Exchanges))
	if err != nil {
		if errors.Is(err, spread.ErrEmptyInput) {
			s.log.WithComponent("dashboard").WithFields(logger.Fields{"asset": asset}).Debug("matrix selection empty")
			c.JSON(http.StatusOK, snapshotPayload{Status: statusEmpty, Message: err.Error(), Asset: asset})
			return
		}
		c.JSON(http.StatusInternalServerError, apiError{Code: "internal_server_error", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, buildSnapshotPayload(snap, s.table.Location()))
}

func matrixTitle(m models.SpreadMatrix) string {
	return string(m.RowSide) + " vs " + string(m.ColSide)
}

func buildSnapshotPayload(snap spread.Snapshot, loc *time.Location) snapshotPayload {
	prices := make(map[string]models.Price, len(snap.Prices))
	for k, p := range snap.Prices {
		prices[k.String()] = p
	}
	out := snapshotPayload{
		Status:    statusOK,
		Asset:     snap.Asset,
		Start:     formatTime(snap.Start, loc),
		End:       formatTime(snap.End, loc),
		Exchanges: snap.Exchanges,
		Prices:    prices,
		Matrices:  make([]matrixPayload, 0, len(snap.Matrices)),
	}
	for _, m := range snap.Matrices {
		out.Matrices = append(out.Matrices, matrixPayload{
			RowSide:   m.RowSide,
			ColSide:   m.ColSide,
			Title:     matrixTitle(m),
			Exchanges: m.Exchanges,
			Values:    m.Values,
			Tones:     spread.Tones(m),
		})
	}
	return out
}

var rangeLayouts = []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04", "2006-01-02T15:04"}

// parseBound reads a trend bound. RFC 3339 values carry their own zone;
// other forms are read in loc. A bare date is the start of that day for the
// lower bound and its last instant for the upper bound.
func parseBound(v string, loc *time.Location, upper bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	for _, layout := range rangeLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", v, loc); err == nil {
		if upper {
			return t.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", v)
}

type trendRange struct {
	start, end time.Time
	bucket     time.Duration
}

// parseRange reads start, end and bucket. Missing bounds cover the whole
// cached table for the asset.
func (s *Server) parseRange(c *gin.Context, obs []models.Observation, asset string) (trendRange, error) {
	loc := s.table.Location()
	r := trendRange{bucket: s.display.TrendBucket}

	if v := strings.TrimSpace(c.Query("start")); v != "" {
		t, err := parseBound(v, loc, false)
		if err != nil {
			return r, err
		}
		r.start = t
	}
	if v := strings.TrimSpace(c.Query("end")); v != "" {
		t, err := parseBound(v, loc, true)
		if err != nil {
			return r, err
		}
		r.end = t
	} else if latest, ok := spread.LatestTimestamp(obs, asset); ok {
		r.end = latest
	}
	if v := strings.TrimSpace(c.Query("bucket")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return r, fmt.Errorf("invalid bucket %q", v)
		}
		r.bucket = d
	}
	if !r.start.IsZero() && !r.end.IsZero() && r.end.Before(r.start) {
		return r, fmt.Errorf("end is before start")
	}
	return r, nil
}

func (s *Server) handleTrend(c *gin.Context) {
	obs := s.table.Observations()
	asset := s.resolveAsset(obs, c.Query("asset"))

	a, b := strings.TrimSpace(c.Query("a")), strings.TrimSpace(c.Query("b"))
	if a == "" || b == "" {
		s.badRequest(c, "query parameters a and b are required")
		return
	}
	dir, ok := models.ParseDirection(c.DefaultQuery("direction", string(models.AskToBid)))
	if !ok {
		s.badRequest(c, spread.ErrInvalidDirection.Error())
		return
	}
	r, err := s.parseRange(c, obs, asset)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	started := time.Now()
	series, err := spread.BuildSeries(obs, spread.TrendQuery{
		Asset:     asset,
		ExchangeA: a,
		ExchangeB: b,
		Direction: dir,
		Start:     r.start,
		End:       r.end,
		Bucket:    r.bucket,
	})
	metrics.ObserveBuild(metrics.KindTrend, asset, err, time.Since(started), len(series.Points))
	c.JSON(http.StatusOK, seriesResult(nil, series, err))
}

// seriesResult maps a build outcome to its payload. Selection errors are
// reported through status, not through the HTTP code.
func seriesResult(chart *spread.TrendConfig, series models.SpreadSeries, err error) seriesPayload {
	if err == nil {
		return seriesPayload{Status: statusOK, Chart: chart, Series: &series}
	}
	out := seriesPayload{Status: statusEmpty, Message: err.Error(), Chart: chart}
	var unavailable *spread.UnavailableSidePairError
	if errors.As(err, &unavailable) {
		out.Status = statusUnavailable
		for _, k := range unavailable.Missing {
			out.Missing = append(out.Missing, k.String())
		}
	}
	return out
}

func (s *Server) handleListCharts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"charts": s.charts.list()})
}

func (s *Server) handleAddChart(c *gin.Context) {
	var req chartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err.Error())
		return
	}
	chart, err := s.charts.add(req)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"chart_id":  chart.ID,
		"direction": string(chart.Direction),
	}).Info("trend chart added")
	c.JSON(http.StatusCreated, chart)
}

func (s *Server) handleDeleteChart(c *gin.Context) {
	if err := s.charts.remove(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleChartSeries(c *gin.Context) {
	obs := s.table.Observations()
	asset := s.resolveAsset(obs, c.Query("asset"))
	r, err := s.parseRange(c, obs, asset)
	if err != nil {
		s.badRequest(c, err.Error())
		return
	}

	started := time.Now()
	results := spread.BuildSeriesSet(obs, asset, r.start, r.end, r.bucket, s.charts.list())
	elapsed := time.Since(started)

	payload := make([]seriesPayload, 0, len(results))
	for i := range results {
		res := results[i]
		metrics.ObserveBuild(metrics.KindTrend, asset, res.Err, elapsed/time.Duration(len(results)), len(res.Series.Points))
		payload = append(payload, seriesResult(&res.Config, res.Series, res.Err))
	}
	c.JSON(http.StatusOK, gin.H{"asset": asset, "results": payload})
}

func (s *Server) handleRefresh(c *gin.Context) {
	err := s.table.Refresh(c.Request.Context())
	switch {
	case errors.Is(err, cache.ErrThrottled):
		c.JSON(http.StatusTooManyRequests, apiError{Code: "throttled", Message: err.Error()})
	case err != nil:
		s.log.WithComponent("dashboard").WithError(err).Warn("explicit refresh failed")
		c.JSON(http.StatusBadGateway, apiError{Code: "refresh_failed", Message: err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"observations": len(s.table.Observations()),
			"refreshed_at": formatTime(s.table.RefreshedAt(), s.table.Location()),
		})
	}
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(time.RFC3339Nano)
}
