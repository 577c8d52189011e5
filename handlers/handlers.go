package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"report-sync/cache"
	"report-sync/models"
	"report-sync/store"
	"report-sync/tabsync"
	"report-sync/upstream"
	ws "report-sync/websocket"
)

const (
	reportCacheControl = "public, s-maxage=3600, stale-while-revalidate=86400"

	serviceName = "report-sync"
)

// CountsSource serves the most recently polled report totals
type CountsSource interface {
	LatestCounts() (models.ReportsCount, bool)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	reports  *cache.Cache[models.ReportWithAnalysis]
	upstream *upstream.Client
	store    *store.Store
	hub      *ws.Hub
	counts   CountsSource
}

// NewHandlers creates a new handlers instance
func NewHandlers(reports *cache.Cache[models.ReportWithAnalysis], client *upstream.Client, st *store.Store, hub *ws.Hub, counts CountsSource) *Handlers {
	return &Handlers{
		reports:  reports,
		upstream: client,
		store:    st,
		hub:      hub,
		counts:   counts,
	}
}

// GetReportBySeq returns a specific report by sequence ID, served from the
// report cache and loaded from the reports API at most once per key
func (h *Handlers) GetReportBySeq(c *gin.Context) {
	seqStr := c.Query("seq")
	if seqStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'seq' parameter"})
		return
	}

	seq, err := strconv.Atoi(seqStr)
	if err != nil || seq <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'seq' parameter. Must be a positive integer."})
		return
	}

	report, err := h.reports.FetchOrJoin(c.Request.Context(), cache.ReportSeqKey(seq), func(ctx context.Context) (models.ReportWithAnalysis, error) {
		return h.upstream.GetReportBySeq(ctx, seq)
	})
	if err != nil {
		log.WithField("seq", seq).WithError(err).Warn("failed to get report by seq")
		writeUpstreamError(c, err)
		return
	}

	c.Header("Cache-Control", reportCacheControl)
	c.JSON(http.StatusOK, report)
}

// InvalidateCache drops cached reports by {seq} or {seqs}
func (h *Handlers) InvalidateCache(c *gin.Context) {
	var req models.InvalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	seqs, err := req.SeqList()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	removed := h.reports.InvalidateMany(cache.ReportSeqKeys(seqs))
	log.Infof("Invalidated %d of %d requested report cache entries", removed, len(seqs))

	c.JSON(http.StatusOK, models.InvalidateResponse{Success: true, Invalidated: removed})
}

// GetLastReports proxies /reports/last to the reports API unchanged
func (h *Handlers) GetLastReports(c *gin.Context) {
	body, err := h.upstream.GetLastReportsRaw(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		log.WithError(err).Warn("failed to proxy last reports")
		writeUpstreamError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// GetReportsCount returns the latest polled report totals, asking the
// reports API directly until the first poll has completed
func (h *Handlers) GetReportsCount(c *gin.Context) {
	if h.counts != nil {
		if counts, ok := h.counts.LatestCounts(); ok {
			c.JSON(http.StatusOK, counts)
			return
		}
	}

	counts, err := h.upstream.GetReportsCount(c.Request.Context())
	if err != nil {
		log.WithError(err).Warn("failed to get reports count")
		writeUpstreamError(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

// GetDashboardReports returns the view of the tab selected by ?tab=
func (h *Handlers) GetDashboardReports(c *gin.Context) {
	active := tabsync.Derive(c.Query(tabsync.QueryParam))
	view, err := h.store.View(active, ws.FilterFromQuery(c.Request.URL.Query()))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetDashboardAllReports returns both classifications merged by seq
func (h *Handlers) GetDashboardAllReports(c *gin.Context) {
	reports := h.store.Combined(ws.FilterFromQuery(c.Request.URL.Query()))
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"count":   len(reports),
	})
}

// GetDashboardState returns the load state of every collection
func (h *Handlers) GetDashboardState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collections": h.store.States()})
}

// RefreshDashboard refetches one collection (?tab=) or both
func (h *Handlers) RefreshDashboard(c *gin.Context) {
	var err error
	if raw := c.Query(tabsync.QueryParam); raw != "" {
		classification, ok := models.ParseClassification(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'tab' parameter. Must be 'physical' or 'digital'."})
			return
		}
		err = h.store.Fetch(c.Request.Context(), classification)
	} else {
		err = h.store.FetchAll(c.Request.Context())
	}

	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":       err.Error(),
			"collections": h.store.States(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": h.store.States()})
}

// ListenDashboard upgrades to a websocket that follows the selected tab
func (h *Handlers) ListenDashboard(c *gin.Context) {
	if err := h.hub.ServeWS(c.Writer, c.Request); err != nil {
		log.WithError(err).Warn("failed to serve dashboard websocket")
	}
}

// GetCacheStats returns the report cache counters
func (h *Handlers) GetCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.reports.Stats())
}

// HealthCheck returns the service health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:           "healthy",
		Service:          serviceName,
		Timestamp:        time.Now().UTC().Format(time.RFC3339),
		ConnectedClients: h.hub.ConnectedClients(),
		CachedReports:    h.reports.Len(),
	})
}

func writeUpstreamError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
	case errors.Is(err, upstream.ErrCircuitOpen):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Reports API temporarily unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Reports API did not respond in time"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to retrieve data from reports API"})
	}
}
