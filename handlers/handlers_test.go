package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-sync/cache"
	"report-sync/middleware"
	"report-sync/models"
	"report-sync/store"
	"report-sync/upstream"
	ws "report-sync/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeUpstream struct {
	server   *httptest.Server
	bySeq    int32
	last     int32
	counts   int32
	status   int
	physical string
	digital  string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{status: http.StatusOK}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/reports/by-seq":
			atomic.AddInt32(&f.bySeq, 1)
			if f.status != http.StatusOK {
				w.WriteHeader(f.status)
				return
			}
			seq := r.URL.Query().Get("seq")
			w.Write([]byte(`{"report":{"seq":` + seq + `},"analysis":[{"language":"en","title":"Overflowing bin"}]}`))
		case "/api/v3/reports/last":
			atomic.AddInt32(&f.last, 1)
			if r.URL.Query().Get("classification") == "digital" {
				w.Write([]byte(f.digital))
				return
			}
			w.Write([]byte(f.physical))
		case "/api/v3/reports-count":
			atomic.AddInt32(&f.counts, 1)
			w.Write([]byte(`{"total_reports":3,"total_physical_reports":2,"total_digital_reports":1}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	f.physical = `{"reports":[{"report":{"seq":2},"analysis":[{"language":"en","severity_level":0.9}]},{"report":{"seq":1},"analysis":[{"language":"en","severity_level":0.1}]}]}`
	f.digital = `{"reports":[{"report":{"seq":3},"analysis":[{"language":"en","brand_name":"acme"}]}]}`
	t.Cleanup(f.server.Close)
	return f
}

type fixedCounts struct {
	counts models.ReportsCount
	ok     bool
}

func (f fixedCounts) LatestCounts() (models.ReportsCount, bool) {
	return f.counts, f.ok
}

type fixture struct {
	upstream *fakeUpstream
	store    *store.Store
	cache    *cache.Cache[models.ReportWithAnalysis]
	router   *gin.Engine
}

func newFixture(t *testing.T, counts CountsSource) *fixture {
	t.Helper()
	up := newFakeUpstream(t)
	client := upstream.NewClient(up.server.URL, time.Second)
	st := store.New(client, store.Options{Limit: 10, Language: "en"})
	reports := cache.New[models.ReportWithAnalysis]("reports-test", 10, time.Minute)
	h := NewHandlers(reports, client, st, ws.NewHub(st), counts)

	router := gin.New()
	router.Use(middleware.CORS())
	api := router.Group("/api/v3")
	api.GET("/reports/by-seq", h.GetReportBySeq)
	api.POST("/reports/invalidate-cache", h.InvalidateCache)
	api.GET("/reports/last", h.GetLastReports)
	api.GET("/reports-count", h.GetReportsCount)
	api.GET("/dashboard/reports", h.GetDashboardReports)
	api.GET("/dashboard/reports/all", h.GetDashboardAllReports)
	api.GET("/dashboard/state", h.GetDashboardState)
	api.POST("/dashboard/refresh", h.RefreshDashboard)
	api.GET("/cache/stats", h.GetCacheStats)
	router.GET("/health", h.HealthCheck)

	return &fixture{upstream: up, store: st, cache: reports, router: router}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestGetReportBySeqIsCached(t *testing.T) {
	f := newFixture(t, nil)

	first := f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=42", "")
	second := f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=42", "")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.upstream.bySeq))
	assert.Equal(t, "public, s-maxage=3600, stale-while-revalidate=86400", first.Header().Get("Cache-Control"))
	assert.Equal(t, "*", first.Header().Get("Access-Control-Allow-Origin"))

	var report models.ReportWithAnalysis
	decode(t, second, &report)
	assert.Equal(t, 42, report.Report.Seq)
	assert.Equal(t, "Overflowing bin", report.Analysis[0].Title)
}

func TestGetReportBySeqRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	for _, target := range []string{
		"/api/v3/reports/by-seq",
		"/api/v3/reports/by-seq?seq=abc",
		"/api/v3/reports/by-seq?seq=0",
		"/api/v3/reports/by-seq?seq=-4",
	} {
		w := f.do(http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.upstream.bySeq), "validation happens before any upstream call")
}

func TestGetReportBySeqNotFoundIsNotCached(t *testing.T) {
	f := newFixture(t, nil)
	f.upstream.status = http.StatusNotFound

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=9", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=9", "").Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.upstream.bySeq))
	assert.Equal(t, 0, f.cache.Len())
}

func TestGetReportBySeqUpstreamFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.upstream.status = http.StatusInternalServerError

	w := f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=9", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Empty(t, w.Header().Get("Cache-Control"))
}

func TestInvalidateCacheSingleSeq(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=5", "").Code)

	var resp models.InvalidateResponse
	w := f.do(http.MethodPost, "/api/v3/reports/invalidate-cache", `{"seq":5}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, models.InvalidateResponse{Success: true, Invalidated: 1}, resp)

	w = f.do(http.MethodPost, "/api/v3/reports/invalidate-cache", `{"seq":5}`)
	decode(t, w, &resp)
	assert.Equal(t, models.InvalidateResponse{Success: true, Invalidated: 0}, resp)

	f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=5", "")
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.upstream.bySeq), "invalidated key is refetched")
}

func TestInvalidateCacheManySeqs(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=1", "")
	f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=2", "")

	var resp models.InvalidateResponse
	w := f.do(http.MethodPost, "/api/v3/reports/invalidate-cache", `{"seqs":[1,2,77]}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, 2, resp.Invalidated)

	w = f.do(http.MethodPost, "/api/v3/reports/invalidate-cache", `{"seqs":[]}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, 0, resp.Invalidated)
}

func TestInvalidateCacheRejectsAmbiguousInput(t *testing.T) {
	f := newFixture(t, nil)

	for _, body := range []string{`{}`, `{"seq":1,"seqs":[2]}`, `{"seq":"one"}`, `{"seqs":[0]}`, `not json`} {
		w := f.do(http.MethodPost, "/api/v3/reports/invalidate-cache", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestGetLastReportsProxiesQuery(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodGet, "/api/v3/reports/last?n=5&classification=digital", "")
	require.Equal(t, http.StatusOK, w.Code)

	var batch models.ReportBatch
	decode(t, w, &batch)
	require.Len(t, batch.Reports, 1)
	assert.Equal(t, 3, batch.Reports[0].Report.Seq)
}

func TestGetReportsCountPrefersPolledCounts(t *testing.T) {
	polled := models.ReportsCount{TotalReports: 10, TotalPhysicalReports: 6, TotalDigitalReports: 4}
	f := newFixture(t, fixedCounts{counts: polled, ok: true})

	var counts models.ReportsCount
	decode(t, f.do(http.MethodGet, "/api/v3/reports-count", ""), &counts)
	assert.Equal(t, polled, counts)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.upstream.counts))
}

func TestGetReportsCountFallsBackToUpstream(t *testing.T) {
	f := newFixture(t, fixedCounts{})

	var counts models.ReportsCount
	decode(t, f.do(http.MethodGet, "/api/v3/reports-count", ""), &counts)
	assert.Equal(t, 3, counts.TotalReports)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.upstream.counts))
}

func TestDashboardReportsFollowTab(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/v3/dashboard/refresh", "").Code)

	var view store.View
	decode(t, f.do(http.MethodGet, "/api/v3/dashboard/reports?tab=digital", ""), &view)
	assert.Equal(t, models.ClassificationDigital, view.Active)
	require.Len(t, view.Reports, 1)
	assert.Equal(t, 3, view.Reports[0].Report.Seq)

	decode(t, f.do(http.MethodGet, "/api/v3/dashboard/reports?tab=bogus", ""), &view)
	assert.Equal(t, models.ClassificationPhysical, view.Active)
	assert.Equal(t, 2, view.Count)

	decode(t, f.do(http.MethodGet, "/api/v3/dashboard/reports?min_severity=0.5", ""), &view)
	assert.Equal(t, 1, view.Count)
	assert.Equal(t, 2, view.Total)
}

func TestDashboardAllReportsOrdersBySeq(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodPost, "/api/v3/dashboard/refresh", "")

	var resp struct {
		Reports []models.ReportWithAnalysis `json:"reports"`
		Count   int                         `json:"count"`
	}
	decode(t, f.do(http.MethodGet, "/api/v3/dashboard/reports/all", ""), &resp)
	require.Equal(t, 3, resp.Count)
	assert.Equal(t, 3, resp.Reports[0].Report.Seq)
	assert.Equal(t, 1, resp.Reports[2].Report.Seq)
}

func TestRefreshSingleTab(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(http.MethodPost, "/api/v3/dashboard/refresh?tab=digital", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.upstream.last))

	physical, err := f.store.State(models.ClassificationPhysical)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, physical.Status)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v3/dashboard/refresh?tab=bogus", "").Code)
}

func TestRefreshFailureKeepsStateVisible(t *testing.T) {
	f := newFixture(t, nil)
	f.upstream.physical = `{"reports":`

	w := f.do(http.MethodPost, "/api/v3/dashboard/refresh", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `"status":"errored"`))
	assert.True(t, strings.Contains(w.Body.String(), `"status":"loaded"`))
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, nil)
	f.do(http.MethodGet, "/api/v3/reports/by-seq?seq=1", "")

	var health models.HealthResponse
	decode(t, f.do(http.MethodGet, "/health", ""), &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "report-sync", health.Service)
	assert.Equal(t, 1, health.CachedReports)

	var stats cache.Stats
	decode(t, f.do(http.MethodGet, "/api/v3/cache/stats", ""), &stats)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, uint64(1), stats.Loads)
}
