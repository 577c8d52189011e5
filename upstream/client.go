package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	gobreaker "github.com/sony/gobreaker/v2"

	"report-sync/metrics"
	"report-sync/models"
)

const (
	// DefaultTimeout bounds every outbound request
	DefaultTimeout = 30 * time.Second

	breakerName = "reports-api"
)

var (
	// ErrNotFound is returned when the reports API answers 404
	ErrNotFound = errors.New("report not found")
	// ErrCircuitOpen is returned while the circuit breaker rejects requests
	ErrCircuitOpen = errors.New("reports API circuit open")
)

// Error describes a failed reports API call
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: reports API returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// LastReportsQuery selects the most recent reports of one classification
type LastReportsQuery struct {
	N              int
	Lang           string
	FullData       bool
	Classification models.Classification
}

func (q LastReportsQuery) values() url.Values {
	v := url.Values{}
	if q.N > 0 {
		v.Set("n", strconv.Itoa(q.N))
	}
	if q.Lang != "" {
		v.Set("lang", q.Lang)
	}
	v.Set("full_data", strconv.FormatBool(q.FullData))
	if q.Classification != "" {
		v.Set("classification", string(q.Classification))
	}
	return v
}

// Client talks to the reports API
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

// NewClient creates a reports API client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		// A missing report is a valid answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).Warnf("circuit breaker %s -> %s", from, to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

// BaseURL returns the reports API base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetReportBySeq fetches one report with all of its analyses
func (c *Client) GetReportBySeq(ctx context.Context, seq int) (models.ReportWithAnalysis, error) {
	var report models.ReportWithAnalysis
	q := url.Values{}
	q.Set("seq", strconv.Itoa(seq))

	if err := c.getJSON(ctx, "by_seq", "/api/v3/reports/by-seq", q, &report); err != nil {
		return models.ReportWithAnalysis{}, err
	}
	report.NormalizeAnalyses()
	return report, nil
}

// GetLastReports fetches the most recent reports of one classification
func (c *Client) GetLastReports(ctx context.Context, query LastReportsQuery) ([]models.ReportWithAnalysis, error) {
	var batch models.ReportBatch
	if err := c.getJSON(ctx, "last", "/api/v3/reports/last", query.values(), &batch); err != nil {
		return nil, err
	}
	for i := range batch.Reports {
		batch.Reports[i].NormalizeAnalyses()
	}
	return batch.Reports, nil
}

// GetLastReportsRaw proxies /reports/last without decoding the body
func (c *Client) GetLastReportsRaw(ctx context.Context, rawQuery url.Values) ([]byte, error) {
	return c.get(ctx, "last_raw", "/api/v3/reports/last", rawQuery)
}

// GetReportsCount fetches report totals per classification
func (c *Client) GetReportsCount(ctx context.Context) (models.ReportsCount, error) {
	var counts models.ReportsCount
	if err := c.getJSON(ctx, "count", "/api/v3/reports-count", nil, &counts); err != nil {
		return models.ReportsCount{}, err
	}
	return counts, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	body, err := c.get(ctx, op, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	started := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, path, query)
	})
	metrics.UpstreamDurationSeconds.WithLabelValues(op).Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		metrics.UpstreamRequestsTotal.WithLabelValues(op, "success").Inc()
		return body, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.UpstreamRequestsTotal.WithLabelValues(op, "rejected").Inc()
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
	case errors.Is(err, ErrNotFound):
		metrics.UpstreamRequestsTotal.WithLabelValues(op, "not_found").Inc()
		return nil, err
	default:
		metrics.UpstreamRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
}

func (c *Client) do(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: ErrNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %s", truncate(string(body), 200))}
	}
	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
