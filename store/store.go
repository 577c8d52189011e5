// Package store keeps the physical and digital report collections shown by
// the dashboard. The two collections load, fail and update independently.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"

	"report-sync/metrics"
	"report-sync/models"
	"report-sync/upstream"
)

// DefaultLimit is how many reports a full fetch asks for
const DefaultLimit = 1000

// ErrUnknownClassification is returned for classifications the store does not hold
var ErrUnknownClassification = errors.New("unknown classification")

// Status is the load state of one collection
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusLoaded  Status = "loaded"
	StatusErrored Status = "errored"
)

// Fetcher loads the latest reports of one classification
type Fetcher interface {
	GetLastReports(ctx context.Context, query upstream.LastReportsQuery) ([]models.ReportWithAnalysis, error)
}

// Options tunes the fetch parameters
type Options struct {
	Limit    int
	Language string
}

// CollectionState is a snapshot of one collection
type CollectionState struct {
	Classification models.Classification       `json:"classification"`
	Status         Status                      `json:"status"`
	Loading        bool                        `json:"loading"`
	Error          string                      `json:"error,omitempty"`
	Count          int                         `json:"count"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	Reports        []models.ReportWithAnalysis `json:"-"`
}

type collection struct {
	reports []models.ReportWithAnalysis
	// reports appended while a fetch is in flight, newest first
	live      []models.ReportWithAnalysis
	status    Status
	err       error
	gen       uint64
	updatedAt time.Time
}

// Store holds one collection per classification
type Store struct {
	fetcher Fetcher
	opts    Options

	mu          sync.RWMutex
	collections map[models.Classification]*collection

	subMu       sync.RWMutex
	subscribers []func(models.Classification)
}

// New creates a store with empty, idle collections
func New(fetcher Fetcher, opts Options) *Store {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	s := &Store{
		fetcher:     fetcher,
		opts:        opts,
		collections: make(map[models.Classification]*collection, len(models.Classifications)),
	}
	for _, c := range models.Classifications {
		s.collections[c] = &collection{status: StatusIdle}
	}
	return s
}

// Subscribe registers fn to be called after a collection changes
func (s *Store) Subscribe(fn func(models.Classification)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notify(c models.Classification) {
	s.subMu.RLock()
	subs := s.subscribers
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// FetchAll refreshes both collections concurrently and waits for both.
// The returned error joins the failures of either side.
func (s *Store) FetchAll(ctx context.Context) error {
	errs := make([]error, len(models.Classifications))
	var wg sync.WaitGroup
	for i, c := range models.Classifications {
		wg.Add(1)
		go func(i int, c models.Classification) {
			defer wg.Done()
			errs[i] = s.Fetch(ctx, c)
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Fetch replaces the collection of c with a fresh upstream result, deduped by
// seq. Reports appended while the fetch was in flight are merged ahead of it.
// On failure the previous reports are kept and only the error is recorded. A
// result that was overtaken by a newer Fetch of the same collection is
// discarded.
func (s *Store) Fetch(ctx context.Context, c models.Classification) error {
	s.mu.Lock()
	col, ok := s.collections[c]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownClassification, c)
	}
	col.gen++
	gen := col.gen
	col.live = nil
	col.status = StatusLoading
	s.mu.Unlock()
	s.notify(c)

	reports, err := s.fetcher.GetLastReports(ctx, s.query(c))

	s.mu.Lock()
	if col.gen != gen {
		s.mu.Unlock()
		log.WithField("classification", c).Debug("discarding superseded fetch result")
		return nil
	}
	if err != nil {
		col.err = err
		col.status = StatusErrored
	} else {
		col.reports = MergeReports(MergeReports(nil, reports), col.live)
		col.err = nil
		col.status = StatusLoaded
		col.updatedAt = time.Now()
	}
	col.live = nil
	count := len(col.reports)
	s.mu.Unlock()

	metrics.StoreReports.WithLabelValues(string(c)).Set(float64(count))
	s.notify(c)

	if err != nil {
		metrics.StoreFetchesTotal.WithLabelValues(string(c), "error").Inc()
		log.WithField("classification", c).WithError(err).Warn("failed to fetch reports, keeping last known good")
		return fmt.Errorf("fetch %s reports: %w", c, err)
	}
	metrics.StoreFetchesTotal.WithLabelValues(string(c), "success").Inc()
	log.WithField("classification", c).Infof("loaded %d reports", count)
	return nil
}

func (s *Store) query(c models.Classification) upstream.LastReportsQuery {
	return upstream.LastReportsQuery{
		N:              s.opts.Limit,
		Lang:           s.opts.Language,
		FullData:       c == models.ClassificationDigital,
		Classification: c,
	}
}

// AppendPhysical merges live physical reports into the physical collection
func (s *Store) AppendPhysical(reports []models.ReportWithAnalysis) {
	s.Append(models.ClassificationPhysical, reports)
}

// AppendDigital merges live digital reports into the digital collection
func (s *Store) AppendDigital(reports []models.ReportWithAnalysis) {
	s.Append(models.ClassificationDigital, reports)
}

// Append merges reports into the collection of c, newest first
func (s *Store) Append(c models.Classification, reports []models.ReportWithAnalysis) {
	if len(reports) == 0 {
		return
	}

	s.mu.Lock()
	col, ok := s.collections[c]
	if !ok {
		s.mu.Unlock()
		log.WithField("classification", c).Warnf("dropping %d reports for unknown classification", len(reports))
		return
	}
	col.reports = MergeReports(col.reports, reports)
	if col.status == StatusLoading {
		col.live = MergeReports(col.live, reports)
	}
	count := len(col.reports)
	s.mu.Unlock()

	metrics.StoreReports.WithLabelValues(string(c)).Set(float64(count))
	s.notify(c)
}

// ClearPhysical empties the physical collection and its error
func (s *Store) ClearPhysical() {
	s.Clear(models.ClassificationPhysical)
}

// ClearDigital empties the digital collection and its error
func (s *Store) ClearDigital() {
	s.Clear(models.ClassificationDigital)
}

// ClearAll empties both collections
func (s *Store) ClearAll() {
	for _, c := range models.Classifications {
		s.Clear(c)
	}
}

// Clear empties the collection of c and its error. A fetch in flight keeps
// the collection in the loading state.
func (s *Store) Clear(c models.Classification) {
	s.mu.Lock()
	col, ok := s.collections[c]
	if !ok {
		s.mu.Unlock()
		return
	}
	col.reports = nil
	col.live = nil
	col.err = nil
	if col.status != StatusLoading {
		col.status = StatusIdle
	}
	s.mu.Unlock()

	metrics.StoreReports.WithLabelValues(string(c)).Set(0)
	s.notify(c)
}

// State returns a snapshot of the collection of c
func (s *Store) State(c models.Classification) (CollectionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[c]
	if !ok {
		return CollectionState{}, fmt.Errorf("%w: %q", ErrUnknownClassification, c)
	}
	state := CollectionState{
		Classification: c,
		Status:         col.status,
		Loading:        col.status == StatusLoading,
		Count:          len(col.reports),
		UpdatedAt:      col.updatedAt,
		Reports:        append([]models.ReportWithAnalysis(nil), col.reports...),
	}
	if col.err != nil {
		state.Error = col.err.Error()
	}
	return state, nil
}

// States returns snapshots of every collection
func (s *Store) States() []CollectionState {
	states := make([]CollectionState, 0, len(models.Classifications))
	for _, c := range models.Classifications {
		state, _ := s.State(c)
		states = append(states, state)
	}
	return states
}
