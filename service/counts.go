package service

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"report-sync/models"
)

type countsFetcher interface {
	GetReportsCount(ctx context.Context) (models.ReportsCount, error)
}

// countsPoller keeps the latest report totals from the reports API
type countsPoller struct {
	fetcher  countsFetcher
	interval time.Duration

	mu        sync.RWMutex
	counts    models.ReportsCount
	updatedAt time.Time
	ok        bool
}

func newCountsPoller(fetcher countsFetcher, interval time.Duration) *countsPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &countsPoller{fetcher: fetcher, interval: interval}
}

// LatestCounts returns the last successfully polled totals
func (p *countsPoller) LatestCounts() (models.ReportsCount, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts, p.ok
}

func (p *countsPoller) poll(ctx context.Context) {
	counts, err := p.fetcher.GetReportsCount(ctx)
	if err != nil {
		// the previous totals stay visible
		log.WithError(err).Warn("failed to poll reports count")
		return
	}

	p.mu.Lock()
	p.counts = counts
	p.updatedAt = time.Now()
	p.ok = true
	p.mu.Unlock()
}

func (p *countsPoller) run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}
