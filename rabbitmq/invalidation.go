package rabbitmq

import (
	"encoding/json"
	"fmt"

	"github.com/apex/log"

	"report-sync/cache"
	"report-sync/metrics"
	"report-sync/models"
)

// Invalidator drops cached entries by key
type Invalidator interface {
	InvalidateMany(keys []string) int
}

// InvalidationCallback handles reprocessing events carrying {seq} or {seqs}
// by evicting the matching report cache entries. Malformed events are
// permanent failures.
func InvalidationCallback(inv Invalidator) CallbackFunc {
	return func(msg *Message) error {
		var req models.InvalidateRequest
		if err := json.Unmarshal(msg.Body, &req); err != nil {
			metrics.InvalidationEventsTotal.WithLabelValues("malformed").Inc()
			return Permanent(fmt.Errorf("failed to decode invalidation event: %w", err))
		}
		seqs, err := req.SeqList()
		if err != nil {
			metrics.InvalidationEventsTotal.WithLabelValues("invalid").Inc()
			return Permanent(err)
		}

		removed := inv.InvalidateMany(cache.ReportSeqKeys(seqs))
		metrics.InvalidationEventsTotal.WithLabelValues("success").Inc()
		log.WithField("routing_key", msg.RoutingKey).Infof("invalidated %d of %d report cache entries", removed, len(seqs))
		return nil
	}
}
