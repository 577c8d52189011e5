// Package live follows the reports API websocket stream and merges new
// reports into the dashboard store as they are broadcast.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"

	"report-sync/metrics"
	"report-sync/models"
)

const (
	listenPath = "/api/v3/reports/listen"

	defaultMinBackoff = time.Second
	defaultMaxBackoff = time.Minute
	pongWait          = 60 * time.Second
)

// Appender receives reports of one classification
type Appender interface {
	Append(c models.Classification, reports []models.ReportWithAnalysis)
}

// StreamURL turns the reports API base URL into its websocket listen URL
func StreamURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + listenPath
}

// Listener holds the single subscription to the reports stream. The stream
// carries every new report, so each one is routed to the collection of the
// classification tagged on its analyses.
type Listener struct {
	streamURL string
	appender  Appender
	dialer    *websocket.Dialer

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewListener creates a listener on streamURL
func NewListener(streamURL string, appender Appender) *Listener {
	return &Listener{
		streamURL:  streamURL,
		appender:   appender,
		dialer:     &websocket.Dialer{HandshakeTimeout: 30 * time.Second},
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
}

// Run keeps the subscription alive until ctx is done
func (l *Listener) Run(ctx context.Context) {
	logger := log.WithField("stream", l.streamURL)
	backoff := l.minBackoff

	for {
		started := time.Now()
		err := l.session(ctx)
		metrics.LiveConnected.Set(0)
		if ctx.Err() != nil {
			return
		}

		// a session that stayed up for a while resets the backoff
		if time.Since(started) > l.maxBackoff {
			backoff = l.minBackoff
		}
		logger.WithError(err).Warnf("live stream disconnected, reconnecting in %s", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", l.streamURL, err)
	}
	defer conn.Close()

	metrics.LiveConnected.Set(1)
	log.Infof("subscribed to %s", l.streamURL)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		n, err := l.handleMessage(data)
		if err != nil {
			log.WithError(err).Warn("skipping malformed live message")
			continue
		}
		if n > 0 {
			log.Debugf("merged %d live reports", n)
		}
	}
}

// handleMessage decodes one broadcast and appends each report to the
// collection of its own classification. It returns the number of reports
// appended.
func (l *Listener) handleMessage(data []byte) (int, error) {
	var msg models.BroadcastMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return 0, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Type != "reports" {
		return 0, nil
	}

	var batch models.ReportBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		return 0, fmt.Errorf("failed to decode report batch: %w", err)
	}
	if len(batch.Reports) == 0 {
		return 0, nil
	}

	// broadcasts are oldest first, the store keeps newest first
	routed := make(map[models.Classification][]models.ReportWithAnalysis, len(models.Classifications))
	for i := len(batch.Reports) - 1; i >= 0; i-- {
		r := batch.Reports[i]
		r.NormalizeAnalyses()
		c := r.Classification()
		routed[c] = append(routed[c], r)
	}
	for _, c := range models.Classifications {
		if reports := routed[c]; len(reports) > 0 {
			l.appender.Append(c, reports)
			metrics.LiveReportsTotal.WithLabelValues(string(c)).Add(float64(len(reports)))
		}
	}
	return len(batch.Reports), nil
}
