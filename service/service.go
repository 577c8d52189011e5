package service

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"

	"report-sync/cache"
	"report-sync/config"
	"report-sync/handlers"
	"report-sync/live"
	"report-sync/models"
	"report-sync/rabbitmq"
	"report-sync/store"
	"report-sync/upstream"
	"report-sync/websocket"
)

// Service wires the report cache, the dashboard store and their feeds
type Service struct {
	config   *config.Config
	client   *upstream.Client
	reports  *cache.Cache[models.ReportWithAnalysis]
	store    *store.Store
	hub      *websocket.Hub
	counts   *countsPoller
	handlers *handlers.Handlers

	subscriber *rabbitmq.Subscriber

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new report sync service
func NewService(cfg *config.Config) (*Service, error) {
	client := upstream.NewClient(cfg.ReportsAPIURL, cfg.UpstreamTimeout)
	reports := cache.New[models.ReportWithAnalysis]("reports", cfg.CacheCapacity, cfg.CacheTTL)
	st := store.New(client, store.Options{Limit: cfg.ReportsLimit, Language: cfg.ReportsLang})

	// Initialize WebSocket hub
	hub := websocket.NewHub(st)
	st.Subscribe(hub.CollectionChanged)

	counts := newCountsPoller(client, cfg.CountsPollInterval)

	service := &Service{
		config:   cfg,
		client:   client,
		reports:  reports,
		store:    st,
		hub:      hub,
		counts:   counts,
		handlers: handlers.NewHandlers(reports, client, st, hub, counts),
	}

	if cfg.AMQPURL != "" {
		service.subscriber = rabbitmq.NewSubscriber(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	}

	return service, nil
}

// Start starts the service
func (s *Service) Start() error {
	log.Info("Starting report sync service...")

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Start the WebSocket hub
	go s.hub.Run()

	s.goRun(func() {
		if err := s.store.FetchAll(ctx); err != nil {
			log.WithError(err).Warn("initial dashboard fetch incomplete")
		}
	})

	s.goRun(func() { s.counts.run(ctx) })

	if s.config.RefreshInterval > 0 {
		s.goRun(func() { s.refreshLoop(ctx) })
	}

	if s.config.LiveUpdates {
		streamURL := s.config.ReportsWSURL
		if streamURL == "" {
			streamURL = live.StreamURL(s.config.ReportsAPIURL)
		}
		listener := live.NewListener(streamURL, s.store)
		s.goRun(func() { listener.Run(ctx) })
		log.Infof("Following live reports on %s", streamURL)
	}

	if s.subscriber != nil {
		s.subscriber.Start(ctx, map[string]rabbitmq.CallbackFunc{
			s.config.AMQPRoutingKey: rabbitmq.InvalidationCallback(s.reports),
		})
	}

	log.Info("Report sync service started successfully")
	return nil
}

// Stop stops the service gracefully
func (s *Service) Stop() error {
	log.Info("Stopping report sync service...")

	if s.cancel != nil {
		s.cancel()
	}
	s.hub.Stop()

	var err error
	if s.subscriber != nil {
		if err = s.subscriber.Close(); err != nil {
			log.WithError(err).Error("Error closing RabbitMQ subscriber")
		}
	}

	// Wait for goroutines to finish
	s.wg.Wait()

	log.Info("Report sync service stopped")
	return err
}

// GetHandlers returns the HTTP handlers
func (s *Service) GetHandlers() *handlers.Handlers {
	return s.handlers
}

func (s *Service) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.FetchAll(ctx); err != nil {
				log.WithError(err).Warn("periodic dashboard refresh incomplete")
			}
		}
	}
}
