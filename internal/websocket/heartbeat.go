package websocket

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// HeartbeatService pings every panel on a fixed interval. Acks are only
// recorded; a silent panel is pruned when a send to it fails.
type HeartbeatService struct {
	hub      *Hub
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewHeartbeatService creates a new heartbeat service
func NewHeartbeatService(hub *Hub, interval time.Duration, clk clock.Clock, logger *zap.Logger) *HeartbeatService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HeartbeatService{
		hub:      hub,
		interval: interval,
		clock:    clk,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background heartbeat loop
func (s *HeartbeatService) Start() {
	ticker := s.clock.Ticker(s.interval)
	go s.heartbeatLoop(ticker)
	s.logger.Info("Heartbeat service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the heartbeat loop
func (s *HeartbeatService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.logger.Info("Heartbeat service stopped")
	})
}

func (s *HeartbeatService) heartbeatLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.hub.Heartbeat()
			s.logger.Debug("Heartbeat sent", zap.Int("panels", s.hub.ClientCount()))
		}
	}
}
