package market

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor drives the time-based transitions no request triggers: closing
// betting windows, expiring stuck computations and applying the Settled label.
type Processor struct {
	service      *Service
	processDelay time.Duration
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Processor{service: service, processDelay: interval}
}

// Start runs the loop until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "market_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting market processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down market processor")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass. Failures are logged per market and never stop
// the pass.
func (p *Processor) RunOnce(ctx context.Context) {
	logger := log.With().Str("component", "market_processor").Logger()
	s := p.service

	closable, err := s.markets.ExpiredOpenMarkets(s.now().Unix())
	if err != nil {
		logger.Error().Err(err).Msg("failed to list markets to close")
	}
	for _, id := range closable {
		if _, err := s.closeBetting(ctx, id, func(*Market) error { return nil }); err != nil {
			logger.Error().Err(err).Uint64("market_id", id).Msg("failed to close betting")
		}
	}

	expired, err := s.ExpireStale(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to expire stale computations")
	}
	if expired > 0 {
		logger.Warn().Int("expired", expired).Msg("expired stale computations")
	}

	resolved, err := s.markets.MarketIDsByStatus(StatusResolved)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list resolved markets")
		return
	}
	for _, id := range resolved {
		if _, err := s.SettleIfComplete(ctx, id); err != nil {
			logger.Error().Err(err).Uint64("market_id", id).Msg("failed to settle market")
		}
	}
}
