package liveness

import (
	"context"
	"time"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/service"
	"go.uber.org/zap"
)

// SweepConfig is the configuration for NewSweepService.
type SweepConfig struct {
	// Interval in which to run the staleness sweep.
	Interval time.Duration
}

// sweepService runs Monitor.SweepStale periodically.
type sweepService struct {
	logger  *zap.Logger
	config  SweepConfig
	monitor *Monitor
}

// NewSweepService creates a new service.Service that reconciles stale devices
// in the configured interval.
func NewSweepService(logger *zap.Logger, config SweepConfig, monitor *Monitor) service.Service {
	return &sweepService{
		logger:  logger,
		config:  config,
		monitor: monitor,
	}
}

// Run the service until the given context.Context is done.
func (s *sweepService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			err := s.monitor.SweepStale(ctx, now)
			if err != nil {
				// The next tick naturally retries.
				errors.Log(s.logger, errors.Wrap(err, "sweep stale devices", nil))
			}
		}
	}
}
