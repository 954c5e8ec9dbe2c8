// Package debugstats periodically logs runtime statistics for debugging
// long-running instances.
package debugstats

import (
	"context"
	"runtime"
	"time"

	"github.com/lefinal/uptime-server/service"
	"go.uber.org/zap"
)

// Config is the configuration for NewService.
type Config struct {
	// IsEnabled describes whether periodic debug stats logging is desired.
	IsEnabled bool
	// Interval in which to log debug stats.
	Interval time.Duration
}

type debugStatsService struct {
	logger *zap.Logger
	config Config
}

// NewService creates a service.Service that logs runtime stats in the
// configured interval. If not enabled, Run returns immediately.
func NewService(logger *zap.Logger, config Config) service.Service {
	return &debugStatsService{
		logger: logger,
		config: config,
	}
}

func (s *debugStatsService) Run(ctx context.Context) error {
	if !s.config.IsEnabled {
		return nil
	}
	s.logger.Debug("logging system state periodically",
		zap.Duration("interval", s.config.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.config.Interval):
			s.logStats()
		}
	}
}

// logStats logs the current memory usage and goroutine count.
func (s *debugStatsService) logStats() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.logger.Debug("system debug stats",
		zap.Int("num_cpu", runtime.NumCPU()),
		zap.Int("num_goroutines", runtime.NumGoroutine()),
		zap.Uint64("memory_in_use_mb", memStats.Sys/1000/1000))
}
