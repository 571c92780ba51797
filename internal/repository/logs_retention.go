package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaykit/llmgate/internal/settingsvc"
)

// logRetentionDeleter is the slice of LogsRepo the sweeper needs; narrowed
// to an interface so it can be driven by a fake in tests.
type logRetentionDeleter interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// settingsReader is the slice of settingsvc.Cache the sweeper needs.
type settingsReader interface {
	Get(ctx context.Context) (settingsvc.Settings, error)
}

// LogsRetentionSweeper periodically deletes RequestLog rows older than the
// current settings.logRetentionDays, grounded in spec.md §9's retention note
// and mirroring the teacher's ticker-driven background-job pattern.
type LogsRetentionSweeper struct {
	logs     logRetentionDeleter
	settings settingsReader
	interval time.Duration
	logger   *slog.Logger
}

func NewLogsRetentionSweeper(logs logRetentionDeleter, settings settingsReader, interval time.Duration, logger *slog.Logger) *LogsRetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogsRetentionSweeper{logs: logs, settings: settings, interval: interval, logger: logger}
}

// Run blocks sweeping on interval until stop is closed.
func (s *LogsRetentionSweeper) Run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LogsRetentionSweeper) sweepOnce(ctx context.Context) {
	settings, err := s.settings.Get(ctx)
	if err != nil {
		s.logger.Error("log_retention_settings_read_failed", "err", err)
		return
	}
	if settings.LogRetentionDays <= 0 {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -settings.LogRetentionDays)
	deleted, err := s.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("log_retention_sweep_failed", "err", err)
		return
	}
	s.logger.Debug("log_retention_sweep_completed", "deleted", deleted, "cutoff", cutoff)
}
