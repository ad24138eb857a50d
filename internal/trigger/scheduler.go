package trigger

import (
	"context"
	"log/slog"
	"time"

	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/pkg/logger"
)

// DefaultInterval 为默认的巡检间隔。
const DefaultInterval = time.Hour

// Scheduler 启动时立即投递一次触发消息，之后按固定间隔投递。
type Scheduler struct {
	producer Producer
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewScheduler 创建调度器。
func NewScheduler(producer Producer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		producer: producer,
		interval: interval,
		clock:    time.Now,
		logger:   logger.Named("scheduler"),
	}
}

// Run 阻塞直到上下文取消。投递失败只记录日志，下一次定时照常进行。
func (s *Scheduler) Run(ctx context.Context) error {
	if s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "scheduler has no producer")
	}
	s.publish(ctx, ReasonStartup)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.publish(ctx, ReasonSchedule)
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, reason string) {
	t := New(reason, s.clock())
	if err := s.producer.Publish(ctx, t); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("schedule trigger failed", slog.String("reason", reason), slog.Any("error", err))
		return
	}
	s.logger.Debug("trigger scheduled", slog.String("trigger_id", t.ID), slog.String("reason", reason))
}
