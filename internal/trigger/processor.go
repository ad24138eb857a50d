package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gotchi-caretaker/internal/agent"
	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/pkg/logger"
)

// Runner 定义了处理器所需的 Agent 能力。
type Runner interface {
	Run(ctx context.Context) (*agent.RunResult, error)
}

// Status 汇总守护进程至今的运行情况，仅保存在内存中。
type Status struct {
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Last      *agent.RunResult `json:"last,omitempty"`
	Trigger   *Trigger         `json:"trigger,omitempty"`
}

// Processor 负责从队列消费触发消息并交给 Agent 执行。
type Processor struct {
	runner   Runner
	consumer Consumer
	logger   *slog.Logger

	mu     sync.RWMutex
	status Status
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:   runner,
		consumer: consumer,
		logger:   logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到上下文取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor has no consumer or runner")
	}
	return p.consumer.Consume(ctx, p.handle)
}

// Status 返回当前运行情况的副本。
func (p *Processor) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

func (p *Processor) handle(ctx context.Context, t Trigger) error {
	log := p.logger.With(slog.String("trigger_id", t.ID), slog.String("reason", t.Reason))
	log.Info("trigger received", slog.Duration("queued_for", time.Since(t.RequestedAt)))

	result, err := p.runner.Run(ctx)

	p.mu.Lock()
	p.status.Processed++
	if err != nil {
		p.status.Failed++
	}
	if result != nil {
		p.status.Last = result
	}
	trig := t
	p.status.Trigger = &trig
	p.mu.Unlock()

	if err != nil {
		// Agent 已记录日志、指标与告警，这里只说明不会重试。
		log.Warn("run failed, waiting for next trigger",
			slog.String("stage", string(xerrors.StageOf(err))),
			slog.String("code", string(xerrors.CodeOf(err))),
		)
		return err
	}
	return nil
}
