package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gotchi-caretaker/internal/care"
	xerrors "gotchi-caretaker/internal/errors"
	"gotchi-caretaker/internal/observability/alerting"
	"gotchi-caretaker/internal/observability/metrics"
	"gotchi-caretaker/internal/tracing"
	"gotchi-caretaker/internal/web3"
	"gotchi-caretaker/internal/web3/ethereum"
	"gotchi-caretaker/internal/web3/identity"
	"gotchi-caretaker/pkg/logger"
)

// OwnershipSource 提供钱包当前持有的资产快照。
type OwnershipSource interface {
	FetchOwnedAssets(ctx context.Context, owner common.Address, minRarity int) (care.Snapshot, error)
}

// BatchSubmitter 负责发送批量交互交易并等待确认。
type BatchSubmitter interface {
	SubmitBatchInteraction(ctx context.Context, args care.Batch, id *identity.Identity, endpointURL string, contract common.Address, iface abi.ABI) (*web3.Receipt, error)
}

// Target 描述交易发送的目标节点与合约。
type Target struct {
	EndpointURL string
	Contract    common.Address
	Interface   abi.ABI
}

// RunResult 汇总一次巡检运行的结果。
type RunResult struct {
	RunID        string    `json:"run_id"`
	Owner        string    `json:"owner"`
	Owned        int       `json:"owned"`
	Eligible     []string  `json:"eligible"`
	Submitted    bool      `json:"submitted"`
	DryRun       bool      `json:"dry_run,omitempty"`
	CalldataSize int       `json:"calldata_size,omitempty"`
	TxHash       string    `json:"tx_hash,omitempty"`
	BlockNumber  uint64    `json:"block_number,omitempty"`
	Error        string    `json:"error,omitempty"`
	Stage        string    `json:"stage,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Agent 串联所有权查询、资格过滤、编码与提交，是系统的业务核心。
type Agent struct {
	id        *identity.Identity
	source    OwnershipSource
	submitter BatchSubmitter
	target    Target

	clock        func() time.Time
	cooldown     int64
	minBatchSize int
	minRarity    int
	encoder      care.BatchEncoder
	tracer       trace.Tracer
	metrics      *metrics.Recorder
	alerts       alerting.Dispatcher
	dryRun       bool
	log          *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// DefaultMinBatchSize 为默认提交阈值：合格数量必须严格大于该值。
const DefaultMinBatchSize = 1

// WithClock 替换时间来源。
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithCooldown 设置冷却时间（秒）。
func WithCooldown(seconds int64) Option {
	return func(a *Agent) {
		if seconds > 0 {
			a.cooldown = seconds
		}
	}
}

// WithMinBatchSize 设置提交阈值。
func WithMinBatchSize(size int) Option {
	return func(a *Agent) {
		if size > 0 {
			a.minBatchSize = size
		}
	}
}

// WithMinRarity 设置查询时的稀有度下限。
func WithMinRarity(rarity int) Option {
	return func(a *Agent) {
		a.minRarity = rarity
	}
}

// WithEncoder 替换标识编码器。
func WithEncoder(encoder care.BatchEncoder) Option {
	return func(a *Agent) {
		if encoder != nil {
			a.encoder = encoder
		}
	}
}

// WithTracer 指定链路追踪使用的 Tracer。
func WithTracer(tracer trace.Tracer) Option {
	return func(a *Agent) {
		if tracer != nil {
			a.tracer = tracer
		}
	}
}

// WithMetrics 指定指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(a *Agent) {
		a.metrics = recorder
	}
}

// WithAlerts 指定失败时使用的告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(a *Agent) {
		a.alerts = dispatcher
	}
}

// WithDryRun 只计算批次而不发送交易。
func WithDryRun(dryRun bool) Option {
	return func(a *Agent) {
		a.dryRun = dryRun
	}
}

// New 创建一个 Agent。
func New(id *identity.Identity, source OwnershipSource, submitter BatchSubmitter, target Target, opts ...Option) *Agent {
	ag := &Agent{
		id:           id,
		source:       source,
		submitter:    submitter,
		target:       target,
		clock:        time.Now,
		cooldown:     care.DefaultCooldown,
		minBatchSize: DefaultMinBatchSize,
		encoder:      care.UintBatchEncoder{},
		tracer:       tracing.Tracer("gotchi-caretaker/agent"),
		log:          logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Run 执行一次完整的巡检流程。出错时仍返回已填充的部分结果，便于上层展示。
func (a *Agent) Run(ctx context.Context) (*RunResult, error) {
	if a.id == nil || a.source == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent is missing identity or ownership source")
	}

	started := a.clock()
	result := &RunResult{
		RunID:     uuid.NewString(),
		Owner:     a.id.Address().Hex(),
		Eligible:  []string{},
		StartedAt: started,
	}
	log := a.log.With(slog.String("run_id", result.RunID), slog.String("owner", result.Owner))

	ctx, span := a.tracer.Start(ctx, "care.run", trace.WithAttributes(
		attribute.String("run_id", result.RunID),
		attribute.String("owner", result.Owner),
	))
	defer span.End()

	outcome, err := a.run(ctx, log, result)
	result.FinishedAt = a.clock()
	elapsed := result.FinishedAt.Sub(started)

	if err != nil {
		code, stage := xerrors.CodeOf(err), xerrors.StageOf(err)
		result.Error = err.Error()
		result.Stage = string(stage)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(code))
		a.metrics.ObserveFailure(string(code), string(stage), elapsed)
		log.Error("care run failed",
			slog.String("stage", string(stage)),
			slog.String("code", string(code)),
			slog.Any("error", err),
		)
		if a.alerts != nil && xerrors.ShouldAlert(err) {
			if alertErr := a.alerts.Notify(ctx, alerting.EventFromError(result.RunID, err, result.FinishedAt)); alertErr != nil {
				log.Warn("alert delivery failed", slog.Any("error", alertErr))
			}
		}
		return result, err
	}

	a.metrics.ObserveRun(outcome, elapsed)
	log.Info("care run finished",
		slog.String("outcome", outcome),
		slog.Int("owned", result.Owned),
		slog.Int("eligible", len(result.Eligible)),
		slog.Duration("elapsed", elapsed),
	)
	return result, nil
}

func (a *Agent) run(ctx context.Context, log *slog.Logger, result *RunResult) (string, error) {
	snapshot, err := a.fetch(ctx)
	if err != nil {
		return "", err
	}
	result.Owned = len(snapshot.Assets)

	now := a.clock().Unix()
	eligible := care.SelectEligible(snapshot, now, a.cooldown)
	result.Eligible = care.IDs(eligible)
	a.metrics.ObserveAssets(result.Owned, len(eligible))
	log.Info("eligibility computed",
		slog.Int("owned", result.Owned),
		slog.Int("eligible", len(eligible)),
		slog.Int64("cooldown_seconds", a.cooldown),
	)

	batch, err := a.encoder.Encode(eligible)
	if err != nil {
		return "", err
	}

	if len(batch) <= a.minBatchSize {
		log.Info("batch below threshold, nothing to submit",
			slog.Int("batch_size", len(batch)),
			slog.Int("min_batch_size", a.minBatchSize),
		)
		return metrics.OutcomeSkipped, nil
	}

	if a.dryRun {
		calldata, err := care.PackArgument(batch)
		if err != nil {
			return "", xerrors.Wrap(care.CodeIdentifierRange, err, "pack batch for dry run")
		}
		result.DryRun = true
		result.CalldataSize = 4 + len(calldata)
		log.Info("dry run, transaction not sent",
			slog.Any("ids", batch.Strings()),
			slog.Int("calldata_bytes", result.CalldataSize),
		)
		return metrics.OutcomeDryRun, nil
	}

	if a.submitter == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "agent has no submitter")
	}
	receipt, err := a.submit(ctx, batch)
	if err != nil {
		if hash, ok := xerrors.MetadataOf(err)["tx_hash"]; ok {
			result.TxHash = hash
		}
		return "", err
	}
	result.Submitted = true
	result.TxHash = receipt.TxHash.Hex()
	result.BlockNumber = receipt.BlockNumber
	return metrics.OutcomeSubmitted, nil
}

func (a *Agent) fetch(ctx context.Context) (care.Snapshot, error) {
	ctx, span := a.tracer.Start(ctx, "care.ownership")
	defer span.End()

	snapshot, err := a.source.FetchOwnedAssets(ctx, a.id.Address(), a.minRarity)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ownership query failed")
		return care.Snapshot{}, err
	}
	span.SetAttributes(attribute.Int("owned", len(snapshot.Assets)))
	return snapshot, nil
}

func (a *Agent) submit(ctx context.Context, batch care.Batch) (*web3.Receipt, error) {
	ctx, span := a.tracer.Start(ctx, "care.submit", trace.WithAttributes(
		attribute.Int("batch_size", len(batch)),
		attribute.String("contract", a.target.Contract.Hex()),
	))
	defer span.End()

	receipt, err := a.submitter.SubmitBatchInteraction(ctx, batch, a.id, a.target.EndpointURL, a.target.Contract, a.target.Interface)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return nil, err
	}
	if receipt == nil {
		err := xerrors.New(ethereum.CodeConfirmationFailed, "submitter returned no receipt")
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tx_hash", receipt.TxHash.Hex()),
		attribute.Int64("block_number", int64(receipt.BlockNumber)),
	)
	return receipt, nil
}
