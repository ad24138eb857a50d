package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "gotchi-caretaker/internal/errors"
)

const (
	// CodeTriggerPublish 表示触发消息投递失败。
	CodeTriggerPublish xerrors.Code = "TRIGGER_PUBLISH"
	// CodeTriggerMalformed 表示队列中的消息无法解析。
	CodeTriggerMalformed xerrors.Code = "TRIGGER_MALFORMED"
)

func init() {
	xerrors.Register(CodeTriggerPublish, xerrors.Attributes{
		Message:  "trigger publish failed",
		Severity: xerrors.SeverityWarning,
		Stage:    xerrors.StageTrigger,
		Alert:    true,
	})
	xerrors.Register(CodeTriggerMalformed, xerrors.Attributes{
		Message:  "malformed trigger message",
		Severity: xerrors.SeverityInfo,
		Stage:    xerrors.StageTrigger,
	})
}

// 触发来源
const (
	ReasonSchedule = "schedule"
	ReasonStartup  = "startup"
	ReasonManual   = "manual"
)

// Trigger 请求守护进程执行一次巡检。
type Trigger struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// New 创建一个带唯一 ID 的触发消息。
func New(reason string, at time.Time) Trigger {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonManual
	}
	return Trigger{ID: uuid.NewString(), Reason: reason, RequestedAt: at.UTC()}
}

// Encode 将触发消息序列化为 JSON。
func Encode(t Trigger) ([]byte, error) {
	return json.Marshal(t)
}

// Decode 解析队列中的 JSON 消息。
func Decode(payload []byte) (Trigger, error) {
	var t Trigger
	if err := json.Unmarshal(payload, &t); err != nil {
		return Trigger{}, xerrors.Wrap(CodeTriggerMalformed, err, "decode trigger")
	}
	if t.ID == "" {
		return Trigger{}, xerrors.New(CodeTriggerMalformed, fmt.Sprintf("trigger without id: %q", string(payload)))
	}
	return t, nil
}

// Handler 处理来自队列的触发消息。
type Handler func(ctx context.Context, t Trigger) error

// Producer 负责向队列投递触发消息。
type Producer interface {
	Publish(ctx context.Context, t Trigger) error
	Close() error
}

// Consumer 负责从队列中消费触发消息。消费始终只有一个工作协程，保证巡检不会并发执行；
// 处理失败的消息不会被重新投递。
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
