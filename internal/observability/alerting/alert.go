package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog  Channel = "log"
	ChannelAMQP Channel = "amqp"
)

// Event 描述一次需要告警的交易事件。
type Event struct {
	ID          string            `json:"id"`
	Code        xerrors.Code      `json:"code"`
	Message     string            `json:"message"`
	Severity    xerrors.Severity  `json:"severity"`
	SafeTxHash  string            `json:"safeTxHash,omitempty"`
	SafeAddress string            `json:"safeAddress,omitempty"`
	ChainID     uint64            `json:"chainId,omitempty"`
	Nonce       uint64            `json:"nonce"`
	Status      string            `json:"status,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`
}

// NewEvent 根据错误构造事件，补齐 ID、严重级别与时间。
func NewEvent(err error, message string) Event {
	code := xerrors.CodeOf(err)
	if message == "" && err != nil {
		message = err.Error()
	}
	event := Event{
		ID:         uuid.NewString(),
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(err),
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	return event
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 将告警写入日志。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 按严重级别输出日志。
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := logger.Named("alerting")
	if n != nil && n.Logger != nil {
		log = n.Logger
	}
	level := slog.LevelWarn
	if event.Severity == xerrors.SeverityCritical {
		level = slog.LevelError
	}
	log.Log(ctx, level, event.Message,
		slog.String("alert_id", event.ID),
		slog.String("code", string(event.Code)),
		slog.String("safe_tx_hash", event.SafeTxHash),
		slog.Uint64("chain_id", event.ChainID),
		slog.Uint64("nonce", event.Nonce),
		slog.String("status", event.Status),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}
