package outbox

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"heritrust/pkg/metrics"
	"heritrust/pkg/trace"
)

// Publisher 发布已编码的事件，由 mq.Publisher 实现
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, body []byte, messageID string) error
	PublishToDLQ(ctx context.Context, routingKey string, body []byte, messageID, originalError string) error
}

// Locker 多实例部署时保证同一时刻只有一个 Dispatcher 在分发
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

const lockName = "outbox:dispatcher"

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	repo       Store
	publisher  Publisher
	locker     Locker
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(repo Store, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,               // 默认最大重试5次
		interval:   1 * time.Second, // 默认每秒扫描一次
		batchSize:  100,             // 默认每次处理100个事件
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	if maxRetries > 0 {
		d.maxRetries = maxRetries
	}
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	if batchSize > 0 {
		d.batchSize = batchSize
	}
	return d
}

// WithLocker 设置分布式锁，nil 表示单实例
func (d *Dispatcher) WithLocker(locker Locker) *Dispatcher {
	d.locker = locker
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 取消（在 goroutine 中运行）
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
		zap.Bool("distributed_lock", d.locker != nil),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if d.locker == nil {
		d.ProcessPending(ctx)
		return
	}
	err := d.locker.WithLock(ctx, lockName, func(ctx context.Context) error {
		d.ProcessPending(ctx)
		return nil
	})
	if err != nil {
		// 其他实例持有锁
		d.logger.Debug("Outbox dispatch skipped", zap.Error(err))
	}
}

// ProcessPending 处理一批待发送的事件，返回成功发布的数量。
// 遇到发布失败时停止本批次，后续事件留到下一轮，尽量保持 seq 顺序。
func (d *Dispatcher) ProcessPending(ctx context.Context) int {
	events, err := d.repo.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}

	if len(events) == 0 {
		return 0
	}

	d.logger.Debug("Processing pending events", zap.Int("count", len(events)))

	published := 0
	for _, event := range events {
		if err := d.publishEvent(ctx, event); err != nil {
			d.handleFailure(ctx, event, err)
			break
		}

		if err := d.repo.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("event_id", event.ID),
				zap.Error(err),
			)
			break
		}
		metrics.IncrementOutboxPublished(StatusSent)
		published++
		d.logger.Debug("Event published successfully",
			zap.Int64("event_id", event.ID),
			zap.Int64("seq", event.Seq),
			zap.String("routing_key", event.RoutingKey),
		)
	}
	return published
}

func (d *Dispatcher) handleFailure(ctx context.Context, event *Event, publishErr error) {
	d.logger.Error("Failed to publish event",
		zap.Int64("event_id", event.ID),
		zap.String("routing_key", event.RoutingKey),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(publishErr),
	)

	status, err := d.repo.MarkAsFailed(ctx, event.ID, d.maxRetries)
	if err != nil {
		d.logger.Error("Failed to mark event as failed",
			zap.Int64("event_id", event.ID),
			zap.Error(err),
		)
		return
	}
	if status != StatusFailed {
		metrics.IncrementOutboxPublished("retry")
		return
	}

	metrics.IncrementOutboxPublished(StatusFailed)
	ctx = withPayloadTrace(ctx, event.Payload)
	if err := d.publisher.PublishToDLQ(ctx, event.RoutingKey, event.Payload, event.MessageID(), publishErr.Error()); err != nil {
		d.logger.Error("Failed to publish event to DLQ",
			zap.Int64("event_id", event.ID),
			zap.Error(err),
		)
		return
	}
	d.logger.Warn("Event moved to DLQ after max retries",
		zap.Int64("event_id", event.ID),
		zap.String("routing_key", event.RoutingKey),
		zap.Int("max_retries", d.maxRetries),
	)
}

// publishEvent 发布单个事件到 MQ
func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	ctx = withPayloadTrace(ctx, event.Payload)
	return d.publisher.PublishWithContext(ctx, event.RoutingKey, event.Payload, event.MessageID())
}

// withPayloadTrace 从 payload 中提取 trace_id（如果存在）
func withPayloadTrace(ctx context.Context, payload json.RawMessage) context.Context {
	var envelope struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ctx
	}
	if envelope.TraceID != "" {
		ctx = trace.WithContext(ctx, envelope.TraceID)
	}
	return ctx
}
