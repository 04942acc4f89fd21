package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// NewEvent 编码 payload 并构造 pending 事件
func NewEvent(aggregateType string, aggregateID *int64, routingKey string, seq int64, payload interface{}) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	return &Event{
		Seq:           seq,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}, nil
}

// InsertEventInTx 在事务中插入事件到 outbox（辅助函数）
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID *int64,
	routingKey string,
	seq int64,
	payload interface{},
) error {
	event, err := NewEvent(aggregateType, aggregateID, routingKey, seq, payload)
	if err != nil {
		return err
	}
	return repo.InsertEvent(ctx, tx, event)
}
