package repository

import (
	"go.uber.org/zap"

	"heritrust/internal/ledger"
	"heritrust/pkg/outbox"
)

// AttachOutbox 把内存账本的每次提交同步写入内存 outbox，
// 钩子在存储写锁内执行，outbox 中的事件顺序与 seq 一致
func AttachOutbox(store *ledger.MemoryStore, repo *outbox.MemoryRepository, logger *zap.Logger) {
	store.OnCommit(func(events []ledger.Event) {
		for _, e := range events {
			var aggregateID *int64
			if e.ProjectID > 0 {
				id := e.ProjectID
				aggregateID = &id
			}
			oe, err := outbox.NewEvent(e.Type.AggregateType(), aggregateID, string(e.Type), e.Seq, e)
			if err != nil {
				logger.Error("Failed to encode outbox event",
					zap.Int64("seq", e.Seq),
					zap.String("type", string(e.Type)),
					zap.Error(err),
				)
				continue
			}
			repo.Append(oe)
		}
	})
}
