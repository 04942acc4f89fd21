package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository 进程内 outbox，用于内存账本和测试
type MemoryRepository struct {
	mu     sync.Mutex
	events []*Event
	now    func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{now: time.Now}
}

// Append 追加一个 pending 事件
func (r *MemoryRepository) Append(e *Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	c := *e
	c.ID = int64(len(r.events)) + 1
	if c.Status == "" {
		c.Status = StatusPending
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	r.events = append(r.events, &c)
}

func (r *MemoryRepository) GetPendingEvents(ctx context.Context, limit int) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []*Event
	for _, e := range r.events {
		if e.Status != StatusPending || (e.NextRetryAt != nil && e.NextRetryAt.After(now)) {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkAsSent(ctx context.Context, eventID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(eventID)
	if err != nil {
		return err
	}
	e.Status = StatusSent
	e.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(eventID)
	if err != nil {
		return "", err
	}
	now := r.now()
	e.RetryCount++
	if e.RetryCount >= maxRetries {
		e.Status = StatusFailed
		e.NextRetryAt = nil
	} else {
		e.Status = StatusPending
		next := now.Add(retryBackoff(e.RetryCount))
		e.NextRetryAt = &next
	}
	e.UpdatedAt = now
	return e.Status, nil
}

func (r *MemoryRepository) GetEventByID(ctx context.Context, eventID int64) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(eventID)
	if err != nil {
		return nil, err
	}
	c := *e
	return &c, nil
}

func (r *MemoryRepository) ReplayEvent(ctx context.Context, eventID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(eventID)
	if err != nil {
		return err
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.NextRetryAt = nil
	e.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) GetFailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Event
	for _, e := range r.events {
		if e.Status == StatusFailed {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) lookup(eventID int64) (*Event, error) {
	if eventID < 1 || int(eventID) > len(r.events) {
		return nil, fmt.Errorf("%w: %d", ErrEventNotFound, eventID)
	}
	return r.events[eventID-1], nil
}
