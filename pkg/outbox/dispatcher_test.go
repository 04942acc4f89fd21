package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heritrust/pkg/trace"
)

type published struct {
	routingKey string
	body       string
	messageID  string
	traceID    string
	dlq        bool
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failOn   map[string]bool
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, routingKey string, body []byte, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[routingKey] {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, published{routingKey: routingKey, body: string(body), messageID: messageID, traceID: trace.FromContext(ctx)})
	return nil
}

func (p *fakePublisher) PublishToDLQ(ctx context.Context, routingKey string, body []byte, messageID, originalError string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{routingKey: routingKey, body: string(body), messageID: messageID, dlq: true})
	return nil
}

type fakeLocker struct {
	calls int
	err   error
}

func (l *fakeLocker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.calls++
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

func appendEvent(t *testing.T, repo *MemoryRepository, seq int64, routingKey string, payload any) {
	t.Helper()
	e, err := NewEvent("project", nil, routingKey, seq, payload)
	require.NoError(t, err)
	repo.Append(e)
}

func TestDispatcher_PublishesInOrder(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &fakePublisher{}
	appendEvent(t, repo, 1, "ledger.project.created", map[string]any{"seq": 1, "trace_id": "trace-1"})
	appendEvent(t, repo, 2, "ledger.funds.locked", map[string]any{"seq": 2})

	d := NewDispatcher(repo, pub, zap.NewNop())
	assert.Equal(t, 2, d.ProcessPending(context.Background()))

	require.Len(t, pub.messages, 2)
	assert.Equal(t, "ledger.project.created", pub.messages[0].routingKey)
	assert.Equal(t, "1", pub.messages[0].messageID)
	assert.Equal(t, "trace-1", pub.messages[0].traceID)
	assert.Equal(t, "2", pub.messages[1].messageID)

	pending, err := repo.GetPendingEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Zero(t, d.ProcessPending(context.Background()), "sent events are not republished")
}

func TestDispatcher_FailureStopsBatchAndMovesToDLQ(t *testing.T) {
	repo := NewMemoryRepository()
	now := time.Now()
	repo.now = func() time.Time { return now }
	pub := &fakePublisher{failOn: map[string]bool{"ledger.funds.locked": true}}

	appendEvent(t, repo, 1, "ledger.funds.locked", map[string]any{})
	appendEvent(t, repo, 2, "ledger.milestone.added", map[string]any{})

	d := NewDispatcher(repo, pub, zap.NewNop()).WithMaxRetries(2)
	ctx := context.Background()

	assert.Zero(t, d.ProcessPending(ctx))
	assert.Empty(t, pub.messages, "later events wait behind the failed one")

	e, err := repo.GetEventByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextRetryAt)

	// 退避期过后再次失败，达到最大重试次数
	now = now.Add(time.Minute)
	assert.Equal(t, 0, d.ProcessPending(ctx))

	e, err = repo.GetEventByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	require.Len(t, pub.messages, 1)
	assert.True(t, pub.messages[0].dlq)

	// 失败事件不再阻塞后续事件
	assert.Equal(t, 1, d.ProcessPending(ctx))
	assert.Equal(t, "ledger.milestone.added", pub.messages[1].routingKey)
}

func TestDispatcher_Locker(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &fakePublisher{}
	appendEvent(t, repo, 1, "ledger.project.created", map[string]any{})

	locker := &fakeLocker{err: errors.New("lock held")}
	d := NewDispatcher(repo, pub, zap.NewNop()).WithLocker(locker)

	d.tick(context.Background())
	assert.Equal(t, 1, locker.calls)
	assert.Empty(t, pub.messages)

	locker.err = nil
	d.tick(context.Background())
	assert.Len(t, pub.messages, 1)
}

func TestDispatcher_StartStopsOnCancel(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &fakePublisher{}
	appendEvent(t, repo, 1, "ledger.project.created", map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewDispatcher(repo, pub, zap.NewNop()).WithInterval(10 * time.Millisecond).Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.messages) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestReplayService(t *testing.T) {
	repo := NewMemoryRepository()
	pub := &fakePublisher{failOn: map[string]bool{"ledger.funds.released": true}}
	ctx := context.Background()

	appendEvent(t, repo, 1, "ledger.funds.released", map[string]any{"amount": "1"})
	_, err := repo.MarkAsFailed(ctx, 1, 1)
	require.NoError(t, err)

	svc := NewReplayService(repo, pub, zap.NewNop(), 3)

	err = svc.ReplayEvent(ctx, 1)
	require.Error(t, err)
	e, err := repo.GetEventByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, e.Status, "a failed replay goes back to the retry queue")

	_, err = repo.MarkAsFailed(ctx, 1, 1)
	require.NoError(t, err)

	pub.failOn = nil
	n, err := svc.ReplayFailedEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err = repo.GetEventByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, e.Status)

	err = svc.ReplayEvent(ctx, 99)
	assert.ErrorIs(t, err, ErrEventNotFound)
}
