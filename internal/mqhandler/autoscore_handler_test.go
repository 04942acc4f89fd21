package mqhandler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heritrust/internal/ledger"
	"heritrust/internal/scorer"
	"heritrust/pkg/mq"
	"heritrust/pkg/rbac"
	"heritrust/pkg/util"
)

const (
	admin      ledger.Principal = "0xadmin"
	contractor ledger.Principal = "0xcontractor"
	verifier   ledger.Principal = "0xbot"
)

type scorerStub struct {
	calls  atomic.Int32
	status int
	body   string
}

func (s *scorerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	w.WriteHeader(s.status)
	_, _ = w.Write([]byte(s.body))
}

type handlerFixture struct {
	handler *AutoScoreHandler
	ledger  *ledger.Ledger
	stub    *scorerStub
	project int64
	mile    int64
}

func newHandlerFixture(t *testing.T, status int, body string) *handlerFixture {
	t.Helper()

	stub := &scorerStub{status: status, body: body}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	roles, err := rbac.NewRegistry(admin, verifier)
	require.NoError(t, err)
	l := ledger.New(ledger.NewMemoryStore(), roles, zap.NewNop(), ledger.Options{})

	ctx := context.Background()
	one := decimal.RequireFromString("1")
	pid, err := l.CreateProject(ctx, admin, ledger.NewProject{Name: "p", Contractor: contractor, Budget: one, Deposit: one})
	require.NoError(t, err)
	mid, err := l.AddMilestone(ctx, admin, pid, "m", one)
	require.NoError(t, err)
	require.NoError(t, l.SubmitMilestoneProof(ctx, contractor, pid, mid, "QmHashOfImage"))

	h := NewAutoScoreHandler(
		l,
		scorer.NewClient(srv.URL, time.Second, zap.NewNop()),
		verifier,
		util.NewRetryCounter(rdb, time.Hour),
		util.NewDeduper(rdb, time.Hour, zap.NewNop()),
		zap.NewNop(),
	)
	return &handlerFixture{handler: h, ledger: l, stub: stub, project: pid, mile: mid}
}

func (f *handlerFixture) message(t *testing.T, id string) mq.Message {
	t.Helper()
	body, err := json.Marshal(ledger.Event{
		Seq:         4,
		Type:        ledger.EventProofSubmitted,
		ProjectID:   f.project,
		MilestoneID: f.mile,
		ProofRef:    "QmHashOfImage",
	})
	require.NoError(t, err)
	return mq.Message{ID: id, RoutingKey: string(ledger.EventProofSubmitted), Body: body}
}

func (f *handlerFixture) milestone(t *testing.T) *ledger.Milestone {
	t.Helper()
	m, err := f.ledger.GetMilestone(context.Background(), f.project, f.mile)
	require.NoError(t, err)
	return m
}

func TestAutoScoreHandler_Verifies(t *testing.T) {
	f := newHandlerFixture(t, http.StatusOK, `{"verificationScore": 88, "isAuthentic": true}`)

	require.NoError(t, f.handler.Handle(context.Background(), f.message(t, "4")))

	m := f.milestone(t)
	assert.Equal(t, ledger.StatusVerified, m.Status)
	require.NotNil(t, m.Score)
	assert.Equal(t, 88, *m.Score)
	assert.Equal(t, verifier, m.Verifier)

	// 重复投递直接跳过
	require.NoError(t, f.handler.Handle(context.Background(), f.message(t, "4")))
	assert.Equal(t, int32(1), f.stub.calls.Load())
}

func TestAutoScoreHandler_NotAuthenticLeftForManualReview(t *testing.T) {
	f := newHandlerFixture(t, http.StatusOK, `{"verificationScore": 12, "isAuthentic": false}`)

	require.NoError(t, f.handler.Handle(context.Background(), f.message(t, "4")))
	assert.Equal(t, ledger.StatusSubmitted, f.milestone(t).Status)
}

func TestAutoScoreHandler_ServerErrorRequeues(t *testing.T) {
	f := newHandlerFixture(t, http.StatusServiceUnavailable, "")

	err := f.handler.Handle(context.Background(), f.message(t, "4"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, mq.ErrPermanent)

	// 去重记录已释放，重新投递会再次调用评分服务
	err = f.handler.Handle(context.Background(), f.message(t, "4"))
	require.Error(t, err)
	assert.Equal(t, int32(2), f.stub.calls.Load())
	assert.Equal(t, ledger.StatusSubmitted, f.milestone(t).Status)
}

func TestAutoScoreHandler_RejectedGoesToDeadLetter(t *testing.T) {
	f := newHandlerFixture(t, http.StatusBadRequest, "unknown cid")

	err := f.handler.Handle(context.Background(), f.message(t, "4"))
	assert.ErrorIs(t, err, mq.ErrPermanent)
}

func TestAutoScoreHandler_BadPayload(t *testing.T) {
	f := newHandlerFixture(t, http.StatusOK, `{}`)

	err := f.handler.Handle(context.Background(), mq.Message{ID: "1", Body: []byte("{")})
	assert.ErrorIs(t, err, mq.ErrPermanent)
	assert.Equal(t, int32(0), f.stub.calls.Load())
}

func TestAutoScoreHandler_IgnoresOtherEvents(t *testing.T) {
	f := newHandlerFixture(t, http.StatusOK, `{}`)

	body, err := json.Marshal(ledger.Event{Type: ledger.EventFundsLocked, ProjectID: f.project})
	require.NoError(t, err)
	require.NoError(t, f.handler.Handle(context.Background(), mq.Message{ID: "2", Body: body}))
	assert.Equal(t, int32(0), f.stub.calls.Load())
}

func TestAutoScoreHandler_AlreadyVerifiedIsAcked(t *testing.T) {
	f := newHandlerFixture(t, http.StatusOK, `{"verificationScore": 70, "isAuthentic": true}`)
	require.NoError(t, f.ledger.VerifyMilestone(context.Background(), verifier, f.project, f.mile, 99))

	require.NoError(t, f.handler.Handle(context.Background(), f.message(t, "4")))

	m := f.milestone(t)
	require.NotNil(t, m.Score)
	assert.Equal(t, 99, *m.Score)
}

func TestAutoScoreHandler_StaleProofIsNotVerified(t *testing.T) {
	f := newHandlerFixture(t, http.StatusOK, `{"verificationScore": 97, "isAuthentic": true}`)
	ctx := context.Background()
	require.NoError(t, f.ledger.SubmitMilestoneProof(ctx, contractor, f.project, f.mile, "QmReplacement"))

	// 旧证明的事件迟到，分数不能落到新证明上
	require.NoError(t, f.handler.Handle(ctx, f.message(t, "4")))

	m := f.milestone(t)
	assert.Equal(t, ledger.StatusSubmitted, m.Status)
	assert.Equal(t, "QmReplacement", m.ProofRef)
	assert.Nil(t, m.Score)
}
