package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heritrust/internal/handler"
	"heritrust/internal/ledger"
	"heritrust/internal/repository"
	"heritrust/internal/scorer"
	"heritrust/pkg/auth"
	"heritrust/pkg/outbox"
	"heritrust/pkg/rbac"
	"heritrust/pkg/util"
)

const (
	admin      = "0xadmin"
	contractor = "0xcontractor"
	verifier   = "0xverifier"
	citizen    = "0xcitizen"
)

type nopPublisher struct{}

func (nopPublisher) PublishWithContext(ctx context.Context, routingKey string, body []byte, messageID string) error {
	return nil
}

func (nopPublisher) PublishToDLQ(ctx context.Context, routingKey string, body []byte, messageID, originalError string) error {
	return nil
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	tokens *auth.TokenManager
	outbox *outbox.MemoryRepository
	scored *atomic.Int32
}

func newTestServer(t *testing.T, ready ReadinessCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	scored := &atomic.Int32{}
	scorerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scored.Add(1)
		var req struct {
			CID string `json:"cid"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.CID == "QmFake" {
			_, _ = w.Write([]byte(`{"verificationScore": 10, "isAuthentic": false}`))
			return
		}
		_, _ = w.Write([]byte(`{"verificationScore": 91, "isAuthentic": true}`))
	}))
	t.Cleanup(scorerSrv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	roles, err := rbac.NewRegistry(admin, verifier)
	require.NoError(t, err)
	store := ledger.NewMemoryStore()
	outboxRepo := outbox.NewMemoryRepository()
	repository.AttachOutbox(store, outboxRepo, zap.NewNop())
	l := ledger.New(store, roles, zap.NewNop(), ledger.Options{EnforceAllocation: true})

	tokens := auth.NewTokenManager("test-secret", "heritrust", time.Hour)
	router := NewRouter(
		handler.NewLedgerHandler(l, scorer.NewClient(scorerSrv.URL, time.Second, zap.NewNop()), zap.NewNop()),
		handler.NewAdminHandler(l, outbox.NewReplayService(outboxRepo, nopPublisher{}, zap.NewNop(), 3), zap.NewNop()),
		tokens,
		roles,
		util.NewDeduper(rdb, time.Minute, zap.NewNop()),
		ready,
		zap.NewNop(),
	)
	return &testServer{t: t, engine: router.Engine, tokens: tokens, outbox: outboxRepo, scored: scored}
}

func (s *testServer) do(method, path, as string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	s.t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		token, err := s.tokens.Generate(rbac.Principal(as))
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func (s *testServer) createProject(budget string) {
	s.t.Helper()
	w, _ := s.do(http.MethodPost, "/projects", admin, map[string]any{
		"name":       "Temple Restoration",
		"contractor": contractor,
		"budget":     budget,
		"deposit":    budget,
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRouter_FullFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProject("2.0")

	w, body := s.do(http.MethodPost, "/projects/1/milestones", admin, map[string]any{"description": "Foundation", "amount": "1.0"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, float64(1), body["milestone_id"])

	w, _ = s.do(http.MethodPost, "/projects/1/milestones/1/proof", contractor, map[string]any{"proof_ref": "QmHashOfImage"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(http.MethodPost, "/projects/1/milestones/1/verify", verifier, map[string]any{"score": 95})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, body = s.do(http.MethodPost, "/projects/1/milestones/1/approve", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1", body["amount"])
	assert.Equal(t, contractor, body["recipient"])

	w, body = s.do(http.MethodPost, "/projects/1/milestones/1/approve", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "milestone already approved")

	w, body = s.do(http.MethodGet, "/projects/1", citizen, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", body["funds_locked"])
	assert.Equal(t, "1", body["funds_released"])

	w, body = s.do(http.MethodGet, "/balances/0xCONTRACTOR", citizen, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", body["balance"])

	w, body = s.do(http.MethodGet, "/events?after=4&limit=10", citizen, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, string(ledger.EventMilestoneVerified), events[0].(map[string]any)["type"])
	assert.Equal(t, string(ledger.EventFundsReleased), events[1].(map[string]any)["type"])

	pending, err := s.outbox.GetPendingEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, pending, 6)
}

func TestRouter_EventsLimitIsCapped(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProject("1.0")

	w, body := s.do(http.MethodGet, "/events?after=1&limit=9223372036854775807", citizen, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, string(ledger.EventFundsLocked), events[0].(map[string]any)["type"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProject("1.0")

	tests := []struct {
		name   string
		method string
		path   string
		as     string
		body   any
		want   int
	}{
		{"missing token", http.MethodGet, "/projects", "", nil, http.StatusUnauthorized},
		{"not admin", http.MethodPost, "/projects/1/milestones", citizen, map[string]any{"amount": "0.5"}, http.StatusForbidden},
		{"unknown project", http.MethodGet, "/projects/9", citizen, nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/projects/abc", citizen, nil, http.StatusBadRequest},
		{"zero amount", http.MethodPost, "/projects/1/milestones", admin, map[string]any{"amount": "0"}, http.StatusBadRequest},
		{"over budget", http.MethodPost, "/projects/1/milestones", admin, map[string]any{"amount": "2"}, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/projects", admin, "nope", http.StatusBadRequest},
		{"missing score", http.MethodPost, "/projects/1/milestones/1/verify", verifier, map[string]any{}, http.StatusBadRequest},
		{"unknown milestone", http.MethodGet, "/projects/1/milestones/7", citizen, nil, http.StatusNotFound},
		{"replay requires admin", http.MethodPost, "/admin/outbox/replay-failed", citizen, nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := s.do(tt.method, tt.path, tt.as, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w, _ := s.do(http.MethodPost, "/projects/1/milestones", admin, map[string]any{"amount": "0.5"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, body := s.do(http.MethodPost, "/projects/1/milestones/1/approve", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "milestone not verified")
	assert.Equal(t, "invalid_state", body["kind"])
}

func TestRouter_InvalidToken(t *testing.T) {
	s := newTestServer(t, nil)

	other := auth.NewTokenManager("other-secret", "heritrust", time.Hour)
	token, err := other.Generate(admin)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_ScoreMilestone(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProject("1.0")
	w, _ := s.do(http.MethodPost, "/projects/1/milestones", admin, map[string]any{"amount": "0.5"})
	require.Equal(t, http.StatusCreated, w.Code)
	w, _ = s.do(http.MethodPost, "/projects/1/milestones", admin, map[string]any{"amount": "0.5"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = s.do(http.MethodPost, "/projects/1/milestones/1/score", verifier, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "no proof yet")

	w, _ = s.do(http.MethodPost, "/projects/1/milestones/1/proof", contractor, map[string]any{"proof_ref": "QmHashOfImage"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(http.MethodPost, "/projects/1/milestones/1/score", citizen, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, int32(0), s.scored.Load(), "unauthorized callers never reach the scorer")

	w, body := s.do(http.MethodPost, "/projects/1/milestones/1/score", verifier, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(91), body["score"])

	w, body = s.do(http.MethodGet, "/projects/1/milestones/1", citizen, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "verified", body["status"])
	assert.Equal(t, float64(91), body["verification_score"])

	w, _ = s.do(http.MethodPost, "/projects/1/milestones/2/proof", contractor, map[string]any{"proof_ref": "QmFake"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(http.MethodPost, "/projects/1/milestones/2/score", verifier, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRouter_IdempotencyKey(t *testing.T) {
	s := newTestServer(t, nil)
	body := map[string]any{"name": "p", "contractor": contractor, "budget": "1", "deposit": "1"}

	w, _ := s.do(http.MethodPost, "/projects", admin, body, IdempotencyHeader, "create-1")
	require.Equal(t, http.StatusCreated, w.Code)

	w, _ = s.do(http.MethodPost, "/projects", admin, body, IdempotencyHeader, "create-1")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = s.do(http.MethodPost, "/projects", admin, body, IdempotencyHeader, "create-2")
	assert.Equal(t, http.StatusCreated, w.Code)

	w, body2 := s.do(http.MethodGet, "/projects", citizen, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body2["projects"], 2)
}

func TestRouter_Roles(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(http.MethodPost, "/admin/roles", admin, map[string]any{"principal": "0xNEW", "role": "verifier"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = s.do(http.MethodPost, "/admin/roles", verifier, map[string]any{"principal": "0xother", "role": "verifier"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(http.MethodPost, "/admin/roles", admin, map[string]any{"principal": "0xnew", "role": "auditor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(http.MethodDelete, "/admin/roles", admin, map[string]any{"principal": admin, "role": "admin"})
	assert.Equal(t, http.StatusConflict, w.Code, "last admin")

	w, _ = s.do(http.MethodDelete, "/admin/roles", admin, map[string]any{"principal": "0xnew", "role": "verifier"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_OutboxReplay(t *testing.T) {
	s := newTestServer(t, nil)
	s.createProject("1.0")

	w, body := s.do(http.MethodPost, "/admin/outbox/replay?id=1", admin, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "replayed", body["status"])

	w, _ = s.do(http.MethodPost, "/admin/outbox/replay?id=99", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(http.MethodPost, "/admin/outbox/replay", admin, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(http.MethodPost, "/admin/outbox/replay-failed?limit=10", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["success_count"])
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, func(ctx context.Context) error { return errors.New("db down") })

	w, _ := s.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "db down", body["error"])

	w, _ = s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}
