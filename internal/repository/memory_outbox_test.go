package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"heritrust/internal/ledger"
	"heritrust/pkg/outbox"
	"heritrust/pkg/rbac"
)

func TestAttachOutbox(t *testing.T) {
	store := ledger.NewMemoryStore()
	repo := outbox.NewMemoryRepository()
	AttachOutbox(store, repo, zap.NewNop())

	roles, err := rbac.NewRegistry("0xadmin", "0xverifier")
	require.NoError(t, err)
	l := ledger.New(store, roles, zap.NewNop(), ledger.Options{})

	ctx := context.Background()
	pid, err := l.CreateProject(ctx, "0xadmin", ledger.NewProject{
		Name:       "p",
		Contractor: "0xc",
		Budget:     decimal.RequireFromString("1"),
		Deposit:    decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	pending, err := repo.GetPendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	first := pending[0]
	assert.Equal(t, "project", first.AggregateType)
	require.NotNil(t, first.AggregateID)
	assert.Equal(t, pid, *first.AggregateID)
	assert.Equal(t, string(ledger.EventProjectCreated), first.RoutingKey)
	assert.Equal(t, "1", first.MessageID())

	var decoded ledger.Event
	require.NoError(t, json.Unmarshal(first.Payload, &decoded))
	assert.Equal(t, int64(1), decoded.Seq)
	assert.Equal(t, "p", decoded.Name)

	assert.Equal(t, string(ledger.EventFundsLocked), pending[1].RoutingKey)
	assert.Equal(t, int64(2), pending[1].Seq)
}
