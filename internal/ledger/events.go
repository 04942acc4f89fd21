package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"heritrust/pkg/rbac"
)

// EventType 通知类型，同时作为 MQ routing key
type EventType string

const (
	EventProjectCreated    EventType = "ledger.project.created"
	EventFundsLocked       EventType = "ledger.funds.locked"
	EventMilestoneAdded    EventType = "ledger.milestone.added"
	EventProofSubmitted    EventType = "ledger.proof.submitted"
	EventMilestoneVerified EventType = "ledger.milestone.verified"
	EventFundsReleased     EventType = "ledger.funds.released"
	EventRoleGranted       EventType = "ledger.role.granted"
	EventRoleRevoked       EventType = "ledger.role.revoked"
)

// AggregateType 事件所属聚合
func (t EventType) AggregateType() string {
	switch t {
	case EventRoleGranted, EventRoleRevoked:
		return "role"
	default:
		return "project"
	}
}

// Event 追加式通知日志中的一条记录。Seq 由存储在提交时分配。
type Event struct {
	Seq         int64            `json:"seq"`
	Type        EventType        `json:"type"`
	ProjectID   int64            `json:"project_id,omitempty"`
	MilestoneID int64            `json:"milestone_id,omitempty"`
	Name        string           `json:"name,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Principal   Principal        `json:"principal,omitempty"`
	ProofRef    string           `json:"proof_ref,omitempty"`
	Score       *int             `json:"score,omitempty"`
	Role        rbac.Role        `json:"role,omitempty"`
	OccurredAt  time.Time        `json:"occurred_at"`
	TraceID     string           `json:"trace_id,omitempty"`
}

// Commit 一次原子提交中除项目状态以外的附带写入
type Commit struct {
	Events []Event
	Payout *Payout
}

func amountPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
