package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"heritrust/pkg/rbac"
)

// Principal 调用方身份
type Principal = rbac.Principal

// Status 里程碑状态，只能向前推进
type Status uint8

const (
	StatusPending   Status = iota // 已创建，等待承包商提交证明
	StatusSubmitted               // 已提交证明，等待核验
	StatusVerified                // 核验通过，等待管理员放款
	StatusApproved                // 已放款，终态
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusSubmitted: "submitted",
	StatusVerified:  "verified",
	StatusApproved:  "approved",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText 以名称序列化状态
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown milestone status %d", uint8(s))
	}
	return []byte(name), nil
}

// UnmarshalText 从名称解析状态
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus 从名称解析状态
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown milestone status %q", name)
}

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusApproved
}

// Milestone 项目中的一个放款节点
type Milestone struct {
	ID          int64           `json:"id"`
	ProjectID   int64           `json:"project_id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Status      Status          `json:"status"`
	ProofRef    string          `json:"proof_ref,omitempty"`
	Score       *int            `json:"verification_score,omitempty"`
	Verifier    Principal       `json:"verifier,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
}

// Clone 深拷贝
func (m *Milestone) Clone() *Milestone {
	c := *m
	c.Score = clonePtr(m.Score)
	c.SubmittedAt = clonePtr(m.SubmittedAt)
	c.VerifiedAt = clonePtr(m.VerifiedAt)
	c.ApprovedAt = clonePtr(m.ApprovedAt)
	return &c
}

// Project 托管预算的项目
type Project struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Contractor    Principal       `json:"contractor"`
	Budget        decimal.Decimal `json:"budget"`
	FundsLocked   decimal.Decimal `json:"funds_locked"`
	FundsReleased decimal.Decimal `json:"funds_released"`
	Allocated     decimal.Decimal `json:"allocated"`
	Milestones    []*Milestone    `json:"milestones"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone 深拷贝，快照与内部状态互不影响
func (p *Project) Clone() *Project {
	c := *p
	c.Milestones = make([]*Milestone, len(p.Milestones))
	for i, m := range p.Milestones {
		c.Milestones[i] = m.Clone()
	}
	return &c
}

// Milestone 按 id 查找里程碑
func (p *Project) Milestone(id int64) (*Milestone, bool) {
	for _, m := range p.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return nil, false
}

// NextMilestoneID 返回下一个里程碑 id（当前最大值 + 1）
func (p *Project) NextMilestoneID() int64 {
	var maxID int64
	for _, m := range p.Milestones {
		if m.ID > maxID {
			maxID = m.ID
		}
	}
	return maxID + 1
}

// Conserved 检查资金守恒：locked + released == budget 且 locked >= 0
func (p *Project) Conserved() bool {
	if p.FundsLocked.IsNegative() || p.FundsReleased.IsNegative() {
		return false
	}
	return p.FundsLocked.Add(p.FundsReleased).Equal(p.Budget)
}

// Receipt 放款回执
type Receipt struct {
	ProjectID   int64           `json:"project_id"`
	MilestoneID int64           `json:"milestone_id"`
	Amount      decimal.Decimal `json:"amount"`
	Recipient   Principal       `json:"recipient"`
	ReleasedAt  time.Time       `json:"released_at"`
}

// Payout 记入收款方应付余额的一笔款项
type Payout struct {
	Recipient Principal
	Amount    decimal.Decimal
}

// NewProject 创建项目的参数
type NewProject struct {
	Name        string
	Description string
	Contractor  Principal
	Budget      decimal.Decimal
	Deposit     decimal.Decimal
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
