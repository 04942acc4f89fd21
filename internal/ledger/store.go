package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	"heritrust/pkg/rbac"
)

// MutateFunc 在存储持有项目写锁期间修改项目副本。
// 返回错误时本次提交整体丢弃，项目状态保持不变。
type MutateFunc func(p *Project) (*Commit, error)

// Store 账本的权威存储。每个写方法都是一个原子提交：
// 项目状态、余额和事件要么全部写入，要么全部不写。
type Store interface {
	// CreateProject 分配新的项目 id，写入项目以及 emit 生成的事件
	CreateProject(ctx context.Context, p *Project, emit func(p *Project) []Event) error
	// UpdateProject 串行化同一项目上的所有修改
	UpdateProject(ctx context.Context, id int64, fn MutateFunc) error
	GetProject(ctx context.Context, id int64) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	Balance(ctx context.Context, principal Principal) (decimal.Decimal, error)
	// Events 返回 seq 大于 after 的事件，按 seq 升序
	Events(ctx context.Context, after int64, limit int) ([]Event, error)

	// SaveRole 持久化一次角色变更及其事件
	SaveRole(ctx context.Context, grant rbac.Grant, granted bool, event Event) error
	LoadRoles(ctx context.Context) ([]rbac.Grant, error)
}
