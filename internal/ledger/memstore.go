package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"heritrust/pkg/rbac"
)

// CommitHook 在提交成功后、释放写锁前被调用，事件按提交顺序到达
type CommitHook func(events []Event)

// MemoryStore 基于互斥锁的内存存储。修改作用在副本上，成功后整体替换。
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[int64]*Project
	lastID   int64
	balances map[Principal]decimal.Decimal
	events   []Event
	roles    map[rbac.Grant]struct{}
	hooks    []CommitHook
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[int64]*Project),
		balances: make(map[Principal]decimal.Decimal),
		roles:    make(map[rbac.Grant]struct{}),
	}
}

// OnCommit 注册提交钩子（例如写入 outbox）
func (s *MemoryStore) OnCommit(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *MemoryStore) CreateProject(ctx context.Context, p *Project, emit func(p *Project) []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := p.Clone()
	stored.ID = s.lastID + 1
	stored.Version = 1
	events := emit(stored)

	s.lastID = stored.ID
	s.projects[stored.ID] = stored
	p.ID = stored.ID
	p.Version = stored.Version
	s.appendLocked(events)
	return nil
}

func (s *MemoryStore) UpdateProject(ctx context.Context, id int64, fn MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.projects[id]
	if !ok {
		return fmt.Errorf("%w: project %d", ErrNotFound, id)
	}

	draft := current.Clone()
	commit, err := fn(draft)
	if err != nil {
		return err
	}
	draft.Version = current.Version + 1
	s.projects[id] = draft

	if commit == nil {
		return nil
	}
	if commit.Payout != nil {
		r := commit.Payout.Recipient
		s.balances[r] = s.balances[r].Add(commit.Payout.Amount)
	}
	s.appendLocked(commit.Events)
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %d", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListProjects(ctx context.Context) ([]*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Balance(ctx context.Context, principal Principal) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[principal], nil
}

func (s *MemoryStore) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// seq 从 1 开始连续分配，下标即 seq-1
	start := int(after)
	if start < 0 {
		start = 0
	}
	if start >= len(s.events) {
		return nil, nil
	}
	end := len(s.events)
	if limit > 0 && limit < end-start {
		end = start + limit
	}
	out := make([]Event, end-start)
	copy(out, s.events[start:end])
	return out, nil
}

func (s *MemoryStore) SaveRole(ctx context.Context, grant rbac.Grant, granted bool, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if granted {
		s.roles[grant] = struct{}{}
	} else {
		delete(s.roles, grant)
	}
	s.appendLocked([]Event{event})
	return nil
}

func (s *MemoryStore) LoadRoles(ctx context.Context) ([]rbac.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]rbac.Grant, 0, len(s.roles))
	for g := range s.roles {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Principal < out[j].Principal
	})
	return out, nil
}

func (s *MemoryStore) appendLocked(events []Event) {
	if len(events) == 0 {
		return
	}
	committed := make([]Event, len(events))
	for i, e := range events {
		e.Seq = int64(len(s.events)) + 1
		s.events = append(s.events, e)
		committed[i] = e
	}
	for _, hook := range s.hooks {
		hook(committed)
	}
}
