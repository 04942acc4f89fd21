package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"heritrust/pkg/logger"
	"heritrust/pkg/metrics"
	tracing "heritrust/pkg/otel"
	"heritrust/pkg/rbac"
	"heritrust/pkg/trace"
)

const (
	MinScore = 0
	MaxScore = 100
)

// Options 账本策略
type Options struct {
	// EnforceAllocation 为 true 时，里程碑金额之和不得超过项目预算
	EnforceAllocation bool
	// Now 时间源，测试中可替换
	Now func() time.Time
}

// Ledger 托管账本：项目、里程碑的状态机以及资金记账
type Ledger struct {
	store  Store
	roles  *rbac.Registry
	logger *zap.Logger
	opts   Options

	// 串行化角色变更，保证注册表与存储一致
	roleMu sync.Mutex
}

// New 创建账本。roles 是显式注入的授权上下文。
func New(store Store, roles *rbac.Registry, logger *zap.Logger, opts Options) *Ledger {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ledger{
		store:  store,
		roles:  roles,
		logger: logger,
		opts:   opts,
	}
}

// LoadRoles 从存储重建注册表；存储为空时先写入 seed 作为初始角色
func LoadRoles(ctx context.Context, store Store, seed *rbac.Registry, now func() time.Time) (*rbac.Registry, error) {
	grants, err := store.LoadRoles(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load roles: %w", err)
	}
	if len(grants) > 0 {
		return rbac.NewRegistryFromGrants(grants)
	}

	for _, g := range seed.Grants() {
		ev := Event{Type: EventRoleGranted, Principal: g.Principal, Role: g.Role, OccurredAt: now()}
		if err := store.SaveRole(ctx, g, true, ev); err != nil {
			return nil, fmt.Errorf("failed to seed role %s for %s: %w", g.Role, g.Principal, err)
		}
	}
	return seed, nil
}

// Roles 返回账本持有的注册表（只读用途）
func (l *Ledger) Roles() *rbac.Registry {
	return l.roles
}

// CreateProject 管理员存入预算并创建项目，存入金额必须等于预算
func (l *Ledger) CreateProject(ctx context.Context, caller Principal, req NewProject) (id int64, err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "CreateProject", caller)
	defer func() { done(err, attribute.Int64("project_id", id)) }()

	if err := l.authorize(caller, rbac.PermissionCreateProject); err != nil {
		return 0, err
	}
	if !req.Budget.IsPositive() {
		return 0, fmt.Errorf("%w: budget must be positive", ErrInvalidAmount)
	}
	if !req.Deposit.Equal(req.Budget) {
		return 0, fmt.Errorf("%w: deposit %s does not match budget %s", ErrInvalidAmount, req.Deposit, req.Budget)
	}
	if err := rbac.VerifyChecksum(string(req.Contractor)); err != nil {
		return 0, fmt.Errorf("%w: contractor %s: %w", ErrInvalidInput, req.Contractor, err)
	}
	contractor := rbac.NormalizePrincipal(string(req.Contractor))
	if contractor == "" {
		return 0, fmt.Errorf("%w: contractor is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Name) == "" {
		return 0, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}

	now := l.opts.Now()
	traceID := trace.FromContext(ctx)
	p := &Project{
		Name:          req.Name,
		Description:   req.Description,
		Contractor:    contractor,
		Budget:        req.Budget,
		FundsLocked:   req.Budget,
		FundsReleased: decimal.Zero,
		Allocated:     decimal.Zero,
		Milestones:    []*Milestone{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = l.store.CreateProject(ctx, p, func(p *Project) []Event {
		return []Event{
			{
				Type:       EventProjectCreated,
				ProjectID:  p.ID,
				Name:       p.Name,
				Principal:  p.Contractor,
				Amount:     amountPtr(p.Budget),
				OccurredAt: now,
				TraceID:    traceID,
			},
			{
				Type:       EventFundsLocked,
				ProjectID:  p.ID,
				Amount:     amountPtr(p.Budget),
				OccurredAt: now,
				TraceID:    traceID,
			},
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create project: %w", err)
	}

	logger.WithTrace(ctx, l.logger).Info("Project created, funds locked",
		zap.Int64("project_id", p.ID),
		zap.String("contractor", string(p.Contractor)),
		zap.String("budget", p.Budget.String()),
	)
	return p.ID, nil
}

// AddMilestone 管理员为项目追加一个 Pending 状态的里程碑
func (l *Ledger) AddMilestone(ctx context.Context, caller Principal, projectID int64, description string, amount decimal.Decimal) (id int64, err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "AddMilestone", caller, attribute.Int64("project_id", projectID))
	defer func() { done(err, attribute.Int64("milestone_id", id)) }()

	if err := l.authorize(caller, rbac.PermissionAddMilestone); err != nil {
		return 0, err
	}
	if !amount.IsPositive() {
		return 0, fmt.Errorf("%w: milestone amount must be positive", ErrInvalidAmount)
	}

	now := l.opts.Now()
	var milestoneID int64
	err = l.store.UpdateProject(ctx, projectID, func(p *Project) (*Commit, error) {
		allocated := p.Allocated.Add(amount)
		if l.opts.EnforceAllocation && allocated.GreaterThan(p.Budget) {
			return nil, fmt.Errorf("%w: milestone allocation %s exceeds budget %s", ErrInvalidAmount, allocated, p.Budget)
		}

		m := &Milestone{
			ID:          p.NextMilestoneID(),
			ProjectID:   p.ID,
			Description: description,
			Amount:      amount,
			Status:      StatusPending,
			CreatedAt:   now,
		}
		p.Milestones = append(p.Milestones, m)
		p.Allocated = allocated
		p.UpdatedAt = now
		milestoneID = m.ID

		return &Commit{Events: []Event{{
			Type:        EventMilestoneAdded,
			ProjectID:   p.ID,
			MilestoneID: m.ID,
			Name:        description,
			Amount:      amountPtr(amount),
			OccurredAt:  now,
			TraceID:     trace.FromContext(ctx),
		}}}, nil
	})
	if err != nil {
		return 0, err
	}

	logger.WithTrace(ctx, l.logger).Info("Milestone added",
		zap.Int64("project_id", projectID),
		zap.Int64("milestone_id", milestoneID),
		zap.String("amount", amount.String()),
	)
	return milestoneID, nil
}

// SubmitMilestoneProof 承包商提交完工证明。核验前允许重复提交，后一次覆盖前一次。
func (l *Ledger) SubmitMilestoneProof(ctx context.Context, caller Principal, projectID, milestoneID int64, proofRef string) (err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "SubmitMilestoneProof", caller,
		attribute.Int64("project_id", projectID),
		attribute.Int64("milestone_id", milestoneID),
	)
	defer func() { done(err) }()

	proofRef = strings.TrimSpace(proofRef)
	now := l.opts.Now()

	err = l.store.UpdateProject(ctx, projectID, func(p *Project) (*Commit, error) {
		if caller != p.Contractor {
			return nil, fmt.Errorf("%w: caller is not the project contractor", ErrUnauthorized)
		}
		m, ok := p.Milestone(milestoneID)
		if !ok {
			return nil, fmt.Errorf("%w: milestone %d in project %d", ErrNotFound, milestoneID, projectID)
		}
		if m.Status != StatusPending && m.Status != StatusSubmitted {
			return nil, fmt.Errorf("%w: milestone already %s", ErrInvalidState, m.Status)
		}
		if proofRef == "" {
			return nil, fmt.Errorf("%w: proof reference is required", ErrInvalidInput)
		}

		m.ProofRef = proofRef
		m.Status = StatusSubmitted
		m.SubmittedAt = &now
		p.UpdatedAt = now

		return &Commit{Events: []Event{{
			Type:        EventProofSubmitted,
			ProjectID:   p.ID,
			MilestoneID: m.ID,
			Principal:   caller,
			ProofRef:    proofRef,
			OccurredAt:  now,
			TraceID:     trace.FromContext(ctx),
		}}}, nil
	})
	if err != nil {
		return err
	}

	logger.WithTrace(ctx, l.logger).Info("Milestone proof submitted",
		zap.Int64("project_id", projectID),
		zap.Int64("milestone_id", milestoneID),
		zap.String("proof_ref", proofRef),
	)
	return nil
}

// VerifyMilestone 核验员为已提交的证明打分
func (l *Ledger) VerifyMilestone(ctx context.Context, caller Principal, projectID, milestoneID int64, score int) error {
	return l.verify(ctx, caller, projectID, milestoneID, score, "")
}

// VerifyMilestoneProof 与 VerifyMilestone 相同，但分数只对 proofRef 有效：
// 里程碑当前的证明已被替换时返回 ErrInvalidState。
func (l *Ledger) VerifyMilestoneProof(ctx context.Context, caller Principal, projectID, milestoneID int64, proofRef string, score int) error {
	proofRef = strings.TrimSpace(proofRef)
	if proofRef == "" {
		return fmt.Errorf("%w: proof reference is required", ErrInvalidInput)
	}
	return l.verify(ctx, caller, projectID, milestoneID, score, proofRef)
}

func (l *Ledger) verify(ctx context.Context, caller Principal, projectID, milestoneID int64, score int, proofRef string) (err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "VerifyMilestone", caller,
		attribute.Int64("project_id", projectID),
		attribute.Int64("milestone_id", milestoneID),
	)
	defer func() { done(err, attribute.Int("score", score)) }()

	if err := l.authorize(caller, rbac.PermissionVerifyMilestone); err != nil {
		return err
	}
	if score < MinScore || score > MaxScore {
		return fmt.Errorf("%w: score %d outside [%d, %d]", ErrInvalidAmount, score, MinScore, MaxScore)
	}

	now := l.opts.Now()
	err = l.store.UpdateProject(ctx, projectID, func(p *Project) (*Commit, error) {
		m, ok := p.Milestone(milestoneID)
		if !ok {
			return nil, fmt.Errorf("%w: milestone %d in project %d", ErrNotFound, milestoneID, projectID)
		}
		switch m.Status {
		case StatusSubmitted:
		case StatusPending:
			return nil, fmt.Errorf("%w: milestone proof not submitted", ErrInvalidState)
		default:
			return nil, fmt.Errorf("%w: milestone already %s", ErrInvalidState, m.Status)
		}
		if proofRef != "" && m.ProofRef != proofRef {
			return nil, fmt.Errorf("%w: scored proof %s is no longer current", ErrInvalidState, proofRef)
		}

		s := score
		m.Score = &s
		m.Verifier = caller
		m.Status = StatusVerified
		m.VerifiedAt = &now
		p.UpdatedAt = now

		return &Commit{Events: []Event{{
			Type:        EventMilestoneVerified,
			ProjectID:   p.ID,
			MilestoneID: m.ID,
			Principal:   caller,
			Score:       &s,
			OccurredAt:  now,
			TraceID:     trace.FromContext(ctx),
		}}}, nil
	})
	if err != nil {
		return err
	}

	logger.WithTrace(ctx, l.logger).Info("Milestone verified",
		zap.Int64("project_id", projectID),
		zap.Int64("milestone_id", milestoneID),
		zap.Int("score", score),
	)
	return nil
}

// ApproveAndRelease 管理员批准已核验的里程碑并放款。
// 这是唯一移动资金的地方：状态必须恰好为 Verified，每个里程碑只能成功一次。
func (l *Ledger) ApproveAndRelease(ctx context.Context, caller Principal, projectID, milestoneID int64) (receipt *Receipt, err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "ApproveAndRelease", caller,
		attribute.Int64("project_id", projectID),
		attribute.Int64("milestone_id", milestoneID),
	)
	defer func() { done(err) }()

	if err := l.authorize(caller, rbac.PermissionApproveRelease); err != nil {
		return nil, err
	}

	now := l.opts.Now()
	err = l.store.UpdateProject(ctx, projectID, func(p *Project) (*Commit, error) {
		m, ok := p.Milestone(milestoneID)
		if !ok {
			return nil, fmt.Errorf("%w: milestone %d in project %d", ErrNotFound, milestoneID, projectID)
		}
		switch m.Status {
		case StatusVerified:
		case StatusApproved:
			return nil, fmt.Errorf("%w: milestone already approved", ErrInvalidState)
		default:
			return nil, fmt.Errorf("%w: milestone not verified", ErrInvalidState)
		}
		if m.Amount.GreaterThan(p.FundsLocked) {
			return nil, fmt.Errorf("%w: milestone amount %s exceeds locked funds %s", ErrInvalidAmount, m.Amount, p.FundsLocked)
		}

		p.FundsLocked = p.FundsLocked.Sub(m.Amount)
		p.FundsReleased = p.FundsReleased.Add(m.Amount)
		if !p.Conserved() {
			return nil, fmt.Errorf("funds not conserved for project %d", p.ID)
		}
		m.Status = StatusApproved
		m.ApprovedAt = &now
		p.UpdatedAt = now

		receipt = &Receipt{
			ProjectID:   p.ID,
			MilestoneID: m.ID,
			Amount:      m.Amount,
			Recipient:   p.Contractor,
			ReleasedAt:  now,
		}
		return &Commit{
			Payout: &Payout{Recipient: p.Contractor, Amount: m.Amount},
			Events: []Event{{
				Type:        EventFundsReleased,
				ProjectID:   p.ID,
				MilestoneID: m.ID,
				Amount:      amountPtr(m.Amount),
				Principal:   p.Contractor,
				OccurredAt:  now,
				TraceID:     trace.FromContext(ctx),
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	amount, _ := receipt.Amount.Float64()
	metrics.AddFundsReleased(amount)
	logger.WithTrace(ctx, l.logger).Info("Milestone approved, funds released",
		zap.Int64("project_id", projectID),
		zap.Int64("milestone_id", milestoneID),
		zap.String("amount", receipt.Amount.String()),
		zap.String("recipient", string(receipt.Recipient)),
	)
	return receipt, nil
}

// GetProject 返回最新已提交状态的快照
func (l *Ledger) GetProject(ctx context.Context, projectID int64) (*Project, error) {
	return l.store.GetProject(ctx, projectID)
}

// GetMilestone 返回单个里程碑的快照
func (l *Ledger) GetMilestone(ctx context.Context, projectID, milestoneID int64) (*Milestone, error) {
	p, err := l.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	m, ok := p.Milestone(milestoneID)
	if !ok {
		return nil, fmt.Errorf("%w: milestone %d in project %d", ErrNotFound, milestoneID, projectID)
	}
	return m, nil
}

// ListProjects 返回全部项目快照，按 id 升序
func (l *Ledger) ListProjects(ctx context.Context) ([]*Project, error) {
	return l.store.ListProjects(ctx)
}

// Balance 返回 principal 的应付余额
func (l *Ledger) Balance(ctx context.Context, principal Principal) (decimal.Decimal, error) {
	return l.store.Balance(ctx, rbac.NormalizePrincipal(string(principal)))
}

// Events 读取通知日志
func (l *Ledger) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	return l.store.Events(ctx, after, limit)
}

// GrantRole 管理员授予角色。已持有时不产生事件。
func (l *Ledger) GrantRole(ctx context.Context, caller Principal, grant rbac.Grant) (err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "GrantRole", caller, attribute.String("role", string(grant.Role)))
	defer func() { done(err) }()

	if err := l.authorize(caller, rbac.PermissionManageRoles); err != nil {
		return err
	}
	if err := rbac.VerifyChecksum(string(grant.Principal)); err != nil {
		return fmt.Errorf("%w: principal %s: %w", ErrInvalidInput, grant.Principal, err)
	}
	grant.Principal = rbac.NormalizePrincipal(string(grant.Principal))
	if err := validateGrant(grant); err != nil {
		return err
	}

	l.roleMu.Lock()
	defer l.roleMu.Unlock()

	if l.roles.HasRole(grant.Principal, grant.Role) {
		return nil
	}
	ev := Event{
		Type:       EventRoleGranted,
		Principal:  grant.Principal,
		Role:       grant.Role,
		OccurredAt: l.opts.Now(),
		TraceID:    trace.FromContext(ctx),
	}
	if err := l.store.SaveRole(ctx, grant, true, ev); err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}
	if err := l.roles.Add(grant); err != nil {
		return err
	}

	logger.WithTrace(ctx, l.logger).Info("Role granted",
		zap.String("principal", string(grant.Principal)),
		zap.String("role", string(grant.Role)),
		zap.String("granted_by", string(caller)),
	)
	return nil
}

// RevokeRole 管理员撤销角色，不允许撤销最后一个管理员
func (l *Ledger) RevokeRole(ctx context.Context, caller Principal, grant rbac.Grant) (err error) {
	caller = rbac.NormalizePrincipal(string(caller))
	ctx, done := l.begin(ctx, "RevokeRole", caller, attribute.String("role", string(grant.Role)))
	defer func() { done(err) }()

	if err := l.authorize(caller, rbac.PermissionManageRoles); err != nil {
		return err
	}
	grant.Principal = rbac.NormalizePrincipal(string(grant.Principal))
	if err := validateGrant(grant); err != nil {
		return err
	}

	l.roleMu.Lock()
	defer l.roleMu.Unlock()

	if !l.roles.HasRole(grant.Principal, grant.Role) {
		return nil
	}
	if err := l.roles.CanRevoke(grant); err != nil {
		if errors.Is(err, rbac.ErrLastAdmin) {
			return fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return err
	}
	ev := Event{
		Type:       EventRoleRevoked,
		Principal:  grant.Principal,
		Role:       grant.Role,
		OccurredAt: l.opts.Now(),
		TraceID:    trace.FromContext(ctx),
	}
	if err := l.store.SaveRole(ctx, grant, false, ev); err != nil {
		return fmt.Errorf("failed to save role: %w", err)
	}
	if err := l.roles.Remove(grant); err != nil {
		return err
	}

	logger.WithTrace(ctx, l.logger).Info("Role revoked",
		zap.String("principal", string(grant.Principal)),
		zap.String("role", string(grant.Role)),
		zap.String("revoked_by", string(caller)),
	)
	return nil
}

func validateGrant(g rbac.Grant) error {
	if g.Principal == "" {
		return fmt.Errorf("%w: principal is required", ErrInvalidInput)
	}
	if !rbac.ValidRole(g.Role) {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, g.Role)
	}
	return nil
}

func (l *Ledger) authorize(caller Principal, permission string) error {
	if err := l.roles.CheckPermission(caller, permission); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// begin 为一次操作开启 span 并在结束时记录指标和日志
func (l *Ledger) begin(ctx context.Context, op string, caller Principal, attrs ...attribute.KeyValue) (context.Context, func(error, ...attribute.KeyValue)) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "ledger."+op)
	span.SetAttributes(append(attrs, attribute.String("caller", string(caller)))...)

	return ctx, func(err error, extra ...attribute.KeyValue) {
		defer span.End()
		kind := Kind(err)
		metrics.RecordLedgerOperation(op, kind, time.Since(start))
		span.SetAttributes(extra...)
		span.SetAttributes(attribute.String("result", kind))

		if err == nil {
			return
		}
		if IsRejection(err) {
			logger.WithTrace(ctx, l.logger).Warn("Ledger operation rejected",
				zap.String("operation", op),
				zap.String("caller", string(caller)),
				zap.String("kind", kind),
				zap.Error(err),
			)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithTrace(ctx, l.logger).Error("Ledger operation failed",
			zap.String("operation", op),
			zap.String("caller", string(caller)),
			zap.Error(err),
		)
	}
}
