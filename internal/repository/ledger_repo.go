package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"heritrust/internal/ledger"
	"heritrust/pkg/outbox"
	"heritrust/pkg/rbac"
)

// querier 由 *pgxpool.Pool 和 pgx.Tx 共同实现
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// LedgerRepository PostgreSQL 实现的 ledger.Store。
// 每次提交在一个事务内完成：项目行加锁、状态写入、余额累加和 outbox 事件。
type LedgerRepository struct {
	db         *pgxpool.Pool
	outboxRepo *outbox.Repository
	logger     *zap.Logger
}

var _ ledger.Store = (*LedgerRepository)(nil)

func NewLedgerRepository(db *pgxpool.Pool, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:         db,
		outboxRepo: outbox.NewRepository(db),
		logger:     logger,
	}
}

func (r *LedgerRepository) CreateProject(ctx context.Context, p *ledger.Project, emit func(p *ledger.Project) []ledger.Event) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO projects (name, description, contractor, budget, funds_locked, funds_released, allocated, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
			RETURNING id
		`
		var id int64
		err := tx.QueryRow(ctx, query,
			p.Name,
			p.Description,
			string(p.Contractor),
			p.Budget,
			p.FundsLocked,
			p.FundsReleased,
			p.Allocated,
			p.CreatedAt,
			p.UpdatedAt,
		).Scan(&id)
		if err != nil {
			r.logger.Error("Failed to insert project", zap.Error(err))
			return fmt.Errorf("failed to insert project: %w", err)
		}

		p.ID = id
		p.Version = 1
		return r.appendEvents(ctx, tx, emit(p))
	})
}

func (r *LedgerRepository) UpdateProject(ctx context.Context, id int64, fn ledger.MutateFunc) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := r.loadProject(ctx, tx, id, true)
		if err != nil {
			return err
		}

		draft := current.Clone()
		commit, err := fn(draft)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE projects
			SET funds_locked = $1, funds_released = $2, allocated = $3, updated_at = $4, version = version + 1
			WHERE id = $5 AND version = $6
		`, draft.FundsLocked, draft.FundsReleased, draft.Allocated, draft.UpdatedAt, id, current.Version)
		if err != nil {
			return fmt.Errorf("failed to update project %d: %w", id, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("concurrent update of project %d", id)
		}

		for _, m := range draft.Milestones {
			if prev, ok := current.Milestone(m.ID); ok && !milestoneChanged(prev, m) {
				continue
			}
			if err := upsertMilestone(ctx, tx, m); err != nil {
				return err
			}
		}

		if commit == nil {
			return nil
		}
		if commit.Payout != nil {
			if err := addPayout(ctx, tx, commit.Payout); err != nil {
				return err
			}
		}
		return r.appendEvents(ctx, tx, commit.Events)
	})
}

func (r *LedgerRepository) GetProject(ctx context.Context, id int64) (*ledger.Project, error) {
	return r.loadProject(ctx, r.db, id, false)
}

func (r *LedgerRepository) ListProjects(ctx context.Context) ([]*ledger.Project, error) {
	rows, err := r.db.Query(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	projects, err := pgx.CollectRows(rows, scanProject)
	if err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}

	byID := make(map[int64]*ledger.Project, len(projects))
	for _, p := range projects {
		byID[p.ID] = p
	}

	mrows, err := r.db.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones ORDER BY project_id ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	milestones, err := pgx.CollectRows(mrows, scanMilestone)
	if err != nil {
		return nil, fmt.Errorf("failed to scan milestones: %w", err)
	}
	for _, m := range milestones {
		if p, ok := byID[m.ProjectID]; ok {
			p.Milestones = append(p.Milestones, m)
		}
	}
	return projects, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, principal ledger.Principal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.db.QueryRow(ctx, `SELECT amount FROM payouts WHERE recipient = $1`, string(principal)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	return amount, nil
}

func (r *LedgerRepository) Events(ctx context.Context, after int64, limit int) ([]ledger.Event, error) {
	query := `SELECT payload FROM outbox_events WHERE seq > $1 ORDER BY seq ASC`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Event, error) {
		var payload []byte
		var e ledger.Event
		if err := row.Scan(&payload); err != nil {
			return e, err
		}
		err := json.Unmarshal(payload, &e)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

func (r *LedgerRepository) SaveRole(ctx context.Context, grant rbac.Grant, granted bool, event ledger.Event) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if granted {
			_, err = tx.Exec(ctx, `
				INSERT INTO roles (principal, role, granted_at) VALUES ($1, $2, $3)
				ON CONFLICT (principal, role) DO NOTHING
			`, string(grant.Principal), string(grant.Role), event.OccurredAt)
		} else {
			_, err = tx.Exec(ctx, `DELETE FROM roles WHERE principal = $1 AND role = $2`, string(grant.Principal), string(grant.Role))
		}
		if err != nil {
			return fmt.Errorf("failed to save role: %w", err)
		}
		return r.appendEvents(ctx, tx, []ledger.Event{event})
	})
}

func (r *LedgerRepository) LoadRoles(ctx context.Context) ([]rbac.Grant, error) {
	rows, err := r.db.Query(ctx, `SELECT principal, role FROM roles ORDER BY role ASC, principal ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query roles: %w", err)
	}
	grants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rbac.Grant, error) {
		var principal, role string
		if err := row.Scan(&principal, &role); err != nil {
			return rbac.Grant{}, err
		}
		return rbac.Grant{Principal: rbac.Principal(principal), Role: rbac.Role(role)}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan roles: %w", err)
	}
	return grants, nil
}

// appendEvents 分配连续 seq 并写入 outbox。ledger_sequence 的行锁串行化所有提交的事件追加。
func (r *LedgerRepository) appendEvents(ctx context.Context, tx pgx.Tx, events []ledger.Event) error {
	if len(events) == 0 {
		return nil
	}

	var last int64
	err := tx.QueryRow(ctx, `
		UPDATE ledger_sequence SET last_seq = last_seq + $1 WHERE id = 1 RETURNING last_seq
	`, len(events)).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to allocate event sequence: %w", err)
	}

	first := last - int64(len(events)) + 1
	for i := range events {
		e := events[i]
		e.Seq = first + int64(i)

		var aggregateID *int64
		if e.ProjectID > 0 {
			id := e.ProjectID
			aggregateID = &id
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outboxRepo, e.Type.AggregateType(), aggregateID, string(e.Type), e.Seq, e); err != nil {
			r.logger.Error("Failed to insert event to outbox",
				zap.String("type", string(e.Type)),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

func (r *LedgerRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
