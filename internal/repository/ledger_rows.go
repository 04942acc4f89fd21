package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"heritrust/internal/ledger"
)

const projectColumns = `id, name, description, contractor, budget, funds_locked, funds_released, allocated, version, created_at, updated_at`

const milestoneColumns = `project_id, id, description, amount, status, proof_ref, score, verifier, created_at, submitted_at, verified_at, approved_at`

func scanProject(row pgx.CollectableRow) (*ledger.Project, error) {
	var p ledger.Project
	var contractor string
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&contractor,
		&p.Budget,
		&p.FundsLocked,
		&p.FundsReleased,
		&p.Allocated,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Contractor = ledger.Principal(contractor)
	p.Milestones = []*ledger.Milestone{}
	return &p, nil
}

func scanMilestone(row pgx.CollectableRow) (*ledger.Milestone, error) {
	var m ledger.Milestone
	var status, verifier string
	err := row.Scan(
		&m.ProjectID,
		&m.ID,
		&m.Description,
		&m.Amount,
		&status,
		&m.ProofRef,
		&m.Score,
		&verifier,
		&m.CreatedAt,
		&m.SubmittedAt,
		&m.VerifiedAt,
		&m.ApprovedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.Status, err = ledger.ParseStatus(status); err != nil {
		return nil, err
	}
	m.Verifier = ledger.Principal(verifier)
	return &m, nil
}

// loadProject 读取项目及其里程碑；forUpdate 时对项目行加锁直到事务结束
func (r *LedgerRepository) loadProject(ctx context.Context, q querier, id int64, forUpdate bool) (*ledger.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query project %d: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProject)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %d", ledger.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project %d: %w", id, err)
	}

	mrows, err := q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE project_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones of project %d: %w", id, err)
	}
	milestones, err := pgx.CollectRows(mrows, scanMilestone)
	if err != nil {
		return nil, fmt.Errorf("failed to scan milestones of project %d: %w", id, err)
	}
	p.Milestones = milestones
	return p, nil
}

func upsertMilestone(ctx context.Context, tx pgx.Tx, m *ledger.Milestone) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (project_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			proof_ref = EXCLUDED.proof_ref,
			score = EXCLUDED.score,
			verifier = EXCLUDED.verifier,
			submitted_at = EXCLUDED.submitted_at,
			verified_at = EXCLUDED.verified_at,
			approved_at = EXCLUDED.approved_at
	`,
		m.ProjectID,
		m.ID,
		m.Description,
		m.Amount,
		m.Status.String(),
		m.ProofRef,
		m.Score,
		string(m.Verifier),
		m.CreatedAt,
		m.SubmittedAt,
		m.VerifiedAt,
		m.ApprovedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert milestone %d/%d: %w", m.ProjectID, m.ID, err)
	}
	return nil
}

func addPayout(ctx context.Context, tx pgx.Tx, p *ledger.Payout) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payouts (recipient, amount, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (recipient) DO UPDATE SET
			amount = payouts.amount + EXCLUDED.amount,
			updated_at = NOW()
	`, string(p.Recipient), p.Amount)
	if err != nil {
		return fmt.Errorf("failed to credit payout: %w", err)
	}
	return nil
}

// milestoneChanged 只比较提交后可能变化的字段
func milestoneChanged(a, b *ledger.Milestone) bool {
	if a.Status != b.Status || a.ProofRef != b.ProofRef || a.Verifier != b.Verifier {
		return true
	}
	if (a.Score == nil) != (b.Score == nil) || (a.Score != nil && *a.Score != *b.Score) {
		return true
	}
	return !sameTime(a.SubmittedAt, b.SubmittedAt) || !sameTime(a.VerifiedAt, b.VerifiedAt) || !sameTime(a.ApprovedAt, b.ApprovedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
