package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"grantflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrOptimisticLock means the proposal changed between read and write.
	ErrOptimisticLock = errors.New("proposal was modified concurrently; reload and retry")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type scanner interface {
	Scan(dest ...any) error
}

const proposalColumns = `id,owner_id,department,proposal_type,title,COALESCE(funding_agency,''),COALESCE(funding_source,''),
COALESCE(grant_deadline,''),COALESCE(start_date,''),COALESCE(end_date,''),COALESCE(project_type,''),COALESCE(summary,''),
budget_total,COALESCE(budget_summary,''),COALESCE(comments,''),COALESCE(admin_comments,''),
level3,decline,email_approved,save_submit,closed,opened,awarded,version,created_at,updated_at`

func scanProposal(row scanner) (domain.Proposal, error) {
	var p domain.Proposal
	err := row.Scan(&p.ID, &p.OwnerID, &p.Department, &p.ProposalType, &p.Title, &p.FundingAgency, &p.FundingSource,
		&p.GrantDeadline, &p.StartDate, &p.EndDate, &p.ProjectType, &p.Summary,
		&p.BudgetTotal, &p.BudgetSummary, &p.Comments, &p.AdminComments,
		&p.Level3, &p.Decline, &p.EmailApproved, &p.SaveSubmit, &p.Closed, &p.Opened, &p.Awarded, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO proposals(id,owner_id,department,proposal_type,title,funding_agency,funding_source,grant_deadline,start_date,end_date,project_type,summary,budget_total,budget_summary,comments,admin_comments,level3,decline,email_approved,save_submit,closed,opened,awarded,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Department, p.ProposalType, p.Title, nullable(p.FundingAgency), nullable(p.FundingSource),
		nullable(p.GrantDeadline), nullable(p.StartDate), nullable(p.EndDate), nullable(p.ProjectType), nullable(p.Summary),
		p.BudgetTotal, nullable(p.BudgetSummary), nullable(p.Comments), nullable(p.AdminComments),
		p.Level3, p.Decline, p.EmailApproved, p.SaveSubmit, p.Closed, p.Opened, p.Awarded, p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return r.GetProposalTx(ctx, nil, id)
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(r.q(tx).QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

// UpdateProposal writes every column of p guarded by its version. On success
// p.Version is advanced; a stale version yields ErrOptimisticLock.
func (r Repo) UpdateProposal(ctx context.Context, tx *sql.Tx, p *domain.Proposal) error {
	oldVersion := p.Version
	res, err := r.q(tx).ExecContext(ctx, `UPDATE proposals SET proposal_type=?, title=?, funding_agency=?, funding_source=?, grant_deadline=?, start_date=?, end_date=?, project_type=?, summary=?, budget_total=?, budget_summary=?, comments=?, admin_comments=?, level3=?, decline=?, email_approved=?, save_submit=?, closed=?, opened=?, awarded=?, version=?, updated_at=? WHERE id=? AND version=?`,
		p.ProposalType, p.Title, nullable(p.FundingAgency), nullable(p.FundingSource), nullable(p.GrantDeadline),
		nullable(p.StartDate), nullable(p.EndDate), nullable(p.ProjectType), nullable(p.Summary), p.BudgetTotal,
		nullable(p.BudgetSummary), nullable(p.Comments), nullable(p.AdminComments),
		p.Level3, p.Decline, p.EmailApproved, p.SaveSubmit, p.Closed, p.Opened, p.Awarded, oldVersion+1, p.UpdatedAt,
		p.ID, oldVersion)
	if err != nil {
		return fmt.Errorf("update proposal %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOptimisticLock
	}
	p.Version = oldVersion + 1
	return nil
}

// ProposalFilters scopes a listing. All wins over everything else; otherwise a
// proposal matches when its department is listed, or UserID owns it or is one
// of its approvers.
type ProposalFilters struct {
	All         bool
	Departments []string
	UserID      string
	Limit       int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if !f.All {
		var scope []string
		if len(f.Departments) > 0 {
			scope = append(scope, "department IN ("+placeholders(len(f.Departments))+")")
			for _, d := range f.Departments {
				args = append(args, d)
			}
		}
		if f.UserID != "" {
			scope = append(scope, "owner_id=?", "id IN (SELECT proposal_id FROM approvers WHERE user_id=?)")
			args = append(args, f.UserID, f.UserID)
		}
		if len(scope) == 0 {
			return nil, nil
		}
		clauses = append(clauses, "("+strings.Join(scope, " OR ")+")")
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY COALESCE(grant_deadline,'') DESC, created_at DESC, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
