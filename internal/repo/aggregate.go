package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"grantflow/internal/domain"
	"grantflow/internal/workflow"
)

const impactColumns = `proposal_id,level3,level2,level1,disclosure_assurance,COALESCE(cost_share_match,''),COALESCE(funds,''),
COALESCE(human_subjects,''),COALESCE(animal_subjects,''),COALESCE(subawards,''),COALESCE(personnel_salary,''),
COALESCE(international,''),COALESCE(hazards,''),COALESCE(data_management,''),COALESCE(admin_comments,''),created_at,updated_at`

// GetImpactTx returns the proposal's impact record or nil when Part B was never saved.
func (r Repo) GetImpactTx(ctx context.Context, tx *sql.Tx, proposalID string) (*domain.Impact, error) {
	var i domain.Impact
	err := r.q(tx).QueryRowContext(ctx, `SELECT `+impactColumns+` FROM impacts WHERE proposal_id=?`, proposalID).
		Scan(&i.ProposalID, &i.Level3, &i.Level2, &i.Level1, &i.DisclosureAssurance, &i.CostShareMatch, &i.Funds,
			&i.HumanSubjects, &i.AnimalSubjects, &i.Subawards, &i.PersonnelSalary,
			&i.International, &i.Hazards, &i.DataManagement, &i.AdminComments, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r Repo) InsertImpact(ctx context.Context, tx *sql.Tx, i domain.Impact) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO impacts(proposal_id,level3,level2,level1,disclosure_assurance,cost_share_match,funds,human_subjects,animal_subjects,subawards,personnel_salary,international,hazards,data_management,admin_comments,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ProposalID, i.Level3, i.Level2, i.Level1, i.DisclosureAssurance, nullable(i.CostShareMatch), nullable(i.Funds),
		nullable(i.HumanSubjects), nullable(i.AnimalSubjects), nullable(i.Subawards), nullable(i.PersonnelSalary),
		nullable(i.International), nullable(i.Hazards), nullable(i.DataManagement), nullable(i.AdminComments), i.CreatedAt, i.UpdatedAt)
	return err
}

func (r Repo) UpdateImpact(ctx context.Context, tx *sql.Tx, i domain.Impact) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE impacts SET level3=?, level2=?, level1=?, disclosure_assurance=?, cost_share_match=?, funds=?, human_subjects=?, animal_subjects=?, subawards=?, personnel_salary=?, international=?, hazards=?, data_management=?, admin_comments=?, updated_at=? WHERE proposal_id=?`,
		i.Level3, i.Level2, i.Level1, i.DisclosureAssurance, nullable(i.CostShareMatch), nullable(i.Funds),
		nullable(i.HumanSubjects), nullable(i.AnimalSubjects), nullable(i.Subawards), nullable(i.PersonnelSalary),
		nullable(i.International), nullable(i.Hazards), nullable(i.DataManagement), nullable(i.AdminComments), i.UpdatedAt, i.ProposalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListApproversTx(ctx context.Context, tx *sql.Tx, proposalID string) ([]domain.Approver, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,proposal_id,user_id,COALESCE(name,''),step1,step2,COALESCE(replaces,''),created_at FROM approvers WHERE proposal_id=? ORDER BY created_at, id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approver
	for rows.Next() {
		var a domain.Approver
		var replaces string
		if err := rows.Scan(&a.ID, &a.ProposalID, &a.UserID, &a.Name, &a.Step1, &a.Step2, &replaces, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.Replaces, err = domain.ParseLevel(replaces); err != nil {
			return nil, fmt.Errorf("approver %s: %w", a.ID, err)
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertApprover(ctx context.Context, tx *sql.Tx, a domain.Approver) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvers(id,proposal_id,user_id,name,step1,step2,replaces,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProposalID, a.UserID, nullable(a.Name), a.Step1, a.Step2, nullable(string(a.Replaces)), a.CreatedAt)
	return err
}

// UpdateApproverFlags persists the approval flags of one approver.
func (r Repo) UpdateApproverFlags(ctx context.Context, tx *sql.Tx, a domain.Approver) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approvers SET step1=?, step2=? WHERE id=? AND proposal_id=?`, a.Step1, a.Step2, a.ID, a.ProposalID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approver %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// LoadAggregate reads a proposal with its impact and approvers inside tx.
func (r Repo) LoadAggregate(ctx context.Context, tx *sql.Tx, proposalID string) (workflow.Aggregate, error) {
	p, err := r.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return workflow.Aggregate{}, err
	}
	imp, err := r.GetImpactTx(ctx, tx, proposalID)
	if err != nil {
		return workflow.Aggregate{}, fmt.Errorf("load impact: %w", err)
	}
	approvers, err := r.ListApproversTx(ctx, tx, proposalID)
	if err != nil {
		return workflow.Aggregate{}, fmt.Errorf("load approvers: %w", err)
	}
	return workflow.Aggregate{Proposal: p, Impact: imp, Approvers: approvers}, nil
}

// SaveAggregate writes the parts of agg named by m. The proposal row is always
// written when anything changed so its version guards the whole aggregate.
func (r Repo) SaveAggregate(ctx context.Context, tx *sql.Tx, agg *workflow.Aggregate, m workflow.Mutations, now string) error {
	if m.Empty() {
		return nil
	}
	agg.Proposal.UpdatedAt = now
	if err := r.UpdateProposal(ctx, tx, &agg.Proposal); err != nil {
		return err
	}
	if m.Impact && agg.Impact != nil {
		agg.Impact.UpdatedAt = now
		if err := r.UpdateImpact(ctx, tx, *agg.Impact); err != nil {
			return fmt.Errorf("update impact: %w", err)
		}
	}
	if len(m.Approvers) > 0 {
		changed := make(map[string]struct{}, len(m.Approvers))
		for _, id := range m.Approvers {
			changed[id] = struct{}{}
		}
		for _, a := range agg.Approvers {
			if _, ok := changed[a.ID]; !ok {
				continue
			}
			if err := r.UpdateApproverFlags(ctx, tx, a); err != nil {
				return err
			}
		}
	}
	return nil
}
