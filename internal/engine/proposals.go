package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/engine/auth"
	"grantflow/internal/events"
	"grantflow/internal/repo"
	"grantflow/internal/workflow"
)

// ProposalInput carries the Part A fields. Nil pointers leave a field alone on
// update.
type ProposalInput struct {
	Department    *string
	ProposalType  *string
	Title         *string
	FundingAgency *string
	FundingSource *string
	GrantDeadline *string
	StartDate     *string
	EndDate       *string
	ProjectType   *string
	Summary       *string
	BudgetTotal   *float64
	BudgetSummary *string
	Comments      *string
	AdminComments *string
}

func (in ProposalInput) apply(p *domain.Proposal) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&p.Department, in.Department)
	set(&p.ProposalType, in.ProposalType)
	set(&p.Title, in.Title)
	set(&p.FundingAgency, in.FundingAgency)
	set(&p.FundingSource, in.FundingSource)
	set(&p.GrantDeadline, in.GrantDeadline)
	set(&p.StartDate, in.StartDate)
	set(&p.EndDate, in.EndDate)
	set(&p.ProjectType, in.ProjectType)
	set(&p.Summary, in.Summary)
	set(&p.BudgetSummary, in.BudgetSummary)
	set(&p.Comments, in.Comments)
	set(&p.AdminComments, in.AdminComments)
	if in.BudgetTotal != nil {
		p.BudgetTotal = *in.BudgetTotal
	}
}

func validProposalType(t string) bool {
	switch t {
	case domain.ProposalTypeNew, domain.ProposalTypeRevised, domain.ProposalTypeResubmission, domain.ProposalTypeOther:
		return true
	}
	return false
}

func (e Engine) validateProposal(ctx context.Context, p domain.Proposal) error {
	if p.Title == "" {
		return errors.New("title is required")
	}
	if p.Department == "" {
		return errors.New("department is required")
	}
	if !validProposalType(p.ProposalType) {
		return fmt.Errorf("invalid proposal type %q", p.ProposalType)
	}
	if p.BudgetTotal < 0 {
		return errors.New("invalid budget total: must not be negative")
	}
	if _, err := e.Directory.Department(ctx, p.Department); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return fmt.Errorf("invalid department %q", p.Department)
		}
		return err
	}
	return nil
}

// submittedRecipients is the department head, or OSP when the department has
// nobody in that seat.
func (e Engine) submittedRecipients(ctx context.Context, department string) ([]string, error) {
	dept, err := e.Directory.Department(ctx, department)
	if err != nil {
		return nil, err
	}
	if head := dept.Head(); head != "" {
		return []string{head}, nil
	}
	roster, err := e.Auth.Roster(ctx)
	if err != nil {
		return nil, err
	}
	return roster.OSP, nil
}

// SubmitProposal files Part A for actorID and notifies the department head.
func (e Engine) SubmitProposal(ctx context.Context, in ProposalInput, actorID string) (domain.Proposal, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.Proposal{}, errors.New("actor is required")
	}
	now := e.ts()
	p := domain.Proposal{
		ID:           uuid.NewString(),
		OwnerID:      actorID,
		ProposalType: domain.ProposalTypeNew,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	in.apply(&p)
	if err := e.validateProposal(ctx, p); err != nil {
		return domain.Proposal{}, err
	}
	recipients, err := e.submittedRecipients(ctx, p.Department)
	if err != nil {
		return domain.Proposal{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:       events.ProposalCreated,
		ProposalID: p.ID,
		EntityKind: events.KindProposal,
		EntityID:   p.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"title": p.Title, "department": p.Department, "proposal_type": p.ProposalType},
	}); err != nil {
		return domain.Proposal{}, err
	}
	queued, err := e.queue(ctx, tx, p.ID, actorID, []workflow.Notification{{
		Event:      workflow.EventProposalSubmitted,
		Step:       workflow.Step1,
		Recipients: recipients,
	}})
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	e.log().Info("proposal submitted", zap.String("proposal_id", p.ID), zap.String("actor_id", actorID), zap.String("department", p.Department))
	e.dispatch(ctx, queued)
	return p, nil
}

// UpdateRequest edits Part A. Version, when set, must match the stored row.
type UpdateRequest struct {
	ProposalID string
	ActorID    string
	Version    int64
	Input      ProposalInput
}

// UpdateProposal edits Part A. The owner may edit until Part B is submitted;
// OSP may always edit. Saving a reopened proposal resubmits it to the
// department head.
func (e Engine) UpdateProposal(ctx context.Context, req UpdateRequest) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, req.ProposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if req.Version != 0 && req.Version != p.Version {
		return domain.Proposal{}, repo.ErrOptimisticLock
	}
	osp, err := e.Auth.IsOSP(ctx, req.ActorID)
	if err != nil {
		return domain.Proposal{}, err
	}
	owner := p.OwnerID == req.ActorID
	if !osp && (!owner || p.SaveSubmit) {
		return domain.Proposal{}, auth.ForbiddenError{Permission: "proposal.edit"}
	}
	if !osp && req.Input.AdminComments != nil {
		return domain.Proposal{}, auth.ForbiddenError{Permission: "proposal.admin_comments"}
	}

	before := p
	req.Input.apply(&p)
	if err := e.validateProposal(ctx, p); err != nil {
		return domain.Proposal{}, err
	}
	var notes []workflow.Notification
	if p.Opened && owner {
		recipients, err := e.submittedRecipients(ctx, p.Department)
		if err != nil {
			return domain.Proposal{}, err
		}
		p.Opened = false
		notes = append(notes, workflow.Notification{Event: workflow.EventProposalSubmitted, Step: workflow.Step1, Recipients: recipients})
	}
	p.UpdatedAt = e.ts()
	if err := e.Repo.UpdateProposal(ctx, tx, &p); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:       events.ProposalUpdated,
		ProposalID: p.ID,
		EntityKind: events.KindProposal,
		EntityID:   p.ID,
		ActorID:    req.ActorID,
		Payload:    events.EventPayload{"before_version": before.Version, "version": p.Version, "resubmitted": len(notes) > 0},
	}); err != nil {
		return domain.Proposal{}, err
	}
	queued, err := e.queue(ctx, tx, p.ID, req.ActorID, notes)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	e.dispatch(ctx, queued)
	return p, nil
}

// ListProposals returns what actorID may see: everything for OSP and the
// standing roles, the headed departments for a dean or chair, plus anything the
// actor owns or approves.
func (e Engine) ListProposals(ctx context.Context, actorID string, limit int) ([]domain.Proposal, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, errors.New("actor is required")
	}
	osp, err := e.Auth.IsOSP(ctx, actorID)
	if err != nil {
		return nil, err
	}
	roster, err := e.Auth.Roster(ctx)
	if err != nil {
		return nil, err
	}
	// The standing roles see every proposal.
	all := osp || actorID == roster.VPBusiness || actorID == roster.Provost
	f := repo.ProposalFilters{All: all, UserID: actorID, Limit: limit}
	if !all {
		if f.Departments, err = e.Directory.HeadedDepartments(ctx, actorID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListProposals(ctx, f)
}

func (e Engine) bumpProposal(ctx context.Context, tx *sql.Tx, p *domain.Proposal) error {
	p.UpdatedAt = e.ts()
	return e.Repo.UpdateProposal(ctx, tx, p)
}
