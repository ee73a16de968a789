package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"grantflow/internal/domain"
	"grantflow/internal/engine/auth"
	"grantflow/internal/events"
	"grantflow/internal/repo"
	"grantflow/internal/workflow"
)

// ImpactInput carries the Part B questionnaire. Nil pointers leave a field
// alone.
type ImpactInput struct {
	CostShareMatch  *string
	Funds           *string
	HumanSubjects   *string
	AnimalSubjects  *string
	Subawards       *string
	PersonnelSalary *string
	International   *string
	Hazards         *string
	DataManagement  *string
	AdminComments   *string
}

func (in ImpactInput) apply(i *domain.Impact) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	set(&i.CostShareMatch, in.CostShareMatch)
	set(&i.Funds, in.Funds)
	set(&i.HumanSubjects, in.HumanSubjects)
	set(&i.AnimalSubjects, in.AnimalSubjects)
	set(&i.Subawards, in.Subawards)
	set(&i.PersonnelSalary, in.PersonnelSalary)
	set(&i.International, in.International)
	set(&i.Hazards, in.Hazards)
	set(&i.DataManagement, in.DataManagement)
	set(&i.AdminComments, in.AdminComments)
}

type ImpactRequest struct {
	ProposalID string
	ActorID    string

	// Submit hands Part B to the reviewers and locks it for the PI.
	Submit  bool
	Version int64
	Input   ImpactInput
}

// SaveImpact stores Part B, creating it on first save. It is only available
// once Part A is fully approved.
func (e Engine) SaveImpact(ctx context.Context, req ImpactRequest) (ProposalView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProposalView{}, err
	}
	defer tx.Rollback()

	agg, err := e.Repo.LoadAggregate(ctx, tx, req.ProposalID)
	if err != nil {
		return ProposalView{}, err
	}
	p := &agg.Proposal
	if req.Version != 0 && req.Version != p.Version {
		return ProposalView{}, repo.ErrOptimisticLock
	}
	osp, err := e.Auth.IsOSP(ctx, req.ActorID)
	if err != nil {
		return ProposalView{}, err
	}
	owner := p.OwnerID == req.ActorID
	switch {
	case req.Submit && !owner:
		return ProposalView{}, auth.ForbiddenError{Permission: "impact.submit"}
	case !osp && (!owner || p.SaveSubmit):
		return ProposalView{}, auth.ForbiddenError{Permission: "impact.edit"}
	case !osp && req.Input.AdminComments != nil:
		return ProposalView{}, auth.ForbiddenError{Permission: "impact.admin_comments"}
	}
	if p.Closed {
		return ProposalView{}, workflow.InvalidState{Message: "Proposal is closed"}
	}
	if !workflow.Step1Complete(agg) {
		return ProposalView{}, workflow.InvalidState{Message: "Part A has not been approved"}
	}

	now := e.ts()
	created := agg.Impact == nil
	if created {
		agg.Impact = &domain.Impact{ProposalID: p.ID, CreatedAt: now}
	}
	req.Input.apply(agg.Impact)
	agg.Impact.UpdatedAt = now

	var notes []workflow.Notification
	if req.Submit {
		p.SaveSubmit = true
		recipients, err := e.level3Recipients(ctx, agg)
		if err != nil {
			return ProposalView{}, err
		}
		notes = append(notes, workflow.Notification{Event: workflow.EventApproveLevel3Pending, Step: workflow.Step2, Recipients: recipients})
	}
	roster, err := e.Auth.Roster(ctx)
	if err != nil {
		return ProposalView{}, err
	}
	if n, ok := workflow.Watch(&agg, roster); ok {
		notes = append(notes, n)
	}

	if err := e.bumpProposal(ctx, tx, p); err != nil {
		return ProposalView{}, err
	}
	if created {
		err = e.Repo.InsertImpact(ctx, tx, *agg.Impact)
	} else {
		err = e.Repo.UpdateImpact(ctx, tx, *agg.Impact)
	}
	if err != nil {
		return ProposalView{}, err
	}
	evType := events.ImpactSaved
	if req.Submit {
		evType = events.ImpactSubmitted
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:       evType,
		ProposalID: p.ID,
		EntityKind: events.KindImpact,
		EntityID:   p.ID,
		ActorID:    req.ActorID,
		Payload:    events.EventPayload{"created": created, "version": p.Version},
	}); err != nil {
		return ProposalView{}, err
	}
	queued, err := e.queue(ctx, tx, p.ID, req.ActorID, notes)
	if err != nil {
		return ProposalView{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProposalView{}, err
	}
	e.log().Info("impact saved", zap.String("proposal_id", p.ID), zap.String("actor_id", req.ActorID), zap.Bool("submit", req.Submit))
	e.dispatch(ctx, queued)

	perms, err := e.Auth.Permissions(ctx, req.ActorID, agg)
	if err != nil {
		return ProposalView{}, err
	}
	return ProposalView{
		Proposal:    agg.Proposal,
		Impact:      agg.Impact,
		Approvers:   agg.Approvers,
		Permissions: perms,
		Step1:       workflow.Step1Complete(agg),
		Step2:       workflow.Step2Complete(agg),
	}, nil
}

// level3Recipients is the department head plus every ad-hoc approver, or OSP
// when that leaves nobody.
func (e Engine) level3Recipients(ctx context.Context, agg workflow.Aggregate) ([]string, error) {
	dept, err := e.Directory.Department(ctx, agg.Proposal.Department)
	if err != nil {
		return nil, err
	}
	var out []string
	if head := dept.Head(); head != "" {
		out = append(out, head)
	}
	for _, a := range agg.Approvers {
		out = append(out, a.UserID)
	}
	if len(out) > 0 {
		return out, nil
	}
	roster, err := e.Auth.Roster(ctx)
	if err != nil {
		return nil, err
	}
	return roster.OSP, nil
}
