package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/engine/auth"
	"grantflow/internal/events"
	"grantflow/internal/workflow"
)

// ErrApproverExists is returned when a user is already an approver on the proposal.
var ErrApproverExists = errors.New("approver already assigned")

type ApproverRequest struct {
	ProposalID string
	ActorID    string
	UserID     string
	// Replaces is the stored form of the level this approver stands in for.
	// Empty picks the department default.
	Replaces string
}

// AddApprover assigns an ad-hoc approver. Only OSP or the dean or chair of
// the proposal's department may assign.
func (e Engine) AddApprover(ctx context.Context, req ApproverRequest) (domain.Approver, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return domain.Approver{}, errors.New("approver user is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approver{}, err
	}
	defer tx.Rollback()

	agg, err := e.Repo.LoadAggregate(ctx, tx, req.ProposalID)
	if err != nil {
		return domain.Approver{}, err
	}
	p := &agg.Proposal
	osp, err := e.Auth.IsOSP(ctx, req.ActorID)
	if err != nil {
		return domain.Approver{}, err
	}
	if !osp {
		head, err := e.Auth.HeadsDepartment(ctx, req.ActorID, p.Department)
		if err != nil {
			return domain.Approver{}, err
		}
		if !head {
			return domain.Approver{}, auth.ForbiddenError{Permission: "approver.assign"}
		}
	}
	if agg.IsApprover(userID) {
		return domain.Approver{}, fmt.Errorf("%s on %s: %w", userID, p.ID, ErrApproverExists)
	}
	if userID == p.OwnerID {
		return domain.Approver{}, errors.New("invalid approver: the proposal owner cannot approve their own proposal")
	}
	replaces, err := e.defaultReplaces(ctx, p.Department, req.Replaces)
	if err != nil {
		return domain.Approver{}, err
	}
	person, err := directory.Resolve(ctx, e.Directory, userID)
	if err != nil {
		return domain.Approver{}, err
	}

	a := domain.Approver{
		ID:         uuid.NewString(),
		ProposalID: p.ID,
		UserID:     userID,
		Name:       person.Name,
		Replaces:   replaces,
		CreatedAt:  e.ts(),
	}
	if err := e.Repo.InsertApprover(ctx, tx, a); err != nil {
		return domain.Approver{}, err
	}
	if err := e.bumpProposal(ctx, tx, p); err != nil {
		return domain.Approver{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:       events.ApproverAssigned,
		ProposalID: p.ID,
		EntityKind: events.KindApprover,
		EntityID:   a.ID,
		ActorID:    req.ActorID,
		Payload:    events.EventPayload{"user_id": userID, "replaces": replaces.String()},
	}); err != nil {
		return domain.Approver{}, err
	}
	queued, err := e.queue(ctx, tx, p.ID, req.ActorID, []workflow.Notification{{
		Event:      workflow.EventApproverAssigned,
		Step:       assignmentStep(agg),
		Recipients: []string{userID},
	}})
	if err != nil {
		return domain.Approver{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approver{}, err
	}
	e.log().Info("approver assigned", zap.String("proposal_id", p.ID), zap.String("actor_id", req.ActorID), zap.String("user_id", userID), zap.Stringer("replaces", replaces))
	e.dispatch(ctx, queued)
	return a, nil
}

// defaultReplaces parses an explicit level or picks the department default:
// none for faculty departments, level3 otherwise. Only the dean level can be
// stood in for.
func (e Engine) defaultReplaces(ctx context.Context, department, raw string) (domain.Level, error) {
	if strings.TrimSpace(raw) != "" {
		lvl, err := domain.ParseLevel(strings.TrimSpace(raw))
		if err != nil {
			return domain.LevelNone, fmt.Errorf("invalid replaces: %w", err)
		}
		if lvl != domain.LevelNone && lvl != domain.Level3 {
			return domain.LevelNone, fmt.Errorf("invalid replaces %q: only none or level3 can be assigned", lvl)
		}
		return lvl, nil
	}
	dept, err := e.Directory.Department(ctx, department)
	if err != nil {
		return domain.LevelNone, err
	}
	if dept.Faculty {
		return domain.LevelNone, nil
	}
	return domain.Level3, nil
}

func assignmentStep(agg workflow.Aggregate) workflow.Step {
	if workflow.Step1Complete(agg) {
		return workflow.Step2
	}
	return workflow.Step1
}
