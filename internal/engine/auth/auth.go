package auth

import (
	"context"
	"fmt"

	"grantflow/internal/directory"
	"grantflow/internal/workflow"
)

// ForbiddenError indicates missing permission for an operation outside the
// status state machine (editing, assigning approvers, viewing).
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Resolver turns directory answers into workflow role facts. It holds no role
// state of its own; every call asks the directory, which may cache.
type Resolver struct {
	Directory     directory.Directory
	OSPRecipients []string
}

// Facts gathers the role facts of userID relative to department.
func (r Resolver) Facts(ctx context.Context, userID, department string) (workflow.RoleFacts, error) {
	var facts workflow.RoleFacts
	if userID == "" {
		return facts, nil
	}
	head, err := r.Directory.DeanOrChair(ctx, userID, department)
	if err != nil {
		return facts, fmt.Errorf("dean or chair lookup: %w", err)
	}
	facts.DeanOrChair = head.Heads()
	vp, err := r.Directory.StandingRole(ctx, directory.VPBusiness)
	if err != nil {
		return facts, fmt.Errorf("resolve vp for business: %w", err)
	}
	facts.VPBusiness = vp.ID == userID
	provost, err := r.Directory.StandingRole(ctx, directory.Provost)
	if err != nil {
		return facts, fmt.Errorf("resolve provost: %w", err)
	}
	facts.Provost = provost.ID == userID
	facts.OSP, err = r.Directory.InAdminGroup(ctx, userID)
	if err != nil {
		return facts, fmt.Errorf("admin group lookup: %w", err)
	}
	return facts, nil
}

// Permissions resolves what userID may do to the proposal in agg.
func (r Resolver) Permissions(ctx context.Context, userID string, agg workflow.Aggregate) (workflow.PermissionSet, error) {
	facts, err := r.Facts(ctx, userID, agg.Proposal.Department)
	if err != nil {
		return workflow.PermissionSet{}, err
	}
	return workflow.Resolve(facts, userID, agg), nil
}

// Roster resolves the current holders of the standing roles.
func (r Resolver) Roster(ctx context.Context) (workflow.Roster, error) {
	vp, err := r.Directory.StandingRole(ctx, directory.VPBusiness)
	if err != nil {
		return workflow.Roster{}, err
	}
	provost, err := r.Directory.StandingRole(ctx, directory.Provost)
	if err != nil {
		return workflow.Roster{}, err
	}
	return workflow.Roster{
		VPBusiness: vp.ID,
		Provost:    provost.ID,
		OSP:        append([]string(nil), r.OSPRecipients...),
	}, nil
}

// IsOSP reports membership of the administrative group.
func (r Resolver) IsOSP(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return r.Directory.InAdminGroup(ctx, userID)
}

// HeadsDepartment reports whether userID is dean or chair of department.
func (r Resolver) HeadsDepartment(ctx context.Context, userID, department string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	fact, err := r.Directory.DeanOrChair(ctx, userID, department)
	if err != nil {
		return false, err
	}
	return fact.Heads(), nil
}
