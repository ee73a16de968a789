package server

import (
	"encoding/json"

	"grantflow/internal/domain"
	"grantflow/internal/engine"
	"grantflow/internal/workflow"
)

// Request payloads

type ProposalRequest struct {
	Department    *string  `json:"department,omitempty"`
	ProposalType  *string  `json:"proposal_type,omitempty" enum:"New,Revised,Resubmission,Other"`
	Title         *string  `json:"title,omitempty"`
	FundingAgency *string  `json:"funding_agency,omitempty"`
	FundingSource *string  `json:"funding_source,omitempty"`
	GrantDeadline *string  `json:"grant_deadline,omitempty" format:"date"`
	StartDate     *string  `json:"start_date,omitempty" format:"date"`
	EndDate       *string  `json:"end_date,omitempty" format:"date"`
	ProjectType   *string  `json:"project_type,omitempty"`
	Summary       *string  `json:"summary,omitempty"`
	BudgetTotal   *float64 `json:"budget_total,omitempty"`
	BudgetSummary *string  `json:"budget_summary,omitempty"`
	Comments      *string  `json:"comments,omitempty"`
	AdminComments *string  `json:"admin_comments,omitempty"`

	// Version guards the edit against concurrent changes when set.
	Version int64 `json:"version,omitempty"`
}

func (r ProposalRequest) input() engine.ProposalInput {
	return engine.ProposalInput{
		Department:    r.Department,
		ProposalType:  r.ProposalType,
		Title:         r.Title,
		FundingAgency: r.FundingAgency,
		FundingSource: r.FundingSource,
		GrantDeadline: r.GrantDeadline,
		StartDate:     r.StartDate,
		EndDate:       r.EndDate,
		ProjectType:   r.ProjectType,
		Summary:       r.Summary,
		BudgetTotal:   r.BudgetTotal,
		BudgetSummary: r.BudgetSummary,
		Comments:      r.Comments,
		AdminComments: r.AdminComments,
	}
}

type ImpactRequest struct {
	CostShareMatch  *string `json:"cost_share_match,omitempty"`
	Funds           *string `json:"funds,omitempty"`
	HumanSubjects   *string `json:"human_subjects,omitempty"`
	AnimalSubjects  *string `json:"animal_subjects,omitempty"`
	Subawards       *string `json:"subawards,omitempty"`
	PersonnelSalary *string `json:"personnel_salary,omitempty"`
	International   *string `json:"international,omitempty"`
	Hazards         *string `json:"hazards,omitempty"`
	DataManagement  *string `json:"data_management,omitempty"`
	AdminComments   *string `json:"admin_comments,omitempty"`
	Submit          bool    `json:"submit,omitempty" doc:"Hand Part B to the reviewers"`
	Version         int64   `json:"version,omitempty"`
}

func (r ImpactRequest) input() engine.ImpactInput {
	return engine.ImpactInput{
		CostShareMatch:  r.CostShareMatch,
		Funds:           r.Funds,
		HumanSubjects:   r.HumanSubjects,
		AnimalSubjects:  r.AnimalSubjects,
		Subawards:       r.Subawards,
		PersonnelSalary: r.PersonnelSalary,
		International:   r.International,
		Hazards:         r.Hazards,
		DataManagement:  r.DataManagement,
		AdminComments:   r.AdminComments,
	}
}

type AddApproverRequest struct {
	UserID   string `json:"user_id"`
	Replaces string `json:"replaces,omitempty" enum:"none,level3"`
}

type SetStatusRequest struct {
	Status string `json:"status" doc:"One of approve, decline, needswork, open, close, awarded"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Responses

type StatusResponse struct {
	Message       string                 `json:"message"`
	Outcome       StatusOutcome          `json:"outcome"`
	Notifications []domain.Notification  `json:"notifications"`
	Permissions   workflow.PermissionSet `json:"permissions"`
}

type StatusOutcome struct {
	Step      string             `json:"step,omitempty" enum:"step1,step2"`
	Mutations workflow.Mutations `json:"mutations"`
	Proposal  domain.Proposal    `json:"proposal"`
	Impact    *domain.Impact     `json:"impact,omitempty"`
	Approvers []domain.Approver  `json:"approvers"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProposalID string         `json:"proposal_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	OSP     bool   `json:"osp"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type proposalList struct {
	Items []domain.Proposal `json:"items"`
}

type notificationList struct {
	Items []domain.Notification `json:"items"`
}

func statusResponse(res engine.StatusResult) StatusResponse {
	return StatusResponse{
		Message: res.Message,
		Outcome: StatusOutcome{
			Step:      res.Step,
			Mutations: res.Mutations,
			Proposal:  res.Proposal,
			Impact:    res.Impact,
			Approvers: nonNilSlice(res.Approvers),
		},
		Notifications: nonNilSlice(res.Notifications),
		Permissions:   res.Permissions,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProposalID: e.ProposalID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
