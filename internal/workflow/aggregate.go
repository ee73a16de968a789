// Package workflow holds the proposal approval state machine: permission
// precedence, step predicates, transitions and the completion watcher.
// Nothing in here performs I/O; callers load the aggregate, pass in role facts
// and persist whatever Apply returns.
package workflow

import (
	"fmt"

	"grantflow/internal/domain"
)

// Step identifies which part of the proposal is under review.
type Step int

const (
	StepNone Step = iota
	Step1
	Step2
)

func (s Step) String() string {
	switch s {
	case Step1:
		return "step1"
	case Step2:
		return "step2"
	}
	return ""
}

// Part is the user-facing name of a step ("Part A" / "Part B").
func (s Step) Part() string {
	switch s {
	case Step1:
		return "Part A"
	case Step2:
		return "Part B"
	}
	return ""
}

// Aggregate is a proposal with its optional impact record and its ad-hoc approvers.
type Aggregate struct {
	Proposal  domain.Proposal
	Impact    *domain.Impact
	Approvers []domain.Approver
}

// Clone returns a deep copy so transitions never alias the caller's state.
func (a Aggregate) Clone() Aggregate {
	out := Aggregate{Proposal: a.Proposal}
	if a.Impact != nil {
		imp := *a.Impact
		out.Impact = &imp
	}
	if a.Approvers != nil {
		out.Approvers = make([]domain.Approver, len(a.Approvers))
		copy(out.Approvers, a.Approvers)
	}
	return out
}

func (a Aggregate) HasImpact() bool { return a.Impact != nil }

// ApproverIndex returns the position of userID among the approvers, or -1.
func (a Aggregate) ApproverIndex(userID string) int {
	for i, ap := range a.Approvers {
		if ap.UserID == userID {
			return i
		}
	}
	return -1
}

func (a Aggregate) IsApprover(userID string) bool { return a.ApproverIndex(userID) >= 0 }

func (a Aggregate) allApproved(step Step) bool {
	for _, ap := range a.Approvers {
		switch step {
		case Step1:
			if !ap.Step1 {
				return false
			}
		case Step2:
			if !ap.Step2 {
				return false
			}
		}
	}
	return true
}

// Step1Complete reports whether Part A carries the dean-level approval and
// every ad-hoc approver has signed off on it.
func Step1Complete(a Aggregate) bool {
	return a.Proposal.Level3 && a.allApproved(Step1)
}

// Step2Complete reports whether all three impact levels and every approver
// have approved Part B. Without an impact record it is false.
func Step2Complete(a Aggregate) bool {
	if a.Impact == nil {
		return false
	}
	return a.Impact.Level1 && a.Impact.Level2 && a.Impact.Level3 && a.allApproved(Step2)
}

// ReadyForFinalLevels gates the notification of the VP for Business and the
// Provost: the division dean and every approver must have approved Part B.
func ReadyForFinalLevels(a Aggregate) bool {
	if a.Impact == nil {
		return false
	}
	return a.Impact.Level3 && a.allApproved(Step2)
}

// CurrentStep places the proposal in step1 or step2 for decline, needswork and
// approve transitions.
func CurrentStep(a Aggregate) (Step, error) {
	if !Step1Complete(a) {
		return Step1, nil
	}
	if a.Impact == nil {
		return StepNone, InvalidState{Message: "Step 2 has not been initiated"}
	}
	if !a.Proposal.SaveSubmit {
		return StepNone, InvalidState{Message: "Step 2 has not been completed"}
	}
	return Step2, nil
}

// Mutations records which parts of the aggregate a transition touched.
type Mutations struct {
	Proposal  bool     `json:"proposal"`
	Impact    bool     `json:"impact"`
	Approvers []string `json:"approvers,omitempty"`
}

func (m Mutations) Empty() bool {
	return !m.Proposal && !m.Impact && len(m.Approvers) == 0
}

// Diff compares two versions of the same aggregate.
func Diff(before, after Aggregate) (Mutations, error) {
	var m Mutations
	m.Proposal = before.Proposal != after.Proposal
	switch {
	case before.Impact == nil && after.Impact == nil:
	case before.Impact == nil || after.Impact == nil:
		m.Impact = true
	default:
		m.Impact = *before.Impact != *after.Impact
	}
	if len(before.Approvers) != len(after.Approvers) {
		return m, fmt.Errorf("approver list changed length during transition")
	}
	for i := range after.Approvers {
		if before.Approvers[i] != after.Approvers[i] {
			m.Approvers = append(m.Approvers, after.Approvers[i].ID)
		}
	}
	return m, nil
}
