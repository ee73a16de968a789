package workflow

import (
	"fmt"
	"strings"

	"grantflow/internal/domain"
)

// Status is a requested transition.
type Status string

const (
	StatusApprove   Status = "approve"
	StatusDecline   Status = "decline"
	StatusNeedsWork Status = "needswork"
	StatusOpen      Status = "open"
	StatusClose     Status = "close"
	StatusAwarded   Status = "awarded"
)

// ParseStatus validates a requested status name.
func ParseStatus(s string) (Status, error) {
	s = strings.TrimSpace(s)
	switch Status(s) {
	case StatusApprove, StatusDecline, StatusNeedsWork, StatusOpen, StatusClose, StatusAwarded:
		return Status(s), nil
	case "":
		return "", InvalidState{Message: "No status"}
	}
	return "", InvalidState{Message: fmt.Sprintf("Unknown status '%s'", s)}
}

// Event names a notification-worthy occurrence.
type Event string

const (
	EventApprovedPartA        Event = "approved_part_a"
	EventApproveLevel3Pending Event = "approve_level3_pending"
	EventApproveLevel1Pending Event = "approve_level1_pending"
	EventDeclined             Event = "declined"
	EventNeedsWork            Event = "needswork"
	EventFinalApproved        Event = "final_approved"
	EventProposalSubmitted    Event = "proposal_submitted"
	EventApproverAssigned     Event = "approver_assigned"
)

// Notification is a message the caller must deliver once the transition is stored.
type Notification struct {
	Event      Event
	Step       Step
	Recipients []string
}

// Roster names the holders of the standing roles a transition may notify.
type Roster struct {
	VPBusiness string
	Provost    string
	OSP        []string
}

// Outcome is the result of a successful transition.
type Outcome struct {
	Aggregate     Aggregate
	Mutations     Mutations
	Notifications []Notification
	Message       string
	Step          Step
}

// Apply runs one status transition for actor against a. The input aggregate is
// never modified. Rejections come back as PermissionDenied, InvalidState or
// MissingApproverRecord; in that case nothing must be persisted.
func Apply(a Aggregate, actor string, perms PermissionSet, roster Roster, status Status) (Outcome, error) {
	if !perms.CanAct() {
		return Outcome{}, PermissionDenied{Action: string(status), Message: "Access Denied"}
	}
	t := &transition{before: a, agg: a.Clone(), actor: actor, perms: perms, roster: roster}

	var err error
	switch status {
	case StatusClose:
		err = t.close()
	case StatusOpen:
		err = t.open()
	case StatusAwarded:
		err = t.award()
	case StatusApprove, StatusDecline, StatusNeedsWork:
		t.step, err = CurrentStep(t.agg)
		if err != nil {
			return Outcome{}, err
		}
		switch status {
		case StatusApprove:
			err = t.approve()
		case StatusDecline:
			err = t.decline()
		default:
			err = t.needsWork()
		}
	default:
		if status == "" {
			return Outcome{}, InvalidState{Message: "No status"}
		}
		return Outcome{}, InvalidState{Message: fmt.Sprintf("Unknown status '%s'", status)}
	}
	if err != nil {
		return Outcome{}, err
	}

	if n, ok := Watch(&t.agg, roster); ok {
		t.notes = append(t.notes, n)
	}
	muts, err := Diff(t.before, t.agg)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Aggregate:     t.agg,
		Mutations:     muts,
		Notifications: t.notes,
		Message:       t.msg,
		Step:          t.step,
	}, nil
}

// Watch fires the final OSP notification the first time both steps are
// complete on a proposal that is not declined. It sets EmailApproved on a so
// the notification is sent at most once per approval cycle.
func Watch(a *Aggregate, roster Roster) (Notification, bool) {
	p := &a.Proposal
	if p.Decline || p.EmailApproved {
		return Notification{}, false
	}
	if !Step1Complete(*a) || !Step2Complete(*a) {
		return Notification{}, false
	}
	p.EmailApproved = true
	return Notification{Event: EventFinalApproved, Step: Step2, Recipients: cloneStrings(roster.OSP)}, true
}

type transition struct {
	before Aggregate
	agg    Aggregate
	actor  string
	perms  PermissionSet
	roster Roster
	step   Step
	notes  []Notification
	msg    string
}

func (t *transition) notify(ev Event, recipients ...string) {
	var rs []string
	for _, r := range recipients {
		if r != "" {
			rs = append(rs, r)
		}
	}
	t.notes = append(t.notes, Notification{Event: ev, Step: t.step, Recipients: rs})
}

func (t *transition) close() error {
	if !t.perms.Close {
		return PermissionDenied{Action: string(StatusClose), Message: "You do not have permission to close"}
	}
	p := &t.agg.Proposal
	p.Closed = true
	p.Opened = false
	p.Decline = false
	p.Level3 = false
	p.EmailApproved = false
	p.SaveSubmit = false
	for i := range t.agg.Approvers {
		t.agg.Approvers[i].Step1 = false
		t.agg.Approvers[i].Step2 = false
	}
	if t.agg.Impact != nil {
		t.agg.Impact.ResetLevels()
	}
	t.msg = "Proposal has been closed"
	return nil
}

func (t *transition) open() error {
	if !t.perms.Open {
		return PermissionDenied{Action: string(StatusOpen), Message: "You do not have permission to open"}
	}
	p := &t.agg.Proposal
	// Evaluated once, before anything below changes the predicate's inputs.
	partA := Step1Complete(t.agg)
	if !p.Closed {
		for i := range t.agg.Approvers {
			if partA {
				t.agg.Approvers[i].Step2 = false
			} else {
				t.agg.Approvers[i].Step1 = false
			}
		}
		if !partA {
			p.Level3 = false
		}
	}
	p.Closed = false
	p.Opened = true
	p.Decline = false
	p.EmailApproved = false
	p.SaveSubmit = false
	p.ProposalType = domain.ProposalTypeResubmission
	if partA && t.agg.Impact != nil {
		t.agg.Impact.ResetLevels()
	}
	t.msg = "Proposal has been reopened"
	return nil
}

func (t *transition) award() error {
	if !t.perms.Superuser {
		return PermissionDenied{Action: string(StatusAwarded)}
	}
	t.agg.Proposal.Awarded = true
	t.msg = "Proposal is awarded"
	return nil
}

func (t *transition) resetCurrentStep() {
	p := &t.agg.Proposal
	switch t.step {
	case Step1:
		p.Level3 = false
	case Step2:
		if t.agg.Impact != nil {
			t.agg.Impact.ResetLevels()
		}
	}
}

func (t *transition) clearApproverStep(i int) {
	switch t.step {
	case Step1:
		t.agg.Approvers[i].Step1 = false
	case Step2:
		t.agg.Approvers[i].Step2 = false
	}
}

func (t *transition) decline() error {
	if !t.perms.Decline {
		return PermissionDenied{Action: string(StatusDecline), Message: "You don't have permission to decline"}
	}
	p := &t.agg.Proposal
	p.Decline = true
	p.Opened = false
	p.EmailApproved = false
	p.SaveSubmit = false
	t.resetCurrentStep()
	if i := t.agg.ApproverIndex(t.actor); i >= 0 {
		t.clearApproverStep(i)
	}
	t.notify(EventDeclined, p.OwnerID)
	t.msg = "Proposal Declined"
	return nil
}

func (t *transition) needsWork() error {
	if !t.perms.NeedsWork {
		return PermissionDenied{Action: string(StatusNeedsWork), Message: "Permission denied"}
	}
	p := &t.agg.Proposal
	p.Decline = false
	p.Closed = false
	p.Opened = true
	p.EmailApproved = false
	p.SaveSubmit = false
	p.ProposalType = domain.ProposalTypeRevised
	t.resetCurrentStep()
	for i := range t.agg.Approvers {
		t.clearApproverStep(i)
	}
	t.notify(EventNeedsWork, p.OwnerID)
	t.msg = `Proposal "needs work" email sent`
	return nil
}

func (t *transition) approve() error {
	if t.perms.Approve == ApproveNone {
		return PermissionDenied{Action: string(StatusApprove)}
	}
	p := &t.agg.Proposal
	readyBefore := ReadyForFinalLevels(t.agg)

	switch {
	case t.step == Step1 && t.perms.Level3:
		p.Level3 = true
		t.signOwnStep()
		t.notify(EventApprovedPartA, p.OwnerID)
		t.msg = "Dean/VP approved Part A"
		return nil

	case t.step == Step2 && t.perms.Level3:
		t.agg.Impact.Level3 = true
		t.signOwnStep()
		t.msg = "Division Dean approved Part B"
		t.level1Pending(readyBefore)
		return nil

	case t.step == Step2 && t.perms.Level2:
		t.agg.Impact.Level2 = true
		t.msg = "VP for Business approved Part B"
		if i := t.agg.ApproverIndex(t.actor); i >= 0 && t.agg.Approvers[i].Replaces == domain.Level3 {
			// The VP also stands in for the dean: both levels and the
			// approver's own Part B sign-off collapse into this one action.
			t.agg.Approvers[i].Step2 = true
			t.agg.Impact.Level3 = true
			t.notify(EventApproveLevel1Pending, t.roster.Provost)
			return nil
		}
		t.signOwnStep()
		t.level1Pending(readyBefore)
		return nil

	case t.step == Step2 && t.perms.Level1:
		t.agg.Impact.Level1 = true
		t.signOwnStep()
		t.msg = "Provost approved Part B"
		t.level1Pending(readyBefore)
		return nil
	}

	return t.approveAsApprover(readyBefore)
}

// signOwnStep records a standing-role actor's sign-off on their own
// approver record, when they also hold one.
func (t *transition) signOwnStep() {
	i := t.agg.ApproverIndex(t.actor)
	if i < 0 {
		return
	}
	switch t.step {
	case Step1:
		t.agg.Approvers[i].Step1 = true
	case Step2:
		t.agg.Approvers[i].Step2 = true
	}
}

func (t *transition) level1Pending(readyBefore bool) {
	if !readyBefore && ReadyForFinalLevels(t.agg) {
		t.notify(EventApproveLevel1Pending, t.roster.VPBusiness, t.roster.Provost)
	}
}

func (t *transition) approveAsApprover(readyBefore bool) error {
	i := t.agg.ApproverIndex(t.actor)
	if i < 0 {
		return MissingApproverRecord{UserID: t.actor}
	}
	ap := &t.agg.Approvers[i]
	p := &t.agg.Proposal
	switch t.step {
	case Step1:
		ap.Step1 = true
		if ap.Replaces == domain.Level3 {
			p.Level3 = true
		}
		if Step1Complete(t.agg) {
			t.notify(EventApprovedPartA, p.OwnerID)
		}
	case Step2:
		ap.Step2 = true
		if ap.Replaces == domain.Level3 {
			t.agg.Impact.Level3 = true
		}
		t.level1Pending(readyBefore)
	}
	name := strings.TrimSpace(ap.Name)
	if name == "" {
		name = ap.UserID
	}
	t.msg = "Approved by " + name
	return nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
