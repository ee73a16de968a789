// Package notify delivers workflow notifications. The engine writes outbox
// rows; a Dispatcher turns them into Messages and hands them to a Notifier.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/logger"
	"grantflow/internal/workflow"
)

// Message is one rendered notification.
type Message struct {
	ID         string              `json:"id"`
	Event      string              `json:"event"`
	Step       string              `json:"step,omitempty"`
	Subject    string              `json:"subject"`
	From       string              `json:"from,omitempty"`
	Recipients []directory.UserRef `json:"recipients"`
	Owner      directory.UserRef   `json:"owner"`
	Proposal   domain.Proposal     `json:"proposal"`
	Impact     *domain.Impact      `json:"impact,omitempty"`
}

// Addresses returns the delivery address of every recipient.
func (m Message) Addresses() []string {
	out := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		out = append(out, r.Address())
	}
	return out
}

// Notifier sends a message. A returned error leaves the outbox row pending.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Subject renders the subject line for an event.
func Subject(event, step string, p domain.Proposal, owner directory.UserRef) string {
	by := owner.Name
	if by == "" {
		by = owner.ID
	}
	part := "Part A"
	if step == workflow.Step2.String() {
		part = "Part B"
	}
	switch workflow.Event(event) {
	case workflow.EventProposalSubmitted:
		return fmt.Sprintf("Review and Authorization Required for Part A: Your Approval Needed for %q by %s", p.Title, by)
	case workflow.EventApproverAssigned:
		return fmt.Sprintf("Your Review and Authorization Required: %q by %s", p.Title, by)
	case workflow.EventApprovedPartA:
		return fmt.Sprintf("You are Approved to begin Part B: %q", p.Title)
	case workflow.EventApproveLevel3Pending:
		return fmt.Sprintf("Routing & Authorization Form Part B: Your Approval Needed for %q by %s", p.Title, by)
	case workflow.EventApproveLevel1Pending:
		return fmt.Sprintf("Review and Provide Final Authorization for PART B: %q by %s", p.Title, by)
	case workflow.EventDeclined:
		return fmt.Sprintf("%s: Not approved, requires additional clarification: %q", part, p.Title)
	case workflow.EventNeedsWork:
		return fmt.Sprintf("%s: Needs work, requires additional clarification: %q", part, p.Title)
	case workflow.EventFinalApproved:
		return fmt.Sprintf("[Final] Proposal approved: '%s' by %s", p.Title, by)
	}
	return fmt.Sprintf("%s: %q", event, p.Title)
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	logger.OrNop(n.Logger).Info("notification",
		zap.String("id", msg.ID),
		zap.String("event", msg.Event),
		zap.String("proposal_id", msg.Proposal.ID),
		zap.String("subject", msg.Subject),
		zap.Strings("to", msg.Addresses()),
	)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
