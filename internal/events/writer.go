package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Entity kinds recorded in the event log.
const (
	KindProposal     = "proposal"
	KindImpact       = "impact"
	KindApprover     = "approver"
	KindNotification = "notification"
	KindAPIKey       = "api_key"
)

// Event types recorded in the event log.
const (
	ProposalCreated      = "proposal.created"
	ProposalUpdated      = "proposal.updated"
	ProposalStatus       = "proposal.status"
	ImpactSaved          = "impact.saved"
	ImpactSubmitted      = "impact.submitted"
	ApproverAssigned     = "approver.assigned"
	NotificationQueued   = "notification.queued"
	NotificationSent     = "notification.sent"
	NotificationFailed   = "notification.failed"
	APIKeyCreated        = "api_key.created"
	ProposalFinalApprove = "proposal.final_approved"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one row to append.
type Record struct {
	Type       string
	ProposalID string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes rec inside tx. A nil tx writes straight to the database, which
// is only used for out-of-band rows such as delivery results.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,proposal_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, rec.Type, nullable(rec.ProposalID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
