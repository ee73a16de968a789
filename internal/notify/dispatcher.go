package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/events"
	"grantflow/internal/logger"
	"grantflow/internal/metrics"
	"grantflow/internal/repo"
)

const (
	defaultBatch = 100
	claimLease   = 5 * time.Minute
)

// ErrInFlight reports that another dispatcher holds the row.
var ErrInFlight = errors.New("notification is being delivered by another dispatcher")

// Dispatcher delivers outbox rows and records the outcome on each row.
type Dispatcher struct {
	Repo        repo.Repo
	Directory   directory.Directory
	Notifier    Notifier
	Events      events.Writer
	From        string
	MaxAttempts int
	Interval    time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// Message renders an outbox row.
func (d *Dispatcher) Message(ctx context.Context, n domain.Notification) (Message, error) {
	p, err := d.Repo.GetProposal(ctx, n.ProposalID)
	if err != nil {
		return Message{}, fmt.Errorf("load proposal %s: %w", n.ProposalID, err)
	}
	imp, err := d.Repo.GetImpactTx(ctx, nil, n.ProposalID)
	if err != nil {
		return Message{}, fmt.Errorf("load impact %s: %w", n.ProposalID, err)
	}
	owner, err := directory.Resolve(ctx, d.Directory, p.OwnerID)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:       n.ID,
		Event:    n.Event,
		Step:     n.Step,
		From:     d.From,
		Owner:    owner,
		Proposal: p,
		Impact:   imp,
	}
	for _, id := range n.Recipients {
		u, err := directory.Resolve(ctx, d.Directory, id)
		if err != nil {
			return Message{}, err
		}
		msg.Recipients = append(msg.Recipients, u)
	}
	msg.Subject = Subject(n.Event, n.Step, p, owner)
	return msg, nil
}

// Deliver claims one row and sends it. Rows already sent are skipped and rows
// claimed by another dispatcher return ErrInFlight. A failure increments the
// attempt counter and is returned.
func (d *Dispatcher) Deliver(ctx context.Context, n domain.Notification) error {
	log := logger.OrNop(d.Logger)
	if n.Status == domain.NotificationSent {
		return nil
	}
	now := d.now().UTC()
	won, err := d.Repo.ClaimNotification(ctx, n.ID, now.Format(time.RFC3339), now.Add(-claimLease).Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("claim notification %s: %w", n.ID, err)
	}
	if !won {
		return ErrInFlight
	}
	msg, err := d.Message(ctx, n)
	if err == nil {
		err = d.Notifier.Notify(ctx, msg)
	}
	if err != nil {
		d.Metrics.Notification(n.Event, false)
		updated, markErr := d.Repo.MarkNotificationFailed(ctx, n.ID, err.Error(), d.maxAttempts())
		if markErr != nil {
			return errors.Join(err, markErr)
		}
		log.Warn("notification delivery failed",
			zap.String("id", n.ID),
			zap.String("event", n.Event),
			zap.String("proposal_id", n.ProposalID),
			zap.Int("attempts", updated.Attempts),
			zap.String("status", updated.Status),
			zap.Error(err))
		if updated.Status == domain.NotificationFailed {
			_ = d.Events.Append(ctx, nil, events.Record{
				Type:       events.NotificationFailed,
				ProposalID: n.ProposalID,
				EntityKind: events.KindNotification,
				EntityID:   n.ID,
				ActorID:    "system",
				Payload:    events.EventPayload{"event": n.Event, "attempts": updated.Attempts, "error": err.Error()},
			})
		}
		return err
	}
	d.Metrics.Notification(n.Event, true)
	if err := d.Repo.MarkNotificationSent(ctx, n.ID, d.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	log.Debug("notification sent", zap.String("id", n.ID), zap.String("event", n.Event))
	return d.Events.Append(ctx, nil, events.Record{
		Type:       events.NotificationSent,
		ProposalID: n.ProposalID,
		EntityKind: events.KindNotification,
		EntityID:   n.ID,
		ActorID:    "system",
		Payload:    events.EventPayload{"event": n.Event, "recipients": msg.Addresses()},
	})
}

// DeliverIDs sends the named rows, typically right after the transaction that
// queued them committed. Failures are logged and left for the retry loop.
func (d *Dispatcher) DeliverIDs(ctx context.Context, ids []string) {
	for _, id := range ids {
		n, err := d.Repo.GetNotification(ctx, id)
		if err != nil {
			logger.OrNop(d.Logger).Error("load notification", zap.String("id", id), zap.Error(err))
			continue
		}
		_ = d.Deliver(ctx, n)
	}
}

// RunOnce retries every pending row, and every row whose claim went stale,
// and reports how many were delivered. Rows held by another dispatcher count
// as neither.
func (d *Dispatcher) RunOnce(ctx context.Context) (sent, failed int, err error) {
	pending, err := d.Repo.ListNotifications(ctx, repo.NotificationFilters{Status: domain.NotificationPending, Limit: defaultBatch})
	if err != nil {
		return 0, 0, err
	}
	d.Metrics.OutboxPending(len(pending))
	sending, err := d.Repo.ListNotifications(ctx, repo.NotificationFilters{Status: domain.NotificationSending, Limit: defaultBatch})
	if err != nil {
		return 0, 0, err
	}
	for _, n := range append(pending, sending...) {
		if err := ctx.Err(); err != nil {
			return sent, failed, err
		}
		err := d.Deliver(ctx, n)
		switch {
		case errors.Is(err, ErrInFlight):
		case err != nil:
			failed++
		default:
			sent++
		}
	}
	return sent, failed, nil
}

// Run retries pending rows every Interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.OrNop(d.Logger).Error("notification retry pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts <= 0 {
		return 5
	}
	return d.MaxAttempts
}
