package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grantflow/internal/config"
	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/engine/auth"
	"grantflow/internal/events"
	"grantflow/internal/logger"
	"grantflow/internal/metrics"
	"grantflow/internal/notify"
	"grantflow/internal/repo"
	"grantflow/internal/workflow"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Directory directory.Directory
	Auth      auth.Resolver

	// Dispatcher delivers queued notifications after commit. Nil leaves
	// them in the outbox for a later retry pass.
	Dispatcher *notify.Dispatcher
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// New wires an engine around db. Notifications are only logged until the
// caller replaces the dispatcher's notifier.
func New(db *sql.DB, cfg *config.Config, dir directory.Directory) Engine {
	r := repo.Repo{DB: db}
	w := events.Writer{DB: db}
	e := Engine{
		DB:        db,
		Repo:      r,
		Events:    w,
		Config:    cfg,
		Directory: dir,
		Auth:      auth.Resolver{Directory: dir, OSPRecipients: cfg.Notifications.OSPRecipients},
		Logger:    zap.NewNop(),
		Now:       time.Now,
	}
	e.Dispatcher = &notify.Dispatcher{
		Repo:        r,
		Directory:   dir,
		Notifier:    notify.LogNotifier{},
		Events:      w,
		From:        cfg.Notifications.From,
		MaxAttempts: cfg.Notifications.Retry.MaxAttempts,
		Interval:    cfg.Notifications.Retry.Interval,
	}
	return e
}

// WithLogger sets the logger on the engine and its dispatcher.
func (e Engine) WithLogger(l *zap.Logger) Engine {
	e.Logger = logger.OrNop(l)
	if e.Dispatcher != nil {
		d := *e.Dispatcher
		d.Logger = e.Logger.Named("notify")
		e.Dispatcher = &d
	}
	return e
}

// WithMetrics sets the metrics sink on the engine and its dispatcher.
func (e Engine) WithMetrics(m *metrics.Metrics) Engine {
	e.Metrics = m
	if e.Dispatcher != nil {
		d := *e.Dispatcher
		d.Metrics = m
		e.Dispatcher = &d
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	return logger.OrNop(e.Logger)
}

// queue writes workflow notifications to the outbox inside tx and returns
// the stored rows.
func (e Engine) queue(ctx context.Context, tx *sql.Tx, proposalID, actorID string, notes []workflow.Notification) ([]domain.Notification, error) {
	var out []domain.Notification
	for _, n := range notes {
		if len(n.Recipients) == 0 {
			e.log().Warn("notification has no recipients", zap.String("proposal_id", proposalID), zap.String("event", string(n.Event)))
			continue
		}
		row := domain.Notification{
			ID:         uuid.NewString(),
			ProposalID: proposalID,
			Event:      string(n.Event),
			Step:       n.Step.String(),
			Recipients: n.Recipients,
			Status:     domain.NotificationPending,
			CreatedAt:  e.ts(),
		}
		if err := e.Repo.InsertNotification(ctx, tx, row); err != nil {
			return nil, fmt.Errorf("queue %s: %w", n.Event, err)
		}
		if err := e.Events.Append(ctx, tx, events.Record{
			Type:       events.NotificationQueued,
			ProposalID: proposalID,
			EntityKind: events.KindNotification,
			EntityID:   row.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"event": row.Event, "recipients": row.Recipients},
		}); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

// dispatch delivers freshly committed rows. Delivery is detached from the
// request context.
func (e Engine) dispatch(ctx context.Context, rows []domain.Notification) {
	if e.Dispatcher == nil || len(rows) == 0 {
		return
	}
	ids := make([]string, 0, len(rows))
	for _, n := range rows {
		ids = append(ids, n.ID)
	}
	e.Dispatcher.DeliverIDs(context.WithoutCancel(ctx), ids)
}

// StatusRequest asks for one workflow transition.
type StatusRequest struct {
	ProposalID string
	ActorID    string
	Status     string
}

// StatusResult describes a committed transition.
type StatusResult struct {
	Message       string                 `json:"message"`
	Step          string                 `json:"step,omitempty"`
	Proposal      domain.Proposal        `json:"proposal"`
	Impact        *domain.Impact         `json:"impact,omitempty"`
	Approvers     []domain.Approver      `json:"approvers"`
	Mutations     workflow.Mutations     `json:"mutations"`
	Notifications []domain.Notification  `json:"notifications"`
	Permissions   workflow.PermissionSet `json:"permissions"`
}

// SetStatus applies a status transition in one transaction. Workflow
// rejections come back as workflow.PermissionDenied, workflow.InvalidState or
// workflow.MissingApproverRecord and leave the proposal untouched.
func (e Engine) SetStatus(ctx context.Context, req StatusRequest) (StatusResult, error) {
	status := workflow.Status(strings.TrimSpace(req.Status))
	log := e.log().With(zap.String("proposal_id", req.ProposalID), zap.String("actor_id", req.ActorID), zap.String("status", string(status)))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StatusResult{}, err
	}
	defer tx.Rollback()

	agg, err := e.Repo.LoadAggregate(ctx, tx, req.ProposalID)
	if err != nil {
		return StatusResult{}, err
	}
	perms, err := e.Auth.Permissions(ctx, req.ActorID, agg)
	if err != nil {
		return StatusResult{}, err
	}
	roster, err := e.Auth.Roster(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	out, err := workflow.Apply(agg, req.ActorID, perms, roster, status)
	if err != nil {
		if workflow.IsRejection(err) {
			e.Metrics.Transition(string(status), workflow.RejectionKind(err))
			log.Info("status rejected", zap.String("reason", workflow.RejectionKind(err)), zap.String("message", err.Error()))
		}
		return StatusResult{}, err
	}

	next := out.Aggregate
	if err := e.Repo.SaveAggregate(ctx, tx, &next, out.Mutations, e.ts()); err != nil {
		if errors.Is(err, repo.ErrOptimisticLock) {
			e.Metrics.Transition(string(status), "conflict")
		}
		return StatusResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:       events.ProposalStatus,
		ProposalID: req.ProposalID,
		EntityKind: events.KindProposal,
		EntityID:   req.ProposalID,
		ActorID:    req.ActorID,
		Payload: events.EventPayload{
			"status":    string(status),
			"step":      out.Step.String(),
			"message":   out.Message,
			"mutations": out.Mutations,
			"version":   next.Proposal.Version,
		},
	}); err != nil {
		return StatusResult{}, err
	}
	if next.Proposal.EmailApproved && !agg.Proposal.EmailApproved {
		if err := e.Events.Append(ctx, tx, events.Record{
			Type:       events.ProposalFinalApprove,
			ProposalID: req.ProposalID,
			EntityKind: events.KindProposal,
			EntityID:   req.ProposalID,
			ActorID:    req.ActorID,
		}); err != nil {
			return StatusResult{}, err
		}
	}
	queued, err := e.queue(ctx, tx, req.ProposalID, req.ActorID, out.Notifications)
	if err != nil {
		return StatusResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StatusResult{}, err
	}
	e.Metrics.Transition(string(status), "ok")
	log.Info("status changed", zap.String("message", out.Message), zap.Int("notifications", len(queued)))

	e.dispatch(ctx, queued)
	return StatusResult{
		Message:       out.Message,
		Step:          out.Step.String(),
		Proposal:      next.Proposal,
		Impact:        next.Impact,
		Approvers:     next.Approvers,
		Mutations:     out.Mutations,
		Notifications: queued,
		Permissions:   workflow.Resolve(factsOrEmpty(ctx, e, req.ActorID, next.Proposal.Department), req.ActorID, next),
	}, nil
}

func factsOrEmpty(ctx context.Context, e Engine, userID, department string) workflow.RoleFacts {
	facts, err := e.Auth.Facts(ctx, userID, department)
	if err != nil {
		e.log().Warn("refresh role facts", zap.Error(err))
	}
	return facts
}

// ProposalView is a proposal with everything a reviewer needs to act on it.
type ProposalView struct {
	Proposal    domain.Proposal        `json:"proposal"`
	Impact      *domain.Impact         `json:"impact,omitempty"`
	Approvers   []domain.Approver      `json:"approvers"`
	Permissions workflow.PermissionSet `json:"permissions"`
	Step1       bool                   `json:"step1_complete"`
	Step2       bool                   `json:"step2_complete"`
}

// GetProposal loads a proposal for actorID, who must be allowed to view it.
func (e Engine) GetProposal(ctx context.Context, id, actorID string) (ProposalView, error) {
	agg, err := e.Repo.LoadAggregate(ctx, nil, id)
	if err != nil {
		return ProposalView{}, err
	}
	perms, err := e.Auth.Permissions(ctx, actorID, agg)
	if err != nil {
		return ProposalView{}, err
	}
	if !perms.Authorized() {
		return ProposalView{}, auth.ForbiddenError{Permission: "proposal.view"}
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

// Permissions resolves actorID's permission set on a proposal. An unauthorized
// user gets an all-false set, not an error.
func (e Engine) Permissions(ctx context.Context, proposalID, actorID string) (workflow.PermissionSet, error) {
	agg, err := e.Repo.LoadAggregate(ctx, nil, proposalID)
	if err != nil {
		return workflow.PermissionSet{}, err
	}
	return e.Auth.Permissions(ctx, actorID, agg)
}

// RetryNotifications runs one dispatcher pass over the outbox.
func (e Engine) RetryNotifications(ctx context.Context) (sent, failed int, err error) {
	if e.Dispatcher == nil {
		return 0, 0, errors.New("no notification dispatcher configured")
	}
	return e.Dispatcher.RunOnce(ctx)
}
