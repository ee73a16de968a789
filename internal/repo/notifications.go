package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"grantflow/internal/domain"
)

const notificationColumns = `id,proposal_id,event,COALESCE(step,''),recipients_json,status,attempts,COALESCE(last_error,''),created_at,COALESCE(sent_at,'')`

func scanNotification(row scanner) (domain.Notification, error) {
	var n domain.Notification
	var recipients string
	err := row.Scan(&n.ID, &n.ProposalID, &n.Event, &n.Step, &recipients, &n.Status, &n.Attempts, &n.LastError, &n.CreatedAt, &n.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if err := json.Unmarshal([]byte(recipients), &n.Recipients); err != nil {
		return n, fmt.Errorf("notification %s recipients: %w", n.ID, err)
	}
	return n, nil
}

// InsertNotification enqueues an outbox row, normally in the transaction that
// produced it.
func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	if n.Recipients == nil {
		n.Recipients = []string{}
	}
	data, err := json.Marshal(n.Recipients)
	if err != nil {
		return err
	}
	if n.Status == "" {
		n.Status = domain.NotificationPending
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO notifications(id,proposal_id,event,step,recipients_json,status,attempts,last_error,created_at,sent_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.ProposalID, n.Event, nullable(n.Step), string(data), n.Status, n.Attempts, nullable(n.LastError), n.CreatedAt, nullable(n.SentAt))
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

// NotificationFilters selects outbox rows. An empty Status matches every row.
type NotificationFilters struct {
	Status     string
	ProposalID string
	Limit      int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.ProposalID != "" {
		query += ` AND proposal_id=?`
		args = append(args, f.ProposalID)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// ClaimNotification moves a pending row to sending so that only one
// dispatcher delivers it. A row left in sending with claimed_at before
// staleBefore can be claimed again. It reports whether the claim was won.
func (r Repo) ClaimNotification(ctx context.Context, id, now, staleBefore string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, claimed_at=?
WHERE id=? AND (status=? OR (status=? AND (claimed_at IS NULL OR claimed_at < ?)))`,
		domain.NotificationSending, now, id, domain.NotificationPending, domain.NotificationSending, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, sentAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=attempts+1, last_error=NULL, sent_at=? WHERE id=? AND status<>?`,
		domain.NotificationSent, sentAt, id, domain.NotificationSent)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkNotificationFailed records a failed attempt. The row stays pending until
// maxAttempts is reached, then it is parked as failed.
func (r Repo) MarkNotificationFailed(ctx context.Context, id, lastError string, maxAttempts int) (domain.Notification, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1, last_error=?, claimed_at=NULL,
status=CASE WHEN attempts+1 >= ? THEN ? ELSE ? END WHERE id=? AND status<>?`,
		lastError, maxAttempts, domain.NotificationFailed, domain.NotificationPending, id, domain.NotificationSent)
	if err != nil {
		return domain.Notification{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return r.GetNotification(ctx, id)
}

// RequeueNotification puts a parked row back in the pending queue.
func (r Repo) RequeueNotification(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status=?, attempts=0 WHERE id=? AND status=?`,
		domain.NotificationPending, id, domain.NotificationFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed notification %s: %w", id, ErrNotFound)
	}
	return nil
}
