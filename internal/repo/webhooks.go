package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dealflow/internal/domain"
)

// UpsertWebhook mirrors a configured delivery target into storage.
func (r Repo) UpsertWebhook(ctx context.Context, hook domain.Webhook) error {
	if hook.HookID == "" {
		return errors.New("hook_id required")
	}
	if hook.URL == "" {
		return errors.New("url required")
	}
	if hook.CreatedAt == "" {
		hook.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO webhooks(hook_id, url, secret, created_at) VALUES (?,?,?,?)
ON CONFLICT(hook_id) DO UPDATE SET url=excluded.url, secret=excluded.secret`,
		hook.HookID, hook.URL, nullable(hook.Secret), hook.CreatedAt)
	return err
}

// WebhookCursor returns the last delivered event ID for a hook.
func (r Repo) WebhookCursor(ctx context.Context, hookID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE hook_id=?`, hookID)
	var id int64
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// SetWebhookCursor records the last delivered event ID for a hook.
func (r Repo) SetWebhookCursor(ctx context.Context, hookID string, eventID int64) error {
	if hookID == "" {
		return errors.New("hook_id required")
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO webhook_cursors(hook_id, last_event_id) VALUES (?,?)
ON CONFLICT(hook_id) DO UPDATE SET last_event_id=excluded.last_event_id`,
		hookID, eventID)
	return err
}
