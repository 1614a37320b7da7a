package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealflow/internal/config"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[string]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[string]int64),
	}
	go d.run()
}

// hookID is stable across restarts so persisted cursors survive config
// reloads that keep the same URL.
func hookID(hook config.WebhookConfig) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(hook.URL)).String()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for _, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(hook config.WebhookConfig) {
	ctx := context.Background()
	id := hookID(hook)
	cursor := d.cursorFor(ctx, id, hook)
	events, err := d.engine.Repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, rec := range events {
		if !filter.match(rec.Event.EventType) {
			d.setCursor(ctx, id, rec.Event.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, rec); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(ctx, id, rec.Event.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, id string, hook config.WebhookConfig) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[id]; ok {
		return cur
	}
	cur, err := d.engine.Repo.WebhookCursor(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		// New hook: start at the feed head so only fresh events deliver.
		cur, err = d.engine.Repo.LatestEventID(ctx)
		if err != nil {
			log.Printf("webhook: init cursor failed: %v", err)
			cur = 0
		}
		if err := d.engine.Repo.UpsertWebhook(ctx, hookRecord(id, hook)); err != nil {
			log.Printf("webhook: register hook failed: %v", err)
		}
		if err := d.engine.Repo.SetWebhookCursor(ctx, id, cur); err != nil {
			log.Printf("webhook: persist cursor failed: %v", err)
		}
	} else if err != nil {
		log.Printf("webhook: load cursor failed: %v", err)
		cur = 0
	}
	d.cursors[id] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(ctx context.Context, id string, value int64) {
	d.mu.Lock()
	d.cursors[id] = value
	d.mu.Unlock()
	if err := d.engine.Repo.SetWebhookCursor(ctx, id, value); err != nil {
		log.Printf("webhook: persist cursor failed: %v", err)
	}
}

type webhookEvent struct {
	ID        int64          `json:"id"`
	DealID    string         `json:"deal_id"`
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	OldState  *string        `json:"old_state,omitempty"`
	NewState  *string        `json:"new_state,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Success   bool           `json:"success"`
	Reason    string         `json:"reason,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, rec repo.DealEventRecord) error {
	evt := rec.Event
	body := webhookEvent{
		ID:        evt.ID,
		DealID:    rec.DealID,
		EventType: evt.EventType,
		Timestamp: evt.Timestamp.Format(time.RFC3339),
		Source:    evt.Source,
		OldState:  evt.OldState,
		NewState:  evt.NewState,
		Metadata:  evt.Metadata,
		Success:   evt.Success,
		Reason:    evt.Reason,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealflow-Event", evt.EventType)
	req.Header.Set("X-Dealflow-Delivery", uuid.NewString())
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dealflow-Signature", signPayload(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func hookRecord(id string, hook config.WebhookConfig) domain.Webhook {
	return domain.Webhook{
		HookID: id,
		URL:    hook.URL,
		Secret: hook.Secret,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
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
