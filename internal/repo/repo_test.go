package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dealflow/internal/config"
	"dealflow/internal/db"
	"dealflow/internal/domain"
	"dealflow/internal/engine"
	"dealflow/internal/migrate"
	"dealflow/internal/repo"
)

type repoEnv struct {
	Repo   repo.Repo
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

// tick advances the test clock so rows get distinct timestamps.
func (env repoEnv) tick() {
	*env.clock = env.clock.Add(time.Minute)
}

func newRepoEnv(t *testing.T) repoEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := time.Date(2025, 1, 10, 23, 0, 0, 0, time.UTC)
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return clock }
	return repoEnv{
		Repo:   repo.Repo{DB: conn},
		Engine: e,
		Ctx:    context.Background(),
		clock:  &clock,
	}
}

func seedDeal(t *testing.T, env repoEnv, lot, address string) *domain.Deal {
	t.Helper()
	d, err := env.Engine.CreateDeal(env.Ctx, engine.DealCreateOptions{
		Canonical: map[string]any{
			"property": map[string]any{"lot_number": lot, "address": address},
		},
	})
	if err != nil {
		t.Fatalf("seed deal: %v", err)
	}
	return d
}

func TestGetDealNotFound(t *testing.T) {
	env := newRepoEnv(t)
	_, err := env.Repo.GetDeal(env.Ctx, "LOT1_NOWHERE")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDealsFiltersAndOrder(t *testing.T) {
	env := newRepoEnv(t)
	first := seedDeal(t, env, "95", "Fake Rise VIC 3336")
	env.tick()
	second := seedDeal(t, env, "12", "Sample Court VIC 3000")
	env.tick()

	if _, err := env.Engine.ApplyEvent(env.Ctx, second.DealID, domain.EventContractFromVendor,
		engine.ApplyEventOptions{Source: "test"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	all, err := env.Repo.ListDeals(env.Ctx, repo.DealFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].DealID != second.DealID {
		t.Fatalf("newest first expected, got %s", all[0].DealID)
	}
	if len(all[0].Events) != 0 || len(all[0].Contracts) != 0 {
		t.Fatal("list rows must not carry events or contracts")
	}

	eoi, err := env.Repo.ListDeals(env.Ctx, repo.DealFilters{Status: "EOI_RECEIVED"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(eoi) != 1 || eoi[0].DealID != first.DealID {
		t.Fatalf("filter = %+v", eoi)
	}

	limited, err := env.Repo.ListDeals(env.Ctx, repo.DealFilters{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d rows", len(limited))
	}
}

func releaseWithDeadline(t *testing.T, env repoEnv, dealID string) time.Time {
	t.Helper()
	steps := []struct {
		event string
		opts  engine.ApplyEventOptions
	}{
		{domain.EventContractFromVendor, engine.ApplyEventOptions{Source: "test"}},
		{domain.EventValidationPassed, engine.ApplyEventOptions{Source: "test", Context: engine.TransitionContext{
			Comparison: &domain.ComparisonResult{IsValid: true, RiskScore: domain.RiskNone, ShouldSendToSolicitor: true},
		}}},
		{domain.EventSolicitorApproved, engine.ApplyEventOptions{Source: "test", Context: engine.TransitionContext{
			AppointmentAt: "2025-01-16T11:30:00+11:00",
		}}},
		{domain.EventDocuSignReleaseRequest, engine.ApplyEventOptions{Source: "test"}},
		{domain.EventDocuSignReleased, engine.ApplyEventOptions{Source: "test"}},
	}
	for _, s := range steps {
		res, err := env.Engine.ApplyEvent(env.Ctx, dealID, s.event, s.opts)
		if err != nil {
			t.Fatalf("apply %s: %v", s.event, err)
		}
		if !res.Applied {
			t.Fatalf("apply %s: rejected: %s", s.event, res.Reason)
		}
		env.tick()
	}
	d, err := env.Repo.GetDeal(env.Ctx, dealID)
	if err != nil {
		t.Fatalf("get deal: %v", err)
	}
	if d.SLADeadline == nil {
		t.Fatal("deadline not armed")
	}
	return *d.SLADeadline
}

func TestPendingSLAChecksWindow(t *testing.T) {
	env := newRepoEnv(t)
	d := seedDeal(t, env, "95", "Fake Rise VIC 3336")
	deadline := releaseWithDeadline(t, env, d.DealID)

	pending, err := env.Repo.PendingSLAChecks(env.Ctx, deadline.Add(-time.Minute))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("nothing due yet, got %+v", pending)
	}

	pending, err = env.Repo.PendingSLAChecks(env.Ctx, deadline)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].DealID != d.DealID {
		t.Fatalf("due = %+v", pending)
	}
	if !pending[0].Deadline.Equal(deadline) {
		t.Fatalf("deadline = %v, want %v", pending[0].Deadline, deadline)
	}

	// Once the alert fires the deal leaves the pending window.
	at := deadline
	res, err := env.Engine.CheckDealSLA(env.Ctx, d.DealID, &at, "sla_monitor")
	if err != nil || !res.Applied {
		t.Fatalf("check sla: %v applied=%v", err, res.Applied)
	}
	pending, err = env.Repo.PendingSLAChecks(env.Ctx, deadline.Add(time.Hour))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("alerted deal still pending: %+v", pending)
	}
}

func TestRecordEventReplayDedup(t *testing.T) {
	env := newRepoEnv(t)
	d := seedDeal(t, env, "95", "Fake Rise VIC 3336")

	ev := domain.DealEvent{
		EventType: "DEAL_NOTE",
		Timestamp: time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC),
		Source:    "test",
		Success:   true,
	}
	if err := env.Repo.RecordEvent(env.Ctx, d.DealID, ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := env.Repo.RecordEvent(env.Ctx, d.DealID, ev); err != nil {
		t.Fatalf("replay: %v", err)
	}

	events, err := env.Repo.DealEvents(env.Ctx, d.DealID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	// DEAL_CREATED plus exactly one copy of the note.
	if len(events) != 2 {
		t.Fatalf("len = %d, want 2", len(events))
	}
}

func TestEventsAfterCursor(t *testing.T) {
	env := newRepoEnv(t)

	latest, err := env.Repo.LatestEventID(env.Ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 0 {
		t.Fatalf("empty store latest = %d", latest)
	}

	d := seedDeal(t, env, "95", "Fake Rise VIC 3336")
	env.tick()
	if _, err := env.Engine.ApplyEvent(env.Ctx, d.DealID, domain.EventContractFromVendor,
		engine.ApplyEventOptions{Source: "test"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	records, err := env.Repo.EventsAfter(env.Ctx, 0, 0)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d", len(records))
	}
	if records[0].Event.EventType != domain.EventDealCreated || records[0].DealID != d.DealID {
		t.Fatalf("first = %+v", records[0])
	}
	if records[0].Event.ID >= records[1].Event.ID {
		t.Fatal("ids must be ascending")
	}

	rest, err := env.Repo.EventsAfter(env.Ctx, records[0].Event.ID, 0)
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].Event.EventType != domain.EventContractFromVendor {
		t.Fatalf("rest = %+v", rest)
	}

	limited, err := env.Repo.EventsAfter(env.Ctx, 0, 1)
	if err != nil {
		t.Fatalf("events limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d", len(limited))
	}

	latest, err = env.Repo.LatestEventID(env.Ctx)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != records[1].Event.ID {
		t.Fatalf("latest = %d, want %d", latest, records[1].Event.ID)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newRepoEnv(t)

	if h1, h2 := repo.HashAPIKey("dfk_secret"), repo.HashAPIKey("  dfk_secret  "); h1 != h2 {
		t.Fatal("hash must ignore surrounding whitespace")
	}

	if err := env.Repo.EnsureActor(env.Ctx, domain.Actor{ID: "ops"}); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	// Idempotent and defaulting.
	if err := env.Repo.EnsureActor(env.Ctx, domain.Actor{ID: "ops"}); err != nil {
		t.Fatalf("ensure actor again: %v", err)
	}
	actor, err := env.Repo.GetActor(env.Ctx, "ops")
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	if actor.Name != "ops" || actor.Role != "operator" {
		t.Fatalf("defaults wrong: %+v", actor)
	}

	hash := repo.HashAPIKey("dfk_secret")
	key := domain.APIKey{ID: "key-1", ActorID: "ops", Name: "laptop", KeyHash: hash}
	if err := env.Repo.InsertAPIKey(env.Ctx, nil, key); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := env.Repo.GetAPIKeyByHash(env.Ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.ID != "key-1" || got.ActorID != "ops" || got.Name != "laptop" {
		t.Fatalf("key = %+v", got)
	}
	if _, err := env.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown hash err = %v", err)
	}

	if err := env.Repo.EnsureActor(env.Ctx, domain.Actor{ID: "other"}); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	other := domain.APIKey{ID: "key-2", ActorID: "other", KeyHash: repo.HashAPIKey("dfk_other")}
	if err := env.Repo.InsertAPIKey(env.Ctx, nil, other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := env.Repo.ListAPIKeys(env.Ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d", len(all))
	}
	mine, err := env.Repo.ListAPIKeys(env.Ctx, "ops")
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "key-1" {
		t.Fatalf("filtered = %+v", mine)
	}

	if err := env.Repo.DeleteAPIKey(env.Ctx, ""); err == nil {
		t.Fatal("blank id must error")
	}
	if err := env.Repo.DeleteAPIKey(env.Ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Repo.GetAPIKeyByHash(env.Ctx, hash); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted key err = %v", err)
	}
}

func TestInsertAPIKeyValidation(t *testing.T) {
	env := newRepoEnv(t)
	cases := []domain.APIKey{
		{ActorID: "ops", KeyHash: "h"},
		{ID: "k", KeyHash: "h"},
		{ID: "k", ActorID: "ops"},
	}
	for _, key := range cases {
		if err := env.Repo.InsertAPIKey(env.Ctx, nil, key); err == nil {
			t.Fatalf("expected validation error for %+v", key)
		}
	}
}

func TestWebhookCursorRoundTrip(t *testing.T) {
	env := newRepoEnv(t)

	if err := env.Repo.UpsertWebhook(env.Ctx, domain.Webhook{HookID: "crm"}); err == nil {
		t.Fatal("url required")
	}
	hook := domain.Webhook{HookID: "crm", URL: "https://crm.example.com/hook", Secret: "s3cret"}
	if err := env.Repo.UpsertWebhook(env.Ctx, hook); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hook.URL = "https://crm.example.com/hook/v2"
	if err := env.Repo.UpsertWebhook(env.Ctx, hook); err != nil {
		t.Fatalf("upsert update: %v", err)
	}

	if _, err := env.Repo.WebhookCursor(env.Ctx, "crm"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("fresh hook cursor err = %v", err)
	}
	if err := env.Repo.SetWebhookCursor(env.Ctx, "crm", 41); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	if err := env.Repo.SetWebhookCursor(env.Ctx, "crm", 42); err != nil {
		t.Fatalf("advance cursor: %v", err)
	}
	cursor, err := env.Repo.WebhookCursor(env.Ctx, "crm")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 42 {
		t.Fatalf("cursor = %d", cursor)
	}
}
