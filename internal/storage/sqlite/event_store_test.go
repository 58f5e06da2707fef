package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nexaas/nexaas/internal/models"
)

func putEvent(t *testing.T, store *Store, e *models.Event) {
	t.Helper()
	if err := store.events.Upsert(context.Background(), e); err != nil {
		t.Fatalf("upsert event %s: %v", e.ID, err)
	}
}

func intervalEvent(id string, nextEval time.Time) *models.Event {
	return &models.Event{
		ID:            id,
		Type:          "schedule",
		ConditionType: models.ConditionInterval,
		ConditionExpr: "300",
		NextEvalAt:    nextEval,
		ActionType:    models.ActionScript,
		ActionConfig:  json.RawMessage(`{"command":"true"}`),
		Status:        models.EventStatusActive,
	}
}

func TestEventUpsertRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	next := time.Now().Add(time.Minute)
	e := intervalEvent("ev-1", next)
	e.ConcurrencyKey = "nightly"
	e.Description = "nightly sync"
	putEvent(t, store, e)

	got, err := store.events.Get(ctx, "ev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("event missing after upsert")
	}
	if got.ConditionType != models.ConditionInterval || got.ConcurrencyKey != "nightly" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	// Priority is stored verbatim: 0 is the most urgent value, not an
	// unset marker. max_retries still defaults.
	if got.Priority != 0 || got.MaxRetries != models.DefaultMaxRetries {
		t.Fatalf("stored values off: %+v", got)
	}
	// Stored as fixed-width UTC; sub-millisecond precision is dropped.
	if got.NextEvalAt.Sub(next).Abs() > time.Millisecond {
		t.Fatalf("next_eval_at drifted: %v vs %v", got.NextEvalAt, next)
	}

	missing, err := store.events.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing event, got %+v (err %v)", missing, err)
	}
}

func TestEventUpsertPreservesCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putEvent(t, store, intervalEvent("ev-1", time.Now()))
	if err := store.events.ApplyRunResult(ctx, "ev-1", false, "boom", time.Now()); err != nil {
		t.Fatalf("apply run result: %v", err)
	}

	// Re-upserting the definition must not reset run accounting.
	updated := intervalEvent("ev-1", time.Now())
	updated.Description = "edited"
	putEvent(t, store, updated)

	got, _ := store.events.Get(ctx, "ev-1")
	if got.RunCount != 1 || got.FailCount != 1 || got.ConsecutiveFails != 1 {
		t.Fatalf("counters reset by upsert: %+v", got)
	}
	if got.Description != "edited" {
		t.Fatalf("definition not updated: %+v", got)
	}
}

func TestDueCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putEvent(t, store, intervalEvent("due", now.Add(-time.Second)))
	putEvent(t, store, intervalEvent("future", now.Add(time.Hour)))

	paused := intervalEvent("paused", now.Add(-time.Second))
	paused.Status = models.EventStatusPaused
	putEvent(t, store, paused)

	locked := intervalEvent("locked", now.Add(-time.Second))
	putEvent(t, store, locked)
	ok, err := store.events.AcquireLock(ctx, "locked", "other", now, now.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("prep lock: ok=%v err=%v", ok, err)
	}

	expired := intervalEvent("expired-lock", now.Add(-time.Second))
	putEvent(t, store, expired)
	ok, err = store.events.AcquireLock(ctx, "expired-lock", "dead", now.Add(-5*time.Minute), now.Add(-3*time.Minute))
	if err != nil || !ok {
		t.Fatalf("prep expired lock: ok=%v err=%v", ok, err)
	}

	candidates, err := store.events.DueCandidates(ctx, now)
	if err != nil {
		t.Fatalf("due candidates: %v", err)
	}
	got := map[string]bool{}
	for _, c := range candidates {
		got[c.ID] = true
	}
	if !got["due"] || !got["expired-lock"] {
		t.Fatalf("due/expired-lock should be candidates: %v", got)
	}
	if got["future"] || got["paused"] || got["locked"] {
		t.Fatalf("ineligible event returned as candidate: %v", got)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putEvent(t, store, intervalEvent("ev-1", now))

	ok, err := store.events.AcquireLock(ctx, "ev-1", "engine-a", now, now.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// A second instance loses the race while the lease is live.
	ok, err = store.events.AcquireLock(ctx, "ev-1", "engine-b", now, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("two holders acquired the same lock")
	}

	// After the lease expires, a new holder can steal it.
	later := now.Add(3 * time.Minute)
	ok, err = store.events.AcquireLock(ctx, "ev-1", "engine-b", later, later.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("steal expired lock: ok=%v err=%v", ok, err)
	}

	got, _ := store.events.Get(ctx, "ev-1")
	if got.LockHolder != "engine-b" {
		t.Fatalf("lock holder = %q, want engine-b", got.LockHolder)
	}
}

func TestReleaseAndAdvance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putEvent(t, store, intervalEvent("ev-1", now))
	if ok, _ := store.events.AcquireLock(ctx, "ev-1", "engine-a", now, now.Add(2*time.Minute)); !ok {
		t.Fatal("acquire failed")
	}

	next := now.Add(5 * time.Minute)
	if err := store.events.AdvanceNextEval(ctx, "ev-1", next, now); err != nil {
		t.Fatalf("advance: %v", err)
	}

	got, _ := store.events.Get(ctx, "ev-1")
	if got.LockHolder != "" {
		t.Fatalf("advance must release the lock: %+v", got)
	}
	if got.NextEvalAt.Sub(next).Abs() > time.Millisecond {
		t.Fatalf("next_eval_at = %v, want %v", got.NextEvalAt, next)
	}
}

func TestPauseReleasesLock(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putEvent(t, store, intervalEvent("ev-1", now))
	if ok, _ := store.events.AcquireLock(ctx, "ev-1", "engine-a", now, now.Add(2*time.Minute)); !ok {
		t.Fatal("acquire failed")
	}
	if err := store.events.Pause(ctx, "ev-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	got, _ := store.events.Get(ctx, "ev-1")
	if got.Status != models.EventStatusPaused || got.LockHolder != "" {
		t.Fatalf("pause state wrong: %+v", got)
	}
}

func TestApplyRunResultAccounting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putEvent(t, store, intervalEvent("ev-1", time.Now()))

	store.events.ApplyRunResult(ctx, "ev-1", false, "first failure", time.Now())
	store.events.ApplyRunResult(ctx, "ev-1", false, "second failure", time.Now())
	got, _ := store.events.Get(ctx, "ev-1")
	if got.RunCount != 2 || got.FailCount != 2 || got.ConsecutiveFails != 2 {
		t.Fatalf("failure accounting wrong: %+v", got)
	}
	if got.LastResult != models.ResultFailed {
		t.Fatalf("last_result = %q", got.LastResult)
	}

	// Success resets the consecutive counter but not the totals.
	store.events.ApplyRunResult(ctx, "ev-1", true, "ok", time.Now())
	got, _ = store.events.Get(ctx, "ev-1")
	if got.RunCount != 3 || got.FailCount != 2 || got.ConsecutiveFails != 0 {
		t.Fatalf("success accounting wrong: %+v", got)
	}
	if got.LastResult != models.ResultSuccess || got.LastOutput != "ok" {
		t.Fatalf("last run fields wrong: %+v", got)
	}
}

func TestChainedFlowEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chained := intervalEvent("flow-f2", time.Now().Add(876000*time.Hour))
	chained.Type = models.EventTypeFlow
	chained.ConditionType = models.ConditionFlowChain
	chained.ConditionExpr = "f1"
	chained.ActionType = models.ActionFlow
	putEvent(t, store, chained)

	// Same parent, wrong type tag: not part of the chain.
	other := intervalEvent("ev-x", time.Now())
	other.ConditionType = models.ConditionFlowChain
	other.ConditionExpr = "f1"
	putEvent(t, store, other)

	got, err := store.events.ChainedFlowEvents(ctx, "f1")
	if err != nil {
		t.Fatalf("chained: %v", err)
	}
	if len(got) != 1 || got[0].ID != "flow-f2" {
		t.Fatalf("expected [flow-f2], got %+v", got)
	}

	if err := store.events.SetNextEvalNow(ctx, "flow-f2", time.Now()); err != nil {
		t.Fatalf("set next eval now: %v", err)
	}
	candidates, err := store.events.DueCandidates(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("due candidates: %v", err)
	}
	found := false
	for _, c := range candidates {
		if c.ID == "flow-f2" {
			found = true
		}
	}
	if !found {
		t.Fatal("advanced chained flow is not due")
	}
}

func TestClearExpiredLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putEvent(t, store, intervalEvent("stale", now))
	putEvent(t, store, intervalEvent("live", now))
	store.events.AcquireLock(ctx, "stale", "dead", now.Add(-10*time.Minute), now.Add(-8*time.Minute))
	store.events.AcquireLock(ctx, "live", "engine-a", now, now.Add(2*time.Minute))

	ids, err := store.events.ClearExpiredLocks(ctx, now)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expected [stale], got %v", ids)
	}

	got, _ := store.events.Get(ctx, "live")
	if got.LockHolder != "engine-a" {
		t.Fatalf("live lock evicted: %+v", got)
	}
}

func TestEventListAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	putEvent(t, store, intervalEvent("a", time.Now()))
	paused := intervalEvent("b", time.Now())
	paused.Status = models.EventStatusPaused
	putEvent(t, store, paused)

	all, err := store.events.List(ctx, "", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("list all: len=%d err=%v", len(all), err)
	}
	active, err := store.events.List(ctx, models.EventStatusActive, 10)
	if err != nil || len(active) != 1 || active[0].ID != "a" {
		t.Fatalf("list active: %+v err=%v", active, err)
	}

	if err := store.events.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := store.events.Get(ctx, "a")
	if got != nil {
		t.Fatalf("event survived delete: %+v", got)
	}
}
