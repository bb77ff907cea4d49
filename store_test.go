package webtrap

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustSession(t *testing.T, store *SQLStore, fingerprint string) *Session {
	t.Helper()
	sess, _, err := store.UpsertSession(context.Background(), fingerprint)
	if err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	return sess
}

func TestUpsertSessionIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.UpsertSession(ctx, "fp-1")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("first contact must create the session")
	}
	if !ValidCID(first.PublicID) {
		t.Fatalf("public id %q is malformed", first.PublicID)
	}
	if !strings.HasPrefix(first.DisplayAlias, "operative-") {
		t.Fatalf("unexpected default alias %q", first.DisplayAlias)
	}
	if first.RiskScore != 0 {
		t.Fatalf("new session must start at zero, got %d", first.RiskScore)
	}

	second, created, err := store.UpsertSession(ctx, "fp-1")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("repeat contact must not create a new session")
	}
	if second.PublicID != first.PublicID {
		t.Fatalf("public id changed across upserts: %q vs %q", second.PublicID, first.PublicID)
	}
}

func TestGetSessionByPublicID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, store, "fp-pid")

	got, err := store.GetSessionByPublicID(ctx, sess.PublicID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Fingerprint != "fp-pid" {
		t.Fatalf("got fingerprint %q", got.Fingerprint)
	}
	if _, err := store.GetSessionByPublicID(ctx, "CID-000-0"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplyScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-score")

	old, updated, err := store.ApplyScore(ctx, "fp-score", func(cur int) int { return cur + 10 })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if old != 0 || updated != 10 {
		t.Fatalf("got %d -> %d", old, updated)
	}

	old, updated, err = store.ApplyScore(ctx, "fp-score", func(cur int) int { return cur + 15 })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if old != 10 || updated != 25 {
		t.Fatalf("got %d -> %d", old, updated)
	}

	// No-op compute writes nothing.
	old, updated, err = store.ApplyScore(ctx, "fp-score", func(cur int) int { return cur })
	if err != nil || old != 25 || updated != 25 {
		t.Fatalf("got %d -> %d err=%v", old, updated, err)
	}

	if _, _, err := store.ApplyScore(ctx, "fp-ghost", func(cur int) int { return cur + 1 }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetOperationFlagOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-flag")

	changed, err := store.SetOperationFlag(ctx, "fp-flag", OpToolsmith)
	if err != nil || !changed {
		t.Fatalf("first set: changed=%v err=%v", changed, err)
	}
	changed, err = store.SetOperationFlag(ctx, "fp-flag", OpToolsmith)
	if err != nil || changed {
		t.Fatalf("repeat set: changed=%v err=%v", changed, err)
	}
	if _, err := store.SetOperationFlag(ctx, "fp-flag", "no_such_flag"); err == nil {
		t.Fatal("unknown flag must error")
	}

	sess, err := store.GetSession(ctx, "fp-flag")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sess.OpToolsmith || sess.FlagCount() != 1 || sess.Ceiling() != 60 {
		t.Fatalf("flag state not persisted: %+v", sess)
	}
}

func TestLinkExternalAuth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-a")
	mustSession(t, store, "fp-b")

	if err := store.LinkExternalAuth(ctx, "fp-a", "acct-1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	// Relinking the same id is a no-op, not a conflict.
	if err := store.LinkExternalAuth(ctx, "fp-a", "acct-1"); err != nil {
		t.Fatalf("relink same id: %v", err)
	}
	if err := store.LinkExternalAuth(ctx, "fp-a", "acct-2"); !errors.Is(err, ErrAuthLinked) {
		t.Fatalf("expected ErrAuthLinked, got %v", err)
	}
	// One account id cannot span two sessions.
	if err := store.LinkExternalAuth(ctx, "fp-b", "acct-1"); !errors.Is(err, ErrAuthLinked) {
		t.Fatalf("expected ErrAuthLinked across sessions, got %v", err)
	}
}

func TestGetSessionByAuthID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-linked")

	if _, err := store.GetSessionByAuthID(ctx, "acct-7"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unlinked account: expected ErrNotFound, got %v", err)
	}
	if err := store.LinkExternalAuth(ctx, "fp-linked", "acct-7"); err != nil {
		t.Fatalf("link: %v", err)
	}
	sess, err := store.GetSessionByAuthID(ctx, "acct-7")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sess.Fingerprint != "fp-linked" {
		t.Fatalf("got fingerprint %q", sess.Fingerprint)
	}
}

func TestUpdateAlias(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-alias")

	if err := store.UpdateAlias(ctx, "fp-alias", "night owl"); err != nil {
		t.Fatalf("update: %v", err)
	}
	sess, _ := store.GetSession(ctx, "fp-alias")
	if sess.DisplayAlias != "night owl" {
		t.Fatalf("alias not stored: %q", sess.DisplayAlias)
	}
	if err := store.UpdateAlias(ctx, "fp-ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func insertTestEvent(t *testing.T, store *SQLStore, fingerprint, eventType, route string) {
	t.Helper()
	err := store.InsertEvent(context.Background(), &SecurityEvent{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		EventType:   eventType,
		RiskImpact:  0,
		ActionTaken: string(ActionFlagged),
		Route:       route,
	})
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
}

func TestEventCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-ev")

	insertTestEvent(t, store, "fp-ev", "route_probe", "/admin")
	insertTestEvent(t, store, "fp-ev", "route_probe", "/admin")
	insertTestEvent(t, store, "fp-ev", "route_probe", "/backup")
	insertTestEvent(t, store, "fp-ev", "sql_injection", "/items")

	recent, err := store.CountRecentEvents(ctx, "fp-ev", "route_probe", time.Now().Add(-time.Minute))
	if err != nil || recent != 3 {
		t.Fatalf("recent probes: %d err=%v", recent, err)
	}
	techniques, err := store.CountDistinctTechniques(ctx, "fp-ev")
	if err != nil || techniques != 2 {
		t.Fatalf("distinct techniques: %d err=%v", techniques, err)
	}
	routes, err := store.CountDistinctProbeRoutes(ctx, "fp-ev")
	if err != nil || routes != 2 {
		t.Fatalf("distinct probe routes: %d err=%v", routes, err)
	}
}

func TestInfamyOncePerFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-wall")

	entry := &InfamyEntry{Fingerprint: "fp-wall", Alias: "ghost", Message: "made it", RiskScoreAtPosting: 92}
	if err := store.CreateInfamyEntry(ctx, entry); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &InfamyEntry{Fingerprint: "fp-wall", Alias: "ghost", Message: "again", RiskScoreAtPosting: 95}
	if err := store.CreateInfamyEntry(ctx, dup); !errors.Is(err, ErrInfamyExists) {
		t.Fatalf("expected ErrInfamyExists, got %v", err)
	}
}

func TestListInfamyOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, e := range []InfamyEntry{
		{Fingerprint: "fp-1", Alias: "low", Message: "m", RiskScoreAtPosting: 90},
		{Fingerprint: "fp-2", Alias: "high", Message: "m", RiskScoreAtPosting: 99},
		{Fingerprint: "fp-3", Alias: "mid", Message: "m", RiskScoreAtPosting: 95},
	} {
		entry := e
		if err := store.CreateInfamyEntry(ctx, &entry); err != nil {
			t.Fatalf("create %s: %v", e.Alias, err)
		}
	}

	entries, err := store.ListInfamy(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Alias != "high" || entries[1].Alias != "mid" || entries[2].Alias != "low" {
		t.Fatalf("wrong ordering: %v", entries)
	}
}

func TestForensicWipePreservesInfamy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustSession(t, store, "fp-wipe")
	insertTestEvent(t, store, "fp-wipe", "route_probe", "/secret")
	if err := store.CreateInfamyEntry(ctx, &InfamyEntry{
		Fingerprint: "fp-wipe", Alias: "gone", Message: "trace me", RiskScoreAtPosting: 91,
	}); err != nil {
		t.Fatalf("infamy: %v", err)
	}

	if err := store.ForensicWipe(ctx, "fp-wipe"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := store.GetSession(ctx, "fp-wipe"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("session survived the wipe: %v", err)
	}
	if n, err := store.CountDistinctTechniques(ctx, "fp-wipe"); err != nil || n != 0 {
		t.Fatalf("events survived the wipe: %d err=%v", n, err)
	}

	entries, err := store.ListInfamy(ctx, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("infamy must survive the wipe: %v err=%v", entries, err)
	}
}
