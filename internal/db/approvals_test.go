package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newPending(t *testing.T, db *DB, ttl time.Duration) *Approval {
	t.Helper()
	a := &Approval{
		ToolCallID: "call-1",
		SessionID:  "sess-1",
		SQL:        "DELETE FROM admin WHERE id=1",
		SQLHash:    "hash-1",
		Kind:       KindDelete,
		Tables:     []string{"admin"},
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	if err := db.CreateApproval(context.Background(), a); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	return a
}

func TestCreateAndGetApproval(t *testing.T) {
	db := setupTestDB(t)
	a := newPending(t, db, time.Minute)

	if a.ID == "" {
		t.Fatal("expected generated ID")
	}

	got, err := db.GetApproval(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if got.State != StatePending {
		t.Errorf("State = %s, want pending", got.State)
	}
	if got.SQL != a.SQL || got.SQLHash != a.SQLHash || got.Kind != KindDelete {
		t.Errorf("GetApproval = %+v, want fields of %+v", got, a)
	}
	if len(got.Tables) != 1 || got.Tables[0] != "admin" {
		t.Errorf("Tables = %v, want [admin]", got.Tables)
	}
	if got.DecidedAt != nil || got.ConsumedAt != nil {
		t.Errorf("fresh approval has DecidedAt=%v ConsumedAt=%v", got.DecidedAt, got.ConsumedAt)
	}
}

func TestGetApprovalNotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetApproval(context.Background(), "missing")
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Fatalf("GetApproval(missing) error = %v, want ErrApprovalNotFound", err)
	}
}

func TestDecideApprovalOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := newPending(t, db, time.Minute)

	ok, err := db.DecideApproval(ctx, a.ID, StateDenied, "alice", "not today", time.Now())
	if err != nil || !ok {
		t.Fatalf("first DecideApproval = %v, %v; want true, nil", ok, err)
	}

	ok, err = db.DecideApproval(ctx, a.ID, StateApproved, "bob", "", time.Now())
	if err != nil {
		t.Fatalf("second DecideApproval error: %v", err)
	}
	if ok {
		t.Fatal("second DecideApproval succeeded, want CAS failure")
	}

	got, _ := db.GetApproval(ctx, a.ID)
	if got.State != StateDenied || got.Decider != "alice" || got.Reason != "not today" {
		t.Fatalf("stored approval = %+v, want denied by alice", got)
	}
	if got.DecidedAt == nil {
		t.Fatal("DecidedAt not set")
	}
}

func TestDecideApprovalAfterDeadlineFails(t *testing.T) {
	db := setupTestDB(t)
	a := newPending(t, db, time.Second)

	ok, err := db.DecideApproval(context.Background(), a.ID, StateApproved, "alice", "", time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("DecideApproval error: %v", err)
	}
	if ok {
		t.Fatal("decision past deadline was accepted")
	}
}

func TestExpireApprovalRace(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := newPending(t, db, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			var err error
			if i%2 == 0 {
				ok, err = db.ExpireApproval(ctx, a.ID, time.Now())
			} else {
				ok, err = db.DecideApproval(ctx, a.ID, StateApproved, "reviewer", "", time.Now())
			}
			if err != nil {
				t.Errorf("transition error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
	got, _ := db.GetApproval(ctx, a.ID)
	if !got.State.IsTerminal() {
		t.Fatalf("state = %s, want terminal", got.State)
	}
}

func TestFindOverdueApprovals(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	soon := newPending(t, db, time.Second)
	later := newPending(t, db, time.Hour)

	overdue, err := db.FindOverdueApprovals(ctx, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("FindOverdueApprovals: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != soon.ID {
		t.Fatalf("overdue = %v, want only %s", overdue, soon.ID)
	}
	if overdue[0].ID == later.ID {
		t.Fatalf("approval %s reported overdue before its deadline", later.ID)
	}

	pending, _ := db.ListPendingApprovals(ctx)
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
}

func TestClaimApprovalSingleUse(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := newPending(t, db, time.Minute)

	if ok, _ := db.ClaimApproval(ctx, a.ID, a.SQLHash, time.Now()); ok {
		t.Fatal("claimed a pending approval")
	}

	if ok, err := db.DecideApproval(ctx, a.ID, StateApproved, "alice", "", time.Now()); !ok || err != nil {
		t.Fatalf("DecideApproval = %v, %v", ok, err)
	}

	if ok, _ := db.ClaimApproval(ctx, a.ID, "other-hash", time.Now()); ok {
		t.Fatal("claimed with mismatched hash")
	}
	if ok, err := db.ClaimApproval(ctx, a.ID, a.SQLHash, time.Now()); !ok || err != nil {
		t.Fatalf("first claim = %v, %v; want true", ok, err)
	}
	if ok, _ := db.ClaimApproval(ctx, a.ID, a.SQLHash, time.Now()); ok {
		t.Fatal("second claim succeeded")
	}

	got, _ := db.GetApproval(ctx, a.ID)
	if got.ConsumedAt == nil {
		t.Fatal("ConsumedAt not recorded")
	}
	if got.State != StateApproved {
		t.Fatalf("state after claim = %s, want approved", got.State)
	}
}

func TestDecisionAttempts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := newPending(t, db, time.Minute)

	attempts := []*DecisionAttempt{
		{ApprovalID: a.ID, Decision: DecisionDeny, Decider: "alice", Accepted: true},
		{ApprovalID: a.ID, Decision: DecisionApprove, Decider: "bob", Accepted: false, Observed: StateDenied},
	}
	for _, d := range attempts {
		if err := db.RecordDecisionAttempt(ctx, d); err != nil {
			t.Fatalf("RecordDecisionAttempt: %v", err)
		}
	}

	got, err := db.ListDecisionAttempts(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListDecisionAttempts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("attempts = %d, want 2", len(got))
	}
	if !got[0].Accepted || got[1].Accepted || got[1].Observed != StateDenied {
		t.Fatalf("attempts = %+v %+v", got[0], got[1])
	}
}

func TestCountPendingBySession(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	newPending(t, db, time.Minute)
	newPending(t, db, time.Minute)

	n, err := db.CountPendingBySession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CountPendingBySession: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
