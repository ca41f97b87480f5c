package db

import (
	"context"
	"testing"
	"time"
)

func TestCreateAndListExecutions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	a := newPending(t, db, time.Minute)

	records := []*ExecutionRecord{
		{ToolCallID: "c1", SQL: "SELECT * FROM orders", Kind: KindSelect, Status: ExecSuccess, ReturnedRows: 1, DurationMs: 3},
		{ToolCallID: "c2", ApprovalID: a.ID, SQL: a.SQL, Kind: KindDelete, Status: ExecFailed, Error: "no such table: admin"},
	}
	for _, r := range records {
		if err := db.CreateExecution(ctx, r); err != nil {
			t.Fatalf("CreateExecution: %v", err)
		}
		if r.ID == 0 {
			t.Fatal("expected generated execution id")
		}
	}

	all, err := db.ListExecutions(ctx, 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("executions = %d, want 2", len(all))
	}
	if all[0].ToolCallID != "c2" {
		t.Errorf("first listed = %s, want most recent c2", all[0].ToolCallID)
	}
	if all[0].Error != "no such table: admin" || all[0].Status != ExecFailed {
		t.Errorf("record = %+v", all[0])
	}

	linked, err := db.ListExecutionsForApproval(ctx, a.ID)
	if err != nil {
		t.Fatalf("ListExecutionsForApproval: %v", err)
	}
	if len(linked) != 1 || linked[0].ApprovalID != a.ID {
		t.Fatalf("linked = %+v, want one record for %s", linked, a.ID)
	}
}
