package scopedstore

import "testing"

func TestWhereClauseDeterministicOrder(t *testing.T) {
	clause, args, err := whereClause(Filter{"tenant_id": "t1", "status": "open", "channel": "web"}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := " WHERE channel = $1 AND status = $2 AND tenant_id = $3"
	if clause != want {
		t.Fatalf("clause = %q, want %q", clause, want)
	}
	if len(args) != 3 || args[0] != "web" || args[1] != "open" || args[2] != "t1" {
		t.Fatalf("args = %#v", args)
	}
}

func TestWhereClauseNullAndEmpty(t *testing.T) {
	clause, args, err := whereClause(Filter{"tenant_id": nil}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clause != " WHERE tenant_id IS NULL" || len(args) != 0 {
		t.Fatalf("clause = %q args = %#v", clause, args)
	}

	clause, args, err = whereClause(nil, 1)
	if err != nil || clause != "" || args != nil {
		t.Fatalf("empty filter: clause=%q args=%#v err=%v", clause, args, err)
	}
}

func TestWhereClauseRejectsBadIdentifiers(t *testing.T) {
	for _, key := range []string{"tenant_id; DROP TABLE orders", "a b", "1col", "Name"} {
		if _, _, err := whereClause(Filter{key: 1}, 1); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestSetClause(t *testing.T) {
	clause, args, err := setClause(Document{"status": "paid", "amount_cents": 1200}, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clause != " SET amount_cents = $3, status = $4" {
		t.Fatalf("clause = %q", clause)
	}
	if len(args) != 2 || args[0] != 1200 || args[1] != "paid" {
		t.Fatalf("args = %#v", args)
	}
	if _, _, err := setClause(Document{}, 1); err == nil {
		t.Fatalf("expected error for empty set")
	}
}

func TestInsertClause(t *testing.T) {
	clause, args, err := insertClause(Document{"name": "Lunch", "tenant_id": "t1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clause != " (name, tenant_id) VALUES ($1, $2)" {
		t.Fatalf("clause = %q", clause)
	}
	if len(args) != 2 || args[0] != "Lunch" || args[1] != "t1" {
		t.Fatalf("args = %#v", args)
	}
}

func TestMergeExtraWins(t *testing.T) {
	base := map[string]any{"tenant_id": "caller", "name": "x"}
	out := merge(base, map[string]any{"tenant_id": "resolved"})
	if out["tenant_id"] != "resolved" || out["name"] != "x" {
		t.Fatalf("merge = %#v", out)
	}
	if base["tenant_id"] != "caller" {
		t.Fatalf("merge must not mutate its input")
	}
}
