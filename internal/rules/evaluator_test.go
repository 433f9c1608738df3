package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// stubFeed returns fixed figures for the context builder.
type stubFeed struct {
	daily, weekly, monthly float64
	count                  int
}

func (f *stubFeed) SpendingSince(_ context.Context, _ string, since time.Time) (float64, error) {
	age := time.Since(since)
	switch {
	case age <= 25*time.Hour:
		return f.daily, nil
	case age <= 8*24*time.Hour:
		return f.weekly, nil
	default:
		return f.monthly, nil
	}
}

func (f *stubFeed) CountSince(_ context.Context, _ string, _ time.Time) (int, error) {
	return f.count, nil
}

func newTestEvaluator(t *testing.T, feed HistoryFeed, rules ...*Rule) (*Evaluator, *MemoryRecordStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, r := range rules {
		if err := store.Create(context.Background(), r); err != nil {
			t.Fatalf("create rule: %v", err)
		}
	}
	audit := NewMemoryRecordStore()
	if feed == nil {
		feed = &stubFeed{}
	}
	return NewEvaluator(store, feed, audit), audit
}

func testTx(value float64) *Transaction {
	return &Transaction{
		FromAddress: "0x1111111111111111111111111111111111111111",
		ToAddress:   "0x2222222222222222222222222222222222222222",
		Value:       value,
	}
}

func TestEvaluate_NoRulesAllows(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	v, err := e.Evaluate(context.Background(), testTx(0.05))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed || v.Action != ActionAllow {
		t.Errorf("empty rule set should allow, got %+v", v)
	}
	if v.RulesChecked != 0 {
		t.Errorf("rules_checked = %d, want 0", v.RulesChecked)
	}
}

func TestEvaluate_RequireApprovalIsNotAllowed(t *testing.T) {
	// Held is not allowed: only a clean allow verdict sets the flag.
	e, _ := newTestEvaluator(t, nil,
		&Rule{Kind: KindAmountThreshold, Name: "hold over 0.01", Action: ActionRequireApproval,
			Enabled: true, Parameters: json.RawMessage(`{"threshold":0.01}`)},
	)

	v, err := e.Evaluate(context.Background(), testTx(0.05))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Action != ActionRequireApproval {
		t.Fatalf("action = %s, want require_approval", v.Action)
	}
	if v.Allowed {
		t.Error("a require_approval verdict must not report allowed=true")
	}
}

func TestEvaluate_MostRestrictiveWins(t *testing.T) {
	// A deny outcome must absorb require_approval and allow regardless of
	// rule order or priority.
	e, _ := newTestEvaluator(t, nil,
		&Rule{Kind: KindAmountThreshold, Name: "approve big", Action: ActionRequireApproval,
			Enabled: true, Priority: 100, Parameters: json.RawMessage(`{"threshold":0.01}`)},
		&Rule{Kind: KindSpendingLimit, Name: "hard cap", Action: ActionDeny,
			Enabled: true, Priority: 1, Parameters: json.RawMessage(`{"type":"per_transaction","amount":0.001}`)},
	)

	v, err := e.Evaluate(context.Background(), testTx(0.05))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Allowed {
		t.Error("verdict should not be allowed")
	}
	if v.Action != ActionDeny {
		t.Errorf("action = %s, want deny (deny beats require_approval)", v.Action)
	}
	if len(v.FailedRules) != 2 {
		t.Errorf("failed_rules = %v, want both rules", v.FailedRules)
	}
}

func TestEvaluate_DisabledRulesExcluded(t *testing.T) {
	e, _ := newTestEvaluator(t, nil,
		&Rule{Kind: KindSpendingLimit, Name: "off", Action: ActionDeny,
			Enabled: false, Parameters: json.RawMessage(`{"type":"per_transaction","amount":0.001}`)},
	)

	v, err := e.Evaluate(context.Background(), testTx(100))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed {
		t.Error("disabled rule must not affect the verdict")
	}
	if v.RulesChecked != 0 {
		t.Errorf("rules_checked = %d, disabled rules should not be fetched", v.RulesChecked)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	e, _ := newTestEvaluator(t, &stubFeed{daily: 1.0, count: 3},
		&Rule{Kind: KindSpendingLimit, Name: "daily cap", Action: ActionDeny,
			Enabled: true, Parameters: json.RawMessage(`{"type":"daily","amount":10}`)},
	)

	first, err := e.Evaluate(context.Background(), testTx(0.5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	second, err := e.Evaluate(context.Background(), testTx(0.5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Allowed != second.Allowed || first.Action != second.Action || first.RiskLevel != second.RiskLevel {
		t.Errorf("same input should produce same verdict: %+v vs %+v", first, second)
	}
}

func TestEvaluate_WritesRecordsBeforeReturning(t *testing.T) {
	e, audit := newTestEvaluator(t, nil,
		&Rule{Kind: KindSpendingLimit, Name: "cap", Action: ActionDeny,
			Enabled: true, Parameters: json.RawMessage(`{"type":"per_transaction","amount":1}`)},
		&Rule{Kind: KindAmountThreshold, Name: "hold big", Action: ActionRequireApproval,
			Enabled: true, Parameters: json.RawMessage(`{"threshold":10}`)},
	)

	tx := testTx(0.5)
	tx.TxHash = "0xfeed"
	if _, err := e.Evaluate(context.Background(), tx); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	recs, err := audit.ListByTxHash(context.Background(), "0xfeed", 10)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want one per checked rule", len(recs))
	}
	for _, r := range recs {
		if !r.Passed {
			t.Errorf("rule %q should have passed", r.RuleName)
		}
	}
}

func TestEvaluate_RecordsUsePendingHashWhenUnset(t *testing.T) {
	e, audit := newTestEvaluator(t, nil,
		&Rule{Kind: KindAmountThreshold, Name: "hold", Action: ActionRequireApproval,
			Enabled: true, Parameters: json.RawMessage(`{"threshold":0.1}`)},
	)

	if _, err := e.Evaluate(context.Background(), testTx(0.5)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	recs, _ := audit.ListByTxHash(context.Background(), PendingTxHash, 10)
	if len(recs) != 1 {
		t.Fatalf("got %d records under pending hash, want 1", len(recs))
	}
	if recs[0].Passed {
		t.Error("threshold rule should have failed")
	}
}

func TestEvaluate_CacheInvalidation(t *testing.T) {
	store := NewMemoryStore()
	audit := NewMemoryRecordStore()
	e := NewEvaluator(store, &stubFeed{}, audit)

	v, err := e.Evaluate(context.Background(), testTx(5))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !v.Allowed {
		t.Fatal("no rules yet, should allow")
	}

	err = store.Create(context.Background(), &Rule{
		Kind: KindSpendingLimit, Name: "cap", Action: ActionDeny,
		Enabled: true, Parameters: json.RawMessage(`{"type":"per_transaction","amount":1}`),
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// Still cached: the stale snapshot may be served.
	v, _ = e.Evaluate(context.Background(), testTx(5))
	if !v.Allowed {
		t.Error("cached snapshot should still be in effect")
	}

	e.InvalidateCache()
	v, _ = e.Evaluate(context.Background(), testTx(5))
	if v.Allowed {
		t.Error("after invalidation the new rule must apply")
	}
}

func TestRiskScore_Monotonic(t *testing.T) {
	// Larger amounts never lower the score.
	small := riskScore(0, 0.1, 0)
	mid := riskScore(0, 1.0, 0)
	large := riskScore(0, 10.0, 0)
	huge := riskScore(0, 50.0, 0)

	if small != 0 || mid != 5 || large != 15 || huge != 30 {
		t.Errorf("amount tiers = %d/%d/%d/%d, want 0/5/15/30", small, mid, large, huge)
	}

	if riskScore(1, 0.05, 0) != 25 {
		t.Errorf("one failed rule should add 25, got %d", riskScore(1, 0.05, 0))
	}
	if riskScore(0, 0.05, 21) != 10 || riskScore(0, 0.05, 51) != 20 {
		t.Error("frequency tiers should add 10 then 20")
	}
}

func TestRiskLevel_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow},
		{24, RiskLow},
		{25, RiskMedium},
		{49, RiskMedium},
		{50, RiskHigh},
		{74, RiskHigh},
		{75, RiskCritical},
		{105, RiskCritical},
	}
	for _, tc := range tests {
		if got := riskLevel(tc.score); got != tc.want {
			t.Errorf("riskLevel(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}
