package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cyprienoudart/Chain-Pilot/internal/metrics"
)

// DefaultRuleCacheTTL bounds how stale the evaluator's rule snapshot can
// get. Mutations through the handlers invalidate the cache immediately;
// the TTL covers out-of-band writes.
const DefaultRuleCacheTTL = 30 * time.Second

// DecisionEmitter receives verdicts as they are produced, for fan-out to
// live subscribers. Implementations must not block.
type DecisionEmitter interface {
	BroadcastDecision(tx *Transaction, v *Verdict)
}

// Evaluator combines all enabled rules into a verdict for a transaction.
//
// Enabled rules are cached for DefaultRuleCacheTTL, so an evaluation may
// see a rule set up to one cycle stale after an out-of-band mutation.
// Rule mutations through this process call InvalidateCache and are
// visible immediately.
type Evaluator struct {
	store   Store
	builder *ContextBuilder
	audit   RecordStore
	emitter DecisionEmitter

	cacheTTL  time.Duration
	mu        sync.RWMutex
	cached    []*Rule
	fetchedAt time.Time
}

func NewEvaluator(store Store, feed HistoryFeed, audit RecordStore) *Evaluator {
	return &Evaluator{
		store:    store,
		builder:  NewContextBuilder(feed),
		audit:    audit,
		cacheTTL: DefaultRuleCacheTTL,
	}
}

// WithCacheTTL overrides the rule cache TTL. Zero disables caching.
func (e *Evaluator) WithCacheTTL(ttl time.Duration) *Evaluator {
	e.cacheTTL = ttl
	return e
}

// WithEmitter attaches a live decision feed.
func (e *Evaluator) WithEmitter(em DecisionEmitter) *Evaluator {
	e.emitter = em
	return e
}

// InvalidateCache drops the cached rule snapshot. Called after every rule
// mutation so the next evaluation refetches.
func (e *Evaluator) InvalidateCache() {
	e.mu.Lock()
	e.cached = nil
	e.fetchedAt = time.Time{}
	e.mu.Unlock()
}

func (e *Evaluator) enabledRules(ctx context.Context) ([]*Rule, error) {
	e.mu.RLock()
	if e.cached != nil && time.Since(e.fetchedAt) < e.cacheTTL {
		cached := e.cached
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	rules, err := e.store.List(ctx, true)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cached = rules
	e.fetchedAt = time.Now()
	e.mu.Unlock()
	return rules, nil
}

// Evaluate runs every enabled rule against the transaction and returns the
// combined verdict. All per-rule records are written to the audit store
// before the verdict is returned; if the write fails, the evaluation fails.
func (e *Evaluator) Evaluate(ctx context.Context, tx *Transaction) (*Verdict, error) {
	rules, err := e.enabledRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	spendCtx, err := e.builder.Build(ctx, tx.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("build spending context: %w", err)
	}

	txHash := tx.TxHash
	if txHash == "" {
		txHash = PendingTxHash
	}

	v := &Verdict{
		Allowed:     true,
		Action:      ActionAllow,
		FailedRules: []string{},
		Reasons:     []string{},
	}
	records := make([]*EvaluationRecord, 0, len(rules))

	for _, r := range rules {
		passed, reason := Check(r, tx, spendCtx)
		records = append(records, &EvaluationRecord{
			TxHash:   txHash,
			RuleID:   r.ID,
			RuleName: r.Name,
			Passed:   passed,
			Reason:   reason,
		})

		outcome := "passed"
		if passed {
			v.RulesPassed++
		} else {
			outcome = "failed"
			v.FailedRules = append(v.FailedRules, r.Name)
			v.Reasons = append(v.Reasons, reason)
			// Most restrictive action wins regardless of rule order.
			if MoreRestrictive(r.Action, v.Action) {
				v.Action = r.Action
			}
		}
		metrics.RuleChecksTotal.WithLabelValues(string(r.Kind), outcome).Inc()
		v.RulesChecked++
	}

	// A held transaction is not allowed: only a clean allow verdict passes.
	v.Allowed = v.Action == ActionAllow
	v.RiskLevel = riskLevel(riskScore(len(v.FailedRules), tx.Value, spendCtx.DailyTransactionCount))

	if err := e.audit.Append(ctx, records); err != nil {
		return nil, fmt.Errorf("write evaluation records: %w", err)
	}

	metrics.EvaluationsTotal.WithLabelValues(string(v.Action)).Inc()
	if e.emitter != nil {
		e.emitter.BroadcastDecision(tx, v)
	}
	return v, nil
}

// riskScore is additive: each failed rule contributes 25, transaction size
// and recent frequency add tiered penalties.
func riskScore(failedRules int, value float64, dailyCount int) int {
	score := 25 * failedRules

	switch {
	case value <= 0.1:
	case value <= 1:
		score += 5
	case value <= 10:
		score += 15
	default:
		score += 30
	}

	switch {
	case dailyCount <= 20:
	case dailyCount <= 50:
		score += 10
	default:
		score += 20
	}
	return score
}

func riskLevel(score int) RiskLevel {
	switch {
	case score < 25:
		return RiskLow
	case score < 50:
		return RiskMedium
	case score < 75:
		return RiskHigh
	default:
		return RiskCritical
	}
}
