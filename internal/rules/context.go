package rules

import (
	"context"
	"fmt"
	"time"
)

// HistoryFeed supplies the transaction history figures the context builder
// aggregates. SpendingSince sums the values of confirmed and pending
// transactions from the address since the given time; CountSince counts
// every transaction from the address regardless of status.
type HistoryFeed interface {
	SpendingSince(ctx context.Context, fromAddress string, since time.Time) (float64, error)
	CountSince(ctx context.Context, fromAddress string, since time.Time) (int, error)
}

// ContextBuilder assembles a fresh spending Context for each evaluation.
// Nothing is cached between evaluations; the windows slide with the clock.
type ContextBuilder struct {
	feed HistoryFeed
}

func NewContextBuilder(feed HistoryFeed) *ContextBuilder {
	return &ContextBuilder{feed: feed}
}

// Build aggregates spending over the trailing 24h, 7d, and 30d windows
// and counts the trailing-24h transactions for the sender.
func (b *ContextBuilder) Build(ctx context.Context, fromAddress string) (*Context, error) {
	now := time.Now().UTC()

	daily, err := b.feed.SpendingSince(ctx, fromAddress, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("daily spending: %w", err)
	}
	weekly, err := b.feed.SpendingSince(ctx, fromAddress, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("weekly spending: %w", err)
	}
	monthly, err := b.feed.SpendingSince(ctx, fromAddress, now.Add(-30*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("monthly spending: %w", err)
	}
	count, err := b.feed.CountSince(ctx, fromAddress, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("daily tx count: %w", err)
	}

	return &Context{
		DailySpending:         daily,
		WeeklySpending:        weekly,
		MonthlySpending:       monthly,
		DailyTransactionCount: count,
	}, nil
}
