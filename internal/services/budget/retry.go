package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	retryQueueKey = "budget:settle:retry"
	deadLetterKey = "budget:settle:dead"
)

// PendingSettlement is a settlement that failed against the authoritative
// store and waits in the retry queue.
type PendingSettlement struct {
	RequestID  string          `json:"request_id"`
	Request    Request         `json:"request"`
	Cost       decimal.Decimal `json:"cost"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// EnqueueRetry schedules a failed settlement with exponential backoff.
func (e *Engine) EnqueueRetry(ctx context.Context, p PendingSettlement) error {
	p.Attempts++
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now()
	}

	delay := time.Duration(p.Attempts*p.Attempts) * 10 * time.Second
	due := time.Now().Add(delay)

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending settlement: %w", err)
	}

	if err := e.redis.ZAdd(ctx, retryQueueKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: raw,
	}).Err(); err != nil {
		return fmt.Errorf("failed to enqueue settlement retry: %w", err)
	}

	e.logger.Warn("settlement queued for retry",
		zap.String("request_id", p.RequestID),
		zap.Int("attempts", p.Attempts),
		zap.Duration("delay", delay))
	return nil
}

// ProcessRetries drains due settlements. Exhausted items move to the dead
// letter list with a critical log; they need operator attention.
func (e *Engine) ProcessRetries(ctx context.Context) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	members, err := e.redis.ZRangeByScore(ctx, retryQueueKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read retry queue: %w", err)
	}

	processed := 0
	for _, member := range members {
		if err := e.redis.ZRem(ctx, retryQueueKey, member).Err(); err != nil {
			continue
		}

		var p PendingSettlement
		if err := json.Unmarshal([]byte(member), &p); err != nil {
			e.logger.Error("dropping unparseable retry entry", zap.Error(err))
			continue
		}

		if err := e.Settle(ctx, p.RequestID, p.Request, p.Cost); err != nil {
			if p.Attempts >= e.maxRetries {
				e.deadLetter(ctx, member, p)
				continue
			}
			if err := e.EnqueueRetry(ctx, p); err != nil {
				e.logger.Error("failed to re-enqueue settlement", zap.Error(err))
			}
			continue
		}
		processed++
	}

	return processed, nil
}

func (e *Engine) deadLetter(ctx context.Context, member string, p PendingSettlement) {
	if err := e.redis.LPush(ctx, deadLetterKey, member).Err(); err != nil {
		e.logger.Error("failed to dead-letter settlement", zap.Error(err))
	}
	e.logger.Error("settlement retries exhausted",
		zap.String("request_id", p.RequestID),
		zap.String("tenant_id", p.Request.TenantID.String()),
		zap.String("cost", p.Cost.StringFixed(6)),
		zap.Int("attempts", p.Attempts))
}

// RetryQueueDepth reports pending retry and dead-letter counts for metrics.
func (e *Engine) RetryQueueDepth(ctx context.Context) (pending, dead int64) {
	pending, _ = e.redis.ZCard(ctx, retryQueueKey).Result()
	dead, _ = e.redis.LLen(ctx, deadLetterKey).Result()
	return pending, dead
}
