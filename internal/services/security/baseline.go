package security

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// BaselineStore keeps per-(tenant, metric) rolling samples in a Redis sorted
// set scored by timestamp, trimmed to the window on write. There is a single
// writer per pair, so read-trim-write needs no coordination.
type BaselineStore struct {
	redis      *redis.Client
	Window     time.Duration
	MinSamples int
}

func NewBaselineStore(client *redis.Client) *BaselineStore {
	return &BaselineStore{
		redis:      client,
		Window:     7 * 24 * time.Hour,
		MinSamples: 100,
	}
}

func baselineKey(tenant, metric string) string {
	return fmt.Sprintf("sec:baseline:%s:%s", tenant, metric)
}

// Add records a sample and trims expired ones.
func (b *BaselineStore) Add(ctx context.Context, tenant, metric string, value float64) error {
	now := time.Now()
	key := baselineKey(tenant, metric)
	member := fmt.Sprintf("%d:%s", now.UnixNano(), strconv.FormatFloat(value, 'f', -1, 64))

	pipe := b.redis.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now.Add(-b.Window).Unix()))
	pipe.Expire(ctx, key, b.Window)
	_, err := pipe.Exec(ctx)
	return err
}

// ZScore returns how many standard deviations value sits from the rolling
// mean. The second return is false below the minimum sample gate.
func (b *BaselineStore) ZScore(ctx context.Context, tenant, metric string, value float64) (float64, bool) {
	members, err := b.redis.ZRange(ctx, baselineKey(tenant, metric), 0, -1).Result()
	if err != nil || len(members) < b.MinSamples {
		return 0, false
	}

	var sum, sumSq float64
	n := 0
	for _, m := range members {
		idx := strings.IndexByte(m, ':')
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseFloat(m[idx+1:], 64)
		if err != nil {
			continue
		}
		sum += v
		sumSq += v * v
		n++
	}
	if n < b.MinSamples {
		return 0, false
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance <= 0 {
		return 0, false
	}
	return (value - mean) / math.Sqrt(variance), true
}
