package serving

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/motorbay/retrainer/pkg/cache"
)

// usageWindowDays is the trailing window summed by Volume.
const usageWindowDays = 7

// Usage counts served predictions per model type in daily buckets. The
// counters feed the scheduler's low-volume suppression; losing them only
// delays a retraining trigger.
type Usage struct {
	cache cache.Cache
	now   func() time.Time
}

// NewUsage creates a Usage tracker on top of the given cache.
func NewUsage(c cache.Cache) *Usage {
	return &Usage{cache: c, now: time.Now}
}

// Record bumps today's counter for modelType.
func (u *Usage) Record(ctx context.Context, modelType string) error {
	key := u.key(modelType, u.now().UTC())
	// The bucket outlives the volume window by a day so a sum at midnight
	// still sees the full trailing week.
	_, err := u.cache.Increment(ctx, key, (usageWindowDays+1)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Volume sums the trailing week of daily counters for modelType.
func (u *Usage) Volume(ctx context.Context, modelType string) (int64, error) {
	var total int64
	day := u.now().UTC()
	for i := 0; i < usageWindowDays; i++ {
		data, ok, err := u.cache.Get(ctx, u.key(modelType, day))
		if err != nil {
			return 0, fmt.Errorf("read usage counter: %w", err)
		}
		if ok {
			n, err := strconv.ParseInt(string(data), 10, 64)
			if err == nil {
				total += n
			}
		}
		day = day.AddDate(0, 0, -1)
	}
	return total, nil
}

func (u *Usage) key(modelType string, day time.Time) string {
	return fmt.Sprintf("usage:%s:%s", modelType, day.Format("2006-01-02"))
}
