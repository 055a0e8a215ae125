package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const reportCacheKey = "fraud:detection_report"

// ErrReportNotCached signals that no detection report is cached
var ErrReportNotCached = errors.New("no cached detection report")

// ReportCache keeps the most recent detection report readable between
// runs. Readers tolerate staleness; the dashboard is not a hot path.
type ReportCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewReportCache creates a report cache with the given TTL
func NewReportCache(rdb *redis.Client, ttl time.Duration) *ReportCache {
	return &ReportCache{rdb: rdb, ttl: ttl}
}

// Get returns the cached report, or ErrReportNotCached on a miss
func (c *ReportCache) Get(ctx context.Context) (*DetectionReport, error) {
	raw, err := c.rdb.Get(ctx, reportCacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrReportNotCached
		}
		return nil, err
	}

	var report DetectionReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Set stores the report under the cache TTL
func (c *ReportCache) Set(ctx context.Context, report *DetectionReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, reportCacheKey, raw, c.ttl).Err()
}
