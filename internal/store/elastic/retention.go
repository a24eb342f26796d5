package elastic

import (
	"fmt"
	"strings"
	"time"
)

// dateFormat is the daily index suffix layout.
const dateFormat = "2006.01.02"

// indexNameFor returns the daily index an event belongs to, derived from its
// created_at timestamp.
func indexNameFor(prefix string, createdAt int64) string {
	return fmt.Sprintf("%s-%s", prefix, time.Unix(createdAt, 0).UTC().Format(dateFormat))
}

// canExist reports whether a daily index falls inside the retention window:
// at most ttlDays in the past and allowFutureDays ahead. Events outside the
// window are skipped to bound index growth.
func canExist(indexName string, now time.Time, ttlDays, allowFutureDays int) (bool, error) {
	parts := strings.SplitN(indexName, "-", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("index name %q has no date suffix", indexName)
	}

	indexTime, err := time.ParseInLocation(dateFormat, parts[1], time.UTC)
	if err != nil {
		return false, fmt.Errorf("failed to parse date from %q: %w", indexName, err)
	}

	diff := now.Sub(indexTime)
	ttl := time.Duration(ttlDays) * 24 * time.Hour
	future := time.Duration(allowFutureDays) * 24 * time.Hour
	return -future <= diff && diff < ttl, nil
}
