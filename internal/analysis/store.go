package analysis

import (
	"context"
	"time"

	"github.com/linnemanlabs/responder/internal/alert"
)

// Store is the durable record store. Put overwrites by alert ID but keeps
// any distribution status already recorded for that alert.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, bool, error)
	// RecentBySeverity returns alerts of one severity at or after since,
	// newest first, at most limit.
	RecentBySeverity(ctx context.Context, sev alert.Severity, since time.Time, limit int) ([]alert.Alert, error)
	// BySignature returns every alert with the given error signature at or
	// after since, oldest first.
	BySignature(ctx context.Context, signature string, since time.Time) ([]alert.Alert, error)
	UpdateDistribution(ctx context.Context, id string, d *DistributionRecord) error
}

// Cache holds analysis results by error signature with a store-side expiry.
type Cache interface {
	Get(ctx context.Context, signature string) (*CacheEntry, bool, error)
	Set(ctx context.Context, signature string, e *CacheEntry, ttl time.Duration) error
}

// Gatherer builds the enrichment context for an alert. It never fails;
// unavailable sources degrade to empty values.
type Gatherer interface {
	Gather(ctx context.Context, a *alert.Alert, signature string) Context
}
