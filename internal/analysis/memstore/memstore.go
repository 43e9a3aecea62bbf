// Package memstore provides an in-memory implementation of analysis.Store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
)

// Store holds analysis records in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	records map[string]*analysis.Record // alert ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{records: make(map[string]*analysis.Record)}
}

// Put stores a copy of the record. An existing distribution status for the
// same alert is kept.
func (s *Store) Put(_ context.Context, r *analysis.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRecord(r)
	if prev, ok := s.records[r.Alert.ID]; ok && cp.Distribution == nil {
		cp.Distribution = prev.Distribution
	}
	s.records[r.Alert.ID] = cp
	return nil
}

// Get retrieves a record by alert ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*analysis.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return copyRecord(r), true, nil
}

// RecentBySeverity returns alerts of one severity since the given time, newest first.
func (s *Store) RecentBySeverity(_ context.Context, sev alert.Severity, since time.Time, limit int) ([]alert.Alert, error) {
	out := s.scan(func(r *analysis.Record) bool {
		return r.Alert.Severity == sev && !r.Alert.Timestamp.Before(since)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BySignature returns alerts with the given signature since the given time, oldest first.
func (s *Store) BySignature(_ context.Context, signature string, since time.Time) ([]alert.Alert, error) {
	out := s.scan(func(r *analysis.Record) bool {
		return r.ErrorSignature == signature && !r.Alert.Timestamp.Before(since)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// UpdateDistribution replaces the distribution status of a stored record.
func (s *Store) UpdateDistribution(_ context.Context, id string, d *analysis.DistributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	r.Distribution = copyDistribution(d)
	return nil
}

func (s *Store) scan(match func(*analysis.Record) bool) []alert.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alert.Alert
	for _, r := range s.records {
		if match(r) {
			out = append(out, r.Alert)
		}
	}
	return out
}

func copyRecord(r *analysis.Record) *analysis.Record {
	cp := *r
	if r.Analysis != nil {
		a := *r.Analysis
		cp.Analysis = &a
	}
	cp.Distribution = copyDistribution(r.Distribution)
	return &cp
}

func copyDistribution(d *analysis.DistributionRecord) *analysis.DistributionRecord {
	if d == nil {
		return nil
	}
	cp := analysis.DistributionRecord{
		Channels:      make(map[string]bool, len(d.Channels)),
		DistributedAt: d.DistributedAt,
	}
	for k, v := range d.Channels {
		cp.Channels[k] = v
	}
	return &cp
}
