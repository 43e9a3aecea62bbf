// Package pgstore provides a PostgreSQL implementation of analysis.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/responder/internal/alert"
	"github.com/linnemanlabs/responder/internal/analysis"
)

var tracer = otel.Tracer("github.com/linnemanlabs/responder/internal/analysis/pgstore")

//go:embed schema.sql
var schema string

// Store persists alert records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const recordColumns = `alert, analysis, error_signature, requires_immediate_attention,
	processed_at, distribution_status, distributed_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Put inserts or replaces a record. Distribution columns are left untouched
// on conflict so a reprocessed alert keeps its delivery status.
func (s *Store) Put(ctx context.Context, r *analysis.Record) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	alertJSON, err := json.Marshal(r.Alert)
	if err != nil {
		return fail(span, fmt.Errorf("marshal alert: %w", err))
	}
	var analysisJSON []byte
	if r.Analysis != nil {
		if analysisJSON, err = json.Marshal(r.Analysis); err != nil {
			return fail(span, fmt.Errorf("marshal analysis: %w", err))
		}
	}
	distJSON, distAt, err := encodeDistribution(r.Distribution)
	if err != nil {
		return fail(span, err)
	}

	a := &r.Alert
	query := `INSERT INTO alerts (
		alert_id, source, source_id, title, message, severity, alert_timestamp, received_at,
		alert, analysis, error_signature, requires_immediate_attention, processed_at,
		distribution_status, distributed_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (alert_id) DO UPDATE SET
		source                       = EXCLUDED.source,
		source_id                    = EXCLUDED.source_id,
		title                        = EXCLUDED.title,
		message                      = EXCLUDED.message,
		severity                     = EXCLUDED.severity,
		alert_timestamp              = EXCLUDED.alert_timestamp,
		received_at                  = EXCLUDED.received_at,
		alert                        = EXCLUDED.alert,
		analysis                     = EXCLUDED.analysis,
		error_signature              = EXCLUDED.error_signature,
		requires_immediate_attention = EXCLUDED.requires_immediate_attention,
		processed_at                 = EXCLUDED.processed_at,
		distribution_status          = COALESCE(EXCLUDED.distribution_status, alerts.distribution_status),
		distributed_at               = COALESCE(EXCLUDED.distributed_at, alerts.distributed_at)`

	_, err = s.pool.Exec(ctx, query,
		a.ID, string(a.Source), a.SourceID, a.Title, a.Message, string(a.Severity), a.Timestamp, a.ReceivedAt,
		alertJSON, analysisJSON, r.ErrorSignature, r.RequiresImmediateAttention, r.ProcessedAt,
		distJSON, distAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert alert: %w", err))
	}
	return nil
}

// Get retrieves a record by alert ID.
func (s *Store) Get(ctx context.Context, id string) (*analysis.Record, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	query := `SELECT ` + recordColumns + ` FROM alerts WHERE alert_id = $1`
	r, err := scanRecord(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// RecentBySeverity returns up to limit alerts of the severity received at or
// after since, newest first.
func (s *Store) RecentBySeverity(ctx context.Context, sev alert.Severity, since time.Time, limit int) ([]alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.RecentBySeverity", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT alert FROM alerts
		 WHERE severity = $1 AND alert_timestamp >= $2
		 ORDER BY alert_timestamp DESC LIMIT $3`,
		string(sev), since, limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query by severity: %w", err))
	}
	out, err := scanAlerts(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// BySignature returns alerts with the error signature since the given time,
// oldest first.
func (s *Store) BySignature(ctx context.Context, sig string, since time.Time) ([]alert.Alert, error) {
	ctx, span := startSpan(ctx, "pgstore.BySignature", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT alert FROM alerts
		 WHERE error_signature = $1 AND alert_timestamp >= $2
		 ORDER BY alert_timestamp ASC`,
		sig, since,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query by signature: %w", err))
	}
	out, err := scanAlerts(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// UpdateDistribution records channel delivery results for an alert.
func (s *Store) UpdateDistribution(ctx context.Context, id string, d *analysis.DistributionRecord) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateDistribution", "UPDATE")
	defer span.End()

	distJSON, distAt, err := encodeDistribution(d)
	if err != nil {
		return fail(span, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET distribution_status = $2, distributed_at = $3 WHERE alert_id = $1`,
		id, distJSON, distAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update distribution: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("update distribution: alert %s not found", id))
	}
	return nil
}

func encodeDistribution(d *analysis.DistributionRecord) ([]byte, *time.Time, error) {
	if d == nil {
		return nil, nil, nil
	}
	b, err := json.Marshal(d.Channels)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal distribution: %w", err)
	}
	at := d.DistributedAt
	return b, &at, nil
}

// scanRecord scans one row into a Record. Returns (nil, nil) when no row is found.
func scanRecord(row pgx.Row) (*analysis.Record, error) {
	var (
		r            analysis.Record
		alertJSON    []byte
		analysisJSON []byte
		distJSON     []byte
		distAt       *time.Time
	)
	err := row.Scan(&alertJSON, &analysisJSON, &r.ErrorSignature, &r.RequiresImmediateAttention,
		&r.ProcessedAt, &distJSON, &distAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	if err := json.Unmarshal(alertJSON, &r.Alert); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	if len(analysisJSON) > 0 {
		r.Analysis = &analysis.Result{}
		if err := json.Unmarshal(analysisJSON, r.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis: %w", err)
		}
	}
	if len(distJSON) > 0 {
		r.Distribution = &analysis.DistributionRecord{}
		if err := json.Unmarshal(distJSON, &r.Distribution.Channels); err != nil {
			return nil, fmt.Errorf("unmarshal distribution: %w", err)
		}
		if distAt != nil {
			r.Distribution.DistributedAt = *distAt
		}
	}
	return &r, nil
}

func scanAlerts(rows pgx.Rows) ([]alert.Alert, error) {
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var a alert.Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}
