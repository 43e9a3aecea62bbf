package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// OriginQueue labels queries issued by a queue consumer rather than an HTTP handler.
const OriginQueue = "queue"

// slowQuery is the duration above which successful queries are logged at
// info level. Faster ones are still observed by the metrics hook.
const slowQuery = 250 * time.Millisecond

type (
	originKey    struct{}
	operationKey struct{}
	queryKey     struct{}
)

var observer atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

// QueryObserver receives the duration of every query, labelled by where it came from.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration) {
	f(ctx, origin, operation, outcome, dur)
}

// SetQueryObserver installs the process-wide observer. Nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if h := observer.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// WithHTTPMethod marks queries on ctx as issued while serving an HTTP request.
// The operation label is taken from the chi route pattern.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, method)
}

// WithOperation marks queries on ctx as issued by a queue consumer working on
// the named pipeline stage.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, operationKey{}, op)
	if _, ok := ctx.Value(originKey{}).(string); !ok {
		ctx = context.WithValue(ctx, originKey{}, OriginQueue)
	}
	return ctx
}

// labels resolves the origin and operation metric labels for ctx.
func labels(ctx context.Context) (origin, operation string) {
	origin, _ = ctx.Value(originKey{}).(string)
	if origin == "" {
		origin = "unknown"
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		operation = rc.RoutePattern()
	}
	if operation == "" {
		operation, _ = ctx.Value(operationKey{}).(string)
	}
	if operation == "" {
		operation = "unknown"
	}
	return origin, operation
}

// queryState carries what TraceQueryStart learned through to TraceQueryEnd.
type queryState struct {
	sql    string
	nargs  int
	start  time.Time
	caller string
}

// queryTracer layers logging and metrics on top of another pgx tracer (otelpgx).
type queryTracer struct {
	inner pgx.QueryTracer
}

func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return queryTracer{inner: inner}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		sql:    data.SQL,
		nargs:  len(data.Args),
		start:  time.Now(),
		caller: storeCaller(),
	}

	// inner first so its span is the one we annotate
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); span.IsRecording() && st.caller != "" {
		span.SetAttributes(attribute.String("db.caller", st.caller))
	}
	return context.WithValue(ctx, queryKey{}, st)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)

	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}
	if obs := currentObserver(); obs != nil {
		origin, operation := labels(ctx)
		obs.ObserveQuery(ctx, origin, operation, outcome, dur)
	}

	if data.Err == nil && dur < slowQuery {
		return
	}

	fields := []any{
		"db.statement", st.sql,
		"db.arg_count", st.nargs,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Warn(ctx, "slow db query", fields...)
}

// storeCaller returns the first application frame above pgx and this package,
// typically a record store method such as "(*Store).Put".
func storeCaller() string {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if fr.Function != "" && !skipFrame(fr.Function) {
			return shortenFuncName(fr.Function)
		}
		if !more {
			return ""
		}
	}
}

func skipFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/jackc/puddle") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "github.com/linnemanlabs/responder/internal/postgres.")
}

// shortenFuncName drops the import path and package, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
