package postgres

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/responder/internal/analysis/pgstore.(*Store).Put", "(*Store).Put"},
		{"no slashes", "pgstore.(*Store).Get", "(*Store).Get"},
		{"func", "pipeline.(*Analyzer).Handle.func1", "(*Analyzer).Handle.func1"},
		{"no dots", "main", "main"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSkipFrame(t *testing.T) {
	t.Parallel()

	skip := []string{
		"runtime.goexit",
		"github.com/jackc/pgx/v5.(*Conn).Query",
		"github.com/exaring/otelpgx.(*Tracer).TraceQueryStart",
		"github.com/linnemanlabs/responder/internal/postgres.queryTracer.TraceQueryStart",
	}
	for _, fn := range skip {
		if !skipFrame(fn) {
			t.Errorf("skipFrame(%q) = false, want true", fn)
		}
	}
	if skipFrame("github.com/linnemanlabs/responder/internal/analysis/pgstore.(*Store).Put") {
		t.Error("store frame should not be skipped")
	}
}

func TestLabels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ctx     context.Context
		origin  string
		operate string
	}{
		{"bare", context.Background(), "unknown", "unknown"},
		{"consumer stage", WithOperation(context.Background(), "analyze"), OriginQueue, "analyze"},
		{"empty stage ignored", WithOperation(context.Background(), ""), "unknown", "unknown"},
		{"http method only", WithHTTPMethod(context.Background(), "GET"), "GET", "unknown"},
		{"http keeps origin", WithOperation(WithHTTPMethod(context.Background(), "POST"), "analyze"), "POST", "analyze"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			origin, op := labels(tt.ctx)
			if origin != tt.origin || op != tt.operate {
				t.Errorf("labels = (%q, %q), want (%q, %q)", origin, op, tt.origin, tt.operate)
			}
		})
	}
}

func TestLabels_ChiRoutePattern(t *testing.T) {
	t.Parallel()

	var origin, op string
	r := chi.NewRouter()
	r.Get("/api/v1/alerts/{id}", func(_ http.ResponseWriter, req *http.Request) {
		origin, op = labels(WithHTTPMethod(req.Context(), req.Method))
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/alerts/abc", nil))

	if origin != "GET" || op != "/api/v1/alerts/{id}" {
		t.Errorf("labels = (%q, %q), want (GET, /api/v1/alerts/{id})", origin, op)
	}
}

func TestQueryTracer_ObservesEveryQuery(t *testing.T) {
	// mutates the process-wide observer, so not parallel
	type obs struct{ origin, op, outcome string }
	var got []obs
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, origin, op, outcome string, _ time.Duration) {
		got = append(got, obs{origin, op, outcome})
	}))
	defer SetQueryObserver(nil)

	tr := wrapQueryTracer(nil)
	ctx := WithOperation(context.Background(), "distribute")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE x", Args: []any{1, 2}})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	want := []obs{
		{OriginQueue, "distribute", "ok"},
		{OriginQueue, "distribute", "error"},
	}
	if len(got) != len(want) {
		t.Fatalf("observed %d queries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("observation %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestQueryTracer_EndWithoutStart(t *testing.T) {
	t.Parallel()

	// must not panic when the start hook never ran
	wrapQueryTracer(nil).TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
}
