package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/postgres"
)

// maxAlertBody bounds inbound payloads. CloudWatch Logs subscription batches
// are the largest producer.
const maxAlertBody = 1 << 20

// newRouter builds the API router with the inner middleware that needs the chi
// route context. Routes are registered on the returned router by the caller.
func newRouter(healthz, readyz http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(dbMethodLabel)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxAlertBody))

	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)
	return r
}

// dbMethodLabel tags the request context so record lookups are labelled by
// HTTP method in the query duration histogram.
func dbMethodLabel(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
	})
}

// wrapAPI applies the outer middleware. Wrappers added later run first on the
// way in, so request id and client ip resolution are visible to everything
// inside them.
func wrapAPI(r http.Handler, L log.Logger, ipOpts httpmw.ClientIPOptions, instrument func(http.Handler) http.Handler) http.Handler {
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isProbe(r.URL.Path)
		}),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(ipOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

func isProbe(path string) bool {
	return path == "/-/healthy" || path == "/-/ready"
}
