// Package loki reads recent log lines from a Loki query_range endpoint.
package loki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultLookback = time.Hour
	maxResponseSize = 5 << 20 // 5 MB
	successStatus   = "success"
)

// Source queries Loki for the newest lines of a log group. The group and
// stream are matched against the log_group and log_stream labels.
type Source struct {
	endpoint   string
	tenantID   string
	lookback   time.Duration
	httpClient *http.Client
	now        func() time.Time
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []lokiStream `json:"result"`
	} `json:"data"`
}

type entry struct {
	ns   int64
	line string
}

// New creates a Loki log source for the given endpoint and tenant ID.
func New(endpoint, tenantID string) *Source {
	return &Source{
		endpoint:   endpoint,
		tenantID:   tenantID,
		lookback:   defaultLookback,
		httpClient: &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:        time.Now,
	}
}

// Selector builds the LogQL stream selector for a group and optional stream.
func Selector(group, stream string) string {
	sel := `{log_group=` + strconv.Quote(group)
	if stream != "" {
		sel += `, log_stream=` + strconv.Quote(stream)
	}
	return sel + `}`
}

// RecentLines returns up to limit of the newest lines in the lookback window,
// oldest first.
func (s *Source) RecentLines(ctx context.Context, group, stream string, limit int) ([]string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, "loki/api/v1/query_range")

	end := s.now().UTC()
	q := u.Query()
	q.Set("query", Selector(group, stream))
	q.Set("start", end.Add(-s.lookback).Format(time.RFC3339Nano))
	q.Set("end", end.Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("direction", "backward")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if s.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", s.tenantID)
	}

	resp, err := s.httpClient.Do(req) //nolint:gosec // endpoint comes from config; group and stream are query-encoded
	if err != nil {
		return nil, fmt.Errorf("loki query failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loki returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var lr lokiResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if lr.Status != successStatus {
		return nil, fmt.Errorf("loki query failed: %s", string(body))
	}

	return newest(lr.Data.Result, limit), nil
}

// newest merges streams, keeps the newest limit entries and returns them in
// chronological order.
func newest(results []lokiStream, limit int) []string {
	var entries []entry
	for _, st := range results {
		for _, v := range st.Values {
			if len(v) < 2 {
				continue
			}
			ns, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			entries = append(entries, entry{ns: ns, line: v[1]})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ns < entries[j].ns })
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.line
	}
	return lines
}
