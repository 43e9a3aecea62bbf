// Package rediscache provides a Redis implementation of analysis.Cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/responder/internal/analysis"
)

const keyPrefix = "responder:analysis:"

// kv is the subset of the go-redis client the cache needs.
type kv interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Cache stores analysis entries as JSON under a signature-derived key. Keys
// expire on the Redis side after the TTL given to Set.
type Cache struct {
	client kv
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New opens a client for the configured server. The returned close function
// releases the connection pool.
func New(cfg Config) (*Cache, func() error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Cache{client: c}, c.Close
}

// Ping checks connectivity.
func Ping(ctx context.Context, cfg Config) error {
	c := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	defer c.Close()
	return c.Ping(ctx).Err()
}

func key(sig string) string { return keyPrefix + sig }

// Get returns the entry for a signature. A missing key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, sig string) (*analysis.CacheEntry, bool, error) {
	ctx, span := startSpan(ctx, "rediscache.Get", "GET")
	defer span.End()

	b, err := c.client.Get(ctx, key(sig)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(attribute.Bool("responder.cache.hit", false))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("redis get: %w", err))
	}

	var e analysis.CacheEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal cache entry: %w", err))
	}
	span.SetAttributes(attribute.Bool("responder.cache.hit", true))
	return &e, true, nil
}

// Set stores an entry with the given TTL.
func (c *Cache) Set(ctx context.Context, sig string, e *analysis.CacheEntry, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "rediscache.Set", "SET")
	defer span.End()

	b, err := json.Marshal(e)
	if err != nil {
		return fail(span, fmt.Errorf("marshal cache entry: %w", err))
	}
	if err := c.client.Set(ctx, key(sig), b, ttl).Err(); err != nil {
		return fail(span, fmt.Errorf("redis set: %w", err))
	}
	return nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return otel.Tracer("github.com/linnemanlabs/responder/internal/analysis/rediscache").Start(ctx, name,
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation.name", op),
		))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
