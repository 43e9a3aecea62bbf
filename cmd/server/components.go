package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/responder/internal/analysis"
	"github.com/linnemanlabs/responder/internal/analysis/memcache"
	"github.com/linnemanlabs/responder/internal/analysis/memstore"
	"github.com/linnemanlabs/responder/internal/analysis/pgstore"
	"github.com/linnemanlabs/responder/internal/analysis/rediscache"
	vc "github.com/linnemanlabs/responder/internal/cfg"
	"github.com/linnemanlabs/responder/internal/enrich"
	"github.com/linnemanlabs/responder/internal/llm/claude"
	"github.com/linnemanlabs/responder/internal/llm/gemini"
	"github.com/linnemanlabs/responder/internal/logs/cloudwatch"
	"github.com/linnemanlabs/responder/internal/logs/loki"
	"github.com/linnemanlabs/responder/internal/notify"
	"github.com/linnemanlabs/responder/internal/notify/email"
	"github.com/linnemanlabs/responder/internal/notify/jira"
	"github.com/linnemanlabs/responder/internal/notify/slack"
	"github.com/linnemanlabs/responder/internal/postgres"
	"github.com/linnemanlabs/responder/internal/queue"
	"github.com/linnemanlabs/responder/internal/queue/kafkaq"
	"github.com/linnemanlabs/responder/internal/queue/memq"
	"github.com/linnemanlabs/responder/internal/queue/sqsq"
)

// Queue names used in metrics and logs.
const (
	processQueue    = "process"
	distributeQueue = "distribute"
)

// openStore returns the record store shared by analysis, distribution and the
// lookup API: postgres when a database url is set, otherwise in-memory.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (analysis.Store, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory record store (no database-url configured)")
		return memstore.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, c.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres record store")
	return s, pool.Close, nil
}

// openCache returns the analysis cache: redis when an address is set,
// otherwise in-memory.
func openCache(ctx context.Context, c *vc.Config, L log.Logger) (analysis.Cache, func(), error) {
	if c.RedisAddr == "" {
		L.Info(ctx, "using in-memory analysis cache (no redis-addr configured)")
		return memcache.New(), func() {}, nil
	}
	rcfg := rediscache.Config{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
	if err := rediscache.Ping(ctx, rcfg); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	rc, closeRedis := rediscache.New(rcfg)
	L.Info(ctx, "using redis analysis cache", "addr", c.RedisAddr)
	return rc, func() { _ = closeRedis() }, nil
}

// needsAWS reports whether any configured component talks to AWS.
func needsAWS(c *vc.Config) bool {
	return c.QueueBackend == vc.QueueSQS ||
		c.LogBackend == vc.LogsCloudWatch ||
		c.EmailEnabled
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// stageQueues holds the publishers and consumers of the two queue hops.
// Entries are nil for hops this role does not touch.
type stageQueues struct {
	processPub    queue.Publisher
	processSub    queue.Consumer
	distributePub queue.Publisher
	distributeSub queue.Consumer
	closers       []func() error
}

func (q *stageQueues) Close() {
	for _, c := range q.closers {
		_ = c()
	}
}

func buildQueues(c *vc.Config, awsCfg aws.Config, L log.Logger, m *queue.Metrics) *stageQueues {
	q := &stageQueues{}
	receive := c.Runs(vc.RoleReception)
	analyze := c.Runs(vc.RoleAnalyzer)
	distribute := c.Runs(vc.RoleDistributor)

	switch c.QueueBackend {
	case vc.QueueKafka:
		kcfg := kafkaq.Config{Brokers: c.KafkaBrokerList(), GroupID: c.KafkaGroupID}
		if receive {
			p := kafkaq.NewPublisher(kcfg, c.KafkaProcessTopic, m)
			q.processPub = p
			q.closers = append(q.closers, p.Close)
		}
		if analyze {
			s := kafkaq.NewConsumer(kcfg, c.KafkaProcessTopic, L, m, queue.DefaultRetryPolicy)
			p := kafkaq.NewPublisher(kcfg, c.KafkaDistributeTopic, m)
			q.processSub, q.distributePub = s, p
			q.closers = append(q.closers, s.Close, p.Close)
		}
		if distribute {
			s := kafkaq.NewConsumer(kcfg, c.KafkaDistributeTopic, L, m, queue.DefaultRetryPolicy)
			q.distributeSub = s
			q.closers = append(q.closers, s.Close)
		}

	case vc.QueueSQS:
		api := sqsq.NewClient(awsCfg)
		pq := sqsq.New(api, c.SQSProcessURL, processQueue, L, m, queue.DefaultRetryPolicy)
		dq := sqsq.New(api, c.SQSDistributeURL, distributeQueue, L, m, queue.DefaultRetryPolicy)
		q.processPub, q.processSub = pq, pq
		q.distributePub, q.distributeSub = dq, dq

	default:
		pq := memq.New(processQueue, c.QueueSize, L, m, queue.DefaultRetryPolicy)
		dq := memq.New(distributeQueue, c.QueueSize, L, m, queue.DefaultRetryPolicy)
		q.processPub, q.processSub = pq, pq
		q.distributePub, q.distributeSub = dq, dq
		q.closers = append(q.closers, pq.Close, dq.Close)
	}
	return q
}

func buildProvider(ctx context.Context, c *vc.Config) (analysis.Provider, string, error) {
	timeout := time.Duration(c.LLMTimeoutSeconds) * time.Second
	switch c.LLMProvider {
	case vc.LLMClaude:
		return claude.New(c.ClaudeAPIKey, c.ClaudeModel, timeout), c.ClaudeModel, nil
	case vc.LLMGemini:
		p, err := gemini.New(ctx, c.GeminiAPIKey, c.GeminiModel)
		if err != nil {
			return nil, "", fmt.Errorf("gemini provider: %w", err)
		}
		return p, c.GeminiModel, nil
	default:
		return nil, "", nil
	}
}

func buildLogSource(c *vc.Config, awsCfg aws.Config) enrich.LogSource {
	switch c.LogBackend {
	case vc.LogsCloudWatch:
		return cloudwatch.New(awsCfg)
	case vc.LogsLoki:
		return loki.New(c.LokiEndpoint, c.LokiTenantID)
	default:
		return nil
	}
}

func buildChannels(c *vc.Config, awsCfg aws.Config) []notify.Channel {
	var chans []notify.Channel
	if c.SlackWebhookURL != "" {
		chans = append(chans, slack.New(c.SlackWebhookURL))
	}
	if c.EmailEnabled {
		chans = append(chans, email.New(email.NewClient(awsCfg), c.EmailFrom, c.EmailRecipients()))
	}
	if c.JiraEnabled {
		chans = append(chans, jira.New(c.JiraURL, c.JiraToken, c.JiraProject))
	}
	return chans
}

// consumers runs queue consumers until stopped. A consumer that exits with
// an error cancels the process so it restarts from the last committed
// position.
type consumers struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConsumers() *consumers {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumers{ctx: ctx, cancel: cancel}
}

func (cs *consumers) run(L log.Logger, name string, c queue.Consumer, h queue.Handler, onFatal func()) {
	cs.wg.Go(func() {
		ctx := log.WithContext(cs.ctx, L.With("queue", name))
		L.Info(ctx, "consumer started", "queue", name)
		if err := c.Consume(ctx, h); err != nil {
			L.Error(ctx, err, "consumer stopped", "queue", name)
			onFatal()
			return
		}
		L.Info(ctx, "consumer stopped", "queue", name)
	})
}

// Stop cancels all consumers and waits for in-flight handlers.
func (cs *consumers) Stop(ctx context.Context) error {
	cs.cancel()
	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumers did not stop: %w", ctx.Err())
	}
}
