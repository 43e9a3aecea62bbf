package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Deployment roles.
const (
	RoleAll         = "all"
	RoleReception   = "reception"
	RoleAnalyzer    = "analyzer"
	RoleDistributor = "distributor"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueKafka  = "kafka"
	QueueSQS    = "sqs"
)

// LLM providers.
const (
	LLMClaude = "claude"
	LLMGemini = "gemini"
	LLMNone   = "none"
)

// Log backends.
const (
	LogsCloudWatch = "cloudwatch"
	LogsLoki       = "loki"
	LogsNone       = "none"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIReadToken          string
	Role                  string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueBackend         string
	QueueSize            int
	KafkaBrokers         string
	KafkaGroupID         string
	KafkaProcessTopic    string
	KafkaDistributeTopic string
	SQSProcessURL        string
	SQSDistributeURL     string
	AWSRegion            string

	LLMProvider       string
	LLMTimeoutSeconds int
	ClaudeAPIKey      string
	ClaudeModel       string
	GeminiAPIKey      string
	GeminiModel       string

	LogBackend   string
	LokiEndpoint string
	LokiTenantID string

	SlackWebhookURL string
	EmailEnabled    bool
	EmailFrom       string
	EmailTo         string
	JiraEnabled     bool
	JiraURL         string
	JiraToken       string
	JiraProject     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIReadToken, "api-read-token", "", "bearer token required on the alert lookup route (empty = open)")
	fs.StringVar(&c.Role, "role", RoleAll, "pipeline stages to run: all, reception, analyzer or distributor")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the analysis cache (empty = in-memory cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database")

	fs.StringVar(&c.QueueBackend, "queue-backend", QueueMemory, "queue between stages: memory, kafka or sqs")
	fs.IntVar(&c.QueueSize, "queue-size", 1000, "buffer size of each in-memory queue (1..100000)")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka broker addresses")
	fs.StringVar(&c.KafkaGroupID, "kafka-group-id", "responder", "Kafka consumer group ID")
	fs.StringVar(&c.KafkaProcessTopic, "kafka-process-topic", "responder.alerts", "Kafka topic carrying normalized alerts")
	fs.StringVar(&c.KafkaDistributeTopic, "kafka-distribute-topic", "responder.reports", "Kafka topic carrying analysis reports")
	fs.StringVar(&c.SQSProcessURL, "sqs-process-url", "", "SQS queue URL carrying normalized alerts")
	fs.StringVar(&c.SQSDistributeURL, "sqs-distribute-url", "", "SQS queue URL carrying analysis reports")
	fs.StringVar(&c.AWSRegion, "aws-region", "", "AWS region (empty = SDK default chain)")

	fs.StringVar(&c.LLMProvider, "llm-provider", LLMClaude, "analysis model provider: claude, gemini or none")
	fs.IntVar(&c.LLMTimeoutSeconds, "llm-timeout-seconds", 60, "per-call LLM timeout in seconds (1..600)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for accessing the Gemini LLM provider")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.5-flash", "Gemini model to use")

	fs.StringVar(&c.LogBackend, "log-backend", LogsNone, "log repository for context: cloudwatch, loki or none")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for log context")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications (empty = disabled)")
	fs.BoolVar(&c.EmailEnabled, "email-enabled", false, "send reports by email through SES")
	fs.StringVar(&c.EmailFrom, "email-from", "", "sender address for report emails")
	fs.StringVar(&c.EmailTo, "email-to", "", "comma-separated recipient addresses for report emails")
	fs.BoolVar(&c.JiraEnabled, "jira-enabled", false, "open a Jira issue for each report")
	fs.StringVar(&c.JiraURL, "jira-url", "", "Jira base URL")
	fs.StringVar(&c.JiraToken, "jira-token", "", "Jira API bearer token")
	fs.StringVar(&c.JiraProject, "jira-project", "", "Jira project key")
}

// Runs reports whether this process runs the given stage.
func (c *Config) Runs(role string) bool {
	return c.Role == RoleAll || c.Role == role
}

// KafkaBrokerList splits KafkaBrokers.
func (c *Config) KafkaBrokerList() []string { return splitList(c.KafkaBrokers) }

// EmailRecipients splits EmailTo.
func (c *Config) EmailRecipients() []string { return splitList(c.EmailTo) }

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.Role {
	case RoleAll, RoleReception, RoleAnalyzer, RoleDistributor:
	default:
		errs = append(errs, fmt.Errorf("invalid ROLE %q (must be all, reception, analyzer or distributor)", c.Role))
	}

	// split stages share records (history, distribution status) only through postgres
	if c.Role != RoleAll && c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required when ROLE=%s (stages in separate processes share records through postgres)", c.Role))
	}

	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}

	errs = append(errs, c.validateQueue()...)
	// reception and distributor never call a model
	if c.Role != RoleReception && c.Role != RoleDistributor {
		errs = append(errs, c.validateLLM()...)
	}
	errs = append(errs, c.validateChannels()...)

	switch c.LogBackend {
	case LogsCloudWatch, LogsNone:
	case LogsLoki:
		if c.LokiEndpoint == "" {
			errs = append(errs, errors.New("LOKI_ENDPOINT is required when LOG_BACKEND=loki"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_BACKEND %q (must be cloudwatch, loki or none)", c.LogBackend))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateQueue() []error {
	var errs []error
	switch c.QueueBackend {
	case QueueMemory:
		// stages in separate processes cannot share an in-process queue
		if c.Role != RoleAll {
			errs = append(errs, fmt.Errorf("QUEUE_BACKEND=memory requires ROLE=all, got %q", c.Role))
		}
		if c.QueueSize <= 0 || c.QueueSize > 100000 {
			errs = append(errs, fmt.Errorf("invalid QUEUE_SIZE %d (must be 1..100000)", c.QueueSize))
		}
	case QueueKafka:
		if len(c.KafkaBrokerList()) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required when QUEUE_BACKEND=kafka"))
		}
		if c.KafkaGroupID == "" {
			errs = append(errs, errors.New("KAFKA_GROUP_ID is required when QUEUE_BACKEND=kafka"))
		}
		if c.KafkaProcessTopic == "" || c.KafkaDistributeTopic == "" {
			errs = append(errs, errors.New("KAFKA_PROCESS_TOPIC and KAFKA_DISTRIBUTE_TOPIC are required when QUEUE_BACKEND=kafka"))
		}
	case QueueSQS:
		if c.SQSProcessURL == "" || c.SQSDistributeURL == "" {
			errs = append(errs, errors.New("SQS_PROCESS_URL and SQS_DISTRIBUTE_URL are required when QUEUE_BACKEND=sqs"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid QUEUE_BACKEND %q (must be memory, kafka or sqs)", c.QueueBackend))
	}
	return errs
}

func (c *Config) validateLLM() []error {
	var errs []error
	switch c.LLMProvider {
	case LLMClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when LLM_PROVIDER=claude"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when LLM_PROVIDER=claude"))
		}
	case LLMGemini:
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("GEMINI_API_KEY is required when LLM_PROVIDER=gemini"))
		}
		if c.GeminiModel == "" {
			errs = append(errs, errors.New("GEMINI_MODEL is required when LLM_PROVIDER=gemini"))
		}
	case LLMNone:
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude, gemini or none)", c.LLMProvider))
	}
	if c.LLMTimeoutSeconds <= 0 || c.LLMTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS %d (must be 1..600)", c.LLMTimeoutSeconds))
	}
	return errs
}

func (c *Config) validateChannels() []error {
	var errs []error
	if c.EmailEnabled {
		if c.EmailFrom == "" {
			errs = append(errs, errors.New("EMAIL_FROM is required when EMAIL_ENABLED"))
		}
		if len(c.EmailRecipients()) == 0 {
			errs = append(errs, errors.New("EMAIL_TO is required when EMAIL_ENABLED"))
		}
	}
	if c.JiraEnabled && (c.JiraURL == "" || c.JiraToken == "" || c.JiraProject == "") {
		errs = append(errs, errors.New("JIRA_URL, JIRA_TOKEN and JIRA_PROJECT are required when JIRA_ENABLED"))
	}
	return errs
}
