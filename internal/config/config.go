package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	Provider    string
	Store       string
	PostgresDSN string
	BoltPath    string
	RedisAddr   string

	KafkaBrokers []string
	KafkaTopic   string

	ReconcileInterval       time.Duration
	StartingTimeout         time.Duration
	FinishingTimeout        time.Duration
	MaxTerminateAttempts    int
	TerminateRetryBaseDelay time.Duration
	TerminateRetryMaxDelay  time.Duration
	Concurrency             int
	NodeLeaseTTL            time.Duration
	VerifyTimeout           time.Duration

	APIKey             string
	RateLimitPerMinute int
	IdempotencyTTL     time.Duration
	CORSOrigins        []string

	NodeEnv                 string
	Cloud                   bool
	Telemetry               bool
	IdleMaxDuration         time.Duration
	TraceEnv                string
	TraceSite               string
	TraceAgentURL           string
	CallbackURL             string
	PersistServiceURL       string
	JobsServiceURL          string
	ProvidersURL            string
	ProvidersReloadInterval time.Duration

	ConsulAddr             string
	ConsulPersistService   string
	ConsulJobsService      string
	ConsulProvidersService string

	RunnerImage string
	RunnerPort  int

	LocalNetwork string
	LocalPull    bool

	NomadAddr        string
	NomadDatacenters []string
	NomadRegion      string

	AWSRegion           string
	ECSCluster          string
	ECSSubnets          []string
	ECSSecurityGroups   []string
	ECSLogsGroup        string
	ECSExecutionRoleARN string
}

// Load reads the configuration from the environment.
func Load() Config {
	return load(source{})
}

// LoadFile reads a YAML file of FLEET_* keys and layers the environment on
// top of it. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Load(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return load(source{file: values}), nil
}

// source resolves a key from the environment first, then from the file.
type source struct {
	file map[string]string
}

func (src source) get(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return src.file[key]
}

func load(src source) Config {
	return Config{
		HTTPAddr:     src.envOrDefault("FLEET_HTTP_ADDR", ":8080"),
		ReadTimeout:  src.durationOrDefault("FLEET_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: src.durationOrDefault("FLEET_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:  src.durationOrDefault("FLEET_IDLE_TIMEOUT", 60*time.Second),

		Provider:    strings.ToLower(strings.TrimSpace(src.get("FLEET_PROVIDER"))),
		Store:       strings.ToLower(src.envOrDefault("FLEET_STORE", "memory")),
		PostgresDSN: src.get("FLEET_POSTGRES_DSN"),
		BoltPath:    src.envOrDefault("FLEET_BOLT_PATH", "fleet.db"),
		RedisAddr:   src.get("FLEET_REDIS_ADDR"),

		KafkaBrokers: src.listOrDefault("FLEET_KAFKA_BROKERS", nil),
		KafkaTopic:   src.envOrDefault("FLEET_KAFKA_TOPIC", "fleet.node-events"),

		ReconcileInterval:       src.durationOrDefault("FLEET_RECONCILE_INTERVAL", 5*time.Second),
		StartingTimeout:         src.durationOrDefault("FLEET_STARTING_TIMEOUT", 5*time.Minute),
		FinishingTimeout:        src.durationOrDefault("FLEET_FINISHING_TIMEOUT", time.Minute),
		MaxTerminateAttempts:    src.intOrDefault("FLEET_MAX_TERMINATE_ATTEMPTS", 10),
		TerminateRetryBaseDelay: src.durationOrDefault("FLEET_TERMINATE_RETRY_BASE_DELAY", 5*time.Second),
		TerminateRetryMaxDelay:  src.durationOrDefault("FLEET_TERMINATE_RETRY_MAX_DELAY", 5*time.Minute),
		Concurrency:             src.intOrDefault("FLEET_CONCURRENCY", 8),
		NodeLeaseTTL:            src.durationOrDefault("FLEET_NODE_LEASE_TTL", 2*time.Minute),
		VerifyTimeout:           src.durationOrDefault("FLEET_VERIFY_TIMEOUT", 5*time.Second),

		APIKey:             strings.TrimSpace(src.get("FLEET_API_KEY")),
		RateLimitPerMinute: src.intOrDefault("FLEET_RATE_LIMIT_PER_MINUTE", 0),
		IdempotencyTTL:     src.durationOrDefault("FLEET_IDEMPOTENCY_TTL", 24*time.Hour),
		CORSOrigins:        src.listOrDefault("FLEET_CORS_ORIGINS", nil),

		NodeEnv:                 src.envOrDefault("NODE_ENV", "production"),
		Cloud:                   src.boolOrDefault("FLEET_CLOUD", false),
		Telemetry:               src.boolOrDefault("FLEET_TELEMETRY", false),
		IdleMaxDuration:         src.durationOrDefault("FLEET_IDLE_MAX_DURATION", 25*time.Hour),
		TraceEnv:                src.get("FLEET_TRACE_ENV"),
		TraceSite:               src.get("FLEET_TRACE_SITE"),
		TraceAgentURL:           src.get("FLEET_TRACE_AGENT_URL"),
		CallbackURL:             src.get("FLEET_CALLBACK_URL"),
		PersistServiceURL:       src.get("FLEET_PERSIST_SERVICE_URL"),
		JobsServiceURL:          src.get("FLEET_JOBS_SERVICE_URL"),
		ProvidersURL:            src.get("FLEET_PROVIDERS_URL"),
		ProvidersReloadInterval: src.durationOrDefault("FLEET_PROVIDERS_RELOAD_INTERVAL", time.Minute),

		ConsulAddr:             src.get("FLEET_CONSUL_ADDR"),
		ConsulPersistService:   src.get("FLEET_CONSUL_PERSIST_SERVICE"),
		ConsulJobsService:      src.get("FLEET_CONSUL_JOBS_SERVICE"),
		ConsulProvidersService: src.get("FLEET_CONSUL_PROVIDERS_SERVICE"),

		RunnerImage: src.envOrDefault("FLEET_RUNNER_IMAGE", "runner-fleet/runner"),
		RunnerPort:  src.intOrDefault("FLEET_RUNNER_PORT", 80),

		LocalNetwork: src.envOrDefault("FLEET_LOCAL_NETWORK", "bridge"),
		LocalPull:    src.boolOrDefault("FLEET_LOCAL_PULL", false),

		NomadAddr:        src.envOrDefault("FLEET_NOMAD_ADDR", "http://localhost:4646"),
		NomadDatacenters: src.listOrDefault("FLEET_NOMAD_DATACENTERS", []string{"dc1"}),
		NomadRegion:      src.envOrDefault("FLEET_NOMAD_REGION", "global"),

		AWSRegion:           src.get("FLEET_AWS_REGION"),
		ECSCluster:          src.get("FLEET_ECS_CLUSTER"),
		ECSSubnets:          src.listOrDefault("FLEET_ECS_SUBNETS", nil),
		ECSSecurityGroups:   src.listOrDefault("FLEET_ECS_SECURITY_GROUPS", nil),
		ECSLogsGroup:        src.get("FLEET_ECS_LOGS_GROUP"),
		ECSExecutionRoleARN: src.get("FLEET_ECS_EXECUTION_ROLE_ARN"),
	}
}

func (src source) envOrDefault(key, fallback string) string {
	if value := src.get(key); value != "" {
		return value
	}
	return fallback
}

func (src source) durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := src.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (src source) intOrDefault(key string, fallback int) int {
	value := src.get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func (src source) boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(src.get(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// listOrDefault splits a comma separated variable, dropping empty items.
func (src source) listOrDefault(key string, fallback []string) []string {
	value := strings.TrimSpace(src.get(key))
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
