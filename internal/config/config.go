// Package config loads platform settings from defaults and environment
// variables. Environment names are plain upper-case (POSTGRES_HOST,
// NEO4J_URI, ...) so the same names work in compose files and manifests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// AppName identifies the service in logs and workflow metadata.
const AppName = "kubernetes-aiops-evidence-graph"

// Settings holds every tunable the platform reads at startup.
type Settings struct {
	AppEnv   string
	AppHost  string
	AppPort  int
	LogLevel string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	PrometheusURL string
	LokiURL       string
	GrafanaURL    string

	OPAURL        string
	OPAPolicyPath string

	SlackBotToken        string
	SlackApprovalChannel string

	JiraURL        string
	JiraUser       string
	JiraAPIToken   string
	JiraProjectKey string

	Kubeconfig string

	EvidenceTimeWindowMinutes int
	MaxLogLines               int
	MaxMetricPoints           int
	FingerprintTTLHours       int
	RateLimitPerMinute        int

	RemediationAutoApproveDev          bool
	RemediationAutoApproveStaging      bool
	RemediationAutoApproveProd         bool
	RemediationMaxBlastRadius          float64
	RemediationVerificationWaitSeconds int
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() *Settings {
	return &Settings{
		AppEnv:   "dev",
		AppHost:  "0.0.0.0",
		AppPort:  8000,
		LogLevel: "info",

		PostgresHost:     "localhost",
		PostgresPort:     5432,
		PostgresUser:     "aiops",
		PostgresPassword: "aiops",
		PostgresDB:       "aiops",

		Neo4jURI:      "bolt://localhost:7687",
		Neo4jUser:     "neo4j",
		Neo4jPassword: "password",

		RedisHost: "localhost",
		RedisPort: 6379,
		RedisDB:   0,

		TemporalAddress:   "localhost:7233",
		TemporalNamespace: "aiops",
		TemporalTaskQueue: "incident-workflow",

		PrometheusURL: "http://localhost:9090",
		LokiURL:       "http://localhost:3100",
		GrafanaURL:    "http://localhost:3000",

		OPAURL:        "http://localhost:8181",
		OPAPolicyPath: "/v1/data/remediation",

		EvidenceTimeWindowMinutes: 15,
		MaxLogLines:               1000,
		MaxMetricPoints:           500,
		FingerprintTTLHours:       4,
		RateLimitPerMinute:        100,

		RemediationAutoApproveDev:          true,
		RemediationMaxBlastRadius:          50.0,
		RemediationVerificationWaitSeconds: 120,
	}
}

// Load builds Settings from defaults, an optional .env file and
// environment variables. Variables already set in the environment win
// over the .env file.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env")
	}
	s := DefaultSettings()
	s.loadFromEnv()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func (s *Settings) loadFromEnv() {
	setString(&s.AppEnv, "APP_ENV")
	setString(&s.AppHost, "APP_HOST")
	setInt(&s.AppPort, "APP_PORT")
	setString(&s.LogLevel, "LOG_LEVEL")

	setString(&s.PostgresHost, "POSTGRES_HOST")
	setInt(&s.PostgresPort, "POSTGRES_PORT")
	setString(&s.PostgresUser, "POSTGRES_USER")
	setString(&s.PostgresPassword, "POSTGRES_PASSWORD")
	setString(&s.PostgresDB, "POSTGRES_DB")

	setString(&s.Neo4jURI, "NEO4J_URI")
	setString(&s.Neo4jUser, "NEO4J_USER")
	setString(&s.Neo4jPassword, "NEO4J_PASSWORD")

	setString(&s.RedisHost, "REDIS_HOST")
	setInt(&s.RedisPort, "REDIS_PORT")
	setString(&s.RedisPassword, "REDIS_PASSWORD")
	setInt(&s.RedisDB, "REDIS_DB")

	setString(&s.TemporalAddress, "TEMPORAL_ADDRESS")
	setString(&s.TemporalNamespace, "TEMPORAL_NAMESPACE")
	setString(&s.TemporalTaskQueue, "TEMPORAL_TASK_QUEUE")

	setString(&s.PrometheusURL, "PROMETHEUS_URL")
	setString(&s.LokiURL, "LOKI_URL")
	setString(&s.GrafanaURL, "GRAFANA_URL")

	setString(&s.OPAURL, "OPA_URL")
	setString(&s.OPAPolicyPath, "OPA_POLICY_PATH")

	setString(&s.SlackBotToken, "SLACK_BOT_TOKEN")
	setString(&s.SlackApprovalChannel, "SLACK_APPROVAL_CHANNEL")

	setString(&s.JiraURL, "JIRA_URL")
	setString(&s.JiraUser, "JIRA_USER")
	setString(&s.JiraAPIToken, "JIRA_API_TOKEN")
	setString(&s.JiraProjectKey, "JIRA_PROJECT_KEY")

	setString(&s.Kubeconfig, "KUBECONFIG")

	setInt(&s.EvidenceTimeWindowMinutes, "EVIDENCE_TIME_WINDOW_MINUTES")
	setInt(&s.MaxLogLines, "MAX_LOG_LINES")
	setInt(&s.MaxMetricPoints, "MAX_METRIC_POINTS")
	setInt(&s.FingerprintTTLHours, "FINGERPRINT_TTL_HOURS")
	setInt(&s.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")

	setBool(&s.RemediationAutoApproveDev, "REMEDIATION_AUTO_APPROVE_DEV")
	setBool(&s.RemediationAutoApproveStaging, "REMEDIATION_AUTO_APPROVE_STAGING")
	setBool(&s.RemediationAutoApproveProd, "REMEDIATION_AUTO_APPROVE_PROD")
	setFloat(&s.RemediationMaxBlastRadius, "REMEDIATION_MAX_BLAST_RADIUS")
	setInt(&s.RemediationVerificationWaitSeconds, "REMEDIATION_VERIFICATION_WAIT_SECONDS")
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures deep inside a collector or activity.
func (s *Settings) Validate() error {
	if s.AppPort < 1 || s.AppPort > 65535 {
		return fmt.Errorf("invalid app port: %d", s.AppPort)
	}
	if s.EvidenceTimeWindowMinutes <= 0 {
		return fmt.Errorf("evidence time window must be positive, got %d", s.EvidenceTimeWindowMinutes)
	}
	if s.MaxLogLines <= 0 || s.MaxMetricPoints <= 0 {
		return fmt.Errorf("log and metric limits must be positive")
	}
	if s.RemediationMaxBlastRadius <= 0 {
		return fmt.Errorf("max blast radius must be positive, got %f", s.RemediationMaxBlastRadius)
	}
	if s.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", s.RateLimitPerMinute)
	}
	return nil
}

// IsDev reports whether the platform runs in the dev environment.
func (s *Settings) IsDev() bool { return s.AppEnv == "dev" }

// RemediationAutoApprove resolves the auto-approval flag for the current
// environment. Unknown environments never auto-approve.
func (s *Settings) RemediationAutoApprove() bool {
	switch s.AppEnv {
	case "dev", "development":
		return s.RemediationAutoApproveDev
	case "staging":
		return s.RemediationAutoApproveStaging
	case "prod", "production":
		return s.RemediationAutoApproveProd
	}
	return false
}

// EvidenceWindow is the lookback window collectors use.
func (s *Settings) EvidenceWindow() time.Duration {
	return time.Duration(s.EvidenceTimeWindowMinutes) * time.Minute
}

// FingerprintTTL is how long a fingerprint suppresses duplicate alerts.
func (s *Settings) FingerprintTTL() time.Duration {
	return time.Duration(s.FingerprintTTLHours) * time.Hour
}

// VerificationWait is the settle time before post-remediation checks.
func (s *Settings) VerificationWait() time.Duration {
	return time.Duration(s.RemediationVerificationWaitSeconds) * time.Second
}

// PostgresDSN renders the lib/pq connection string.
func (s *Settings) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.PostgresHost, s.PostgresPort, s.PostgresUser, s.PostgresPassword, s.PostgresDB)
}

// RedisAddr renders the host:port address for the Redis client.
func (s *Settings) RedisAddr() string {
	return fmt.Sprintf("%s:%d", s.RedisHost, s.RedisPort)
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			log.Warn().Str("key", key).Str("value", val).Msg("Ignoring non-integer environment value")
			return
		}
		*dst = n
	}
}

func setFloat(dst *float64, key string) {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Warn().Str("key", key).Str("value", val).Msg("Ignoring non-numeric environment value")
			return
		}
		*dst = f
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			log.Warn().Str("key", key).Str("value", val).Msg("Ignoring non-boolean environment value")
			return
		}
		*dst = b
	}
}
