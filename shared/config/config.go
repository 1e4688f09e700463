package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	AuditEnabled     bool
	TenantBaseDomain string

	CORSAllowedOrigins []string
	RateLimitRPS       float64
	RateLimitBurst     int

	KafkaBrokers     []string
	KafkaClientID    string
	KafkaGroupID     string
	KafkaRetryMax    int
	KafkaWriteMS     int
	RelayEnabled     bool
	RelayTopicPrefix string
	IngestTopics     []string
	IngestGroupID    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	DispatchBatchSize   int
	DispatchIdleSleepMS int
	HandlerTimeoutMS    int
	EventMaxRetries     int
	DispatchLockTTLSec  int
	EventRetentionDays  int
	DeadLetterScanSec   int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := Config{
		Env:                 envRaw,
		ServiceName:         serviceNameDefault,
		HTTPPort:            httpPortDefault,
		LogLevel:            "info",
		ConfigPath:          strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:    30000,
		OIDCIssuer:          strings.TrimSpace(os.Getenv("OIDC_ISSUER")),
		OIDCAudience:        strings.TrimSpace(os.Getenv("OIDC_AUDIENCE")),
		OIDCJWKSURL:         strings.TrimSpace(os.Getenv("OIDC_JWKS_URL")),
		JWKSTTLSeconds:      300,
		JWTClockSkewSec:     60,
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:          10,
		DBMinConns:          1,
		DBConnMaxIdleSec:    300,
		DBConnMaxLifeSec:    1800,
		AuditEnabled:        false,
		TenantBaseDomain:    strings.TrimSpace(os.Getenv("TENANT_BASE_DOMAIN")),
		RateLimitRPS:        20,
		RateLimitBurst:      40,
		KafkaRetryMax:       5,
		KafkaWriteMS:        5000,
		RelayEnabled:        false,
		RelayTopicPrefix:    "dinehub",
		IngestGroupID:       "dinehub-bridge",
		AsynqQueue:          "default",
		AsynqConcurrency:    10,
		DispatchBatchSize:   10,
		DispatchIdleSleepMS: 1000,
		HandlerTimeoutMS:    3000,
		EventMaxRetries:     5,
		DispatchLockTTLSec:  30,
		EventRetentionDays:  30,
		DeadLetterScanSec:   60,
		InfluxTimeoutMS:     5000,
		OtelInsecure:        true,
		OtelSampleRatio:     1.0,
	}

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		problems = append(problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "REQUEST_TIMEOUT_MS must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if cfg.JWKSTTLSeconds <= 0 {
		problems = append(problems, Problem{Field: "JWKS_CACHE_TTL_SECONDS", Message: "JWKS_CACHE_TTL_SECONDS must be > 0"})
		cfg.JWKSTTLSeconds = 300
	}
	if cfg.JWTClockSkewSec < 0 {
		problems = append(problems, Problem{Field: "JWT_CLOCK_SKEW_SECONDS", Message: "JWT_CLOCK_SKEW_SECONDS must be >= 0"})
		cfg.JWTClockSkewSec = 60
	}
	if cfg.DBMaxConns <= 0 {
		problems = append(problems, Problem{Field: "DB_MAX_CONNS", Message: "DB_MAX_CONNS must be > 0"})
		cfg.DBMaxConns = 10
	}
	if cfg.DBMinConns < 0 {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be >= 0"})
		cfg.DBMinConns = 1
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		problems = append(problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.DBConnMaxIdleSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_IDLE_SECONDS", Message: "DB_CONN_MAX_IDLE_SECONDS must be > 0"})
		cfg.DBConnMaxIdleSec = 300
	}
	if cfg.DBConnMaxLifeSec <= 0 {
		problems = append(problems, Problem{Field: "DB_CONN_MAX_LIFETIME_SECONDS", Message: "DB_CONN_MAX_LIFETIME_SECONDS must be > 0"})
		cfg.DBConnMaxLifeSec = 1800
	}
	if cfg.RateLimitRPS <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 20
	}
	if cfg.RateLimitBurst <= 0 {
		problems = append(problems, Problem{Field: "RATE_LIMIT_BURST", Message: "RATE_LIMIT_BURST must be > 0"})
		cfg.RateLimitBurst = 40
	}
	if cfg.KafkaRetryMax < 0 {
		problems = append(problems, Problem{Field: "KAFKA_RETRY_MAX", Message: "KAFKA_RETRY_MAX must be >= 0"})
		cfg.KafkaRetryMax = 5
	}
	if cfg.KafkaWriteMS <= 0 {
		problems = append(problems, Problem{Field: "KAFKA_WRITE_TIMEOUT_MS", Message: "KAFKA_WRITE_TIMEOUT_MS must be > 0"})
		cfg.KafkaWriteMS = 5000
	}
	if cfg.RedisDB < 0 {
		problems = append(problems, Problem{Field: "REDIS_DB", Message: "REDIS_DB must be >= 0"})
		cfg.RedisDB = 0
	}
	if cfg.AsynqRedisDB < 0 {
		problems = append(problems, Problem{Field: "ASYNQ_REDIS_DB", Message: "ASYNQ_REDIS_DB must be >= 0"})
		cfg.AsynqRedisDB = 0
	}
	if cfg.AsynqConcurrency <= 0 {
		problems = append(problems, Problem{Field: "ASYNQ_CONCURRENCY", Message: "ASYNQ_CONCURRENCY must be > 0"})
		cfg.AsynqConcurrency = 10
	}
	if cfg.DispatchBatchSize <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_BATCH_SIZE", Message: "DISPATCH_BATCH_SIZE must be > 0"})
		cfg.DispatchBatchSize = 10
	}
	if cfg.DispatchIdleSleepMS <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_IDLE_SLEEP_MS", Message: "DISPATCH_IDLE_SLEEP_MS must be > 0"})
		cfg.DispatchIdleSleepMS = 1000
	}
	if cfg.HandlerTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "HANDLER_TIMEOUT_MS", Message: "HANDLER_TIMEOUT_MS must be > 0"})
		cfg.HandlerTimeoutMS = 3000
	}
	if cfg.EventMaxRetries <= 0 {
		problems = append(problems, Problem{Field: "EVENT_MAX_RETRIES", Message: "EVENT_MAX_RETRIES must be > 0"})
		cfg.EventMaxRetries = 5
	}
	if cfg.DispatchLockTTLSec <= 0 {
		problems = append(problems, Problem{Field: "DISPATCH_LOCK_TTL_SECONDS", Message: "DISPATCH_LOCK_TTL_SECONDS must be > 0"})
		cfg.DispatchLockTTLSec = 30
	}
	if cfg.EventRetentionDays <= 0 {
		problems = append(problems, Problem{Field: "EVENT_RETENTION_DAYS", Message: "EVENT_RETENTION_DAYS must be > 0"})
		cfg.EventRetentionDays = 30
	}
	if cfg.DeadLetterScanSec <= 0 {
		problems = append(problems, Problem{Field: "DEADLETTER_SCAN_SECONDS", Message: "DEADLETTER_SCAN_SECONDS must be > 0"})
		cfg.DeadLetterScanSec = 60
	}
	if cfg.InfluxTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "INFLUX_TIMEOUT_MS", Message: "INFLUX_TIMEOUT_MS must be > 0"})
		cfg.InfluxTimeoutMS = 5000
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		problems = append(problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}

	return cfg, problems
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

type fieldSpec struct {
	key string
	set func(cfg *Config, v any) bool
}

func stringField(dst func(cfg *Config) *string) func(cfg *Config, v any) bool {
	return func(cfg *Config, v any) bool {
		s, ok := asString(v)
		if !ok {
			return false
		}
		*dst(cfg) = strings.TrimSpace(s)
		return true
	}
}

func intField(dst func(cfg *Config) *int) func(cfg *Config, v any) bool {
	return func(cfg *Config, v any) bool {
		n, ok := asInt(v)
		if !ok {
			return false
		}
		*dst(cfg) = n
		return true
	}
}

func boolField(dst func(cfg *Config) *bool) func(cfg *Config, v any) bool {
	return func(cfg *Config, v any) bool {
		b, ok := asBoolAny(v)
		if !ok {
			return false
		}
		*dst(cfg) = b
		return true
	}
}

func floatField(dst func(cfg *Config) *float64) func(cfg *Config, v any) bool {
	return func(cfg *Config, v any) bool {
		f, ok := asFloat(v)
		if !ok {
			return false
		}
		*dst(cfg) = f
		return true
	}
}

// fieldSpecs is the single source of truth for every key the loader accepts,
// consulted for both the JSON config file and environment variables.
var fieldSpecs = []fieldSpec{
	{"ENV", stringField(func(c *Config) *string { return &c.Env })},
	{"SERVICE_NAME", stringField(func(c *Config) *string { return &c.ServiceName })},
	{"HTTP_PORT", intField(func(c *Config) *int { return &c.HTTPPort })},
	{"LOG_LEVEL", stringField(func(c *Config) *string { return &c.LogLevel })},
	{"REQUEST_TIMEOUT_MS", intField(func(c *Config) *int { return &c.RequestTimeoutMS })},
	{"OIDC_ISSUER", stringField(func(c *Config) *string { return &c.OIDCIssuer })},
	{"OIDC_AUDIENCE", stringField(func(c *Config) *string { return &c.OIDCAudience })},
	{"OIDC_JWKS_URL", stringField(func(c *Config) *string { return &c.OIDCJWKSURL })},
	{"JWKS_CACHE_TTL_SECONDS", intField(func(c *Config) *int { return &c.JWKSTTLSeconds })},
	{"JWT_CLOCK_SKEW_SECONDS", intField(func(c *Config) *int { return &c.JWTClockSkewSec })},
	{"DATABASE_URL", stringField(func(c *Config) *string { return &c.DatabaseURL })},
	{"DB_MAX_CONNS", intField(func(c *Config) *int { return &c.DBMaxConns })},
	{"DB_MIN_CONNS", intField(func(c *Config) *int { return &c.DBMinConns })},
	{"DB_CONN_MAX_IDLE_SECONDS", intField(func(c *Config) *int { return &c.DBConnMaxIdleSec })},
	{"DB_CONN_MAX_LIFETIME_SECONDS", intField(func(c *Config) *int { return &c.DBConnMaxLifeSec })},
	{"AUDIT_ENABLED", boolField(func(c *Config) *bool { return &c.AuditEnabled })},
	{"TENANT_BASE_DOMAIN", stringField(func(c *Config) *string { return &c.TenantBaseDomain })},
	{"CORS_ALLOWED_ORIGINS", func(c *Config, v any) bool {
		switch t := v.(type) {
		case string:
			c.CORSAllowedOrigins = parseCSV(t)
			return true
		case []any:
			c.CORSAllowedOrigins = parseAnyCSV(t)
			return true
		}
		return false
	}},
	{"RATE_LIMIT_RPS", floatField(func(c *Config) *float64 { return &c.RateLimitRPS })},
	{"RATE_LIMIT_BURST", intField(func(c *Config) *int { return &c.RateLimitBurst })},
	{"KAFKA_BROKERS", func(c *Config, v any) bool {
		switch t := v.(type) {
		case string:
			c.KafkaBrokers = parseCSV(t)
			return true
		case []any:
			c.KafkaBrokers = parseAnyCSV(t)
			return true
		}
		return false
	}},
	{"KAFKA_CLIENT_ID", stringField(func(c *Config) *string { return &c.KafkaClientID })},
	{"KAFKA_CONSUMER_GROUP", stringField(func(c *Config) *string { return &c.KafkaGroupID })},
	{"KAFKA_RETRY_MAX", intField(func(c *Config) *int { return &c.KafkaRetryMax })},
	{"KAFKA_WRITE_TIMEOUT_MS", intField(func(c *Config) *int { return &c.KafkaWriteMS })},
	{"RELAY_ENABLED", boolField(func(c *Config) *bool { return &c.RelayEnabled })},
	{"RELAY_TOPIC_PREFIX", stringField(func(c *Config) *string { return &c.RelayTopicPrefix })},
	{"INGEST_TOPICS", func(c *Config, v any) bool {
		switch t := v.(type) {
		case string:
			c.IngestTopics = parseCSV(t)
			return true
		case []any:
			c.IngestTopics = parseAnyCSV(t)
			return true
		}
		return false
	}},
	{"INGEST_GROUP_ID", stringField(func(c *Config) *string { return &c.IngestGroupID })},
	{"REDIS_ADDR", stringField(func(c *Config) *string { return &c.RedisAddr })},
	{"REDIS_PASSWORD", stringField(func(c *Config) *string { return &c.RedisPassword })},
	{"REDIS_DB", intField(func(c *Config) *int { return &c.RedisDB })},
	{"ASYNQ_REDIS_ADDR", stringField(func(c *Config) *string { return &c.AsynqRedisAddr })},
	{"ASYNQ_REDIS_PASSWORD", stringField(func(c *Config) *string { return &c.AsynqRedisPass })},
	{"ASYNQ_REDIS_DB", intField(func(c *Config) *int { return &c.AsynqRedisDB })},
	{"ASYNQ_QUEUE", stringField(func(c *Config) *string { return &c.AsynqQueue })},
	{"ASYNQ_CONCURRENCY", intField(func(c *Config) *int { return &c.AsynqConcurrency })},
	{"DISPATCH_BATCH_SIZE", intField(func(c *Config) *int { return &c.DispatchBatchSize })},
	{"DISPATCH_IDLE_SLEEP_MS", intField(func(c *Config) *int { return &c.DispatchIdleSleepMS })},
	{"HANDLER_TIMEOUT_MS", intField(func(c *Config) *int { return &c.HandlerTimeoutMS })},
	{"EVENT_MAX_RETRIES", intField(func(c *Config) *int { return &c.EventMaxRetries })},
	{"DISPATCH_LOCK_TTL_SECONDS", intField(func(c *Config) *int { return &c.DispatchLockTTLSec })},
	{"EVENT_RETENTION_DAYS", intField(func(c *Config) *int { return &c.EventRetentionDays })},
	{"DEADLETTER_SCAN_SECONDS", intField(func(c *Config) *int { return &c.DeadLetterScanSec })},
	{"INFLUX_URL", stringField(func(c *Config) *string { return &c.InfluxURL })},
	{"INFLUX_TOKEN", stringField(func(c *Config) *string { return &c.InfluxToken })},
	{"INFLUX_ORG", stringField(func(c *Config) *string { return &c.InfluxOrg })},
	{"INFLUX_BUCKET", stringField(func(c *Config) *string { return &c.InfluxBucket })},
	{"INFLUX_TIMEOUT_MS", intField(func(c *Config) *int { return &c.InfluxTimeoutMS })},
	{"OTEL_ENABLED", boolField(func(c *Config) *bool { return &c.OtelEnabled })},
	{"OTEL_EXPORTER_OTLP_ENDPOINT", stringField(func(c *Config) *string { return &c.OtelEndpoint })},
	{"OTEL_EXPORTER_OTLP_INSECURE", boolField(func(c *Config) *bool { return &c.OtelInsecure })},
	{"OTEL_SAMPLE_RATIO", floatField(func(c *Config) *float64 { return &c.OtelSampleRatio })},
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]fieldSpec, len(fieldSpecs))
	for _, spec := range fieldSpecs {
		byKey[spec.key] = spec
	}
	for k, v := range raw {
		spec, ok := byKey[strings.ToUpper(strings.TrimSpace(k))]
		if !ok {
			continue
		}
		if !spec.set(cfg, v) {
			*problems = append(*problems, Problem{Field: spec.key, Message: spec.key + " has an invalid value"})
		}
	}
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, spec := range fieldSpecs {
		raw := strings.TrimSpace(os.Getenv(spec.key))
		if raw == "" {
			continue
		}
		if !spec.set(cfg, raw) {
			*problems = append(*problems, Problem{Field: spec.key, Message: spec.key + " has an invalid value"})
		}
	}
	// PORT is honored as a fallback for HTTP_PORT.
	if strings.TrimSpace(os.Getenv("HTTP_PORT")) == "" {
		if raw := strings.TrimSpace(os.Getenv("PORT")); raw != "" {
			if p, err := strconv.Atoi(raw); err == nil && p > 0 && p <= 65535 {
				cfg.HTTPPort = p
			} else {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			}
		}
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBoolAny(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y":
			return true, true
		case "false", "0", "no", "n":
			return false, true
		}
	}
	return false, false
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
