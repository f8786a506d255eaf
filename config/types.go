package config

import "time"

type AppConfig struct {
	DBDriver   string          `yaml:"db_driver" env:"TRACEDECK_DB_DRIVER" env-default:"sqlite"`
	DBURL      string          `yaml:"db_url" env:"TRACEDECK_DB_URL" env-default:"data/tracedeck.db"`
	ListenAddr string          `yaml:"listen_addr" env:"TRACEDECK_LISTEN_ADDR" env-default:"0.0.0.0:8090"`
	APIToken   string          `yaml:"api_token" env:"TRACEDECK_API_TOKEN"`
	Logging    LoggingConfig   `yaml:"logging"`
	Tracing    TracingConfig   `yaml:"tracing"`
	Incidents  IncidentsConfig `yaml:"incidents"`
	Retention  RetentionConfig `yaml:"retention"`
	Cache      CacheConfig     `yaml:"cache"`
	Notifier   NotifierConfig  `yaml:"notifier"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"TRACEDECK_LOG_LEVEL" env-default:"info"`
	Debug bool   `yaml:"debug" env:"TRACEDECK_LOG_DEBUG" env-default:"false"`
}

type TracingConfig struct {
	SampleRate              float64           `yaml:"sample_rate" env:"TRACEDECK_SAMPLE_RATE" env-default:"1.0"`
	TailSampleSlowMS        float64           `yaml:"tail_sample_slow_ms" env:"TRACEDECK_TAIL_SAMPLE_SLOW_MS" env-default:"2000"`
	AlwaysSampleContextKeys []string          `yaml:"always_sample_context_keys" env:"TRACEDECK_ALWAYS_SAMPLE_CONTEXT_KEYS" env-separator:","`
	SensitiveKeys           []string          `yaml:"sensitive_keys" env:"TRACEDECK_SENSITIVE_KEYS" env-separator:","`
	RedactionPaths          map[string]string `yaml:"redaction_paths"`
	RedactionPlaceholder    string            `yaml:"redaction_placeholder" env:"TRACEDECK_REDACTION_PLACEHOLDER" env-default:"[REDACTED]"`
	MaxContextPayloadBytes  int               `yaml:"max_context_payload_bytes" env:"TRACEDECK_MAX_CONTEXT_PAYLOAD_BYTES" env-default:"16384"`
	MaxEventPayloadBytes    int               `yaml:"max_event_payload_bytes" env:"TRACEDECK_MAX_EVENT_PAYLOAD_BYTES" env-default:"8192"`
	TruncationPlaceholder   string            `yaml:"truncation_placeholder" env:"TRACEDECK_TRUNCATION_PLACEHOLDER" env-default:"[TRUNCATED]"`
	WideEventPrimary        bool              `yaml:"wide_event_primary" env:"TRACEDECK_WIDE_EVENT_PRIMARY" env-default:"false"`
	PersistSubEvents        *bool             `yaml:"persist_sub_events" env:"TRACEDECK_PERSIST_SUB_EVENTS"`
	EmitCanonicalLogLine    *bool             `yaml:"emit_canonical_log_line" env:"TRACEDECK_EMIT_CANONICAL_LOG_LINE"`
	FeatureSliceKeys        []string          `yaml:"feature_slice_keys" env:"TRACEDECK_FEATURE_SLICE_KEYS" env-separator:","`
	IgnorePaths             []string          `yaml:"ignore_paths" env:"TRACEDECK_IGNORE_PATHS" env-separator:","`
	IgnoreEntityTypes       []string          `yaml:"ignore_entity_types" env:"TRACEDECK_IGNORE_ENTITY_TYPES" env-separator:","`
	IgnoreEntityPrefixes    []string          `yaml:"ignore_entity_prefixes" env:"TRACEDECK_IGNORE_ENTITY_PREFIXES" env-separator:","`
	StateDiffAllowlist      []string          `yaml:"state_diff_allowlist" env:"TRACEDECK_STATE_DIFF_ALLOWLIST" env-separator:","`
	StateDiffBlocklist      []string          `yaml:"state_diff_blocklist" env:"TRACEDECK_STATE_DIFF_BLOCKLIST" env-separator:","`
	StateDiffMaxFields      int               `yaml:"state_diff_max_changed_fields" env:"TRACEDECK_STATE_DIFF_MAX_CHANGED_FIELDS" env-default:"20"`
	Service                 string            `yaml:"service" env:"TRACEDECK_SERVICE" env-default:"app"`
	Environment             string            `yaml:"environment" env:"TRACEDECK_ENVIRONMENT" env-default:"development"`
	Version                 string            `yaml:"version" env:"TRACEDECK_VERSION"`
	Deployment              string            `yaml:"deployment" env:"TRACEDECK_DEPLOYMENT"`
	Region                  string            `yaml:"region" env:"TRACEDECK_REGION"`
}

type SuppressionRule struct {
	Kind        string `yaml:"kind"`
	Source      string `yaml:"source"`
	Name        string `yaml:"name"`
	Fingerprint string `yaml:"fingerprint"`
}

type IncidentsConfig struct {
	ErrorSpikeThresholdPct float64           `yaml:"error_spike_threshold_pct" env:"TRACEDECK_INCIDENT_ERROR_SPIKE_THRESHOLD_PCT" env-default:"20.0"`
	P95RegressionFactor    float64           `yaml:"p95_regression_factor" env:"TRACEDECK_INCIDENT_P95_REGRESSION_FACTOR" env-default:"1.5"`
	MinSamples             int               `yaml:"min_samples" env:"TRACEDECK_INCIDENT_MIN_SAMPLES" env-default:"20"`
	DedupeWindow           time.Duration     `yaml:"dedupe_window" env:"TRACEDECK_INCIDENT_DEDUPE_WINDOW" env-default:"1h"`
	SLOTargetErrorRatePct  float64           `yaml:"slo_target_error_rate_pct" env:"TRACEDECK_INCIDENT_SLO_TARGET_ERROR_RATE_PCT" env-default:"1.0"`
	SLOBurnRateThreshold   float64           `yaml:"slo_burn_rate_threshold" env:"TRACEDECK_INCIDENT_SLO_BURN_RATE_THRESHOLD" env-default:"2.0"`
	QuietWindow            time.Duration     `yaml:"quiet_window" env:"TRACEDECK_INCIDENT_QUIET_WINDOW" env-default:"2h"`
	SuppressionRules       []SuppressionRule `yaml:"suppression_rules"`
	EvaluateOnRequest      bool              `yaml:"evaluate_on_request" env:"TRACEDECK_INCIDENT_EVALUATE_ON_REQUEST" env-default:"true"`
	EvaluateMinInterval    time.Duration     `yaml:"evaluate_min_interval" env:"TRACEDECK_INCIDENT_EVALUATE_MIN_INTERVAL" env-default:"1m"`
}

type RetentionConfig struct {
	Period         time.Duration `yaml:"period" env:"TRACEDECK_RETENTION_PERIOD" env-default:"720h"`
	ErrorPeriod    time.Duration `yaml:"error_period" env:"TRACEDECK_RETENTION_ERROR_PERIOD" env-default:"2160h"`
	IncidentPeriod time.Duration `yaml:"incident_period" env:"TRACEDECK_RETENTION_INCIDENT_PERIOD" env-default:"4320h"`
}

type CacheConfig struct {
	Kind    string        `yaml:"kind" env:"TRACEDECK_CACHE_KIND" env-default:"memory"`
	NATSURL string        `yaml:"nats_url" env:"TRACEDECK_CACHE_NATS_URL" env-default:"nats://127.0.0.1:4222"`
	Bucket  string        `yaml:"bucket" env:"TRACEDECK_CACHE_BUCKET" env-default:"tracedeck-causal"`
	TTL     time.Duration `yaml:"ttl" env:"TRACEDECK_CACHE_TTL" env-default:"4h"`
}

type NotifierConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" env:"TRACEDECK_SLACK_WEBHOOK_URL"`
	Channel         string `yaml:"channel" env:"TRACEDECK_SLACK_CHANNEL"`
	Username        string `yaml:"username" env:"TRACEDECK_SLACK_USERNAME" env-default:"tracedeck"`
}

type SchedulerConfig struct {
	Enabled      bool   `yaml:"enabled" env:"TRACEDECK_SCHEDULER_ENABLED" env-default:"true"`
	EvaluateSpec string `yaml:"evaluate_spec" env:"TRACEDECK_SCHEDULER_EVALUATE_SPEC" env-default:"@every 1m"`
	PruneSpec    string `yaml:"prune_spec" env:"TRACEDECK_SCHEDULER_PRUNE_SPEC" env-default:"@every 1h"`
}

func (c *TracingConfig) PersistSubEventsEnabled() bool {
	if c == nil || c.PersistSubEvents == nil {
		return true
	}
	return *c.PersistSubEvents
}

func (c *TracingConfig) EmitCanonicalLogLineEnabled() bool {
	if c == nil || c.EmitCanonicalLogLine == nil {
		return true
	}
	return *c.EmitCanonicalLogLine
}

func (c *TracingConfig) EffectiveSensitiveKeys() []string {
	if c != nil && len(c.SensitiveKeys) > 0 {
		return c.SensitiveKeys
	}
	return DefaultSensitiveKeys()
}

func (c *TracingConfig) EffectiveFeatureSliceKeys() []string {
	if c != nil && len(c.FeatureSliceKeys) > 0 {
		return c.FeatureSliceKeys
	}
	return []string{"feature_flag", "experiment", "release_channel", "plan"}
}

func (c *TracingConfig) EffectiveIgnorePaths() []string {
	if c != nil && len(c.IgnorePaths) > 0 {
		return c.IgnorePaths
	}
	return []string{"/up", "/health", "/assets"}
}

func DefaultSensitiveKeys() []string {
	return []string{
		"password", "password_confirmation", "secret", "token", "access_token",
		"refresh_token", "authorization", "cookie", "session", "csrf",
		"authenticity_token", "api_key", "private_key", "encrypted",
		"encrypted_password", "credit_card", "card_number", "cvv", "ssn", "otp",
	}
}
