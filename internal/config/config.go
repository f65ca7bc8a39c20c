// Package config handles loading and validation of playlistgate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// PLAYLISTGATE_ prefix:
//
//	server.address → PLAYLISTGATE_SERVER_ADDRESS
//	backend.max_attempts → PLAYLISTGATE_BACKEND_MAX_ATTEMPTS
//
// The backend origin additionally honors the legacy variable names
// BACKEND_URL, NEXT_PUBLIC_BACKEND_URL and NEXT_PUBLIC_API_BASE_URL.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via PLAYLISTGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/playlistgate/config.yaml"

// LegacyBackendEnv lists the legacy environment variables consulted, in
// order, after backend.url when resolving the backend origin.
var LegacyBackendEnv = []string{
	"BACKEND_URL",
	"NEXT_PUBLIC_BACKEND_URL",
	"NEXT_PUBLIC_API_BASE_URL",
}

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// AdmissionBackend selects where fixed-window counters live.
type AdmissionBackend string

const (
	AdmissionBackendMemory AdmissionBackend = "memory"
	AdmissionBackendRedis  AdmissionBackend = "redis"
)

func (b AdmissionBackend) Valid() bool {
	switch b {
	case AdmissionBackendMemory, AdmissionBackendRedis:
		return true
	}
	return false
}

// FailurePolicy controls admission behavior when Redis is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough      FailurePolicy = "passthrough"
	FailurePolicyFailClosed       FailurePolicy = "failclosed"
	FailurePolicyInMemoryFallback FailurePolicy = "inmemoryfallback"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemoryFallback:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level playlistgate configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"      envPrefix:"SERVER_"`
	Admin       AdminConfig       `yaml:"admin"       envPrefix:"ADMIN_"`
	Backend     BackendConfig     `yaml:"backend"     envPrefix:"BACKEND_"`
	Admission   AdmissionConfig   `yaml:"admission"   envPrefix:"ADMISSION_"`
	Validation  ValidationConfig  `yaml:"validation"  envPrefix:"VALIDATION_"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" envPrefix:"DIAGNOSTICS_"`
	Share       ShareConfig       `yaml:"share"       envPrefix:"SHARE_"`
	Redis       RedisConfig       `yaml:"redis"       envPrefix:"REDIS_"`
	Events      EventsConfig      `yaml:"events"      envPrefix:"EVENTS_"`
	Logging     LoggingConfig     `yaml:"logging"     envPrefix:"LOGGING_"`
	Tracing     TracingConfig     `yaml:"tracing"     envPrefix:"TRACING_"`

	// legacyBackend holds the values of LegacyBackendEnv captured at load
	// time, in order.
	legacyBackend []string
}

// ServerConfig holds the main gateway server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled    bool       `yaml:"enabled"     env:"ENABLED"`
	CertFile   string     `yaml:"cert_file"   env:"CERT_FILE"`
	KeyFile    string     `yaml:"key_file"    env:"KEY_FILE"`
	MinVersion TLSVersion `yaml:"min_version" env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// BackendConfig defines the upstream playlist service and how calls to it
// are dispatched.
type BackendConfig struct {
	URL string `yaml:"url" env:"URL"`

	// AllowedHosts overrides the forwarding allowlist. When empty the
	// resolved backend host is the only permitted host.
	AllowedHosts []string `yaml:"allowed_hosts" env:"ALLOWED_HOSTS" envSeparator:","`

	MaxAttempts    int    `yaml:"max_attempts"    env:"MAX_ATTEMPTS"`
	AttemptTimeout string `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`

	// Backoff is the delay before attempt 2, 3, ... The last entry is
	// reused when attempts outnumber the schedule.
	Backoff []string `yaml:"backoff" env:"BACKOFF" envSeparator:","`

	MaxRequestBodySize int64           `yaml:"max_request_body_size" env:"MAX_REQUEST_BODY_SIZE"` // bytes; 0=unlimited
	MaxIdleConns       int             `yaml:"max_idle_conns"        env:"MAX_IDLE_CONNS"`
	IdleConnTimeout    string          `yaml:"idle_conn_timeout"     env:"IDLE_CONN_TIMEOUT"`
	Transport          TransportConfig `yaml:"transport"             envPrefix:"TRANSPORT_"`
}

// TransportConfig holds low-level HTTP transport tuning for upstream calls.
type TransportConfig struct {
	DialTimeout         string `yaml:"dial_timeout"          env:"DIAL_TIMEOUT"`
	DialKeepAlive       string `yaml:"dial_keep_alive"       env:"DIAL_KEEP_ALIVE"`
	TLSHandshakeTimeout string `yaml:"tls_handshake_timeout" env:"TLS_HANDSHAKE_TIMEOUT"`
}

// AdmissionConfig holds the per-endpoint fixed-window rate limits.
type AdmissionConfig struct {
	Backend       AdmissionBackend `yaml:"backend"        env:"BACKEND"`
	Window        string           `yaml:"window"         env:"WINDOW"`
	DefaultLimit  int64            `yaml:"default_limit"  env:"DEFAULT_LIMIT"`
	Limits        map[string]int64 `yaml:"limits"         env:"LIMITS" envSeparator:"," envKeyValSeparator:"="`
	FailurePolicy FailurePolicy    `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string           `yaml:"key_prefix"     env:"KEY_PREFIX"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are trusted. When empty, proxy headers are ignored
	// and clients are keyed by their connection address.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// LimitFor returns the configured limit for endpoint, falling back to
// DefaultLimit. 0 disables admission control for the endpoint.
func (a AdmissionConfig) LimitFor(endpoint string) int64 {
	if l, ok := a.Limits[endpoint]; ok {
		return l
	}
	return a.DefaultLimit
}

// ValidationConfig holds input validation feature flags.
type ValidationConfig struct {
	AllowSecondaryDomain bool `yaml:"allow_secondary_domain" env:"ALLOW_SECONDARY_DOMAIN"`
}

// DiagnosticsConfig controls whether error envelopes carry a structured
// dump of the underlying failure.
type DiagnosticsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

// ShareConfig holds the snapshot sharing settings.
type ShareConfig struct {
	Enabled          bool   `yaml:"enabled"            env:"ENABLED"`
	DefaultTTL       string `yaml:"default_ttl"        env:"DEFAULT_TTL"`
	MinTTL           string `yaml:"min_ttl"            env:"MIN_TTL"`
	MaxTTL           string `yaml:"max_ttl"            env:"MAX_TTL"`
	MaxSnapshotBytes int64  `yaml:"max_snapshot_bytes" env:"MAX_SNAPSHOT_BYTES"`
	CacheTTL         string `yaml:"cache_ttl"          env:"CACHE_TTL"`
}

// EventsConfig holds optional outcome event emission settings.
type EventsConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	MaxRetries    int    `yaml:"max_retries"    env:"MAX_RETRIES"`
	RetryBackoff  string `yaml:"retry_backoff"  env:"RETRY_BACKOFF"`

	// Headers are added to every webhook request, e.g. Authorization.
	Headers map[string]RedactedString `yaml:"headers" env:"HEADERS" envSeparator:"," envKeyValSeparator:"="`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "10m",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Backend: BackendConfig{
			MaxAttempts:        3,
			AttemptTimeout:     "120s",
			Backoff:            []string{"250ms", "500ms", "1s", "2s"},
			MaxRequestBodySize: 32 << 20, // rekordbox XML uploads
			MaxIdleConns:       100,
			IdleConnTimeout:    "90s",
			Transport: TransportConfig{
				DialTimeout:         "10s",
				DialKeepAlive:       "30s",
				TLSHandshakeTimeout: "10s",
			},
		},
		Admission: AdmissionConfig{
			Backend:      AdmissionBackendMemory,
			Window:       "60s",
			DefaultLimit: 30,
			Limits: map[string]int64{
				"playlist":                       30,
				"playlist-with-rekordbox":        10,
				"playlist_with_rekordbox":        10,
				"playlist-with-rekordbox-upload": 10,
				"match_snapshot_with_xml":        10,
				"match-snapshot-with-xml":        10,
				"share":                          10,
				"share_get":                      60,
			},
			FailurePolicy: FailurePolicyInMemoryFallback,
			KeyPrefix:     "playlistgate:admission:",
		},
		Share: ShareConfig{
			DefaultTTL:       "24h",
			MinTTL:           "60s",
			MaxTTL:           "168h",
			MaxSnapshotBytes: 1 << 20,
			CacheTTL:         "5m",
		},
		Events: EventsConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
			MaxRetries:    3,
			RetryBackoff:  "100ms",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "playlistgate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("PLAYLISTGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "PLAYLISTGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.legacyBackend = make([]string, 0, len(LegacyBackendEnv))
	for _, name := range LegacyBackendEnv {
		cfg.legacyBackend = append(cfg.legacyBackend, os.Getenv(name))
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields and allowlist hosts.
func (cfg *Config) normalize() {
	cfg.Admission.Backend = AdmissionBackend(strings.ToLower(string(cfg.Admission.Backend)))
	cfg.Admission.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.Admission.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))

	hosts := cfg.Backend.AllowedHosts[:0]
	for _, h := range cfg.Backend.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	cfg.Backend.AllowedHosts = hosts
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// BackendCandidates returns the backend origin candidates in priority order:
// backend.url first, then the legacy environment variables.
func (c *Config) BackendCandidates() []string {
	out := make([]string, 0, 1+len(c.legacyBackend))
	out = append(out, c.Backend.URL)
	out = append(out, c.legacyBackend...)
	return out
}

// SetLegacyBackend overrides the captured legacy backend values. Intended
// for tests that must not depend on the process environment.
func (c *Config) SetLegacyBackend(values ...string) {
	c.legacyBackend = append([]string(nil), values...)
}

// Validate checks that the configuration is internally consistent. A missing
// or unsafe backend origin is not a load error; the gateway
// reports it per request as a configuration fatal envelope.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateBackend(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateAdmission(cfg); err != nil {
		return err
	}
	if err := validateShare(cfg); err != nil {
		return err
	}
	if cfg.Admission.Backend == AdmissionBackendRedis || cfg.Share.Enabled {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"backend.attempt_timeout", cfg.Backend.AttemptTimeout},
		{"backend.idle_conn_timeout", cfg.Backend.IdleConnTimeout},
		{"backend.transport.dial_timeout", cfg.Backend.Transport.DialTimeout},
		{"backend.transport.dial_keep_alive", cfg.Backend.Transport.DialKeepAlive},
		{"backend.transport.tls_handshake_timeout", cfg.Backend.Transport.TLSHandshakeTimeout},
		{"admission.window", cfg.Admission.Window},
		{"share.default_ttl", cfg.Share.DefaultTTL},
		{"share.min_ttl", cfg.Share.MinTTL},
		{"share.max_ttl", cfg.Share.MaxTTL},
		{"share.cache_ttl", cfg.Share.CacheTTL},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"events.retry_backoff", cfg.Events.RetryBackoff},
	}
	for i, b := range cfg.Backend.Backoff {
		durations = append(durations, struct{ name, val string }{fmt.Sprintf("backend.backoff[%d]", i), b})
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateBackend(cfg *Config) error {
	if cfg.Backend.MaxAttempts < 1 {
		return fmt.Errorf("backend.max_attempts must be >= 1, got %d", cfg.Backend.MaxAttempts)
	}
	if cfg.Backend.MaxRequestBodySize < 0 {
		return fmt.Errorf("backend.max_request_body_size must be >= 0")
	}
	for i, b := range cfg.Backend.Backoff {
		if d, _ := time.ParseDuration(b); d <= 0 {
			return fmt.Errorf("backend.backoff[%d] must be positive, got %q", i, b)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateAdmission(cfg *Config) error {
	a := cfg.Admission
	if !a.Backend.Valid() {
		return fmt.Errorf("invalid admission.backend %q: must be memory or redis", a.Backend)
	}
	if fp := a.FailurePolicy; fp != "" && !fp.Valid() {
		return fmt.Errorf("invalid admission.failure_policy %q: must be passthrough, failclosed, or inmemoryfallback", fp)
	}
	if a.DefaultLimit < 0 {
		return fmt.Errorf("admission.default_limit must be >= 0")
	}
	for ep, l := range a.Limits {
		if l < 0 {
			return fmt.Errorf("admission.limits[%s] must be >= 0, got %d", ep, l)
		}
	}
	if w, _ := time.ParseDuration(a.Window); a.Window != "" && w < time.Second {
		return fmt.Errorf("admission.window must be at least 1s, got %q", a.Window)
	}
	for _, cidr := range a.TrustedProxies {
		if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
			return fmt.Errorf("invalid admission.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	return nil
}

func validateShare(cfg *Config) error {
	s := cfg.Share
	if !s.Enabled {
		return nil
	}
	if s.MaxSnapshotBytes <= 0 {
		return fmt.Errorf("share.max_snapshot_bytes must be > 0 when share is enabled")
	}
	minTTL := MustParseDuration(s.MinTTL, time.Minute)
	maxTTL := MustParseDuration(s.MaxTTL, 7*24*time.Hour)
	if minTTL > maxTTL {
		return fmt.Errorf("share.min_ttl %s exceeds share.max_ttl %s", minTTL, maxTTL)
	}
	return nil
}

func validateRedis(rc RedisConfig) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}
	if cfg.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must be >= 0, got %d", cfg.Events.MaxRetries)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// BackoffSchedule returns the parsed backend.backoff entries. Invalid
// entries are skipped; Validate rejects them at load time.
func (b BackendConfig) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(b.Backoff))
	for _, s := range b.Backoff {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			out = append(out, d)
		}
	}
	return out
}

// RequiresRestart compares this config to old and returns a list of field
// paths that changed and require a process restart. An empty slice means
// the new config can be hot-reloaded safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Admission.Backend != old.Admission.Backend {
		fields = append(fields, "admission.backend")
	}
	if c.Admission.Window != old.Admission.Window {
		fields = append(fields, "admission.window")
	}
	if c.Admission.FailurePolicy != old.Admission.FailurePolicy {
		fields = append(fields, "admission.failure_policy")
	}
	if !slices.Equal(c.Admission.TrustedProxies, old.Admission.TrustedProxies) {
		fields = append(fields, "admission.trusted_proxies")
	}
	if c.Backend.Transport != old.Backend.Transport || c.Backend.MaxIdleConns != old.Backend.MaxIdleConns ||
		c.Backend.IdleConnTimeout != old.Backend.IdleConnTimeout {
		fields = append(fields, "backend.transport")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if c.Share.Enabled != old.Share.Enabled {
		fields = append(fields, "share.enabled")
	}
	if c.Server.TLS.Enabled != old.Server.TLS.Enabled {
		fields = append(fields, "server.tls.enabled")
	}
	return fields
}
