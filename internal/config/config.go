package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/reelforge/jobwatch/internal/watch"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Backend   BackendConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Persist   PersistConfig
	Metrics   MetricsConfig
	Kinds     []KindConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

// BackendConfig points at the service that runs the jobs.
type BackendConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// PersistConfig controls deferred retries of failed persistence calls.
type PersistConfig struct {
	RetryEnabled bool
	MaxRetry     int
	Timeout      time.Duration
}

type MetricsConfig struct {
	Enabled bool
}

// KindConfig is the per-kind block under kinds.<name>.
type KindConfig struct {
	Name                string
	PollInterval        time.Duration
	Timeout             time.Duration
	SubmitPath          string
	StatusPath          string
	PersistPath         string
	Format              string
	Shape               string
	ProgressScale       float64
	TransportPolicy     string
	MaxTransportRetries int
	Mirror              bool
	Statuses            map[string]string
}

// Response shapes understood by the status decoder.
const (
	ShapeRender = "render"
	ShapeQueue  = "queue"
)

var kindNames = []string{"render", "generation", "download"}

// Load reads config.yaml from . or ./config when present, then the
// environment. Docker Swarm secrets are read from _FILE env vars first.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	return load(v, false)
}

// LoadFile is Load with an explicit YAML file that must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v, true)
}

func load(v *viper.Viper, requireFile bool) (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("BACKEND_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = v.BindEnv("backend.base_url", "BACKEND_BASE_URL")
	_ = v.BindEnv("backend.api_key", "BACKEND_API_KEY")
	_ = v.BindEnv("backend.timeout", "BACKEND_TIMEOUT")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("persist.retry_enabled", "PERSIST_RETRY_ENABLED")
	_ = v.BindEnv("persist.max_retry", "PERSIST_MAX_RETRY")
	_ = v.BindEnv("persist.timeout", "PERSIST_TIMEOUT")
	_ = v.BindEnv("metrics.enabled", "METRICS_ENABLED")
	for _, name := range kindNames {
		env := strings.ToUpper(name)
		_ = v.BindEnv("kinds."+name+".poll_interval", env+"_POLL_INTERVAL")
		_ = v.BindEnv("kinds."+name+".timeout", env+"_TIMEOUT")
		_ = v.BindEnv("kinds."+name+".transport_policy", env+"_TRANSPORT_POLICY")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if requireFile {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// config file is optional
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "console")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.submit_per_hour", 30)
	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", "30s")
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("persist.retry_enabled", true)
	v.SetDefault("persist.max_retry", 5)
	v.SetDefault("persist.timeout", "30s")
	v.SetDefault("metrics.enabled", true)

	// Render backends answer {done, success, progress, url, error}
	v.SetDefault("kinds.render.poll_interval", "2s")
	v.SetDefault("kinds.render.timeout", "5m")
	v.SetDefault("kinds.render.submit_path", "/api/render")
	v.SetDefault("kinds.render.status_path", "/api/render/{jobId}")
	v.SetDefault("kinds.render.persist_path", "/api/videos")
	v.SetDefault("kinds.render.format", "mp4")
	v.SetDefault("kinds.render.shape", ShapeRender)
	v.SetDefault("kinds.render.progress_scale", 1)
	v.SetDefault("kinds.render.transport_policy", string(watch.TransportAbort))
	v.SetDefault("kinds.render.max_transport_retries", 3)
	v.SetDefault("kinds.render.mirror", false)
	v.SetDefault("kinds.render.statuses", stringTable(watch.RenderStatuses()))

	v.SetDefault("kinds.generation.poll_interval", "5s")
	v.SetDefault("kinds.generation.timeout", "10m")
	v.SetDefault("kinds.generation.submit_path", "/api/avatar/generate")
	v.SetDefault("kinds.generation.status_path", "/api/avatar/status/{jobId}")
	v.SetDefault("kinds.generation.persist_path", "/api/videos")
	v.SetDefault("kinds.generation.format", "mp4")
	v.SetDefault("kinds.generation.shape", ShapeQueue)
	v.SetDefault("kinds.generation.progress_scale", 100)
	v.SetDefault("kinds.generation.transport_policy", string(watch.TransportAbort))
	v.SetDefault("kinds.generation.max_transport_retries", 3)
	v.SetDefault("kinds.generation.mirror", false)
	v.SetDefault("kinds.generation.statuses", stringTable(watch.GenerationStatuses()))

	v.SetDefault("kinds.download.poll_interval", "3s")
	v.SetDefault("kinds.download.timeout", "5m")
	v.SetDefault("kinds.download.submit_path", "/api/download")
	v.SetDefault("kinds.download.status_path", "/api/download/{jobId}")
	v.SetDefault("kinds.download.persist_path", "/api/media")
	v.SetDefault("kinds.download.format", "mp4")
	v.SetDefault("kinds.download.shape", ShapeQueue)
	v.SetDefault("kinds.download.progress_scale", 1)
	v.SetDefault("kinds.download.transport_policy", string(watch.TransportAbort))
	v.SetDefault("kinds.download.max_transport_retries", 3)
	v.SetDefault("kinds.download.mirror", true)
	v.SetDefault("kinds.download.statuses", stringTable(watch.DownloadStatuses()))
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			LogFormat: v.GetString("server.log_format"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: v.GetInt("ratelimit.submit_per_hour"),
		},
		Backend: BackendConfig{
			BaseURL: strings.TrimRight(v.GetString("backend.base_url"), "/"),
			APIKey:  v.GetString("backend.api_key"),
			Timeout: v.GetDuration("backend.timeout"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Persist: PersistConfig{
			RetryEnabled: v.GetBool("persist.retry_enabled"),
			MaxRetry:     v.GetInt("persist.max_retry"),
			Timeout:      v.GetDuration("persist.timeout"),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
		},
	}

	for _, name := range kindNames {
		prefix := "kinds." + name + "."
		cfg.Kinds = append(cfg.Kinds, KindConfig{
			Name:                name,
			PollInterval:        v.GetDuration(prefix + "poll_interval"),
			Timeout:             v.GetDuration(prefix + "timeout"),
			SubmitPath:          v.GetString(prefix + "submit_path"),
			StatusPath:          v.GetString(prefix + "status_path"),
			PersistPath:         v.GetString(prefix + "persist_path"),
			Format:              v.GetString(prefix + "format"),
			Shape:               v.GetString(prefix + "shape"),
			ProgressScale:       v.GetFloat64(prefix + "progress_scale"),
			TransportPolicy:     v.GetString(prefix + "transport_policy"),
			MaxTransportRetries: v.GetInt(prefix + "max_transport_retries"),
			Mirror:              v.GetBool(prefix + "mirror"),
			Statuses:            v.GetStringMapString(prefix + "statuses"),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every kind block and the backend address.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	for _, k := range c.Kinds {
		if k.Shape != ShapeRender && k.Shape != ShapeQueue {
			return fmt.Errorf("kinds.%s.shape: unknown shape %q", k.Name, k.Shape)
		}
		if k.SubmitPath == "" {
			return fmt.Errorf("kinds.%s.submit_path is required", k.Name)
		}
		wk, err := k.Watch()
		if err != nil {
			return err
		}
		if err := wk.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Watch converts the block into the orchestrator's kind configuration.
func (k KindConfig) Watch() (watch.KindConfig, error) {
	statuses := make(map[string]watch.State, len(k.Statuses))
	for raw, canonical := range k.Statuses {
		s, err := watch.ParseState(canonical)
		if err != nil {
			return watch.KindConfig{}, fmt.Errorf("kinds.%s.statuses.%s: %w", k.Name, raw, err)
		}
		statuses[raw] = s
	}

	var policy watch.TransportPolicy
	switch watch.TransportMode(k.TransportPolicy) {
	case "", watch.TransportAbort:
		policy = watch.AbortOnTransportError()
	case watch.TransportRetry:
		policy = watch.RetryWithBackoff(k.MaxTransportRetries, watch.BackoffConfig{Initial: k.PollInterval, Max: 8 * k.PollInterval})
	default:
		return watch.KindConfig{}, fmt.Errorf("kinds.%s.transport_policy: unknown policy %q", k.Name, k.TransportPolicy)
	}

	return watch.KindConfig{
		Kind:          watch.Kind(k.Name),
		PollInterval:  k.PollInterval,
		Timeout:       k.Timeout,
		Statuses:      statuses,
		ProgressScale: k.ProgressScale,
		Format:        k.Format,
		Transport:     policy,
	}, nil
}

// WatchKinds converts every kind block.
func (c *Config) WatchKinds() ([]watch.KindConfig, error) {
	out := make([]watch.KindConfig, 0, len(c.Kinds))
	for _, k := range c.Kinds {
		wk, err := k.Watch()
		if err != nil {
			return nil, err
		}
		out = append(out, wk)
	}
	return out, nil
}

// Kind returns the block for name.
func (c *Config) Kind(name string) (KindConfig, bool) {
	for _, k := range c.Kinds {
		if k.Name == name {
			return k, true
		}
	}
	return KindConfig{}, false
}

func stringTable(t map[string]watch.State) map[string]string {
	out := make(map[string]string, len(t))
	for raw, s := range t {
		out[raw] = string(s)
	}
	return out
}
