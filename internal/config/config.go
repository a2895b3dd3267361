package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Auth          AuthConfig      `yaml:"auth"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Storage       StorageConfig   `yaml:"storage"`
	Coordination  CoordConfig     `yaml:"coordination"`
	Docker        DockerConfig    `yaml:"docker"`
	Proxy         ProxyConfig     `yaml:"proxy"`
	Lifecycle     LifecycleConfig `yaml:"lifecycle"`
	Observability ObsConfig       `yaml:"observability"`
}

type ServerConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	Version             string `yaml:"version"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int    `yaml:"idle_timeout_seconds"`
	HealthPublic        bool   `yaml:"health_public"`
	TLSCertFile         string `yaml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file"`
}

type AuthConfig struct {
	Mode            string `yaml:"mode"`
	BearerToken     string `yaml:"bearer_token"`
	AdminToken      string `yaml:"admin_token"`
	HMACSecret      string `yaml:"hmac_secret"`
	HMACSkewSeconds int    `yaml:"hmac_skew_seconds"`
	NonceTTLSeconds int    `yaml:"nonce_ttl_seconds"`
}

type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
	PerIPRPS    float64 `yaml:"per_ip_rps"`
	PerIPBurst  int     `yaml:"per_ip_burst"`
}

type StorageConfig struct {
	DatabaseFile string `yaml:"database_file"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type CoordConfig struct {
	// Backend is "sqlite" (shared through the database file) or "memory"
	// (single process only).
	Backend string `yaml:"backend"`
}

type DockerConfig struct {
	Network           string  `yaml:"network"`
	ContainerPrefix   string  `yaml:"container_prefix"`
	DefaultMemory     string  `yaml:"default_memory"`
	DefaultCPUCores   float64 `yaml:"default_cpu_cores"`
	PidsLimit         int64   `yaml:"pids_limit"`
	StopTimeoutSecond int     `yaml:"stop_timeout_seconds"`
	PublishHostIP     string  `yaml:"publish_host_ip"`
	PullMissingImages bool    `yaml:"pull_missing_images"`
}

type ProxyConfig struct {
	Mode              string `yaml:"mode"`
	FRPAdminURL       string `yaml:"frp_admin_url"`
	FRPAdminUser      string `yaml:"frp_admin_user"`
	FRPAdminPassword  string `yaml:"frp_admin_password"`
	FRPConfigTemplate string `yaml:"frp_config_template"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

type LifecycleConfig struct {
	LockTTLSeconds          int    `yaml:"lock_ttl_seconds"`
	OperationTimeoutSeconds int    `yaml:"operation_timeout_seconds"`
	ReplacePolicy           string `yaml:"replace_policy"`
	ExpiryMode              string `yaml:"expiry_mode"`
	SweepIntervalSeconds    int    `yaml:"sweep_interval_seconds"`
	ReconcileIntervalSecond int    `yaml:"reconcile_interval_seconds"`
	HistoryRetentionHours   int    `yaml:"history_retention_hours"`
	FlagSecret              string `yaml:"flag_secret"`
}

type ObsConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPath string `yaml:"metrics_path"`
}

const (
	ReplacePolicyReplace = "replace"
	ReplacePolicyReject  = "reject"

	ExpiryModeSweep = "sweep"
	ExpiryModeLazy  = "lazy"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:          ":9100",
			Version:             "dev",
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 120,
			IdleTimeoutSeconds:  60,
			HealthPublic:        true,
		},
		Auth: AuthConfig{
			Mode:            "bearer",
			HMACSkewSeconds: 300,
			NonceTTLSeconds: 360,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			GlobalRPS:   100,
			GlobalBurst: 200,
			PerIPRPS:    50,
			PerIPBurst:  100,
		},
		Storage: StorageConfig{
			DatabaseFile: "/var/lib/instancer/instancer.db",
			MaxOpenConns: 10,
		},
		Coordination: CoordConfig{Backend: "sqlite"},
		Docker: DockerConfig{
			Network:           "instancer_challenges",
			ContainerPrefix:   "chall",
			DefaultMemory:     "128m",
			DefaultCPUCores:   0.5,
			PidsLimit:         256,
			StopTimeoutSecond: 5,
			PublishHostIP:     "0.0.0.0",
			PullMissingImages: true,
		},
		Proxy: ProxyConfig{
			Mode:           "mock",
			FRPAdminURL:    "http://frpc:7400",
			TimeoutSeconds: 10,
			FRPConfigTemplate: "[common]\n" +
				"server_addr = frps\n" +
				"server_port = 7000\n" +
				"admin_addr = 0.0.0.0\n" +
				"admin_port = 7400\n",
		},
		Lifecycle: LifecycleConfig{
			LockTTLSeconds:          60,
			OperationTimeoutSeconds: 45,
			ReplacePolicy:           ReplacePolicyReplace,
			ExpiryMode:              ExpiryModeSweep,
			SweepIntervalSeconds:    30,
			ReconcileIntervalSecond: 300,
			HistoryRetentionHours:   72,
		},
		Observability: ObsConfig{LogLevel: "info", MetricsPath: "/metrics"},
	}
}

func Load() (Config, error) {
	cfg := Default()

	configFile := os.Getenv("INSTANCER_CONFIG_FILE")
	if configFile != "" {
		if err := loadYAML(&cfg, configFile); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c LifecycleConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c LifecycleConfig) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

func (c LifecycleConfig) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionHours) * time.Hour
}

func loadYAML(cfg *Config, file string) error {
	b, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.ListenAddr, "INSTANCER_LISTEN_ADDR")
	setString(&cfg.Server.Version, "INSTANCER_VERSION")
	setInt(&cfg.Server.ReadTimeoutSeconds, "INSTANCER_READ_TIMEOUT_SECONDS")
	setInt(&cfg.Server.WriteTimeoutSeconds, "INSTANCER_WRITE_TIMEOUT_SECONDS")
	setInt(&cfg.Server.IdleTimeoutSeconds, "INSTANCER_IDLE_TIMEOUT_SECONDS")
	setBool(&cfg.Server.HealthPublic, "INSTANCER_HEALTH_PUBLIC")
	setString(&cfg.Server.TLSCertFile, "INSTANCER_TLS_CERT_FILE")
	setString(&cfg.Server.TLSKeyFile, "INSTANCER_TLS_KEY_FILE")

	setString(&cfg.Auth.Mode, "INSTANCER_AUTH_MODE")
	setString(&cfg.Auth.BearerToken, "INSTANCER_TOKEN")
	setString(&cfg.Auth.AdminToken, "INSTANCER_ADMIN_TOKEN")
	setString(&cfg.Auth.HMACSecret, "INSTANCER_HMAC_SECRET")
	setInt(&cfg.Auth.HMACSkewSeconds, "INSTANCER_HMAC_SKEW_SECONDS")
	setInt(&cfg.Auth.NonceTTLSeconds, "INSTANCER_NONCE_TTL_SECONDS")

	setBool(&cfg.RateLimit.Enabled, "INSTANCER_RATE_LIMIT_ENABLED")
	setFloat64(&cfg.RateLimit.GlobalRPS, "INSTANCER_RATE_LIMIT_GLOBAL_RPS")
	setInt(&cfg.RateLimit.GlobalBurst, "INSTANCER_RATE_LIMIT_GLOBAL_BURST")
	setFloat64(&cfg.RateLimit.PerIPRPS, "INSTANCER_RATE_LIMIT_PER_IP_RPS")
	setInt(&cfg.RateLimit.PerIPBurst, "INSTANCER_RATE_LIMIT_PER_IP_BURST")

	setString(&cfg.Storage.DatabaseFile, "INSTANCER_DATABASE_FILE")
	setInt(&cfg.Storage.MaxOpenConns, "INSTANCER_DB_MAX_OPEN_CONNS")
	setString(&cfg.Coordination.Backend, "INSTANCER_COORDINATION_BACKEND")

	setString(&cfg.Docker.Network, "INSTANCER_DOCKER_NETWORK")
	setString(&cfg.Docker.ContainerPrefix, "INSTANCER_CONTAINER_PREFIX")
	setString(&cfg.Docker.DefaultMemory, "INSTANCER_CONTAINER_MEMORY")
	setFloat64(&cfg.Docker.DefaultCPUCores, "INSTANCER_CONTAINER_CPU_CORES")
	setInt64(&cfg.Docker.PidsLimit, "INSTANCER_CONTAINER_PIDS_LIMIT")
	setInt(&cfg.Docker.StopTimeoutSecond, "INSTANCER_CONTAINER_STOP_TIMEOUT_SECONDS")
	setString(&cfg.Docker.PublishHostIP, "INSTANCER_PUBLISH_HOST_IP")
	setBool(&cfg.Docker.PullMissingImages, "INSTANCER_PULL_MISSING_IMAGES")

	setString(&cfg.Proxy.Mode, "INSTANCER_PROXY_MODE")
	setString(&cfg.Proxy.FRPAdminURL, "INSTANCER_FRP_ADMIN_URL")
	setString(&cfg.Proxy.FRPAdminUser, "INSTANCER_FRP_ADMIN_USER")
	setString(&cfg.Proxy.FRPAdminPassword, "INSTANCER_FRP_ADMIN_PASSWORD")
	setString(&cfg.Proxy.FRPConfigTemplate, "INSTANCER_FRP_CONFIG_TEMPLATE")
	setInt(&cfg.Proxy.TimeoutSeconds, "INSTANCER_PROXY_TIMEOUT_SECONDS")

	setInt(&cfg.Lifecycle.LockTTLSeconds, "INSTANCER_LOCK_TTL_SECONDS")
	setInt(&cfg.Lifecycle.OperationTimeoutSeconds, "INSTANCER_OPERATION_TIMEOUT_SECONDS")
	setString(&cfg.Lifecycle.ReplacePolicy, "INSTANCER_REPLACE_POLICY")
	setString(&cfg.Lifecycle.ExpiryMode, "INSTANCER_EXPIRY_MODE")
	setInt(&cfg.Lifecycle.SweepIntervalSeconds, "INSTANCER_SWEEP_INTERVAL_SECONDS")
	setInt(&cfg.Lifecycle.ReconcileIntervalSecond, "INSTANCER_RECONCILE_INTERVAL_SECONDS")
	setInt(&cfg.Lifecycle.HistoryRetentionHours, "INSTANCER_HISTORY_RETENTION_HOURS")
	setString(&cfg.Lifecycle.FlagSecret, "FLAG_SECRET")

	setString(&cfg.Observability.LogLevel, "INSTANCER_LOG_LEVEL")
	setString(&cfg.Observability.MetricsPath, "INSTANCER_METRICS_PATH")
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Storage.DatabaseFile == "" {
		return errors.New("database file is required")
	}
	switch strings.ToLower(cfg.Coordination.Backend) {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid coordination backend: %s", cfg.Coordination.Backend)
	}
	switch strings.ToLower(cfg.Proxy.Mode) {
	case "mock":
	case "frp":
		if cfg.Proxy.FRPAdminURL == "" {
			return errors.New("frp admin url is required in frp mode")
		}
	default:
		return fmt.Errorf("invalid proxy mode: %s", cfg.Proxy.Mode)
	}
	if cfg.Lifecycle.LockTTLSeconds <= 0 || cfg.Lifecycle.OperationTimeoutSeconds <= 0 {
		return errors.New("lock ttl and operation timeout must be > 0")
	}
	// The lock must outlive the slowest create or destroy round trip.
	if cfg.Lifecycle.LockTTLSeconds <= cfg.Lifecycle.OperationTimeoutSeconds {
		return errors.New("lock ttl must exceed operation timeout")
	}
	switch cfg.Lifecycle.ReplacePolicy {
	case ReplacePolicyReplace, ReplacePolicyReject:
	default:
		return fmt.Errorf("invalid replace policy: %s", cfg.Lifecycle.ReplacePolicy)
	}
	switch cfg.Lifecycle.ExpiryMode {
	case ExpiryModeSweep:
		if cfg.Lifecycle.SweepIntervalSeconds <= 0 {
			return errors.New("sweep interval must be > 0 in sweep mode")
		}
	case ExpiryModeLazy:
	default:
		return fmt.Errorf("invalid expiry mode: %s", cfg.Lifecycle.ExpiryMode)
	}

	mode := strings.ToLower(cfg.Auth.Mode)
	switch mode {
	case "bearer", "hmac", "either":
	default:
		return fmt.Errorf("invalid auth mode: %s", cfg.Auth.Mode)
	}
	if mode == "bearer" && cfg.Auth.BearerToken == "" {
		return errors.New("INSTANCER_TOKEN is required in bearer mode")
	}
	if mode == "hmac" && cfg.Auth.HMACSecret == "" {
		return errors.New("INSTANCER_HMAC_SECRET is required in hmac mode")
	}
	if mode == "either" && cfg.Auth.BearerToken == "" && cfg.Auth.HMACSecret == "" {
		return errors.New("either mode requires at least one auth secret (token or hmac)")
	}
	if cfg.Auth.HMACSkewSeconds <= 0 {
		return errors.New("hmac skew must be > 0")
	}
	if cfg.Auth.NonceTTLSeconds < cfg.Auth.HMACSkewSeconds+60 {
		return errors.New("nonce ttl must be >= hmac skew + 60 seconds")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.GlobalRPS <= 0 || cfg.RateLimit.GlobalBurst <= 0 {
			return errors.New("global rate limit values must be > 0")
		}
		if cfg.RateLimit.PerIPRPS <= 0 || cfg.RateLimit.PerIPBurst <= 0 {
			return errors.New("per-ip rate limit values must be > 0")
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseBool(v); err == nil {
			*dst = p
		}
	}
}
func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			*dst = p
		}
	}
}
func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = p
		}
	}
}
func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if p, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = p
		}
	}
}
