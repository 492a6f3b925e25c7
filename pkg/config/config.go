// Package config loads process configuration from the environment, with
// an optional YAML overlay file for deployments that prefer files over
// env vars. A .env file in the working directory is honored at startup.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the scanner daemon.
type Config struct {
	// HTTP server
	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`

	// Database
	DatabaseURL       string        `yaml:"database_url"`
	DBHost            string        `yaml:"db_host"`
	DBPort            int           `yaml:"db_port"`
	DBName            string        `yaml:"db_name"`
	DBUser            string        `yaml:"db_user"`
	DBPassword        string        `yaml:"db_password"`
	DBMaxConnections  int           `yaml:"db_max_connections"`
	DBMinConnections  int           `yaml:"db_min_connections"`
	DBQueryTimeout    time.Duration `yaml:"db_query_timeout"`
	DBConnectTimeout  time.Duration `yaml:"db_connect_timeout"`
	DBHealthInterval  time.Duration `yaml:"db_health_interval"`

	// Queue backend
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`

	// Object store
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// Queue behaviour
	QueueMaxAttempts  int           `yaml:"queue_max_attempts"`
	QueueJobTimeout   time.Duration `yaml:"queue_job_timeout"`
	QueueRetryDelay   time.Duration `yaml:"queue_retry_delay"`
	QueueOpTimeout    time.Duration `yaml:"queue_op_timeout"`
	StalledInterval   time.Duration `yaml:"stalled_interval"`
	MaxStalledCount   int           `yaml:"max_stalled_count"`
	RenderConcurrency int           `yaml:"render_concurrency"`
	AnalyzeConcurrency int          `yaml:"analyze_concurrency"`

	// Scan limits
	ScanURLCooldown    time.Duration `yaml:"scan_url_cooldown"`
	MaxExternalScripts int           `yaml:"max_external_scripts"`
	MaxCrawlPages      int           `yaml:"max_crawl_pages"`
	ScriptFetchTimeout time.Duration `yaml:"script_fetch_timeout"`
	AllowPrivateHosts  []string      `yaml:"allow_private_hosts"`

	// Vulnerability feed
	OSVAPIURL        string        `yaml:"osv_api_url"`
	OSVTimeout       time.Duration `yaml:"osv_timeout"`
	VulnCacheTTL     time.Duration `yaml:"vuln_cache_ttl"`
	VulnNegativeTTL  time.Duration `yaml:"vuln_negative_cache_ttl"`

	// LLM collaborator
	LLMEndpoint string        `yaml:"llm_endpoint"`
	LLMTimeout  time.Duration `yaml:"llm_timeout"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the baked-in defaults before env/file overrides.
func Default() Config {
	return Config{
		Port:               3000,
		CORSOrigin:         "*",
		RateLimitWindow:    time.Minute,
		RateLimitMax:       120,
		MaxRequestBytes:    10 << 20,
		DBHost:             "localhost",
		DBPort:             5432,
		DBName:             "surfscan",
		DBUser:             "surfscan",
		DBMaxConnections:   30,
		DBMinConnections:   2,
		DBQueryTimeout:     30 * time.Second,
		DBConnectTimeout:   10 * time.Second,
		DBHealthInterval:   30 * time.Second,
		RedisHost:          "localhost",
		RedisPort:          6379,
		MinioEndpoint:      "localhost:9000",
		MinioBucket:        "surfscan-artifacts",
		QueueMaxAttempts:   5,
		QueueJobTimeout:    600 * time.Second,
		QueueRetryDelay:    2 * time.Second,
		QueueOpTimeout:     5 * time.Second,
		StalledInterval:    30 * time.Second,
		MaxStalledCount:    2,
		RenderConcurrency:  1,
		AnalyzeConcurrency: 3,
		ScanURLCooldown:    30 * time.Second,
		MaxExternalScripts: 30,
		MaxCrawlPages:      100,
		ScriptFetchTimeout: 15 * time.Second,
		OSVAPIURL:          "https://api.osv.dev/v1/query",
		OSVTimeout:         20 * time.Second,
		VulnCacheTTL:       86400 * time.Second,
		VulnNegativeTTL:    time.Hour,
		LLMTimeout:         60 * time.Second,
		LogLevel:           "info",
	}
}

// Load starts from Default, applies an optional YAML overlay named by
// SURFSCAN_CONFIG, then environment variables, in increasing precedence.
// Entries from .env (if present) are loaded into the environment first
// without overriding variables already set, so they rank with the
// environment above the YAML overlay.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("SURFSCAN_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getInt("PORT", c.Port)
	c.CORSOrigin = getString("CORS_ORIGIN", c.CORSOrigin)
	c.RateLimitWindow = getMillis("RATE_LIMIT_WINDOW_MS", c.RateLimitWindow)
	c.RateLimitMax = getInt("RATE_LIMIT_MAX", c.RateLimitMax)
	c.MaxRequestBytes = getSize("MAX_REQUEST_SIZE", c.MaxRequestBytes)

	c.DatabaseURL = getString("DATABASE_URL", c.DatabaseURL)
	c.DBHost = getString("DB_HOST", c.DBHost)
	c.DBPort = getInt("DB_PORT", c.DBPort)
	c.DBName = getString("DB_NAME", c.DBName)
	c.DBUser = getString("DB_USER", c.DBUser)
	c.DBPassword = getString("DB_PASSWORD", c.DBPassword)
	c.DBMaxConnections = getInt("DB_MAX_CONNECTIONS", c.DBMaxConnections)
	c.DBMinConnections = getInt("DB_MIN_CONNECTIONS", c.DBMinConnections)
	c.DBQueryTimeout = getMillis("DB_QUERY_TIMEOUT", c.DBQueryTimeout)
	c.DBConnectTimeout = getMillis("DB_CONNECT_TIMEOUT", c.DBConnectTimeout)

	c.RedisHost = getString("REDIS_HOST", c.RedisHost)
	c.RedisPort = getInt("REDIS_PORT", c.RedisPort)
	c.RedisPassword = getString("REDIS_PASSWORD", c.RedisPassword)

	c.MinioEndpoint = getString("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getString("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getString("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getString("MINIO_BUCKET", c.MinioBucket)
	c.MinioUseSSL = getBool("MINIO_USE_SSL", c.MinioUseSSL)

	c.QueueMaxAttempts = getInt("QUEUE_MAX_ATTEMPTS", c.QueueMaxAttempts)
	c.QueueJobTimeout = getMillis("QUEUE_JOB_TIMEOUT", c.QueueJobTimeout)
	c.QueueRetryDelay = getMillis("QUEUE_RETRY_DELAY", c.QueueRetryDelay)
	c.RenderConcurrency = getInt("RENDER_CONCURRENCY", c.RenderConcurrency)
	c.AnalyzeConcurrency = getInt("ANALYZE_CONCURRENCY", c.AnalyzeConcurrency)

	c.ScanURLCooldown = getSeconds("SCAN_URL_COOLDOWN_SECONDS", c.ScanURLCooldown)
	c.MaxExternalScripts = getInt("RENDERER_MAX_EXTERNAL_SCRIPTS", c.MaxExternalScripts)
	c.MaxCrawlPages = getInt("RENDERER_MAX_PAGES", c.MaxCrawlPages)
	if hosts := os.Getenv("RENDERER_ALLOW_PRIVATE_HOSTS"); hosts != "" {
		c.AllowPrivateHosts = strings.Split(hosts, ",")
	}

	c.OSVAPIURL = getString("OSV_API_URL", c.OSVAPIURL)
	c.OSVTimeout = getMillis("OSV_TIMEOUT", c.OSVTimeout)
	c.VulnCacheTTL = getSeconds("VULN_CACHE_TTL", c.VulnCacheTTL)
	c.VulnNegativeTTL = getSeconds("VULN_NEGATIVE_CACHE_TTL", c.VulnNegativeTTL)

	c.LLMEndpoint = getString("LLM_ENDPOINT", c.LLMEndpoint)
	c.LLMTimeout = getMillis("LLM_TIMEOUT", c.LLMTimeout)

	c.LogLevel = getString("LOG_LEVEL", c.LogLevel)
}

// Validate checks invariants that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.QueueMaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be >= 1, got %d", c.QueueMaxAttempts)
	}
	if c.MaxCrawlPages > 100 {
		c.MaxCrawlPages = 100
	}
	if c.OSVAPIURL != "" {
		if _, err := url.Parse(c.OSVAPIURL); err != nil {
			return fmt.Errorf("invalid OSV_API_URL: %w", err)
		}
	}
	if c.DatabaseURL == "" && c.DBHost == "" {
		return fmt.Errorf("either DATABASE_URL or DB_HOST is required")
	}
	return nil
}

// PostgresURL returns DATABASE_URL when set, otherwise a URL assembled
// from the discrete DB_* settings.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	q := u.Query()
	q.Set("pool_max_conns", strconv.Itoa(c.DBMaxConnections))
	q.Set("pool_min_conns", strconv.Itoa(c.DBMinConnections))
	u.RawQuery = q.Encode()
	return u.String()
}

// RedisAddr returns the host:port address of the queue backend.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func getSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// getSize parses values like "10mb", "512kb" or raw byte counts.
func getSize(key string, def int64) int64 {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(v, "mb"):
		mult = 1 << 20
		v = strings.TrimSuffix(v, "mb")
	case strings.HasSuffix(v, "kb"):
		mult = 1 << 10
		v = strings.TrimSuffix(v, "kb")
	case strings.HasSuffix(v, "b"):
		v = strings.TrimSuffix(v, "b")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n * mult
}
