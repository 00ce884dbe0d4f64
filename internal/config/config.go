// Package config loads prism configuration from environment variables.
// Every option has a default; the core consumes the parsed Config value and
// never touches the environment itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Protocol  ProtocolConfig
	Heartbeat HeartbeatConfig
	DNS       DNSConfig
	Email     EmailConfig
	SMTP      SMTPConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Database  DatabaseConfig
	HTTP      HTTPConfig
	Redis     RedisConfig
}

// ServerConfig holds TCP server configuration
type ServerConfig struct {
	Host                    string
	TCPPort                 int
	MaxConnections          int
	ConnectionTimeout       time.Duration
	GracefulShutdownTimeout time.Duration
	AuthToken               string // empty disables token checks
}

// ProtocolConfig holds wire protocol limits
type ProtocolConfig struct {
	MaxMessageSize int
	MaxBufferSize  int
}

// HeartbeatConfig holds agent emission and liveness settings
type HeartbeatConfig struct {
	Interval        time.Duration
	LivenessTimeout time.Duration
}

// DNSConfig holds DNS propagation settings
type DNSConfig struct {
	Enabled          bool
	Provider         string // rfc2136 | cloudflare
	DefaultZone      string
	DefaultTTL       time.Duration
	RetractionPolicy string // keep | remove
	RequestTimeout   time.Duration

	// rfc2136
	Server  string
	KeyName string
	Key     string
	KeyAlg  string

	// cloudflare
	APIToken string
}

// EmailConfig selects and configures the outbound email provider
type EmailConfig struct {
	Provider  string // console | smtp | ses
	FromEmail string
	FromName  string

	// AdminEmail receives operator alerts; empty disables them.
	AdminEmail string

	// ses
	AWSRegion string
}

// SMTPConfig holds outbound SMTP transport configuration
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool // STARTTLS
	UseSSL   bool // implicit TLS
	Pool     PoolConfig
}

// PoolConfig holds SMTP connection pool settings
type PoolConfig struct {
	MaxSize        int
	MaxIdleTime    time.Duration
	AcquireTimeout time.Duration
}

// RetryConfig holds retry policy settings
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
}

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration.
// An empty Host selects the in-memory host store.
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// HTTPConfig holds the read-only HTTP front-end configuration
type HTTPConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// RedisConfig holds the optional suppression-cache configuration.
// An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load reads configuration from environment variables
func Load() *Config {
	heartbeat := getDurationEnv("HEARTBEAT_INTERVAL", 60*time.Second)
	return &Config{
		Server: ServerConfig{
			Host:                    getEnv("SERVER_HOST", "0.0.0.0"),
			TCPPort:                 getIntEnv("SERVER_TCP_PORT", 8080),
			MaxConnections:          getIntEnv("SERVER_MAX_CONNECTIONS", 1000),
			ConnectionTimeout:       getDurationEnv("SERVER_CONNECTION_TIMEOUT", 30*time.Second),
			GracefulShutdownTimeout: getDurationEnv("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT", 10*time.Second),
			AuthToken:               getEnv("SERVER_AUTH_TOKEN", ""),
		},
		Protocol: ProtocolConfig{
			MaxMessageSize: getIntEnv("PROTOCOL_MAX_MESSAGE_SIZE", 65536),
			MaxBufferSize:  getIntEnv("PROTOCOL_MAX_BUFFER_SIZE", 1048576),
		},
		Heartbeat: HeartbeatConfig{
			Interval:        heartbeat,
			LivenessTimeout: getDurationEnv("HEARTBEAT_LIVENESS_TIMEOUT", defaultLivenessTimeout(heartbeat)),
		},
		DNS: DNSConfig{
			Enabled:          getBoolEnv("DNS_ENABLED", false),
			Provider:         getEnv("DNS_PROVIDER", "rfc2136"),
			DefaultZone:      getEnv("DNS_DEFAULT_ZONE", ""),
			DefaultTTL:       getDurationEnv("DNS_DEFAULT_TTL", 60*time.Second),
			RetractionPolicy: getEnv("DNS_RETRACTION_POLICY", "keep"),
			RequestTimeout:   getDurationEnv("DNS_REQUEST_TIMEOUT", 10*time.Second),
			Server:           getEnv("DNS_SERVER", ""),
			KeyName:          getEnv("DNS_TSIG_KEY_NAME", ""),
			Key:              getEnv("DNS_TSIG_KEY", ""),
			KeyAlg:           getEnv("DNS_TSIG_KEY_ALG", "hmac-sha256"),
			APIToken:         getEnv("DNS_API_TOKEN", ""),
		},
		Email: EmailConfig{
			Provider:   getEnv("EMAIL_PROVIDER", "console"),
			FromEmail:  getEnv("EMAIL_FROM_EMAIL", ""),
			FromName:   getEnv("EMAIL_FROM_NAME", "Prism"),
			AdminEmail: getEnv("EMAIL_ADMIN_EMAIL", ""),
			AWSRegion:  getEnv("AWS_REGION", "us-east-1"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getIntEnv("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			UseTLS:   getBoolEnv("SMTP_USE_TLS", true),
			UseSSL:   getBoolEnv("SMTP_USE_SSL", false),
			Pool: PoolConfig{
				MaxSize:        getIntEnv("SMTP_POOL_MAX_SIZE", 5),
				MaxIdleTime:    getDurationEnv("SMTP_POOL_MAX_IDLE_TIME", 300*time.Second),
				AcquireTimeout: getDurationEnv("SMTP_POOL_ACQUIRE_TIMEOUT", 30*time.Second),
			},
		},
		Retry: RetryConfig{
			MaxAttempts:  getIntEnv("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getDurationEnv("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:     getDurationEnv("RETRY_MAX_DELAY", 60*time.Second),
			Jitter:       getBoolEnv("RETRY_JITTER", true),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getDurationEnv("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "prism"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		HTTP: HTTPConfig{
			Enabled: getBoolEnv("HTTP_ENABLED", true),
			Host:    getEnv("HTTP_HOST", "0.0.0.0"),
			Port:    getIntEnv("HTTP_PORT", 8081),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
	}
}

// Validate checks cross-field constraints that Load cannot default away.
func (c *Config) Validate() error {
	if c.DNS.Enabled && c.DNS.DefaultZone == "" {
		return fmt.Errorf("DNS_DEFAULT_ZONE is required when DNS_ENABLED is true")
	}
	switch c.DNS.RetractionPolicy {
	case "keep", "remove":
	default:
		return fmt.Errorf("invalid DNS_RETRACTION_POLICY %q (want keep or remove)", c.DNS.RetractionPolicy)
	}
	switch c.Email.Provider {
	case "console", "smtp", "ses":
	default:
		return fmt.Errorf("invalid EMAIL_PROVIDER %q (want console, smtp or ses)", c.Email.Provider)
	}
	if c.Email.Provider != "console" && c.Email.FromEmail == "" {
		return fmt.Errorf("EMAIL_FROM_EMAIL is required for provider %q", c.Email.Provider)
	}
	if c.Email.Provider == "smtp" && c.SMTP.Host == "" {
		return fmt.Errorf("SMTP_HOST is required for the smtp email provider")
	}
	return nil
}

// defaultLivenessTimeout tolerates one missed heartbeat plus network jitter.
func defaultLivenessTimeout(interval time.Duration) time.Duration {
	t := time.Duration(float64(interval) * 2.5)
	if t < 90*time.Second {
		t = 90 * time.Second
	}
	return t
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getDurationEnv returns a duration from environment variable or default.
// Plain integers are interpreted as seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
