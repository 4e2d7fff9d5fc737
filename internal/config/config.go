package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"otp-auth-service/internal/util"
)

type Config struct {
	Environment string
	StoreDriver string

	Server        ServerConfig
	Gateway       GatewayConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Clickhouse    ClickhouseConfig
	Elasticsearch ElasticsearchConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Bucketing     BucketingConfig
	Logging       LoggingConfig
	OTP           OTPConfig
	Token         TokenConfig
	Session       SessionConfig
	SMS           SMSConfig
	Audit         AuditConfig
	Admin         AdminConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	CORSOrigins  []string
	CookieSecure bool
	// TrustedProxies lists the IPs or CIDRs allowed to set X-Forwarded-For
	TrustedProxies []string
}

type GatewayConfig struct {
	Enabled            bool
	Port               int
	PingInterval       time.Duration
	PongWait           time.Duration
	WriteWait          time.Duration
	MaxMessageSize     int64
	SendBuffer         int
	MessagesPerSecond  float64
	MessageBurst       int
	RevalidateInterval time.Duration
	Shards             int
	NotificationTopic  string
	ConsumerGroup      string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes             []string
	Keyspace          string
	Username          string
	Password          string
	AutoMigrate       bool
	ReplicationFactor int
	Timeout           time.Duration
	TLSCAFile         string
	TLSCertFile       string
	TLSKeyFile        string
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
	Enabled    bool
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	Enabled  bool
}

type ElasticsearchConfig struct {
	URL        string
	Username   string
	Password   string
	AuditIndex string
	Enabled    bool
}

// KMSConfig selects how phone data keys are wrapped. LocalKey is used only
// when KMS is disabled.
type KMSConfig struct {
	Enabled  bool
	KeyID    string
	Region   string
	LocalKey string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
	Pepper            string
	PepperVersion     int
	PreviousPeppers   []string
}

type BucketingConfig struct {
	EventBuckets int
}

type LoggingConfig struct {
	Level  string
	Format string
}

type OTPConfig struct {
	CodeLength        int
	ExpiryMinutes     int
	MaxAttempts       int
	PhoneLimitPerHour int
	IPLimitPerHour    int
	RateLimitWindow   time.Duration
	ResendCooldown    time.Duration
	EchoCode          bool
	MessageTemplate   string
}

type TokenConfig struct {
	Secret           string
	Issuer           string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	RefreshThreshold time.Duration
	Leeway           time.Duration
	ValidationMode   string
}

type SessionConfig struct {
	MaxPerAccount int
	TouchInterval time.Duration
	CookieName    string
}

type SMSConfig struct {
	Provider        string
	BaseURL         string
	AccountSID      string
	AuthToken       string
	From            string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

type AuditConfig struct {
	BufferSize int
	Workers    int
}

// AdminConfig lists phones that receive the admin role when their account is
// created. Entries are normalized at startup.
type AdminConfig struct {
	Phones []string
}

const (
	ValidationModeJWTOnly = "jwt_only"
	ValidationModeStrict  = "strict"
)

var (
	globalConfig *Config
	configOnce   sync.Once
)

// LoadConfig reads .env (if present) and the process environment once
func LoadConfig() *Config {
	configOnce.Do(func() {
		_ = godotenv.Load()
		globalConfig = loadFromEnv()
	})
	return globalConfig
}

// Get returns the loaded configuration, loading it on first use
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func loadFromEnv() *Config {
	env := util.GetEnv("APP_ENV", "development")

	return &Config{
		Environment: env,
		StoreDriver: util.GetEnv("STORE_DRIVER", "scylla"),
		Server: ServerConfig{
			Port:           util.GetEnvInt("SERVER_PORT", 8080),
			TLSPort:        util.GetEnvInt("SERVER_TLS_PORT", 8443),
			ReadTimeout:    util.GetEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   util.GetEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    util.GetEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			EnableTLS:      util.GetEnvBool("SERVER_ENABLE_TLS", false),
			AutoCert:       util.GetEnvBool("SERVER_AUTO_CERT", false),
			Domain:         util.GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:       util.GetEnv("SERVER_CERT_FILE", ""),
			KeyFile:        util.GetEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    util.GetEnv("SERVER_AUTOCERT_DIR", "./certs"),
			Email:          util.GetEnv("SERVER_ACME_EMAIL", ""),
			CORSOrigins:    util.GetEnvSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			CookieSecure:   util.GetEnvBool("COOKIE_SECURE", env == "production"),
			TrustedProxies: util.GetEnvSlice("TRUSTED_PROXIES", nil),
		},
		Gateway: GatewayConfig{
			Enabled:            util.GetEnvBool("GATEWAY_ENABLED", true),
			Port:               util.GetEnvInt("GATEWAY_PORT", 8090),
			PingInterval:       util.GetEnvDuration("GATEWAY_PING_INTERVAL", 25*time.Second),
			PongWait:           util.GetEnvDuration("GATEWAY_PONG_WAIT", 60*time.Second),
			WriteWait:          util.GetEnvDuration("GATEWAY_WRITE_WAIT", 10*time.Second),
			MaxMessageSize:     int64(util.GetEnvInt("GATEWAY_MAX_MESSAGE_SIZE", 4096)),
			SendBuffer:         util.GetEnvInt("GATEWAY_SEND_BUFFER", 64),
			MessagesPerSecond:  float64(util.GetEnvInt("GATEWAY_MESSAGES_PER_SECOND", 10)),
			MessageBurst:       util.GetEnvInt("GATEWAY_MESSAGE_BURST", 20),
			RevalidateInterval: util.GetEnvDuration("GATEWAY_REVALIDATE_INTERVAL", 30*time.Second),
			Shards:             util.GetEnvInt("GATEWAY_SHARDS", 16),
			NotificationTopic:  util.GetEnv("GATEWAY_NOTIFICATION_TOPIC", "marketplace.notifications"),
			ConsumerGroup:      util.GetEnv("GATEWAY_CONSUMER_GROUP", "otp-auth-gateway"),
		},
		Redis: RedisConfig{
			URL:      util.GetEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: util.GetEnv("REDIS_PASSWORD", ""),
			DB:       util.GetEnvInt("REDIS_DB", 0),
			PoolSize: util.GetEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:             util.GetEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace:          util.GetEnv("SCYLLA_KEYSPACE", "otp_auth"),
			Username:          util.GetEnv("SCYLLA_USERNAME", ""),
			Password:          util.GetEnv("SCYLLA_PASSWORD", ""),
			AutoMigrate:       util.GetEnvBool("SCYLLA_AUTO_MIGRATE", env != "production"),
			ReplicationFactor: util.GetEnvInt("SCYLLA_REPLICATION_FACTOR", 1),
			Timeout:           util.GetEnvDuration("SCYLLA_TIMEOUT", 5*time.Second),
			TLSCAFile:         util.GetEnv("SCYLLA_TLS_CA_FILE", ""),
			TLSCertFile:       util.GetEnv("SCYLLA_TLS_CERT_FILE", ""),
			TLSKeyFile:        util.GetEnv("SCYLLA_TLS_KEY_FILE", ""),
		},
		Kafka: KafkaConfig{
			Brokers:    util.GetEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: util.GetEnv("KAFKA_AUDIT_TOPIC", "auth.security-events"),
			Enabled:    util.GetEnvBool("KAFKA_ENABLED", true),
		},
		Clickhouse: ClickhouseConfig{
			URL:      util.GetEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: util.GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: util.GetEnv("CLICKHOUSE_PASSWORD", ""),
			Database: util.GetEnv("CLICKHOUSE_DATABASE", "otp_auth"),
			Enabled:  util.GetEnvBool("CLICKHOUSE_ENABLED", true),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:        util.GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   util.GetEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   util.GetEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: util.GetEnv("ELASTICSEARCH_AUDIT_INDEX", "auth-security-events"),
			Enabled:    util.GetEnvBool("ELASTICSEARCH_ENABLED", true),
		},
		KMS: KMSConfig{
			Enabled:  util.GetEnvBool("KMS_ENABLED", false),
			KeyID:    util.GetEnv("KMS_KEY_ID", ""),
			Region:   util.GetEnv("AWS_REGION", "eu-central-1"),
			LocalKey: util.GetEnv("ENCRYPTION_LOCAL_KEY", ""),
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  util.GetEnvInt("ARGON2_MEMORY_COST", 16*1024),
			Argon2TimeCost:    util.GetEnvInt("ARGON2_TIME_COST", 1),
			Argon2Parallelism: util.GetEnvInt("ARGON2_PARALLELISM", 2),
			Pepper:            util.GetEnv("OTP_PEPPER", ""),
			PepperVersion:     util.GetEnvInt("OTP_PEPPER_VERSION", 1),
			PreviousPeppers:   util.GetEnvSlice("OTP_PREVIOUS_PEPPERS", nil),
		},
		Bucketing: BucketingConfig{
			EventBuckets: util.GetEnvInt("BUCKETING_EVENT_BUCKETS", 64),
		},
		Logging: LoggingConfig{
			Level:  util.GetEnv("LOG_LEVEL", "info"),
			Format: util.GetEnv("LOG_FORMAT", "console"),
		},
		OTP: OTPConfig{
			CodeLength:        util.GetEnvInt("OTP_CODE_LENGTH", 4),
			ExpiryMinutes:     util.GetEnvInt("OTP_EXPIRY_MINUTES", 5),
			MaxAttempts:       util.GetEnvInt("OTP_MAX_ATTEMPTS", 3),
			PhoneLimitPerHour: util.GetEnvInt("RATE_LIMIT_PHONE_PER_HOUR", 3),
			IPLimitPerHour:    util.GetEnvInt("RATE_LIMIT_IP_PER_HOUR", 10),
			RateLimitWindow:   util.GetEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
			ResendCooldown:    util.GetEnvDuration("OTP_RESEND_COOLDOWN", 60*time.Second),
			EchoCode:          util.GetEnvBool("OTP_ECHO_CODE", false),
			MessageTemplate:   util.GetEnv("OTP_MESSAGE_TEMPLATE", "Your verification code: %s"),
		},
		Token: TokenConfig{
			Secret:           util.GetEnv("JWT_SECRET", ""),
			Issuer:           util.GetEnv("JWT_ISSUER", "otp-auth-service"),
			AccessTTL:        util.GetEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL:       util.GetEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
			RefreshThreshold: util.GetEnvDuration("TOKEN_REFRESH_THRESHOLD", 2*time.Minute),
			Leeway:           util.GetEnvDuration("JWT_LEEWAY", 5*time.Second),
			ValidationMode:   util.GetEnv("TOKEN_VALIDATION_MODE", ValidationModeJWTOnly),
		},
		Session: SessionConfig{
			MaxPerAccount: util.GetEnvInt("SESSION_MAX_PER_ACCOUNT", 5),
			TouchInterval: util.GetEnvDuration("SESSION_TOUCH_INTERVAL", time.Minute),
			CookieName:    util.GetEnv("REFRESH_COOKIE_NAME", "refresh_token"),
		},
		SMS: SMSConfig{
			Provider:        util.GetEnv("SMS_PROVIDER", "log"),
			BaseURL:         util.GetEnv("SMS_BASE_URL", "https://api.twilio.com"),
			AccountSID:      util.GetEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:       util.GetEnv("TWILIO_AUTH_TOKEN", ""),
			From:            util.GetEnv("TWILIO_FROM_NUMBER", ""),
			Timeout:         util.GetEnvDuration("SMS_TIMEOUT", 10*time.Second),
			BreakerFailures: uint32(util.GetEnvInt("SMS_BREAKER_FAILURES", 5)),
			BreakerOpenFor:  util.GetEnvDuration("SMS_BREAKER_OPEN_FOR", 30*time.Second),
		},
		Audit: AuditConfig{
			BufferSize: util.GetEnvInt("AUDIT_BUFFER_SIZE", 1024),
			Workers:    util.GetEnvInt("AUDIT_WORKERS", 2),
		},
		Admin: AdminConfig{
			Phones: util.GetEnvSlice("ADMIN_PHONES", nil),
		},
	}
}

// Validate rejects configurations the service cannot run safely with
func (c *Config) Validate() error {
	var errs []error

	if c.Token.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.Token.Secret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
	}
	if c.Hashing.Pepper == "" {
		errs = append(errs, errors.New("OTP_PEPPER is required"))
	}
	if c.OTP.CodeLength < 4 || c.OTP.CodeLength > 6 {
		errs = append(errs, fmt.Errorf("OTP_CODE_LENGTH must be between 4 and 6, got %d", c.OTP.CodeLength))
	}
	if c.OTP.ExpiryMinutes <= 0 {
		errs = append(errs, errors.New("OTP_EXPIRY_MINUTES must be positive"))
	}
	if c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("OTP_MAX_ATTEMPTS must be positive"))
	}
	if c.OTP.PhoneLimitPerHour <= 0 || c.OTP.IPLimitPerHour <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= c.Token.AccessTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL"))
	}
	if c.Token.ValidationMode != ValidationModeJWTOnly && c.Token.ValidationMode != ValidationModeStrict {
		errs = append(errs, fmt.Errorf("unknown TOKEN_VALIDATION_MODE %q", c.Token.ValidationMode))
	}
	if c.StoreDriver != "scylla" && c.StoreDriver != "memory" {
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.IsProduction() && c.OTP.EchoCode {
		errs = append(errs, errors.New("OTP_ECHO_CODE cannot be enabled in production"))
	}
	if c.IsProduction() && c.StoreDriver == "memory" {
		errs = append(errs, errors.New("memory store is not allowed in production"))
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		errs = append(errs, errors.New("KMS_KEY_ID is required when KMS is enabled"))
	}
	if !c.KMS.Enabled && c.KMS.LocalKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_LOCAL_KEY is required when KMS is disabled"))
	}
	if c.IsProduction() && !c.KMS.Enabled {
		errs = append(errs, errors.New("KMS must be enabled in production"))
	}
	if _, err := c.Server.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if err := checkMessageTemplate(c.OTP.MessageTemplate); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address becomes a
// single-host prefix.
func (s ServerConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(s.TrustedProxies))
	for _, entry := range s.TrustedProxies {
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", entry, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		ip, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", entry, err)
		}
		ip = ip.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(ip, ip.BitLen()))
	}
	return prefixes, nil
}

// checkMessageTemplate requires exactly one %s and no other verbs, so the
// rendered SMS never carries fmt error text
func checkMessageTemplate(tmpl string) error {
	if tmpl == "" {
		return errors.New("OTP_MESSAGE_TEMPLATE is required")
	}
	rest := strings.ReplaceAll(tmpl, "%%", "")
	if strings.Count(rest, "%s") != 1 || strings.Count(rest, "%") != 1 {
		return fmt.Errorf("OTP_MESSAGE_TEMPLATE must contain exactly one %%s, got %q", tmpl)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func (c *Config) GetGatewayAddress() string {
	return fmt.Sprintf(":%d", c.Gateway.Port)
}

// OTPExpiry returns the code lifetime as a duration
func (c *Config) OTPExpiry() time.Duration {
	return time.Duration(c.OTP.ExpiryMinutes) * time.Minute
}
