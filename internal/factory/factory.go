package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/bucketing"
	"otp-auth-service/internal/client"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/gateway"
	"otp-auth-service/internal/handler"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/repository"
	"otp-auth-service/internal/repository/memory"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/repository/scylla"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/tls"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	store             repository.Store
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokenManager      *token.Manager
	smsSender         sms.Sender
	rateLimiter       *redisrepo.RateLimitCache
	sessionEvents     *redisrepo.SessionEventBus
	dispatcher        *audit.Dispatcher

	serviceFactory *service.ServiceFactory
	hub            *gateway.Hub

	closeOnce sync.Once
}

// NewFactory loads and validates config, then connects every backing
// service. Redis and the store are required; audit sinks are best effort
// outside production.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{config: cfg, logger: logger}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewTLSManager(&tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}, logger)
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeAudit()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_driver", cfg.StoreDriver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("gateway_enabled", cfg.Gateway.Enabled),
	)

	return f, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := client.NewRedisClient(f.config, f.logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient
	if err := redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	if err := prometheus.Register(metrics.NewRedisPoolCollector(redisClient.PoolStats)); err != nil {
		f.logger.Warn("Redis pool metrics not registered", util.ErrorField(err))
	}

	switch f.config.StoreDriver {
	case "memory":
		util.Warn("Using in-memory store; data is lost on restart")
		f.store = memory.NewStore()
	default:
		scyllaClient, err := scylla.NewScyllaClient(f.config, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = scyllaClient
		if err := scyllaClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("scylla health check: %w", err)
		}
		f.store = scylla.NewStore(scyllaClient, f.logger)
	}

	// Audit sinks are optional outside production
	var sinkErrors []error

	if f.config.Kafka.Enabled {
		f.kafkaProducer = client.NewKafkaProducer(f.config, f.logger)
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("kafka health check: %w", err))
		}
	}

	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, f.logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
			if err := esClient.HealthCheck(ctx); err != nil {
				sinkErrors = append(sinkErrors, fmt.Errorf("elasticsearch health check: %w", err))
			}
		}
	}

	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, f.logger); err != nil {
			sinkErrors = append(sinkErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
			if err := chClient.HealthCheck(ctx); err != nil {
				sinkErrors = append(sinkErrors, fmt.Errorf("clickhouse health check: %w", err))
			}
		}
	}

	if len(sinkErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("audit sink initialization failed: %w", errors.Join(sinkErrors...))
		}
		for _, err := range sinkErrors {
			util.Warn("Audit sink unavailable", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	hasher, err := hashing.NewHasher(f.config)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}
	f.hasher = hasher

	if f.config.KMS.Enabled {
		kmsClient, err := client.NewKMSClient(f.config, f.logger)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		f.encryptionManager = encryption.NewKMSManager(kmsClient, f.config.KMS.KeyID, f.logger)
	} else {
		util.Warn("KMS disabled; phone data keys are wrapped with the local key")
		f.encryptionManager = encryption.NewLocalManager(f.config.KMS.LocalKey, f.logger)
	}

	tokenManager, err := token.NewManager(token.Config{
		Secret:           []byte(f.config.Token.Secret),
		Issuer:           f.config.Token.Issuer,
		AccessTTL:        f.config.Token.AccessTTL,
		RefreshThreshold: f.config.Token.RefreshThreshold,
		Leeway:           f.config.Token.Leeway,
	})
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	f.tokenManager = tokenManager

	sender, err := sms.NewSender(f.config, f.logger)
	if err != nil {
		return fmt.Errorf("sms sender: %w", err)
	}
	f.smsSender = sender

	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.rateLimiter = redisrepo.NewRateLimitCache(f.redisClient,
		f.config.OTP.PhoneLimitPerHour, f.config.OTP.IPLimitPerHour, f.config.OTP.RateLimitWindow)
	f.sessionEvents = redisrepo.NewSessionEventBus(f.redisClient)

	util.Info("Managers initialized successfully",
		util.Int("pepper_version", f.hasher.CurrentPepperVersion()),
		util.String("sms_provider", f.config.SMS.Provider),
		util.String("validation_mode", f.config.Token.ValidationMode),
	)
	return nil
}

// initializeAudit attaches a sink per connected client; the log sink is the
// fallback when none is connected
func (f *Factory) initializeAudit() {
	var sinks []audit.Sink

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.AuditTopic))
	}
	if f.clickhouseClient != nil {
		chSink := audit.NewClickHouseSink(f.clickhouseClient)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := chSink.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse audit schema not applied", util.ErrorField(err))
		} else {
			sinks = append(sinks, chSink)
		}
		cancel()
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.AuditIndex))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink(f.logger))
	}

	f.dispatcher = audit.NewDispatcher(audit.Options{
		BufferSize: f.config.Audit.BufferSize,
		Workers:    f.config.Audit.Workers,
	}, f.bucketingManager, f.logger, sinks...)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	util.Info("Audit dispatcher started", zap.Strings("sinks", names))
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(f.config, service.Dependencies{
			Store:    f.store,
			Hasher:   f.hasher,
			Tokens:   f.tokenManager,
			Limiter:  f.rateLimiter,
			Sender:   f.smsSender,
			Cipher:   f.encryptionManager,
			Events:   f.sessionEvents,
			Recorder: f.dispatcher,
		}, f.logger)
	}
	return f.serviceFactory
}

// Hub is nil when the gateway is disabled
func (f *Factory) Hub() *gateway.Hub {
	if f.hub == nil && f.config.Gateway.Enabled {
		f.hub = gateway.NewHub(f.bucketingManager, f.config.Gateway.Shards, f.logger)
	}
	return f.hub
}

// Router builds the HTTP API
func (f *Factory) Router() http.Handler {
	services := f.ServiceFactory()
	sessions := services.SessionManager()
	accounts := services.AccountService()

	authn := handler.NewAuthenticator(sessions, accounts, f.config.Token.ValidationMode, f.logger)
	auth := handler.NewAuthHandler(services.OTPIssuer(), services.OTPVerifier(), sessions, accounts,
		handler.CookieConfig{
			Name:   f.config.Session.CookieName,
			Secure: f.config.Server.CookieSecure,
			MaxAge: f.config.Token.RefreshTTL,
		}, f.logger)

	var notifier handler.NotificationPublisher
	if hub := f.Hub(); hub != nil {
		notifier = hub
	}
	admin := handler.NewAdminHandler(services.AdminService(), notifier, f.logger)

	// already checked by Validate
	proxies, _ := f.config.Server.TrustedProxyPrefixes()

	return handler.NewRouter(auth, admin, authn, handler.RouterOptions{
		CORSOrigins:    f.config.Server.CORSOrigins,
		RequireTLS:     f.config.IsProduction(),
		Health:         f.ready,
		TrustedProxies: proxies,
	}, f.logger)
}

// Gateway builds the websocket server and its event listener. Both are nil
// when the gateway is disabled.
func (f *Factory) Gateway() (*gateway.Server, *gateway.Listener) {
	hub := f.Hub()
	if hub == nil {
		return nil, nil
	}

	server := gateway.NewServer(hub, f.ServiceFactory().SessionManager(),
		gateway.ClientConfigFrom(f.config.Gateway), f.logger)

	var notifications gateway.NotificationConsumer
	if f.config.Kafka.Enabled && f.config.Gateway.NotificationTopic != "" {
		// every instance must see every notification, so each gets its own group
		f.kafkaConsumer = client.NewKafkaConsumer(f.config, f.config.Gateway.NotificationTopic,
			instanceGroup(f.config.Gateway.ConsumerGroup), f.logger)
		notifications = f.kafkaConsumer
	}

	return server, gateway.NewListener(hub, f.sessionEvents, notifications, f.logger)
}

func instanceGroup(base string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = util.GetEnv("HOSTNAME", "local")
	}
	return base + "-" + host
}

// ready backs /health: the store and Redis must answer
func (f *Factory) ready(ctx context.Context) error {
	if err := f.redisClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := f.ServiceFactory().AccountService().HealthCheck(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// HealthCheck reports every dependency, optional audit sinks included
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if err := f.ready(ctx); err != nil {
		healthErrors["core"] = err
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	return healthErrors
}

// Close flushes the audit dispatcher before closing the clients it writes to
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			f.dispatcher.Close()
		}

		if f.kafkaConsumer != nil {
			_ = f.kafkaConsumer.Close()
		}
		if f.kafkaProducer != nil {
			_ = f.kafkaProducer.Close()
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.store != nil {
			f.store.Close()
		} else if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
