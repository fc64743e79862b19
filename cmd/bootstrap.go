package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/vibast-solutions/ms-go-mailer/app/events"
	"github.com/vibast-solutions/ms-go-mailer/app/lock"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
	"github.com/vibast-solutions/ms-go-mailer/app/provider"
	"github.com/vibast-solutions/ms-go-mailer/app/queue"
	"github.com/vibast-solutions/ms-go-mailer/app/repository"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
	"github.com/vibast-solutions/ms-go-mailer/app/telemetry"
	"github.com/vibast-solutions/ms-go-mailer/config"
)

// application holds the dependencies shared by the serve and consume commands.
type application struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *sql.DB
	redis     *redis.Client
	events    events.Publisher
	producer  *queue.EmailProducer
	scheduler *queue.RetryScheduler
	messages  *service.MessageService
	meters    *sdkmetric.MeterProvider
}

// bootstrap loads configuration and wires storage, provider, and service.
func bootstrap(ctx context.Context) (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := setupLogger(cfg.Log)

	db, err := openMySQL(cfg.MySQL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	emailProvider, err := buildEmailProvider(ctx, cfg, logger)
	if err != nil {
		_ = db.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("build email provider: %w", err)
	}

	meters := telemetry.NewMeterProvider(cfg.ServiceName, telemetry.NewLogReader(logger, cfg.Metrics.ExportInterval))
	otel.SetMeterProvider(meters)
	recorder, err := telemetry.NewRecorder(meters)
	if err != nil {
		logger.WithError(err).Warn("metrics disabled")
		recorder = telemetry.NewNoopRecorder()
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Events.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, logger)
	}

	var locker lock.Locker = lock.NewRedisLocker(rdb)
	if cfg.Lock.Backend == "mysql" {
		locker = lock.NewMySQLLocker(db)
	}

	producer := queue.NewEmailProducer(rdb)
	scheduler := queue.NewRetryScheduler(rdb, producer, logger)
	messages := service.NewMessageService(service.Dependencies{
		Preparer:  buildPreparer(cfg),
		Provider:  emailProvider,
		Messages:  repository.NewMessageRepository(db),
		Locker:    locker,
		Scheduler: scheduler,
		Events:    publisher,
		Metrics:   recorder,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Logger:         logger,
		LockTTL:        cfg.Lock.TTL,
		PersistTimeout: cfg.Consumer.PersistTimeout,
	})

	logger.WithFields(logrus.Fields{
		"provider":     emailProvider.Name(),
		"lock_backend": cfg.Lock.Backend,
	}).Info("dependencies ready")

	return &application{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		redis:     rdb,
		events:    publisher,
		producer:  producer,
		scheduler: scheduler,
		messages:  messages,
		meters:    meters,
	}, nil
}

// Close flushes metrics and releases connections in reverse order of creation.
func (a *application) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.meters.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Warn("shutdown meter provider")
	}
	if err := a.events.Close(); err != nil {
		a.logger.WithError(err).Warn("close event publisher")
	}
	if err := a.redis.Close(); err != nil {
		a.logger.WithError(err).Warn("close redis")
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Warn("close mysql")
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// mysqlDSN forces the driver options the repository relies on: matched rows
// for the status compare-and-set and time.Time scanning in UTC.
func mysqlDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse MYSQL_DSN: %w", err)
	}
	parsed.ClientFoundRows = true
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

func openMySQL(cfg config.MySQLConfig) (*sql.DB, error) {
	dsn, err := mysqlDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpen)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return db, nil
}

func buildEmailProvider(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (provider.EmailProvider, error) {
	switch cfg.Provider.Name {
	case config.ProviderGraph:
		client := provider.NewHTTPClient()
		tokens := provider.NewClientCredentialsTokenSource(provider.ClientCredentialsConfig{
			AuthorityURL: cfg.Graph.AuthorityURL,
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Scope:        cfg.Graph.Scope,
		}, client)
		return provider.NewGraphProvider(provider.GraphConfig{
			BaseURL:         cfg.Graph.BaseURL,
			Timeout:         cfg.Graph.Timeout,
			SaveToSentItems: cfg.Graph.SaveToSentItems,
		}, tokens, client, logger), nil
	case config.ProviderSES:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SES.Region))
		if err != nil {
			return nil, err
		}
		return provider.NewSESProvider(awsCfg), nil
	case config.ProviderNoop:
		return provider.NewNoopProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported EMAIL_PROVIDER: %s", cfg.Provider.Name)
	}
}

// buildPreparer renders raw MIME only for providers that send raw documents.
func buildPreparer(cfg *config.Config) preparer.EmailPreparer {
	steps := []preparer.Step{preparer.NewNormalizeStep(cfg.Provider.DefaultSender)}
	if cfg.Provider.Name == config.ProviderSES {
		steps = append(steps, preparer.NewMIMEStep())
	}
	return preparer.NewChain(steps...)
}
