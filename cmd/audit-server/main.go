package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"callaudit-server/pkg/alerting"
	"callaudit-server/pkg/audit"
	"callaudit-server/pkg/circuitbreaker"
	"callaudit-server/pkg/config"
	"callaudit-server/pkg/correlation"
	"callaudit-server/pkg/database"
	http_server "callaudit-server/pkg/http"
	"callaudit-server/pkg/messaging"
	"callaudit-server/pkg/metrics"
	"callaudit-server/pkg/rules"
	"callaudit-server/pkg/scoring"
	"callaudit-server/pkg/util"
	"callaudit-server/pkg/verdict"
	"callaudit-server/pkg/version"
)

const shutdownTimeout = 30 * time.Second

var (
	logger    = logrus.New()
	appConfig *config.Config

	// Context for graceful shutdown
	rootCtx    context.Context
	rootCancel context.CancelFunc

	panicHandler *util.PanicHandler
	shutdown     *util.GracefulShutdown

	dbConn       *database.Database
	auditRepo    *database.AuditRepository
	ruleRepo     *database.RuleRepository
	rulesWatcher *rules.FileWatcher

	redisClient      redis.UniversalClient
	correlationTable correlation.Table
	sweeper          *correlation.Sweeper

	cbManager    *circuitbreaker.Manager
	alertManager *alerting.AlertManager
	orchestrator *audit.Orchestrator

	publisher     audit.Publisher
	consumer      func(ctx context.Context) error
	amqpPublisher *messaging.AMQPClient
	amqpConsumer  *messaging.AMQPClient

	httpServer *http_server.Server
)

func main() {
	// Set up logger with basic configuration (will be updated after config is loaded)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(os.Stdout)

	rootCtx, rootCancel = context.WithCancel(context.Background())
	defer rootCancel()

	panicHandler = util.NewPanicHandler(logger)
	shutdown = util.NewGracefulShutdown(logger, shutdownTimeout)

	if err := initialize(); err != nil {
		logger.WithError(err).Error("Failed to initialize application")
		shutdownResources()
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.WithError(err).Error("Failed to start HTTP server")
			shutdownResources()
			os.Exit(1)
		}
	} else {
		logger.Info("HTTP server is disabled by configuration")
	}

	sweeper.Start()
	startConsumer()

	if httpServer != nil {
		httpServer.SetReady(true)
	}
	logger.WithFields(logrus.Fields{
		"version":   version.Version,
		"transport": appConfig.Messaging.Transport,
	}).Info("Audit service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.WithField("signal", sig.String()).Info("Received shutdown signal, cleaning up...")

	if httpServer != nil {
		httpServer.SetReady(false)
	}
	shutdownResources()
	logger.Info("Audit service stopped")
}

func shutdownResources() {
	rootCancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("Shutdown completed with errors")
	}
}

func initialize() error {
	var err error
	appConfig, err = config.Load(logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := appConfig.ApplyLogging(logger); err != nil {
		return fmt.Errorf("failed to apply logging configuration: %w", err)
	}
	logStartupConfig()

	if appConfig.Metrics.Enabled {
		metrics.Init(logger)
	}

	if err := initStorage(); err != nil {
		return err
	}
	if err := initRules(); err != nil {
		return err
	}
	if err := initCorrelation(); err != nil {
		return err
	}
	initResilience()
	if err := initPublisher(); err != nil {
		return err
	}
	if err := initOrchestrator(); err != nil {
		return err
	}
	if err := initConsumer(); err != nil {
		return err
	}
	initHTTP()
	return nil
}

func initStorage() error {
	dbCfg := database.DefaultConfig()
	dbCfg.Driver = appConfig.Database.Driver
	dbCfg.DSN = appConfig.Database.DSN
	dbCfg.MaxOpenConns = appConfig.Database.MaxOpenConns
	dbCfg.MaxIdleConns = appConfig.Database.MaxIdleConns
	dbCfg.ConnMaxLifetime = appConfig.Database.ConnMaxLifetime

	var err error
	dbConn, err = database.Open(rootCtx, dbCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open result store: %w", err)
	}
	shutdown.RegisterCloser("database", dbConn, util.PriorityDatabase)

	if err := dbConn.Migrate(rootCtx); err != nil {
		return fmt.Errorf("failed to migrate result store: %w", err)
	}

	auditRepo = database.NewAuditRepository(dbConn, logger)
	ruleRepo = database.NewRuleRepository(dbConn, logger)
	return nil
}

func initRules() error {
	if err := rules.Seed(rootCtx, ruleRepo, rules.DefaultRules(), logger); err != nil {
		return fmt.Errorf("failed to seed compliance rules: %w", err)
	}

	path := appConfig.Audit.RulesFile
	if path == "" {
		return nil
	}
	if _, err := rules.ApplyFile(rootCtx, ruleRepo, path, logger); err != nil {
		return fmt.Errorf("failed to apply rules file: %w", err)
	}

	if !appConfig.Audit.RulesWatch {
		return nil
	}
	var err error
	rulesWatcher, err = rules.NewFileWatcher(path, ruleRepo, logger, nil)
	if err != nil {
		return err
	}
	if err := rulesWatcher.Start(rootCtx); err != nil {
		return err
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "rules-watcher",
		Priority: util.PrioritySweeper,
		Shutdown: func(context.Context) error { return rulesWatcher.Stop() },
	})
	return nil
}

func initCorrelation() error {
	corrCfg := correlation.Config{
		Timeout:    appConfig.Correlation.Timeout,
		Retention:  appConfig.Correlation.Retention,
		ClaimGrace: appConfig.Correlation.ClaimGrace,
		// A claim outliving the audit deadline belongs to a dead worker.
		ClaimTimeout: appConfig.Audit.Timeout + appConfig.Correlation.ClaimGrace,
		Shards:       appConfig.Correlation.Shards,
	}

	switch appConfig.Correlation.Backend {
	case config.BackendRedis:
		client, err := correlation.NewRedisClient(correlation.RedisConfig{
			Address:      appConfig.Redis.Address,
			Password:     appConfig.Redis.Password,
			Database:     appConfig.Redis.Database,
			PoolSize:     appConfig.Redis.PoolSize,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			KeyPrefix:    appConfig.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		redisClient = client
		shutdown.RegisterCloser("redis", redisClient, util.PriorityRedis)
		correlationTable = correlation.NewRedisTable(redisClient, appConfig.Redis.KeyPrefix, corrCfg, logger)
		logger.WithField("address", appConfig.Redis.Address).Info("Using Redis correlation table")
	default:
		correlationTable = correlation.NewMemoryTable(corrCfg)
		logger.Info("Using in-memory correlation table")
	}
	return nil
}

// initResilience sets up breakers and alerting. Breakers are created up
// front so the configured thresholds win over the per-dependency presets.
func initResilience() {
	cbCfg := appConfig.CircuitBreaker
	cbManager = circuitbreaker.NewManager(logger,
		circuitbreaker.WithOverrides(circuitbreaker.DefaultConfig(), cbCfg.FailureThreshold, cbCfg.Timeout),
		cbCfg.Enabled)

	alertManager = alerting.NewAlertManager(alerting.AlertConfig{
		Enabled:      appConfig.Alerting.Enabled,
		Cooldown:     appConfig.Alerting.Cooldown,
		WebhookURL:   appConfig.Alerting.WebhookURL,
		SlackWebhook: appConfig.Alerting.SlackWebhookURL,
		SlackChannel: appConfig.Alerting.SlackChannel,
	}, cbManager, logger)
	shutdown.Register(util.ShutdownResource{
		Name:     "alerting",
		Priority: util.PriorityPublisher,
		Shutdown: alertManager.Stop,
	})

	cbManager.OnStateChange(func(name string, from, to circuitbreaker.State) {
		if to != circuitbreaker.StateOpen {
			return
		}
		alertManager.Fire(rootCtx, alerting.Alert{
			Name:     alerting.AlertCircuitOpen,
			Severity: alerting.SeverityCritical,
			Summary:  fmt.Sprintf("Circuit breaker %s opened", name),
			Labels:   map[string]string{"breaker": name, "from": from.String()},
		})
	})

	cbManager.GetCircuitBreaker(circuitbreaker.NameDatabase,
		circuitbreaker.WithOverrides(circuitbreaker.DatabaseConfig(), cbCfg.FailureThreshold, cbCfg.Timeout))
	cbManager.GetCircuitBreaker(circuitbreaker.NamePublisher,
		circuitbreaker.WithOverrides(circuitbreaker.PublisherConfig(), cbCfg.FailureThreshold, cbCfg.Timeout))
	if redisClient != nil {
		cbManager.GetCircuitBreaker(circuitbreaker.NameRedis,
			circuitbreaker.WithOverrides(circuitbreaker.RedisConfig(), cbCfg.FailureThreshold, cbCfg.Timeout))
	}
}

func topics() messaging.Topics {
	return messaging.Topics{
		Transcribed: appConfig.Messaging.TranscribedTopic,
		Sentiment:   appConfig.Messaging.SentimentTopic,
		VoC:         appConfig.Messaging.VoCTopic,
		Audited:     appConfig.Messaging.AuditedTopic,
	}
}

func kafkaConfig() messaging.KafkaConfig {
	cfg := messaging.DefaultKafkaConfig()
	cfg.Brokers = appConfig.Messaging.KafkaBrokers
	cfg.GroupID = appConfig.Messaging.ConsumerGroup
	cfg.Topics = topics()
	cfg.RetryBackoff = appConfig.Messaging.RetryDelay
	cfg.DeadLetterSuffix = appConfig.Messaging.KafkaDeadLetterSuffix
	return cfg
}

func amqpConfig() messaging.AMQPConfig {
	cfg := messaging.DefaultAMQPConfig()
	cfg.URL = appConfig.Messaging.AMQPURL
	cfg.Exchange = appConfig.Messaging.AMQPExchange
	cfg.Topics = topics()
	cfg.QueuePrefix = appConfig.Messaging.AMQPQueuePrefix
	cfg.DeadLetterQueue = appConfig.Messaging.AMQPDeadLetterQueue
	cfg.Prefetch = appConfig.Messaging.AMQPPrefetch
	cfg.RetryDelay = appConfig.Messaging.RetryDelay
	return cfg
}

// initPublisher sets up the outbound side. With AMQP a dedicated
// publish-only connection also takes dead letters.
func initPublisher() error {
	switch appConfig.Messaging.Transport {
	case config.TransportAMQP:
		amqpPublisher = messaging.NewAMQPClient(logger, amqpConfig(), nil)
		if err := amqpPublisher.Connect(); err != nil {
			return fmt.Errorf("failed to connect AMQP publisher: %w", err)
		}
		shutdown.RegisterCloser("amqp-publisher", amqpPublisher, util.PriorityPublisher)
		publisher = amqpPublisher
	default:
		kafkaPublisher := messaging.NewKafkaPublisher(kafkaConfig(), logger)
		shutdown.RegisterCloser("kafka-publisher", kafkaPublisher, util.PriorityPublisher)
		publisher = kafkaPublisher
	}
	return nil
}

func initOrchestrator() error {
	scoringCfg := scoring.DefaultConfig()
	scoringCfg.Weights = scoring.Weights{
		ScriptAdherence:         appConfig.Scoring.WeightScript,
		CustomerService:         appConfig.Scoring.WeightService,
		ResolutionEffectiveness: appConfig.Scoring.WeightResolution,
	}
	scoringCfg.ChurnThreshold = appConfig.Scoring.ChurnThreshold
	scorer, err := scoring.NewScorer(scoringCfg)
	if err != nil {
		return fmt.Errorf("invalid scoring configuration: %w", err)
	}

	thresholds := verdict.Thresholds{
		Pass: appConfig.Scoring.PassThreshold,
		Fail: appConfig.Scoring.FailThreshold,
	}
	if err := thresholds.Validate(); err != nil {
		return err
	}

	orchestrator, err = audit.NewOrchestrator(audit.Config{
		RetryAttempts:   appConfig.Audit.RetryAttempts,
		RetryBackoff:    appConfig.Audit.RetryBackoff,
		RetryMaxBackoff: appConfig.Audit.RetryMaxBackoff,
		Timeout:         appConfig.Audit.Timeout,
	}, audit.Dependencies{
		Table:      correlationTable,
		Rules:      ruleRepo,
		Engine:     rules.NewEngine(logger),
		Scorer:     scorer,
		Thresholds: thresholds,
		Store:      auditRepo,
		Publisher:  publisher,
		Alerter:    alertManager,
		Breakers:   cbManager,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	shutdown.Register(util.ShutdownResource{
		Name:     "audit-drain",
		Priority: util.PriorityDrain,
		Shutdown: orchestrator.Drain,
	})

	sweeper = correlation.NewSweeper(correlationTable, appConfig.Correlation.SweepInterval, logger,
		orchestrator.HandleExpired, orchestrator.HandleStranded, orchestrator.HandleAbandoned)
	shutdown.Register(util.ShutdownResource{
		Name:     "correlation-sweeper",
		Priority: util.PrioritySweeper,
		Shutdown: func(ctx context.Context) error {
			timeout := shutdownTimeout
			if deadline, ok := ctx.Deadline(); ok {
				timeout = time.Until(deadline)
			}
			sweeper.Stop(timeout)
			return nil
		},
	})
	return nil
}

func initConsumer() error {
	switch appConfig.Messaging.Transport {
	case config.TransportAMQP:
		dispatcher := messaging.NewDispatcher(orchestrator, amqpPublisher, logger)
		amqpConsumer = messaging.NewAMQPClient(logger, amqpConfig(), dispatcher)
		if err := amqpConsumer.Connect(); err != nil {
			return fmt.Errorf("failed to connect AMQP consumer: %w", err)
		}
		consumer = amqpConsumer.Run
		shutdown.RegisterCloser("amqp-consumer", amqpConsumer, util.PriorityPublisher)
	default:
		deadLetter := messaging.NewKafkaDeadLetter(kafkaConfig())
		shutdown.RegisterCloser("kafka-dead-letter", deadLetter, util.PriorityPublisher)

		dispatcher := messaging.NewDispatcher(orchestrator, deadLetter, logger)
		kafkaConsumer := messaging.NewKafkaConsumer(kafkaConfig(), dispatcher, logger)
		consumer = kafkaConsumer.Run
		shutdown.RegisterCloser("kafka-consumer", kafkaConsumer, util.PriorityPublisher)
	}
	return nil
}

// startConsumer runs the fact consumer until shutdown. Consumers stop
// first so no fact is accepted after draining begins.
func startConsumer() {
	consumeCtx, stopConsuming := context.WithCancel(rootCtx)
	var wg sync.WaitGroup
	wg.Add(1)
	panicHandler.SafeGo("fact-consumer", func() {
		defer wg.Done()
		if err := consumer(consumeCtx); err != nil {
			logger.WithError(err).Error("Fact consumer stopped")
		}
	})

	shutdown.Register(util.ShutdownResource{
		Name:     "fact-consumer",
		Priority: util.PriorityConsumers,
		Shutdown: func(ctx context.Context) error {
			stopConsuming()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func initHTTP() {
	if !appConfig.HTTP.Enabled {
		return
	}

	httpCfg := http_server.DefaultConfig()
	httpCfg.Port = appConfig.HTTP.Port
	httpCfg.EnableMetrics = appConfig.Metrics.Enabled
	httpCfg.ReadTimeout = appConfig.HTTP.ReadTimeout
	httpCfg.WriteTimeout = appConfig.HTTP.WriteTimeout
	httpServer = http_server.NewServer(logger, httpCfg)
	shutdown.Register(util.ShutdownResource{
		Name:     "http",
		Priority: util.PriorityHTTP,
		Shutdown: httpServer.Shutdown,
	})

	httpServer.AddHealthCheck("database", true, dbConn.Health)
	if redisClient != nil {
		httpServer.AddHealthCheck("redis", true, func(ctx context.Context) error {
			return cbManager.Execute(ctx, circuitbreaker.NameRedis, circuitbreaker.RedisConfig(), func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			})
		})
	}
	if amqpConsumer != nil {
		httpServer.AddHealthCheck("amqp", false, func(context.Context) error {
			if !amqpConsumer.IsConnected() || !amqpPublisher.IsConnected() {
				return fmt.Errorf("AMQP connection is down")
			}
			return nil
		})
	}
	httpServer.AddHealthCheck("circuit_breakers", false, func(context.Context) error {
		if open := cbManager.OpenBreakers(); len(open) > 0 {
			return fmt.Errorf("open circuit breakers: %v", open)
		}
		return nil
	})

	handler := http_server.NewAuditHandler(logger,
		audit.NewStatusService(auditRepo, correlationTable),
		auditRepo,
		ruleRepo)
	handler.RegisterHandlers(httpServer)
}

func logStartupConfig() {
	logger.WithFields(logrus.Fields{
		"version":             version.Version,
		"transport":           appConfig.Messaging.Transport,
		"correlation_backend": appConfig.Correlation.Backend,
		"correlation_timeout": appConfig.Correlation.Timeout,
		"sweep_interval":      appConfig.Correlation.SweepInterval,
		"database_driver":     appConfig.Database.Driver,
		"pass_threshold":      appConfig.Scoring.PassThreshold,
		"fail_threshold":      appConfig.Scoring.FailThreshold,
		"rules_file":          appConfig.Audit.RulesFile,
		"http_enabled":        appConfig.HTTP.Enabled,
		"http_port":           appConfig.HTTP.Port,
		"metrics_enabled":     appConfig.Metrics.Enabled,
		"alerting_enabled":    appConfig.Alerting.Enabled,
	}).Info("Loaded audit service configuration")
}
