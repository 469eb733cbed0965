package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"docdelta/internal/ai"
	"docdelta/internal/alert"
	"docdelta/internal/app"
	"docdelta/internal/chunker"
	"docdelta/internal/config"
	"docdelta/internal/guardrail"
	"docdelta/internal/metrics"
	mysqlClient "docdelta/internal/platform/mysql"
	rabbitmqClient "docdelta/internal/platform/rabbitmq"
	redisClient "docdelta/internal/platform/redis"
	"docdelta/internal/queue"
	"docdelta/internal/repository"
	"docdelta/internal/scheduler"
	"docdelta/internal/worker"
)

const memoryQueueCapacity = 4096

type App struct {
	Config *config.Config
	Logger *slog.Logger
	MySQL  *gorm.DB
	Redis  *redis.Client
	MQConn *amqp.Connection

	Store       *repository.Store
	Metrics     *metrics.Metrics
	Alerter     alert.Alerter
	Dispatcher  queue.Dispatcher
	Ingest      *app.IngestService
	Versions    *app.VersionService
	Replay      *app.ReplayService
	Recovery    *app.RecoveryService
	Consistency *app.ConsistencyChecker

	WorkerID  string
	Consumer  worker.Consumer
	Scheduler *scheduler.Scheduler

	StartedAt time.Time
}

type Options struct {
	// Background builds the job consumer and the sweep scheduler. Operator
	// tooling leaves it off and only uses the services.
	Background bool
}

// New connects to every dependency and builds the services. Background
// work does not run until Start.
func New(ctx context.Context, logger *slog.Logger, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, StartedAt: time.Now()}
	if err := a.init(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, opts Options) error {
	cfg := a.Config

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN(), mysqlClient.PoolConfig{
		MaxIdleConns: cfg.MySQL.MaxIdleConns,
		MaxOpenConns: cfg.MySQL.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	a.MySQL = mysqlDB
	if err := mysqlClient.Migrate(ctx, mysqlDB); err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		redisCli, err := redisClient.New(ctx, redisClient.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		a.Redis = redisCli
	}

	a.Store = repository.NewStore(mysqlDB)
	a.Metrics = metrics.New()
	a.Alerter = a.buildAlerter()

	var memQueue *queue.MemoryQueue
	switch cfg.RabbitMQ.Driver {
	case config.QueueDriverRabbitMQ:
		mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.JobQueue)
		if err != nil {
			return err
		}
		a.MQConn = mqConn
		a.Dispatcher = rabbitmqClient.NewJobPublisher(mqConn, cfg.RabbitMQ.JobQueue)
	default:
		memQueue = queue.NewMemoryQueue(memoryQueueCapacity)
		a.Dispatcher = memQueue
	}
	a.Dispatcher = app.NewAlertingDispatcher(a.Dispatcher, a.Alerter)

	usageStore, err := a.buildUsageStore()
	if err != nil {
		return err
	}
	guard := guardrail.NewController(guardrail.Config{
		MaxChunksPerWindow:  cfg.Guardrail.MaxChunksPerWindow,
		Window:              cfg.Guardrail.Window,
		MaxChunksPerVersion: cfg.Guardrail.MaxChunksPerVersion,
	}, usageStore)

	policy := chunker.Policy{MaxChars: cfg.Chunker.MaxChars, MinChars: cfg.Chunker.MinChars}
	if err := policy.Validate(); err != nil {
		return err
	}

	a.Ingest = app.NewIngestService(a.Store, guard, a.Dispatcher, a.Metrics, a.Logger, app.IngestOptions{
		Policy:       policy,
		MaxRetries:   cfg.Worker.MaxRetries,
		MinTextChars: cfg.App.MinTextChars,
	})
	a.Versions = app.NewVersionService(a.Store)
	a.Replay = app.NewReplayService(a.Store, a.Dispatcher, a.Metrics, a.Logger, cfg.Worker.MaxRetries)
	a.Recovery = app.NewRecoveryService(a.Store, a.Replay, a.Dispatcher, a.Alerter, a.Metrics, a.Logger, app.RecoveryOptions{
		StuckThreshold: cfg.Recovery.StuckThreshold,
		JobTimeout:     cfg.Recovery.JobTimeout,
		BatchLimit:     cfg.Recovery.BatchLimit,
		Parallelism:    cfg.Recovery.Parallelism,
	})
	a.Consistency = app.NewConsistencyChecker(a.Store, a.Alerter, a.Metrics, a.Logger,
		cfg.Recovery.StuckThreshold, cfg.Recovery.MaxStuckVersions)

	a.WorkerID = workerID()
	if !opts.Background {
		return nil
	}
	if cfg.Worker.Enabled {
		if err := a.buildConsumer(memQueue); err != nil {
			return err
		}
	}
	if cfg.Recovery.Enabled {
		if err := a.buildScheduler(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) buildAlerter() alert.Alerter {
	sinks := alert.Multi{alert.NewLogSink(a.Logger)}
	if a.Redis != nil && a.Config.Alert.Stream != "" {
		sinks = append(sinks, alert.NewRedisStreamSink(a.Redis, a.Config.Alert.Stream, a.Config.Alert.MaxLen, a.Logger))
	}
	return sinks
}

func (a *App) buildUsageStore() (guardrail.UsageStore, error) {
	if a.Config.Guardrail.Store == config.UsageStoreMemory {
		a.Logger.Warn("guardrail usage is kept in process memory and is not shared between instances")
		return guardrail.NewMemoryStore(), nil
	}
	if a.Redis == nil {
		return nil, errors.New("guardrail store redis requires redis.addr")
	}
	return guardrail.NewRedisStore(a.Redis, a.Config.Redis.Prefix), nil
}

func (a *App) buildConsumer(memQueue *queue.MemoryQueue) error {
	cfg := a.Config
	client := ai.NewOpenAICompatibleClient(cfg.LLM.Timeout)
	summarizer, err := ai.NewLLMSummarizer(client, ai.ChatConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return err
	}

	processor := worker.NewProcessor(a.Store, summarizer, a.Dispatcher, a.Alerter, a.Metrics, a.Logger, worker.Options{
		WorkerID:          a.WorkerID,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		MaxRetries:        cfg.Worker.MaxRetries,
	})
	if memQueue != nil {
		a.Consumer = worker.NewMemoryConsumer(memQueue, processor, cfg.Worker.Concurrency, a.Logger)
		return nil
	}
	a.Consumer = worker.NewRabbitConsumer(a.MQConn, processor, cfg.RabbitMQ.JobQueue,
		cfg.RabbitMQ.Prefetch, cfg.Worker.Concurrency, a.Logger)
	return nil
}

func (a *App) buildScheduler() error {
	cfg := a.Config
	tasks := []scheduler.Task{
		{
			Name:     "recovery-sweep",
			Schedule: cfg.Recovery.Schedule,
			Run: func(ctx context.Context) error {
				_, err := a.Recovery.RecoverySweep(ctx)
				return err
			},
		},
		{
			Name:     "job-sweep",
			Schedule: cfg.Recovery.JobSweepSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.Recovery.JobSweep(ctx)
				return err
			},
		},
		{
			Name:     "consistency-check",
			Schedule: cfg.Recovery.Schedule,
			Run: func(ctx context.Context) error {
				a.Consistency.Readiness(ctx)
				return nil
			},
		},
	}

	var locker scheduler.Locker
	if cfg.Recovery.UseLock && a.Redis != nil {
		locker = scheduler.NewRedisLocker(a.Redis, cfg.Redis.Prefix+":sched:lock")
	}
	sched, err := scheduler.New(tasks, locker, a.Logger)
	if err != nil {
		return err
	}
	a.Scheduler = sched
	return nil
}

// Start launches the job consumer and the sweep scheduler.
func (a *App) Start(ctx context.Context) error {
	if a.Consumer != nil {
		if err := a.Consumer.Start(ctx); err != nil {
			return fmt.Errorf("start job consumer failed: %w", err)
		}
	}
	if a.Scheduler != nil {
		a.Scheduler.Start(ctx)
	}
	return nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Consumer != nil {
		a.Consumer.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
