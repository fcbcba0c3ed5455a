package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/iago/directory-api/internal/config"
	"github.com/iago/directory-api/internal/enrolment"
	httpserver "github.com/iago/directory-api/internal/http"
	"github.com/iago/directory-api/internal/http/handlers"
	"github.com/iago/directory-api/internal/logging"
	"github.com/iago/directory-api/internal/metrics"
	"github.com/iago/directory-api/internal/notify"
	"github.com/iago/directory-api/internal/queue"
	"github.com/iago/directory-api/internal/repository"
	"github.com/iago/directory-api/internal/service"
	"github.com/iago/directory-api/internal/signals"
	"github.com/iago/directory-api/internal/tracing"
	"github.com/iago/directory-api/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func serve(ctx context.Context) error {
	if _, err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		fmt.Fprintf(os.Stderr, "failed loading .env files: %v\n", err)
	}
	specs, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(specs.LogLevel)
	defer func() { _ = logger.Sync() }()

	// Signals are recorded, not acted on, so a message in flight always finishes.
	exitSignals := signals.NewExitSignalReceiver()
	defer exitSignals.Stop()

	shutdownTracing, err := tracing.Setup(tracing.Config{Enabled: specs.TracingEnabled, ServiceName: serviceName})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warnw("flush traces failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor := metrics.New(registry)

	store, err := setupStore(ctx, specs, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	queues, err := setupQueues(ctx, specs, logger)
	if err != nil {
		return err
	}
	defer queues.close()

	persister := enrolment.NewService(store, queues.publisher, logger.Named("enrolment"),
		enrolment.WithBcryptCost(specs.BcryptCost))
	w := worker.New(queues.source, queues.invalid, persister, exitSignals, logger.Named("worker"),
		worker.WithMetrics(monitor))

	group, groupCtx := errgroup.WithContext(ctx)
	workerDone := make(chan struct{})
	group.Go(func() error {
		defer close(workerDone)
		return w.Run(groupCtx)
	})

	if specs.HTTPEnabled {
		producer := queue.NewBatchingProducer(groupCtx, queues.source, queue.BatchingConfig{
			MaxBatchSize:  specs.QueueBatchSize,
			FlushInterval: time.Duration(specs.QueueBatchFlushMS) * time.Millisecond,
			QueueCapacity: specs.QueueBatchQueueCapacity,
		})
		api := handlers.NewAPI(handlers.Dependencies{
			Intake:        service.NewIntakeService(producer, queues.source.Name(), logger.Named("intake")),
			Reader:        store,
			Subscriptions: notify.NewReminders(store, queues.publisher, logger.Named("reminders"), reminderConfig(specs)),
			Checks: map[string]handlers.Check{
				"database": store.Ping,
				"queue":    queues.ping,
			},
			WorkerState: func() string { return string(w.State()) },
			Logger:      logger.Named("http"),
		})
		server := &http.Server{
			Addr: ":" + strconv.Itoa(specs.Port),
			Handler: httpserver.NewRouter(groupCtx, httpserver.RouterDependencies{
				API:            api,
				Logger:         logger.Named("http"),
				Metrics:        monitor,
				Gatherer:       registry,
				AuthToken:      specs.AuthToken,
				RateLimitRPS:   specs.RateLimitRPS,
				RateLimitBurst: specs.RateLimitBurst,
			}),
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		group.Go(func() error {
			logger.Infow("ops server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			select {
			case <-workerDone:
			case <-groupCtx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			err := server.Shutdown(shutdownCtx)
			producer.Close()
			return err
		})
	}

	if err := group.Wait(); err != nil {
		logger.Errorw("worker exited with error", "error", err)
		return err
	}
	logger.Infow("shutdown complete", "signals", fmt.Sprint(exitSignals.Received()))
	return nil
}

func setupStore(ctx context.Context, specs *config.EnvSpec, logger *logging.Logger) (repository.Store, error) {
	if specs.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not configured, using in-memory store")
		return repository.NewMemoryStore(), nil
	}

	store, err := repository.NewPostgresStore(ctx, repository.PostgresConfig{
		DSN:             specs.DatabaseURL,
		MaxConns:        specs.DBMaxConns,
		MinConns:        specs.DBMinConns,
		MaxConnLifetime: specs.DBMaxConnLifetime,
		MaxConnIdleTime: specs.DBMaxConnIdleTime,
		TracingEnabled:  specs.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("postgres store initialized")
	return store, nil
}

type queueSet struct {
	source    queue.Client
	invalid   queue.Client
	publisher notify.Publisher
	ping      handlers.Check
	close     func()
}

func setupQueues(ctx context.Context, specs *config.EnvSpec, logger *logging.Logger) (*queueSet, error) {
	sourceCfg := specs.QueueConfig(specs.EnrolmentQueueName)
	invalidCfg := specs.QueueConfig(specs.InvalidEnrolmentQueueName)

	if specs.RedisAddr == "" {
		logger.Warn("REDIS_ADDR not configured, using process-local queues")
		return &queueSet{
			source:    queue.NewLocalQueue(sourceCfg),
			invalid:   queue.NewLocalQueue(invalidCfg),
			publisher: notify.NewLogPublisher(logger.Named("events")),
			ping:      func(context.Context) error { return nil },
			close:     func() {},
		}, nil
	}

	client, err := queue.NewRedisClient(ctx, queue.RedisConfig{
		Addr:     specs.RedisAddr,
		Password: specs.RedisPassword,
		DB:       specs.RedisDB,
	})
	if err != nil {
		return nil, err
	}

	source, err := newStream(ctx, client, sourceCfg, specs)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	invalid, err := newStream(ctx, client, invalidCfg, specs)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Infow("redis streams queues initialized",
		"queue", source.Name(),
		"invalid_queue", invalid.Name(),
		"group", specs.RedisGroup,
		"consumer", specs.RedisConsumer,
	)

	return &queueSet{
		source:    source,
		invalid:   invalid,
		publisher: notify.NewStreamPublisher(client, specs.EventsStream),
		ping:      func(ctx context.Context) error { return client.Ping(ctx).Err() },
		close:     func() { _ = client.Close() },
	}, nil
}

func newStream(ctx context.Context, client *redis.Client, cfg queue.Config, specs *config.EnvSpec) (*queue.StreamsQueue, error) {
	q, err := queue.NewStreamsQueue(ctx, client, queue.StreamsConfig{
		Queue:    cfg,
		Group:    specs.RedisGroup,
		Consumer: specs.RedisConsumer,
	})
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", cfg.Name, err)
	}
	return q, nil
}
