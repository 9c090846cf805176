package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"LeanChat/internal/api"
	"LeanChat/internal/auth"
	"LeanChat/internal/config"
	"LeanChat/internal/conversation"
	"LeanChat/internal/job"
	"LeanChat/internal/llm/provider"
	"LeanChat/internal/observability/alerting"
	"LeanChat/internal/observability/metrics"
	"LeanChat/internal/prompt"
	"LeanChat/internal/session"
	"LeanChat/internal/storage/mysql"
	"LeanChat/internal/storage/redis"
	"LeanChat/pkg/logger"
)

// main 是 LeanChat 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("leanchatd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("leanchatd")

	client, err := provider.New(provider.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	if err != nil {
		return err
	}

	system := cfg.Conversation.System
	if cfg.Conversation.FewShotFile != "" {
		fewShot, err := prompt.LoadExamples(cfg.Conversation.FewShotFile)
		if err != nil {
			return err
		}
		system = joinSystem(system, fewShot.Render())
	}

	persister, closePersister, err := openPersister(ctx, cfg.Session.Persister)
	if err != nil {
		return err
	}
	defer closePersister()

	managerOpts := []session.Option{}
	if persister != nil {
		managerOpts = append(managerOpts, session.WithPersister(persister))
	}
	sessions, err := session.NewManager(session.Config{
		DefaultSystem:     system,
		DefaultMaxHistory: cfg.Conversation.MaxHistory,
		IdleTTL:           cfg.Session.IdleTTL,
		SweepInterval:     cfg.Session.SweepInterval,
	}, managerOpts...)
	if err != nil {
		return err
	}

	runner := conversation.NewRunner(sessions, client,
		conversation.WithModel(cfg.LLM.Model),
		conversation.WithTemperature(cfg.Conversation.Temperature),
		conversation.WithTimeout(cfg.Conversation.Timeout),
	)

	svc, processor, err := openJobs(ctx, cfg.Queue, sessions, runner, alertDispatcher(cfg.Alerting))
	if err != nil {
		return err
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error { return ignoreCanceled(sessions.Run(ctx)) })

	serverOpts := []api.Option{api.WithAuth(auth.NewService(cfg.Server.APITokens))}
	if svc != nil {
		defer func() {
			if err := svc.Close(); err != nil {
				appLog.Warn("关闭任务服务失败", zap.Error(err))
			}
		}()
		p.Go(func(ctx context.Context) error { return ignoreCanceled(processor.Start(ctx)) })
		serverOpts = append(serverOpts, api.WithJobs(svc))
	}
	if addr := cfg.Server.MetricsAddress; addr != "" {
		p.Go(func(ctx context.Context) error { return ignoreCanceled(metrics.StartServer(ctx, addr)) })
	}

	server := api.NewServer(cfg.Server.Address, sessions, runner, serverOpts...)
	p.Go(func(ctx context.Context) error { return ignoreCanceled(server.Start(ctx)) })

	appLog.Info("leanchatd 已启动",
		zap.String("address", cfg.Server.Address),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("persister", cfg.Session.Persister.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.Int("max_history", cfg.Conversation.MaxHistory),
		zap.Bool("auth", len(cfg.Server.APITokens) > 0),
	)
	err = p.Wait()
	appLog.Info("leanchatd 已停止")
	return err
}

func openPersister(ctx context.Context, cfg config.PersisterConfig) (session.Persister, func(), error) {
	switch cfg.Driver {
	case "", "none":
		return nil, func() {}, nil
	case "redis":
		store, err := redis.NewSessionStore(ctx, redis.Config{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.Key,
			TTL:       cfg.Redis.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	case "mysql":
		store, err := mysql.NewSessionStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Driver)
	}
}

// openJobs 在 queue.driver 为 none 时返回 nil，表示关闭异步任务。
func openJobs(ctx context.Context, cfg config.QueueConfig, sessions *session.Manager, runner *conversation.Runner, alerts alerting.Dispatcher) (*job.Service, *job.Processor, error) {
	queue, err := openQueue(ctx, cfg)
	if err != nil || queue == nil {
		return nil, nil, err
	}
	store, err := openJobStore(ctx, cfg)
	if err != nil {
		_ = queue.Close()
		return nil, nil, err
	}
	svc := job.NewService(store, queue, sessions, cfg.MaxRetries)
	processor := job.NewProcessor(runner, store, queue, queue,
		job.WithWorkerCount(cfg.Workers),
		job.WithAlertDispatcher(alerts),
	)
	return svc, processor, nil
}

// alertDispatcher 始终写审计日志，配置了 webhook_url 时同时推送 webhook。
func alertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.WebhookURL,
			Client: &http.Client{Timeout: cfg.Timeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func openJobStore(ctx context.Context, cfg config.QueueConfig) (job.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return job.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewJobStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Store)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (job.Queue, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		return job.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return job.NewRedisQueue(ctx, job.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func joinSystem(system, fewShot string) string {
	if system == "" {
		return fewShot
	}
	if fewShot == "" {
		return system
	}
	return system + "\n\n" + fewShot
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
