package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"IntentHub/internal/config"
	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/observability/alerting"
	"IntentHub/internal/observability/metrics"
	"IntentHub/internal/registry"
	"IntentHub/internal/replay"
	"IntentHub/internal/router"
	mysqlstore "IntentHub/internal/storage/mysql"
	"IntentHub/internal/transport"
	"IntentHub/internal/web3"
	"IntentHub/internal/web3/provider"
	"IntentHub/pkg/logger"
)

// app 持有一个进程内全部组件，按依赖顺序构造并逆序释放。
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   replay.Store
	chains  *provider.Registry
	actions *registry.Registry
	alerts  *alerting.FanoutDispatcher
	router  *router.Router
	queue   transport.Queue
}

// buildOptions 控制 newApp 构造哪些可选组件。
type buildOptions struct {
	router bool
	queue  bool
}

func newApp(ctx context.Context, cfg *config.Config, opts buildOptions) (_ *app, err error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	a := &app{cfg: cfg, log: logger.Named("intenthubd")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.alerts = alerting.NewFanout(alerting.LogNotifier{})

	if opts.router {
		if err := a.buildRouter(ctx); err != nil {
			return nil, err
		}
	}
	if opts.queue {
		a.queue, err = transport.Open(ctx, transportConfig(cfg))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) buildRouter(ctx context.Context) error {
	chainDefs, err := web3.LoadChainDefinitions(a.cfg.Definitions)
	if err != nil {
		return err
	}
	a.chains, err = provider.NewRegistry(ctx, chainDefs, nil)
	if err != nil {
		return err
	}

	defs, err := registry.LoadDefinitions(a.cfg.Definitions)
	if err != nil {
		return err
	}
	if len(defs.Adapters) == 0 {
		a.log.Warn("未配置适配器，使用内置的 LEND 与 LOG 定义")
		defs = registry.DefaultDefinitions()
	}
	a.actions, err = registry.FromConfig(defs, a.chains)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构建动作注册表失败")
	}

	codec := intent.NewCodec(
		intent.WithVersions(a.cfg.CodecVersions()...),
		intent.WithMaxPayload(a.cfg.Codec.MaxPayload),
	)
	a.router, err = router.New(a.store, a.actions,
		router.WithCodec(codec),
		router.WithAlerts(a.alerts),
		router.WithAdapterTimeout(a.cfg.Router.AdapterTimeout.D()),
	)
	if err != nil {
		return err
	}
	a.log.Info("路由器已就绪",
		slog.Any("actions", a.actions.Actions()),
		slog.Any("chains", a.chains.Chains()),
		slog.String("store", a.cfg.Replay.Store),
	)
	return nil
}

// openStore 根据 replay.store 选择重放记录的存储实现。
func openStore(ctx context.Context, cfg *config.Config) (replay.Store, error) {
	switch cfg.Replay.Store {
	case "memory", "":
		return replay.NewMemoryStore(), nil
	case "mysql":
		return replay.NewMySQLStore(ctx, mysqlstore.Config{
			DSN:             cfg.Replay.MySQL.DSN,
			MaxOpenConns:    cfg.Replay.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Replay.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.Replay.MySQL.ConnMaxLifetime.D(),
			SkipMigrations:  cfg.Replay.MySQL.SkipMigrations,
		})
	case "redis":
		return replay.NewRedisStore(ctx, replay.RedisStoreConfig{
			Address:  cfg.Replay.Redis.Address,
			Password: cfg.Replay.Redis.Password,
			DB:       cfg.Replay.Redis.DB,
			Prefix:   cfg.Replay.Redis.Prefix,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的 replay.store %q", cfg.Replay.Store))
	}
}

func transportConfig(cfg *config.Config) transport.Config {
	return transport.Config{
		Type:       cfg.Transport.Type,
		BufferSize: cfg.Transport.BufferSize,
		Redis: transport.RedisQueueConfig{
			Address:     cfg.Transport.Redis.Address,
			Password:    cfg.Transport.Redis.Password,
			DB:          cfg.Transport.Redis.DB,
			Queue:       cfg.Transport.Redis.Queue,
			BlockWait:   cfg.Transport.Redis.BlockWait.D(),
			MaxAttempts: cfg.Transport.MaxAttempts,
		},
		RabbitMQ: transport.RabbitMQConfig{
			URL:      cfg.Transport.RabbitMQ.URL,
			Queue:    cfg.Transport.RabbitMQ.Queue,
			Prefetch: cfg.Transport.RabbitMQ.Prefetch,
			Durable:  cfg.Transport.RabbitMQ.Durable,
		},
	}
}

// expiredHook 记录清理器回收的 pending 记录并逐条告警。
func (a *app) expiredHook(collector *metrics.Collector) func(context.Context, []*replay.Record) {
	return func(ctx context.Context, records []*replay.Record) {
		collector.ObserveExpired(len(records))
		for _, record := range records {
			err := xerrors.New(replay.CodePendingTimeout, record.Summary,
				xerrors.WithMetadata("intent_id", record.ID))
			event, ok := alerting.EventFromError(err, record.ID, string(record.Action))
			if !ok {
				continue
			}
			if notifyErr := a.alerts.Notify(ctx, event); notifyErr != nil {
				a.log.Error("发送超时告警失败", slog.String("intent_id", record.ID), slog.Any("error", notifyErr))
			}
		}
	}
}

func (a *app) close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.chains != nil {
		a.chains.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errs = append(errs, logger.Sync())
	return errors.Join(errs...)
}
