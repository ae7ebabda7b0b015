package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"IntentHub/internal/api"
	"IntentHub/internal/auth"
	"IntentHub/internal/observability/metrics"
	"IntentHub/internal/replay"
	"IntentHub/internal/transport"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, queue consumers and the pending sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, buildOptions{router: true, queue: true})
			if err != nil {
				return err
			}
			defer a.close()
			return a.serve(cmd.Context())
		},
	}
}

// serve 运行 API、队列消费者、超时清理器与可选的独立指标端口，任一组件失败即整体退出。
func (a *app) serve(ctx context.Context) error {
	keys, err := auth.NewService(a.cfg.Server.APIKeys)
	if err != nil {
		return err
	}
	if !keys.Enabled() {
		a.log.Warn("未配置 API Key，/api/v1 接口不做身份校验")
	}
	collector := metrics.Default()
	group, ctx := errgroup.WithContext(ctx)

	server := api.NewServer(a.cfg.Server.Address, a.router, a.store,
		api.WithRegistry(a.actions),
		api.WithCollector(collector),
		api.WithMaxPayload(a.cfg.Codec.MaxPayload),
		api.WithAuth(keys),
	)
	group.Go(func() error { return server.Start(ctx) })

	sweeper := replay.NewSweeper(a.store, a.cfg.Replay.PendingTimeout.D(),
		replay.WithSweepInterval(a.cfg.Replay.SweepInterval.D()),
		replay.WithExpiredHook(a.expiredHook(collector)),
	)
	group.Go(func() error { return sweeper.Run(ctx) })

	if a.queue != nil {
		workers := a.cfg.Transport.Workers
		a.log.Info("队列消费者已启动", slog.String("transport", a.cfg.Transport.Type), slog.Int("workers", workers))
		group.Go(func() error {
			return a.queue.Consume(ctx, workers, transport.RouterHandler(a.router))
		})
	}

	if addr := a.cfg.Server.MetricsAddress; addr != "" {
		group.Go(func() error { return metrics.StartServer(ctx, addr) })
	}

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		a.log.Info("收到退出信号，服务已停止")
		return nil
	}
	return err
}
