package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/api"
	"github.com/taskgate-org/taskgate/internal/blockdag"
	"github.com/taskgate-org/taskgate/internal/dispatch"
	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/review"
	"github.com/taskgate-org/taskgate/internal/schedule"
	"github.com/taskgate-org/taskgate/internal/watchdog"
	"github.com/taskgate-org/taskgate/internal/webhook"
)

func CmdServe() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the orchestrator: dispatcher, watchdog, scheduler, review handler, and API.",
		}, runServe,
	)
}

func runServe(ctx *Context, _ []string) error {
	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	adapters, err := ctx.Adapters()
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(st, adapters, dispatch.Config{
		Tick:              ctx.Config.Dispatch.Tick,
		LeaseTTL:          ctx.Config.Dispatch.LeaseTTL,
		HeartbeatInterval: ctx.Config.Dispatch.HeartbeatInterval,
		WIPLimits:         ctx.Config.Dispatch.WIPLimits,
		Default:           ctx.Config.Dispatch.DefaultWIP,
	})
	dispatcher.Start(runCtx)
	defer dispatcher.Stop()

	dog := watchdog.New(st, watchdog.Config{
		Interval: ctx.Config.Watchdog.Interval,
		Grace:    ctx.Config.Watchdog.Grace,
		Policy:   ctx.Config.Watchdog.Policy,
	})
	dog.Start(runCtx)
	defer dog.Stop()

	reviewer := review.New(st, review.Config{
		OnFixComplete: review.FixResolution(ctx.Config.Review.OnFixComplete),
		ReviewType:    ctx.Config.Review.ReviewType,
		FixType:       ctx.Config.Review.FixType,
	})
	defer reviewer.Close()

	if len(ctx.Config.Schedules) > 0 {
		sched := schedule.New(st, ctx.Config.Schedules)
		sched.Start(runCtx)
		defer sched.Stop()
	}

	if len(ctx.Config.Webhooks) > 0 {
		emitter := webhook.New(st, ctx.Config.Webhooks)
		defer emitter.Close()
	}

	apiOpts := []api.Option{}
	if ctx.Config.Log.Format == "json" {
		apiOpts = append(apiOpts, api.WithJSONLogs())
	}
	if dir := ctx.Config.DAGsDir; dir != "" {
		registry, err := blockdag.NewRegistry(runCtx, dir)
		if err != nil {
			logger.Warn(runCtx, "serve: dag registry unavailable", "dir", dir, "err", err)
		} else {
			defer func() { _ = registry.Close() }()
			if err := registry.Watch(runCtx); err != nil {
				logger.Warn(runCtx, "serve: dag hot reload disabled", "err", err)
			}
			apiOpts = append(apiOpts, api.WithDAGs(registry, blockdag.AdapterAgent(adapters)))
		}
	}

	server := api.New(st, apiOpts...)
	logger.Info(runCtx, "serve: started", "addr", ctx.Config.Server.Addr(), "db", ctx.Config.DBPath)
	return server.Serve(runCtx, ctx.Config.Server.Addr())
}
