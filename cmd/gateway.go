package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thebenlamm/nanobot/internal/agent"
	"github.com/thebenlamm/nanobot/internal/bus"
	"github.com/thebenlamm/nanobot/internal/channels"
	"github.com/thebenlamm/nanobot/internal/channels/discord"
	"github.com/thebenlamm/nanobot/internal/channels/email"
	"github.com/thebenlamm/nanobot/internal/channels/slack"
	"github.com/thebenlamm/nanobot/internal/channels/telegram"
	"github.com/thebenlamm/nanobot/internal/channels/whatsapp"
	"github.com/thebenlamm/nanobot/internal/config"
	statushttp "github.com/thebenlamm/nanobot/internal/http"
	"github.com/thebenlamm/nanobot/internal/mail"
	"github.com/thebenlamm/nanobot/internal/providers"
	"github.com/thebenlamm/nanobot/internal/sessions"
	"github.com/thebenlamm/nanobot/internal/tools"
	"github.com/thebenlamm/nanobot/internal/tracing"
)

const busBufferSize = 100

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent on every enabled channel (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	resolver, snap := resolveSnapshot()
	cfg := snap.Config()
	for _, w := range snap.Warnings() {
		slog.Warn("config", "warning", w)
	}

	workspace := config.ExpandHome(cfg.Agent.Workspace)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		slog.Error("failed to create workspace", "path", workspace, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}

	metrics := statushttp.NewMetrics()
	msgBus := bus.New(busBufferSize)

	toolsReg, fetcher, err := buildTools(snap, workspace, metrics)
	if err != nil {
		slog.Error("failed to set up tools", "error", err)
		os.Exit(1)
	}

	store, closePersister, err := openSessions(ctx, cfg, workspace)
	if err != nil {
		slog.Error("failed to open sessions", "error", err)
		os.Exit(1)
	}

	provider, err := providers.FromSnapshot(snap)
	if err != nil {
		slog.Error("failed to create provider", "error", err)
		os.Exit(1)
	}

	loop := agent.NewLoop(agent.LoopConfig{
		Provider:      provider,
		Model:         cfg.Agent.Model,
		MaxIterations: cfg.Agent.MaxToolIterations,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		ToolTimeout:   time.Duration(cfg.Agent.ToolTimeoutSec) * time.Second,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		Sessions:      store,
		Tools:         toolsReg,
	})
	sched := agent.NewScheduler(loop.Run)

	channelMgr := channels.NewManager(msgBus, channels.LinkConfigFrom(cfg.Channels.Delivery),
		channels.WithDeadLetterFile(filepath.Join(workspace, "deadletter.jsonl")),
		channels.WithObserver(metrics),
	)
	media := channels.NewMediaStore(fetcher, filepath.Join(workspace, "media"))
	if err := registerChannels(channelMgr, msgBus, media, cfg, workspace); err != nil {
		slog.Error("failed to set up channels", "error", err)
		os.Exit(1)
	}

	resolver.OnReload(func(s *config.Snapshot) {
		// components keep the settings they were built with; a restart applies the rest
		slog.Info("config reloaded; restart to apply channel and tool changes", "path", s.Path())
	})

	slog.Info("nanobot gateway starting",
		"version", Version,
		"provider", provider.Name(),
		"model", cfg.Agent.Model,
		"tools", toolsReg.List(),
		"sessions", cfg.Sessions.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return channelMgr.Run(gctx) })
	g.Go(func() error {
		agent.ServeInbound(gctx, msgBus, sched, channelMgr.Undelivered)
		return nil
	})
	g.Go(func() error {
		logDeliveryFailures(gctx, channelMgr.DeliveryFailures())
		return nil
	})
	g.Go(func() error {
		// hot reload is optional; running without a config file is fine
		if err := resolver.Watch(gctx); err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
		return nil
	})
	if addr := cfg.Gateway.StatusAddr; addr != "" {
		srv := statushttp.NewServer(channelMgr, store, metrics, Version)
		g.Go(func() error { return srv.ListenAndServe(gctx, addr) })
	}

	<-gctx.Done()
	slog.Info("graceful shutdown initiated")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("gateway stopped with error", "error", err)
	}
	sched.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := store.Close(shutdownCtx); err != nil {
		slog.Error("failed to persist sessions", "error", err)
	}
	if closePersister != nil {
		closePersister()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown", "error", err)
	}
	msgBus.Close()
	slog.Info("nanobot gateway stopped")
}

// buildTools registers the enabled tools. The fetcher is shared with the
// media store so attachment downloads get the same host guard.
func buildTools(snap *config.Snapshot, workspace string, metrics *statushttp.Metrics) (*tools.Registry, *tools.Fetcher, error) {
	cfg := snap.Config()
	redactor := tools.NewRedactor(snap.Secrets()...)
	reg := tools.NewRegistry(
		tools.WithResultRedactor(redactor),
		tools.WithCallTimeout(time.Duration(cfg.Agent.ToolTimeoutSec)*time.Second),
		tools.WithObserver(metrics),
	)

	if cfg.Tools.Exec.Enabled {
		secretEnv, err := tools.SecretEnvFromSnapshot(snap, cfg.Tools.Exec.SecretEnv)
		if err != nil {
			return nil, nil, err
		}
		runner, err := tools.ShellRunnerFromConfig(cfg.Tools.Exec, workspace, secretEnv, redactor)
		if err != nil {
			return nil, nil, fmt.Errorf("exec tool: %w", err)
		}
		reg.Register(tools.NewExecTool(runner))
	}

	fetcher, err := tools.FetcherFromConfig(cfg.Tools.WebFetch)
	if err != nil {
		return nil, nil, fmt.Errorf("web_fetch tool: %w", err)
	}
	if cfg.Tools.WebFetch.Enabled {
		reg.Register(tools.NewWebFetchTool(fetcher, cfg.Tools.WebFetch.MaxChars))
	}

	if cfg.Tools.EmailFetch.Enabled {
		reg.Register(tools.EmailFetchToolFromConfig(cfg.Channels.Email))
	}
	return reg, fetcher, nil
}

func openSessions(ctx context.Context, cfg config.Config, workspace string) (*sessions.Store, func(), error) {
	opts := sessions.Options{}
	if cfg.Sessions.MaxHistory > 0 {
		opts.Truncate = sessions.KeepLast(cfg.Sessions.MaxHistory)
	}

	switch cfg.Sessions.Backend {
	case "sqlite":
		p, err := sessions.OpenSQLite(ctx, filepath.Join(workspace, "sessions.db"))
		if err != nil {
			return nil, nil, err
		}
		store, err := sessions.Open(ctx, p, opts)
		if err != nil {
			p.Close()
			return nil, nil, err
		}
		return store, func() { p.Close() }, nil
	default:
		store, err := sessions.Open(ctx, sessions.NewFilePersister(filepath.Join(workspace, "sessions")), opts)
		return store, nil, err
	}
}

func registerChannels(mgr *channels.Manager, pub channels.Publisher, media *channels.MediaStore, cfg config.Config, workspace string) error {
	rate := channels.WithRateLimit(cfg.Channels.Delivery.RateLimitPerMinute)
	ch := cfg.Channels

	if ch.WhatsApp.Enabled {
		wa, err := whatsapp.New(ch.WhatsApp, pub, filepath.Join(workspace, "group-logs"), rate)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		mgr.RegisterChannel(wa)
	}
	if ch.Telegram.Enabled {
		tg, err := telegram.New(ch.Telegram, pub, media, telegram.WithBaseOptions(rate))
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		mgr.RegisterChannel(tg)
	}
	if ch.Discord.Enabled {
		mgr.RegisterChannel(discord.New(ch.Discord, pub, media, rate))
	}
	if ch.Slack.Enabled {
		mgr.RegisterChannel(slack.New(ch.Slack, pub, media, slack.WithBaseOptions(rate)))
	}
	if ch.Email.Enabled {
		mgr.RegisterChannel(email.New(ch.Email, pub, mail.NewIMAPMailbox(ch.Email), mail.NewSMTPSender(ch.Email), rate))
	}
	return nil
}

func logDeliveryFailures(ctx context.Context, failures <-chan channels.DeliveryFailed) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-failures:
			slog.Error("reply not delivered",
				"channel", f.Channel,
				"chat_id", f.Message.ChatID,
				"reason", f.Reason,
				"attempts", f.Attempts,
				"error", f.Error,
			)
		}
	}
}
