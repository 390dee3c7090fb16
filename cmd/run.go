package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/browserbridge/internal/bridge"
	"github.com/nextlevelbuilder/browserbridge/internal/config"
	"github.com/nextlevelbuilder/browserbridge/internal/dispatch"
	"github.com/nextlevelbuilder/browserbridge/internal/keepalive"
	"github.com/nextlevelbuilder/browserbridge/internal/resolve"
	"github.com/nextlevelbuilder/browserbridge/internal/synth"
	"github.com/nextlevelbuilder/browserbridge/pkg/browser"
	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the automation server and serve browser commands",
		Run: func(cmd *cobra.Command, args []string) {
			runBridge(cmd.Context())
		},
	}
}

func runBridge(parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, resolveConfigPath()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	token, err := cfg.ResolveToken()
	if err != nil {
		return err
	}
	if token == "" {
		slog.Warn("no server token configured; run `browserbridge setup`")
	}

	shutdownOTel := initOTelExporter(ctx, cfg)
	defer shutdownOTel()

	// Browser host
	mgr := browser.New(
		browser.WithControlURL(cfg.Chrome.DebuggerURL),
		browser.WithBin(cfg.Chrome.Bin),
		browser.WithHeadless(cfg.Chrome.Headless),
		browser.WithFlags(cfg.Chrome.Flags),
		browser.WithPageCacheSize(cfg.Chrome.PageCacheSize),
	)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start chrome: %w", err)
	}
	defer mgr.Close()

	sessions := synth.NewSessions(mgr)
	defer sessions.DetachAll()
	synthesizer := synth.New(sessions, synth.WithSettleDelay(cfg.Bridge.TypeSettle()))

	forget := func(tabID string) {
		if sessions.Forget(tabID) {
			slog.Debug("debugger session forgotten", "tab", tabID)
		}
	}
	if err := mgr.Watch(ctx, browser.TabEvents{Closed: forget, Detached: forget}); err != nil {
		slog.Warn("tab lifecycle events unavailable", "error", err)
	}

	// Dispatcher
	svc := dispatch.NewService(dispatch.NewHost(mgr), resolve.New(), synthesizer, cfg.Bridge.NavigationTimeout())
	routerOpts := []dispatch.RouterOption{dispatch.WithHandlerTimeout(cfg.Bridge.HandlerTimeout())}
	if cfg.Bridge.RateLimitRPM > 0 {
		routerOpts = append(routerOpts, dispatch.WithRateLimiter(dispatch.NewRateLimiter(cfg.Bridge.RateLimitRPM, 0)))
	}
	router := dispatch.NewRouter(svc, routerOpts...)

	// Server connection
	conn := bridge.New(cfg.ServerURL, token,
		bridge.WithHandler(router),
		bridge.WithEventHandler(func(ev *protocol.EventFrame) {
			slog.Debug("server event", "event", ev.Event)
		}),
		bridge.WithIndicator(bridge.MultiIndicator{
			bridge.LogIndicator{},
			bridge.FileIndicator{Path: statusPath(cfgPath)},
		}),
		bridge.WithRequestTimeout(cfg.Bridge.RequestTimeout()),
		bridge.WithReconnectDelay(cfg.Bridge.ReconnectDelay()),
		bridge.WithClient("browserbridge", Version),
	)
	if err := conn.Connect(ctx); err != nil {
		slog.Warn("initial connect failed, retrying in background", "url", cfg.ServerURL, "error", err)
	}
	defer conn.Close()

	ka := keepalive.NewService(keepalive.Config{
		HeartbeatInterval: cfg.Bridge.HeartbeatInterval(),
		AlarmInterval:     cfg.Bridge.AlarmInterval(),
	}, conn)
	ka.Start()
	defer ka.Stop()

	// Hot reload: a new server URL or token forces a reconnect.
	if w, err := config.NewWatcher(cfgPath, cfg); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		w.OnChange(func(prev, next *config.Config) {
			if !config.ConnectionChanged(prev, next) {
				return
			}
			tok, err := next.ResolveToken()
			if err != nil {
				slog.Error("reconfigure: resolve token", "error", err)
				return
			}
			if err := conn.Reconfigure(ctx, next.ServerURL, tok); err != nil {
				slog.Warn("reconfigure: connect failed", "url", next.ServerURL, "error", err)
			}
		})
		if err := w.Start(); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("browserbridge running", "server", cfg.ServerURL, "version", Version)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}
