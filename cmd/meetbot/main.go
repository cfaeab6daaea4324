package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/meetbot/internal/agent"
	"github.com/breeze-rmm/meetbot/internal/health"
	"github.com/breeze-rmm/meetbot/internal/heartbeat"
	"github.com/breeze-rmm/meetbot/internal/logging"
	"github.com/breeze-rmm/meetbot/internal/mtls"
	"github.com/breeze-rmm/meetbot/internal/runstore"
	"github.com/breeze-rmm/meetbot/internal/server"
	"github.com/breeze-rmm/meetbot/internal/websocket"
)

var (
	version = "0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "meetbot",
	Short: "Meeting bot",
	Long:  `meetbot joins Google Meet calls in a headless browser, records the audio and delivers it to storage`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot service (HTTP API and control-plane connection)",
	Run: func(cmd *cobra.Command, args []string) {
		runBot()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("meetbot v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/meetbot/meetbot.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runBot() {
	cfg, err := loadConfig()
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if cfg.BotID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.BotID = host
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	store, err := runstore.Open(runstore.Path(cfg.DataDir), cfg.Agent.RunHistoryLimit)
	if err != nil {
		fatalf("Failed to open run store: %v", err)
	}
	defer store.Close()

	bot := agent.New(cfg, a.orch, store, a.audit)
	go bot.Start(ctx)

	log.Info("starting meetbot",
		"version", version,
		"botId", cfg.BotID,
		"listen", cfg.ListenAddr,
	)

	var (
		wsClient *websocket.Client
		hb       *heartbeat.Heartbeat
	)
	if cfg.ControlPlane.URL != "" {
		tlsCfg, err := mtls.BuildTLSConfig(cfg.ControlPlane.CertFile, cfg.ControlPlane.KeyFile, cfg.ControlPlane.CAFile)
		if err != nil {
			fatalf("Failed to load control-plane TLS material: %v", err)
		}
		monitor := bot.HealthMonitor()
		wsClient = websocket.New(&websocket.Config{
			ServerURL: cfg.ControlPlane.URL,
			BotID:     cfg.BotID,
			AuthToken: cfg.ControlPlane.Token,
			TLSConfig: tlsCfg,
			OnStateChange: func(connected bool) {
				if connected {
					monitor.Update(health.ComponentControlPlane, health.Healthy, "")
				} else {
					monitor.Update(health.ComponentControlPlane, health.Degraded, "disconnected")
				}
			},
		}, bot.HandleCommand)
		bot.SetNotifier(wsClient)
		go wsClient.Start()

		hb = heartbeat.New(cfg.BotID, version, cfg.ControlPlane.HeartbeatInterval, monitor, bot.Active, wsClient)
		go hb.Start()
	}

	srv := server.New(cfg, bot, a.metrics.Handler())
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			log.Error("http server failed", logging.KeyError, err)
		}
		stop()
	}

	if hb != nil {
		hb.Stop()
	}
	if wsClient != nil {
		wsClient.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
	defer cancel()
	bot.Shutdown(shutdownCtx)

	// Let the HTTP server finish its own graceful shutdown.
	select {
	case <-srvErr:
	case <-time.After(time.Second):
	}
}
