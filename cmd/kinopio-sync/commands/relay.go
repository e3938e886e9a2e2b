package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kinopio-club/kinopio-sync/internal/relay"
)

var (
	relayListen       string
	relayHealthListen string
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the room relay clients connect to",
	Long: `Run the websocket relay that groups clients into space rooms, answers
joins with the room roster and forwards every other frame to the rest of
the room.

When relay.redis_url is set, frames are also published on Redis so that
several relay instances can serve the same rooms.

Examples:
  # Single instance on the configured address
  kinopio-sync relay

  # Custom address with a health endpoint
  kinopio-sync relay --listen :9000 --health-listen :9001`,
	RunE: runRelay,
}

func init() {
	relayCmd.Flags().StringVar(&relayListen, "listen", "", "Address to serve websockets on (overrides relay.listen)")
	relayCmd.Flags().StringVar(&relayHealthListen, "health-listen", "", "Address to serve /healthz on (overrides relay.health_listen)")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	cfg, err := loadConfig(cmd, p)
	if err != nil {
		return err
	}
	if relayListen != "" {
		cfg.Relay.Listen = relayListen
	}
	if relayHealthListen != "" {
		cfg.Relay.HealthListen = relayHealthListen
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var backplane relay.Backplane
	if cfg.Relay.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Relay.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		bp, err := relay.NewRedisBackplane(opts, cfg.Queue.Namespace)
		if err != nil {
			return fmt.Errorf("failed to create backplane: %w", err)
		}
		defer bp.Close()

		if err := bp.Ping(ctx); err != nil {
			return p.ErrorWithContext(
				"Redis connection failed",
				fmt.Sprintf("Could not connect to Redis at %s", cfg.Relay.RedisURL),
				map[string]string{"Channel": relay.RoomEventsChannel(cfg.Queue.Namespace)},
				[]string{"Check relay.redis_url in the config", "Or remove it to run a single instance"},
			)
		}
		backplane = bp
	}

	server := relay.NewServer(cfg.RelaySettings(), backplane, logger)

	backplaneErr := make(chan error, 1)
	go func() { backplaneErr <- server.Run(ctx) }()

	var health *relay.HealthServer
	if cfg.Relay.HealthListen != "" {
		health = relay.NewHealthServer(server, cfg.Relay.HealthListen, logger)
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Relay.Listen,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.ListenAndServe() }()

	p.Success("relay listening on %s\n", cfg.Relay.Listen)
	if backplane != nil {
		p.Info("  backplane: %s\n", relay.RoomEventsChannel(cfg.Queue.Namespace))
	}
	if health != nil {
		p.Info("  health:    http://%s/healthz\n", cfg.Relay.HealthListen)
	}

	var runErr error
	select {
	case <-ctx.Done():
		p.Step("shutting down\n")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = p.ErrorWithContext(
				"relay stopped",
				err.Error(),
				map[string]string{"Listen": cfg.Relay.Listen},
				[]string{"Pick a free address with --listen"},
			)
		}
	case err := <-backplaneErr:
		if err != nil {
			runErr = fmt.Errorf("backplane stopped: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown incomplete", "err", err)
	}
	if health != nil {
		if err := health.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown incomplete", "err", err)
		}
	}
	return runErr
}
