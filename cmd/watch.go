package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markb/tableside/internal/auth"
	"github.com/markb/tableside/internal/config"
	"github.com/markb/tableside/internal/health"
	"github.com/markb/tableside/internal/history"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/observability"
	"github.com/markb/tableside/internal/presence"
	"github.com/markb/tableside/internal/querycache"
	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/registry"
	"github.com/markb/tableside/internal/server"
	"github.com/markb/tableside/internal/supervisor"
	"github.com/markb/tableside/internal/syncbridge"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and keep subscriptions and presence alive",
	Long: `Opens the configured realtime subscriptions, tracks staff presence,
monitors connection health and serves the status API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		noHistory, _ := cmd.Flags().GetBool("no-history")
		app, err := buildApp(ctx, cfg, !noHistory)
		if err != nil {
			return err
		}
		defer app.Close()

		fmt.Printf("tableside watching %s\n", cfg.Realtime.URL)
		fmt.Printf("  Subscriptions: %d\n", len(cfg.Subscriptions))
		fmt.Printf("  Presence room: %s\n", cfg.Presence.Room)
		fmt.Printf("  Status API:    http://%s/health\n", cfg.Server.Addr)

		err = app.tree.Serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().String("url", "", "Realtime endpoint URL")
	watchCmd.Flags().String("room", "", "Presence room to join")
	watchCmd.Flags().String("restaurant", "", "Restaurant id reported to workers")
	watchCmd.Flags().Bool("no-history", false, "Do not record occupancy snapshots")
	bindFlag(watchCmd, "url", "realtime.url")
	bindFlag(watchCmd, "room", "presence.room")
	bindFlag(watchCmd, "restaurant", "sync.restaurant_id")
	rootCmd.AddCommand(watchCmd)
}

// app holds everything watch runs.
type app struct {
	socket   *realtime.Socket
	registry *registry.Registry
	monitor  *health.Monitor
	tracker  *presence.Tracker
	bridge   *syncbridge.Bridge
	server   *server.Server
	store    *history.SQLStore
	tree     *supervisor.Tree
	cleanup  func()
}

func buildApp(ctx context.Context, cfg *config.Config, withHistory bool) (*app, error) {
	if cfg.Realtime.URL == "" {
		return nil, fmt.Errorf("realtime.url is required (set TABLESIDE_URL or --url)")
	}
	inspectCredentials(cfg)

	tel, cleanup, err := observability.Init(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}
	metrics := tel.Metrics()

	a := &app{cleanup: cleanup}
	a.socket = realtime.NewSocket(realtime.SocketConfig{
		URL:               cfg.Realtime.URL,
		APIKey:            cfg.Realtime.APIKey,
		AccessToken:       cfg.Realtime.AccessToken,
		HeartbeatInterval: cfg.Realtime.HeartbeatInterval,
		DialTimeout:       cfg.Realtime.DialTimeout,
		JoinTimeout:       cfg.Realtime.JoinTimeout,
	})

	// The monitor watches the registry's own channels, and its reconnect,
	// manual or automatic, recreates them through the registry.
	a.monitor = health.NewMonitor(cfg.Health,
		health.WithBackoff(cfg.Backoff.Health),
		health.WithMetrics(metrics),
		health.WithRebuild(func(ctx context.Context) {
			a.registry.ReconnectAll(ctx)
		}),
	)

	cache := querycache.New()
	a.registry = registry.New(a.monitor.Opener(a.socket),
		registry.WithCache(cache),
		registry.WithMetrics(metrics),
		registry.WithTracer(tel.Tracer("tableside/registry")),
	)
	for _, sub := range cfg.Subscriptions {
		a.registry.Create(ctx, sub.Name, sub.SubscriptionConfig(), invalidateOnChange(cache, sub))
	}

	trackerOpts := []presence.Option{
		presence.WithBackoff(cfg.Backoff.Presence),
		presence.WithMetrics(metrics),
	}
	if withHistory {
		store, err := history.Open(ctx, cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			a.Close()
			return nil, fmt.Errorf("failed to migrate history store: %w", err)
		}
		a.store = store
		trackerOpts = append(trackerOpts, presence.WithStore(store))
	}
	a.tracker = presence.NewTracker(a.socket, cfg.Presence, trackerOpts...)
	// The process itself is a presence listener for as long as it runs.
	a.tracker.SubscribeStatus(func(s presence.ConnectionStatus) {
		log.Info("presence: status changed", "room", cfg.Presence.Room, "status", string(s))
	})
	a.tracker.Subscribe(func(state realtime.PresenceSnapshot) {
		log.Debug("presence: occupancy", "room", cfg.Presence.Room, "count", len(state))
	})

	a.bridge = syncbridge.New(cfg.Sync,
		syncbridge.WithHealth(a.monitor),
		syncbridge.WithRegistry(a.registry),
		syncbridge.WithPresence(a.tracker),
		syncbridge.WithCache(cache),
	)

	deps := server.Deps{
		Health:        a.monitor,
		Subscriptions: a.registry,
		Presence:      a.tracker,
		Bridge:        a.bridge,
		Telemetry:     tel,
	}
	if a.store != nil {
		deps.History = a.store
	}
	a.server = server.New(server.Config{
		Addr:               cfg.Server.Addr,
		CORSOrigins:        cfg.Server.CORSOrigins,
		ReconnectPerMinute: cfg.Server.ReconnectPerMinute,
	}, deps)

	a.tree = supervisor.NewTree(log.Logger(), cfg.Supervisor)
	a.tree.AddRealtimeService(a.monitor)
	a.tree.AddRealtimeService(a.tracker)
	a.tree.AddRealtimeService(a.bridge)
	a.tree.AddAPIService(a.server)
	return a, nil
}

// Close releases the socket, the history store and telemetry.
func (a *app) Close() {
	if a.socket != nil {
		a.socket.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn("history: close failed", "error", err.Error())
		}
	}
	if a.cleanup != nil {
		a.cleanup()
	}
}

// invalidateOnChange marks the subscription's table stale in the query
// cache on every change.
func invalidateOnChange(cache *querycache.Cache, sub config.Subscription) registry.Callback {
	return func(ev realtime.Event) error {
		keys := cache.Invalidate(sub.Table)
		log.Debug("registry: change received", "subscription", sub.Name, "event", ev.Event, "invalidated", len(keys))
		return nil
	}
}

// inspectCredentials logs what the configured keys allow and fills the
// restaurant id from the access token when it is not configured.
func inspectCredentials(cfg *config.Config) {
	if cfg.Realtime.APIKey != "" {
		role, err := auth.APIKeyRole(cfg.Realtime.APIKey)
		switch {
		case err != nil:
			log.Warn("auth: api key is not a JWT", "error", err.Error())
		case role == auth.KeyServiceRole:
			log.Warn("auth: running with the service role key; row level security is bypassed")
		}
	}
	if cfg.Realtime.AccessToken == "" {
		return
	}
	claims, err := auth.Inspect(cfg.Realtime.AccessToken)
	if err != nil {
		log.Warn("auth: access token unreadable", "error", err.Error())
		return
	}
	now := time.Now()
	if claims.Expired(now) {
		log.Warn("auth: access token expired", "subject", claims.Subject, "expired_at", claims.ExpiresAt)
	} else if left := claims.ExpiresIn(now); left > 0 && left < time.Hour {
		log.Warn("auth: access token expires soon", "subject", claims.Subject, "expires_in", left.String())
	}
	if cfg.Sync.RestaurantID == "" && claims.RestaurantID != "" {
		cfg.Sync.RestaurantID = claims.RestaurantID
		log.Info("auth: restaurant id from access token", "restaurant_id", claims.RestaurantID)
	}
}
