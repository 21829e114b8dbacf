package main

//	@title						Roost Fleet API
//	@version					0.1.0
//	@description				Fleet device-trust and command relay API.
//	@BasePath					/api/v1
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: "Bearer {token}"

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roostlabs/roost/internal/auth"
	"github.com/roostlabs/roost/internal/config"
	"github.com/roostlabs/roost/internal/event"
	"github.com/roostlabs/roost/internal/lookout"
	"github.com/roostlabs/roost/internal/registry"
	"github.com/roostlabs/roost/internal/relay"
	"github.com/roostlabs/roost/internal/roster"
	"github.com/roostlabs/roost/internal/server"
	"github.com/roostlabs/roost/internal/store"
	"github.com/roostlabs/roost/internal/version"
	"github.com/roostlabs/roost/internal/ws"
	"github.com/roostlabs/roost/pkg/plugin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Roost fleet server starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded",
			zap.String("component", "config"),
			zap.String("source", f),
		)
	} else {
		logger.Warn("no configuration file found, using defaults",
			zap.String("component", "config"),
		)
	}

	dbPath := viperCfg.GetString("database.path")
	if dbPath == "" {
		dbPath = "roost.db"
	}
	db, err := store.New(dbPath)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	if err := db.CheckVersion(context.Background(), version.Short()); err != nil {
		logger.Fatal("database version check failed", zap.Error(err))
	}

	logger.Info("database initialized",
		zap.String("component", "database"),
		zap.String("path", dbPath),
	)

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))

	// Register all plugins (compile-time composition).
	rosterMod := roster.New()
	lookoutMod := lookout.New()
	relayMod := relay.New()
	modules := []plugin.Plugin{rosterMod, lookoutMod, relayMod}
	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			logger.Fatal("failed to register plugin", zap.Error(err))
		}
	}
	if err := reg.Validate(); err != nil {
		logger.Fatal("plugin validation failed", zap.Error(err))
	}

	// Wire trust store adapters: lookout/relay -> roster.
	// Adapters live here to keep the modules decoupled.
	lookoutMod.SetTrustSource(&lookoutTrustAdapter{roster: rosterMod, bus: bus})
	relayMod.SetTrustSource(&relayTrustAdapter{roster: rosterMod, bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		logger.Fatal("failed to initialize plugins", zap.Error(err))
	}

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	// A removed device must also disappear from the fleet snapshot.
	bus.Subscribe(roster.TopicDeviceRemoved, func(_ context.Context, e plugin.Event) {
		if payload, ok := e.Payload.(roster.KeyEventPayload); ok {
			lookoutMod.Forget(payload.DeviceID)
		}
	})

	// Auth service.
	if err := db.Migrate(ctx, "auth", auth.Migrations()); err != nil {
		logger.Fatal("failed to migrate auth schema", zap.Error(err))
	}

	jwtSecret := viperCfg.GetString("auth.jwt_secret")
	if jwtSecret == "" {
		// Generate an ephemeral secret -- tokens won't survive restarts.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			logger.Fatal("failed to generate JWT secret", zap.Error(err))
		}
		jwtSecret = hex.EncodeToString(b)
		logger.Info("using auto-generated JWT secret (set auth.jwt_secret in config to persist sessions across restarts)",
			zap.String("component", "auth"),
		)
	}
	accessTTL := viperCfg.GetDuration("auth.access_token_ttl")
	if accessTTL == 0 {
		accessTTL = 15 * time.Minute
	}

	tokens := auth.NewTokenService([]byte(jwtSecret), accessTTL)
	authService := auth.NewService(auth.NewStore(db.DB()), tokens, logger.Named("auth"))
	generated, err := authService.EnsureAdmin(ctx, viperCfg.GetString("auth.admin_password"))
	if err != nil {
		logger.Fatal("failed to bootstrap admin account", zap.Error(err))
	}
	if generated != "" {
		fmt.Fprintf(os.Stderr, "\n  Initial admin account created.\n  Username: admin\n  Password: %s\n\n", generated)
	}

	// WebSocket handler for real-time fleet updates.
	wsHandler := ws.NewHandler(tokens, bus, logger.Named("ws"))

	addr := viperCfg.GetString("server.host") + ":" + fmt.Sprint(viperCfg.GetInt("server.port"))
	devMode := viperCfg.GetBool("server.dev_mode")
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return db.DB().PingContext(ctx)
	})
	compat := &compatRoutes{lookout: lookoutMod, relay: relayMod}
	srv := server.New(addr, reg, logger, readyCheck, authService, devMode, wsHandler, compat)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("Roost fleet server ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	reg.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("Roost fleet server stopped")
}

// compatRoutes aliases the flat paths older tooling calls onto the
// versioned plugin routes.
type compatRoutes struct {
	lookout *lookout.Module
	relay   *relay.Module
}

func (c *compatRoutes) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/fleet", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.lookout.Snapshot(time.Now()))
	})
	mux.HandleFunc("POST /api/cmd", c.relay.HandleCommand)
}

// lookoutTrustAdapter adapts the roster module to lookout.TrustSource.
type lookoutTrustAdapter struct {
	roster *roster.Module
	bus    plugin.EventBus
}

func (a *lookoutTrustAdapter) Lookup(ctx context.Context, deviceID string) (*lookout.TrustEntry, error) {
	d, err := a.roster.Store().Get(ctx, deviceID)
	if err != nil || d == nil {
		return nil, err
	}
	return trustEntry(d)
}

func (a *lookoutTrustAdapter) Observe(ctx context.Context, deviceID string, obs lookout.Observation) error {
	return a.roster.Store().ObserveBeacon(ctx, deviceID, roster.Observation{
		Hostname:  obs.Hostname,
		IP:        obs.IP,
		UptimeSec: obs.UptimeSec,
		Score:     obs.Score,
		SeenAt:    obs.SeenAt,
	})
}

func (a *lookoutTrustAdapter) Promote(ctx context.Context, deviceID string, epoch uint64) error {
	if err := a.roster.Store().Promote(ctx, deviceID, epoch); err != nil {
		return err
	}
	a.bus.PublishAsync(ctx, plugin.Event{
		Topic:     roster.TopicKeyPromoted,
		Source:    "roster",
		Timestamp: time.Now(),
		Payload:   roster.KeyEventPayload{DeviceID: deviceID, Epoch: epoch},
	})
	return nil
}

func (a *lookoutTrustAdapter) All(ctx context.Context) ([]lookout.TrustEntry, error) {
	devices, err := a.roster.Store().List(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]lookout.TrustEntry, 0, len(devices))
	for i := range devices {
		e, err := trustEntry(&devices[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func trustEntry(d *roster.Device) (*lookout.TrustEntry, error) {
	active, next, err := d.Keys()
	if err != nil {
		return nil, err
	}
	return &lookout.TrustEntry{
		DeviceID:  d.DeviceID,
		Role:      d.Role,
		Site:      d.Site,
		Active:    active,
		Next:      next,
		Epoch:     d.Epoch,
		Hostname:  d.Hostname,
		IP:        d.IP,
		UptimeSec: d.UptimeSec,
		LastSeen:  d.LastSeen,
		LastScore: d.LastScore,
	}, nil
}

// relayTrustAdapter adapts the roster module to relay.TrustSource.
type relayTrustAdapter struct {
	roster *roster.Module
	bus    plugin.EventBus
}

func (a *relayTrustAdapter) TargetByDevice(ctx context.Context, deviceID string) (*relay.Target, error) {
	d, err := a.roster.Store().Get(ctx, deviceID)
	if err != nil || d == nil {
		return nil, err
	}
	return relayTarget(d)
}

func (a *relayTrustAdapter) TargetByIP(ctx context.Context, ip string) (*relay.Target, error) {
	d, err := a.roster.Store().GetByIP(ctx, ip)
	if err != nil || d == nil {
		return nil, err
	}
	return relayTarget(d)
}

func (a *relayTrustAdapter) StageKey(ctx context.Context, deviceID, nextKey string, targetEpoch uint64) error {
	if err := a.roster.Store().StageKey(ctx, deviceID, nextKey, targetEpoch); err != nil {
		return err
	}
	a.bus.PublishAsync(ctx, plugin.Event{
		Topic:     roster.TopicKeyStaged,
		Source:    "roster",
		Timestamp: time.Now(),
		Payload:   roster.KeyEventPayload{DeviceID: deviceID, Epoch: targetEpoch},
	})
	return nil
}

func relayTarget(d *roster.Device) (*relay.Target, error) {
	active, next, err := d.Keys()
	if err != nil {
		return nil, err
	}
	return &relay.Target{
		DeviceID: d.DeviceID,
		IP:       d.IP,
		Active:   active,
		Next:     next,
		Epoch:    d.Epoch,
	}, nil
}
