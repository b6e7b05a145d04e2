package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zonekit/server/internal/config"
	"github.com/zonekit/server/internal/core/event"
	"github.com/zonekit/server/internal/core/zone"
	"github.com/zonekit/server/internal/data"
	"github.com/zonekit/server/internal/extensions/tracker"
	"github.com/zonekit/server/internal/handler"
	gonet "github.com/zonekit/server/internal/net"
	"github.com/zonekit/server/internal/net/ws"
	"github.com/zonekit/server/internal/persist"
	"github.com/zonekit/server/internal/protocol"
	"github.com/zonekit/server/internal/scripting"
	"github.com/zonekit/server/internal/session"
	"github.com/zonekit/server/internal/zones"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string, serverID int) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m            ZoneKit  v0.1.0                \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m    tick-synchronized session zones        \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s \033[90m(id: %d)\033[0m\n\n", serverName, serverID)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("ZONEKIT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name, cfg.Server.ID)

	// 3. Connect to PostgreSQL and run migrations (optional)
	var db *persist.DB
	var snapshots *persist.SnapshotRepo
	var tokens *persist.TokenRepo
	var tokenStore session.TokenStore = session.NewMemoryTokenStore()

	if cfg.Database.Enabled {
		printSection("database")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		db, err = persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			cancel()
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			cancel()
			return fmt.Errorf("migrations: %w", err)
		}
		cancel()
		printOK("migrations applied")
		fmt.Println()

		snapshots = persist.NewSnapshotRepo(db)
		tokens = persist.NewTokenRepo(db)
		tokenStore = tokens
	}

	// 4. Sessions, telemetry bus, zone manager
	sessions := session.NewRegistry(log)
	sessions.SetNotifyOpcode(protocol.S_OPCODE_NOTIFY)
	vault := session.NewTokenVault(tokenStore, cfg.Zones.ReconnectTokenTTL)
	bus := event.NewBus()
	mgr := zones.NewManager(sessions, bus, log)
	subscribeTelemetry(bus, log)

	// 5. Load zone blueprints and register extensions
	printSection("zone data")

	blueprints, err := data.LoadBlueprints(cfg.Zones.BlueprintPath)
	if err != nil {
		return fmt.Errorf("load blueprints: %w", err)
	}
	printStat("zone blueprints", blueprints.Count())

	mgr.RegisterExtension("tracker", func() (zone.Hooks, error) {
		return tracker.New(log)
	})
	for _, bp := range blueprints.All() {
		if bp.Extension != "lua" {
			continue
		}
		script := bp.Script
		mgr.RegisterExtension("lua:"+bp.ID, func() (zone.Hooks, error) {
			return scripting.NewExtension(script, log)
		})
	}

	started := 0
	for _, bp := range blueprints.All() {
		extName := bp.Extension
		if extName == "lua" {
			extName = "lua:" + bp.ID
		}
		zcfg := zone.Config{
			TickInterval: bp.TickInterval(),
			LerpPeriod:   bp.LerpPeriod(),
		}
		if zcfg.TickInterval == 0 {
			zcfg.TickInterval = cfg.Zones.TickInterval
		}
		if zcfg.LerpPeriod == 0 {
			zcfg.LerpPeriod = cfg.Zones.LerpPeriod
		}
		_, err := mgr.CreateZone(bp.ID, extName, nil, zcfg)
		switch {
		case errors.Is(err, zone.ErrIgnored):
			log.Info("zone declined to start", zap.String("zone", bp.ID))
		case err != nil:
			return fmt.Errorf("start zone %s: %w", bp.ID, err)
		default:
			started++
		}
	}
	printStat("zones started", started)
	fmt.Println()

	if snapshots != nil {
		reportLastSnapshots(blueprints, snapshots, log)
	}

	mgr.StartMaintenance(cfg.Zones.MaintenanceInterval)

	// 6. Wire opcode handlers
	dispatch := protocol.NewRegistry(log)
	handler.RegisterAll(dispatch, &handler.Deps{
		Manager:    mgr,
		Sessions:   sessions,
		Vault:      vault,
		Blueprints: blueprints,
		Log:        log,
	})

	// 7. Network front ends
	netServer, err := gonet.NewServer(
		cfg.Network.BindAddress,
		cfg.Network.OutQueueSize,
		cfg.Network.WriteTimeout,
		sessions,
		dispatch,
		log,
	)
	if err != nil {
		return fmt.Errorf("net server: %w", err)
	}
	go netServer.AcceptLoop()

	var wsServer *http.Server
	if cfg.Network.WSBindAddress != "" {
		var nextID atomic.Uint64
		nextID.Store(1 << 32) // keep websocket IDs clear of TCP session IDs
		gateway := ws.NewGateway(&nextID, cfg.Network.OutQueueSize, cfg.Network.WriteTimeout, sessions, dispatch, log)
		wsServer = &http.Server{Addr: cfg.Network.WSBindAddress, Handler: gateway}
		go func() {
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("websocket gateway stopped", zap.Error(err))
			}
		}()
	}

	// 8. Wait for shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	printSection("server ready")
	printReady(fmt.Sprintf("listening on %s", netServer.Addr().String()))
	if wsServer != nil {
		printReady(fmt.Sprintf("websocket gateway on %s", cfg.Network.WSBindAddress))
	}
	printReady(fmt.Sprintf("default tick %s, lerp %s", cfg.Zones.TickInterval, cfg.Zones.LerpPeriod))
	fmt.Println()

	var snapTicker *time.Ticker
	var snapCh <-chan time.Time
	if snapshots != nil {
		snapTicker = time.NewTicker(cfg.Database.SnapshotEvery)
		snapCh = snapTicker.C
		defer snapTicker.Stop()
	}

	for {
		select {
		case <-snapCh:
			saveSnapshots(mgr, snapshots, log)
			sweepTokens(tokens, log)
		case sig := <-shutdownCh:
			log.Info("shutdown signal", zap.String("signal", sig.String()))
			if snapshots != nil {
				saveSnapshots(mgr, snapshots, log)
			}
			if wsServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Network.ShutdownTimeout)
				_ = wsServer.Shutdown(ctx)
				cancel()
			}
			netServer.Shutdown()
			mgr.Shutdown()
			log.Info("server stopped")
			return nil
		}
	}
}

// subscribeTelemetry logs lifecycle events flushed by the maintenance loop.
func subscribeTelemetry(bus *event.Bus, log *zap.Logger) {
	event.Subscribe(bus, func(ev zone.ClientJoined) {
		log.Info("client joined", zap.String("zone", ev.Zone), zap.Uint64("client", uint64(ev.Client)))
	})
	event.Subscribe(bus, func(ev zone.ClientParted) {
		log.Info("client parted", zap.String("zone", ev.Zone), zap.Uint64("client", uint64(ev.Client)))
	})
	event.Subscribe(bus, func(ev zone.ZoneStopped) {
		log.Info("zone stopped", zap.String("zone", ev.Zone), zap.Uint64("frame", ev.Frame))
	})
	event.Subscribe(bus, func(ev zone.TickLagged) {
		log.Warn("zone tick lagging", zap.String("zone", ev.Zone), zap.Duration("lag", ev.Lag))
	})
}

// saveSnapshots persists a liveness snapshot per zone: frame counter plus
// current membership. Extension state stays in memory; it is rebuilt by the
// extension on restart.
func saveSnapshots(mgr *zones.Manager, repo *persist.SnapshotRepo, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mgr.Each(func(z *zone.Zone) {
		d, err := z.Snapshot()
		if err != nil {
			return
		}
		state, err := json.Marshal(struct {
			Clients []zone.ClientID `json:"clients"`
		}{Clients: d.Clients})
		if err != nil {
			return
		}
		if err := repo.Save(ctx, persist.Snapshot{ZoneID: z.ID(), Frame: d.Frame, State: state}); err != nil {
			log.Warn("snapshot save failed", zap.String("zone", z.ID()), zap.Error(err))
		}
	})
}

// reportLastSnapshots logs where each zone left off on the previous run.
// Purely observational: zones start fresh, extensions rebuild their own state.
func reportLastSnapshots(blueprints *data.BlueprintTable, repo *persist.SnapshotRepo, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, bp := range blueprints.All() {
		s, err := repo.Load(ctx, bp.ID)
		if errors.Is(err, persist.ErrNoSnapshot) {
			continue
		}
		if err != nil {
			log.Warn("snapshot load failed", zap.String("zone", bp.ID), zap.Error(err))
			continue
		}
		log.Info("snapshot from previous run",
			zap.String("zone", s.ZoneID), zap.Uint64("frame", s.Frame))
	}
}

// sweepTokens clears expired reconnect tokens on the snapshot cadence.
func sweepTokens(repo *persist.TokenRepo, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.Sweep(ctx); err != nil {
		log.Warn("token sweep failed", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
