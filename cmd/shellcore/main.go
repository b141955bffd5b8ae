// Command shellcore is the supervisor process entrypoint: it loads
// configuration, opens the persistence store, boots the engine resource
// manager and tab lifecycle scheduler, wires the single mutation thread,
// and serves the chrome bridge and metrics endpoints until signaled to
// shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shellcore/internal/config"
	"shellcore/internal/engine"
	"shellcore/internal/intent"
	"shellcore/internal/persistence"
	"shellcore/internal/scheduler"
	"shellcore/internal/state"
	"shellcore/internal/supervisor"
	"shellcore/pkg/logging"
	"shellcore/pkg/metrics"
)

func main() {
	var configPath = flag.String("config", "shellcore.yaml", "path to the supervisor config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		// No config file is a normal first run; everything has a default.
		cfg = &config.Config{}
		cfg.ApplyDefaults()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "shellcore: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.LogLevel,
		Format: "console",
		Output: cfg.LogPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shellcore: logging init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logging.SetDefault(log)

	log.Info("starting shellcore supervisor", zap.String("config", *configPath))

	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.ThumbnailDir, cfg.EngineProfileDataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("create data directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("open persistence store", zap.Error(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boot, err := store.LoadBootSnapshot(ctx)
	if err != nil {
		log.Fatal("load boot snapshot", zap.Error(err))
	}
	ids, err := seedIDs(ctx, store)
	if err != nil {
		log.Fatal("seed id generators", zap.Error(err))
	}

	if len(boot.Profiles) == 0 {
		boot, err = coldBoot(ctx, store, ids)
		if err != nil {
			log.Fatal("cold boot bootstrap", zap.Error(err))
		}
		log.Info("cold boot: created default profile, home workspace, and initial tab")
	}

	m := metrics.New()

	eng := engine.New(engine.Config{
		Headless:          cfg.EngineHeadless,
		ProfileDataDir:    cfg.EngineProfileDataDir,
		ThumbnailMaxWidth: cfg.ThumbnailMaxWidth,
		NavigateTimeout:   cfg.EngineNavigateTimeout,
	}, log)
	defer eng.Close()

	sched := scheduler.New(cfg.WarmPoolBudget)

	sv := supervisor.New(boot, store, eng, eng.Events, sched, ids, cfg.IntentQueueCapacity, cfg.ThumbnailDir, log, m)
	sv.SetBridgeRateLimit(cfg.BridgeRateLimit, cfg.BridgeRateBurst)
	bridgeSrv := sv.Bridge()

	reloader := config.NewReloader(*configPath)
	if _, err := reloader.Load(); err == nil {
		reloader.OnChange(func(live config.LiveSettings) {
			sched.SetBudget(live.WarmPoolBudget)
			if err := log.SetLevel(live.LogLevel); err != nil {
				log.Warn("config reload: bad log level kept previous", zap.String("level", live.LogLevel), zap.Error(err))
			}
			bridgeSrv.SetRateLimit(live.BridgeRateLimit, live.BridgeRateBurst)
			log.Info("config reloaded",
				zap.Int("warm_pool_budget", live.WarmPoolBudget),
				zap.String("log_level", live.LogLevel),
				zap.Float64("bridge_rate_limit", live.BridgeRateLimit))
		})
		if err := reloader.Start(); err != nil {
			log.Warn("config hot-reload disabled", zap.Error(err))
		} else {
			defer reloader.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/bridge", bridgeSrv)
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/status", m.JSONHandler())

	httpSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		log.Info("serving bridge and metrics", zap.String("addr", cfg.MetricsAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		_ = httpSrv.Shutdown(context.Background())
		cancel()
	}()

	sv.Run(ctx)
	log.Info("shellcore supervisor stopped")
}

// coldBoot runs when the store holds no profiles at all: it seeds the
// one Default profile / Home workspace / initial tab a freshly installed
// shellcore needs to have anything to show, driving the same reducer and
// persistence path a running supervisor would use for the equivalent
// chrome-issued intents, and returns the resulting state at revision 3.
func coldBoot(ctx context.Context, store *persistence.Store, ids *state.IDGenerators) (*state.State, error) {
	st := state.New()
	now := time.Now()

	st, _, err := intent.Reduce(st, intent.Intent{Kind: intent.NewProfile, Name: "Default"}, ids, now)
	if err != nil {
		return nil, fmt.Errorf("create default profile: %w", err)
	}
	var profileID state.ProfileID
	for id := range st.Profiles {
		profileID = id
	}

	st, _, err = intent.Reduce(st, intent.Intent{Kind: intent.NewWorkspace, ProfileID: profileID, Name: "Home"}, ids, now)
	if err != nil {
		return nil, fmt.Errorf("create home workspace: %w", err)
	}
	var workspaceID state.WorkspaceID
	for id := range st.Workspaces {
		workspaceID = id
	}

	st, _, err = intent.Reduce(st, intent.Intent{
		Kind: intent.NewTab, WorkspaceID: workspaceID, URL: "https://youtube.com", MakeActive: true,
	}, ids, now)
	if err != nil {
		return nil, fmt.Errorf("create initial tab: %w", err)
	}

	touched := persistence.Touched{Settings: map[string]string{}}
	for _, p := range st.Profiles {
		touched.Profiles = append(touched.Profiles, p.ID)
	}
	for _, w := range st.Workspaces {
		touched.Workspaces = append(touched.Workspaces, w.ID)
	}
	for _, t := range st.Tabs {
		touched.Tabs = append(touched.Tabs, t.ID)
	}
	if err := store.Commit(ctx, st, touched); err != nil {
		return nil, fmt.Errorf("persist cold boot state: %w", err)
	}
	return st, nil
}

// seedIDs advances the id generators past every id on disk — not just
// the ids in the minimal boot snapshot — so freshly minted ids never
// collide with rows that have not been hydrated yet.
func seedIDs(ctx context.Context, store *persistence.Store) (*state.IDGenerators, error) {
	maxProfile, maxWorkspace, maxTab, err := store.MaxIDs(ctx)
	if err != nil {
		return nil, err
	}
	ids := state.NewIDGenerators()
	ids.Profile.AdvancePast(maxProfile)
	ids.Workspace.AdvancePast(maxWorkspace)
	ids.Tab.AdvancePast(maxTab)
	return ids, nil
}
