package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/maxpert/changefeed/admin"
	"github.com/maxpert/changefeed/cfg"
	"github.com/maxpert/changefeed/flow"
	"github.com/maxpert/changefeed/hlc"
	"github.com/maxpert/changefeed/mutation"
	"github.com/maxpert/changefeed/notify"
	"github.com/maxpert/changefeed/observer"
	"github.com/maxpert/changefeed/relay"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/maxpert/changefeed/wal"

	_ "github.com/maxpert/changefeed/relay/sink"
	_ "github.com/maxpert/changefeed/relay/transformer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// liveCatalog is the catalog view announced to the catalog observer
type liveCatalog struct {
	name    string
	version int64
}

func (c liveCatalog) Name() string   { return c.name }
func (c liveCatalog) Version() int64 { return c.version }

func main() {
	if err := cfg.ParseFlags(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Str("catalog", cfg.Config.Catalog).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("changefeed - change data capture for catalogs")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	clock := hlc.NewClock(cfg.Config.NodeID)
	hub := notify.NewHub()

	// Durable logs: one for the catalog, one for engine level lifecycle changes
	catalogLog, err := wal.Open(cfg.WALPath(), wal.Options{
		Catalog:       cfg.Config.Catalog,
		Compression:   cfg.Config.WAL.Compression,
		CacheVersions: cfg.Config.WAL.CacheVersions,
		Clock:         clock,
		Notifier:      hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open catalog mutation log")
		return
	}
	defer catalogLog.Close()

	engineLog, err := wal.Open(filepath.Join(cfg.Config.DataDir, "engine"), wal.Options{
		Catalog:       observer.EngineScope,
		Compression:   cfg.Config.WAL.Compression,
		CacheVersions: cfg.Config.WAL.CacheVersions,
		Clock:         clock,
		Notifier:      hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open engine mutation log")
		return
	}
	defer engineLog.Close()

	if engineLog.CommittedVersion() == 0 {
		if _, _, err := engineLog.Commit(
			&mutation.CatalogLifecycle{Catalog: cfg.Config.Catalog, Action: mutation.ActionCreate},
			&mutation.CatalogLifecycle{Catalog: cfg.Config.Catalog, Action: mutation.ActionGoLive},
		); err != nil {
			log.Fatal().Err(err).Msg("Failed to record catalog creation")
			return
		}
	}

	// Observers share one executor
	executor := flow.NewPool(cfg.Config.CDC.ExecutorWorkers)
	defer executor.Close()

	observerConfig := func(source observer.Source) observer.Config {
		return observer.Config{
			Source:               source,
			Executor:             executor,
			RingBufferSize:       cfg.Config.CDC.RingBufferSize,
			SubscriberBufferSize: cfg.Config.CDC.SubscriberBufferSize,
			PublisherBufferSize:  cfg.Config.CDC.PublisherBufferSize,
			ReplayRoundSize:      cfg.Config.CDC.ReplayRoundSize,
			CleanupInterval:      time.Duration(cfg.Config.CDC.CleanupIntervalMS) * time.Millisecond,
		}
	}

	catalogObserver := observer.NewCatalogObserver(cfg.Config.Catalog, observerConfig(catalogLog))
	defer catalogObserver.Close()
	if err := catalogObserver.NotifyCatalogPresentInLiveView(liveCatalog{
		name:    cfg.Config.Catalog,
		version: catalogLog.CommittedVersion(),
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to bring catalog observer live")
		return
	}

	engineObserver := observer.NewEngineObserver(observerConfig(engineLog))
	defer engineObserver.Close()

	followInterval := time.Duration(cfg.Config.WAL.FollowIntervalMS) * time.Millisecond
	catalogFollower := observer.NewFollower(observer.FollowerConfig{
		Log:            catalogLog,
		Target:         catalogObserver,
		Hub:            hub,
		Catalog:        cfg.Config.Catalog,
		Interval:       followInterval,
		RetainVersions: cfg.Config.WAL.RetainVersions,
	})
	catalogFollower.Start()
	defer catalogFollower.Stop()

	engineFollower := observer.NewFollower(observer.FollowerConfig{
		Log:      engineLog,
		Target:   engineObserver,
		Hub:      hub,
		Catalog:  observer.EngineScope,
		Interval: followInterval,
	})
	engineFollower.Start()
	defer engineFollower.Stop()

	collector := telemetry.NewMetricsCollector(10*time.Second, catalogObserver, engineObserver)
	collector.Start()
	defer collector.Stop()

	// Relay sinks; cursors live next to the catalog history
	relayRegistry, err := relay.NewRegistry(relay.RegistryConfig{
		Catalog: cfg.Config.Catalog,
		Observers: map[string]relay.Observer{
			cfg.Config.Catalog:   catalogObserver,
			observer.EngineScope: engineObserver,
		},
		Cursors:     catalogLog,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize relay registry")
		return
	}
	if err := relayRegistry.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start relay registry")
		return
	}
	defer relayRegistry.Stop()

	var server *http.Server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(
			map[string]admin.Registry{
				cfg.Config.Catalog:   catalogObserver,
				observer.EngineScope: engineObserver,
			},
			map[string]admin.Log{
				cfg.Config.Catalog:   catalogLog,
				observer.EngineScope: engineLog,
			},
			relayRegistry,
		)
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, handlers)

		server = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Admin server failed")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int64("version", catalogLog.CommittedVersion()).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("changefeed started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Stringer("signal", sig).Msg("Shutting down")

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Admin server shutdown failed")
		}
		cancel()
	}
}
