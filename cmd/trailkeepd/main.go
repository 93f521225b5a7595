package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trailkeep/internal/archive"
	"trailkeep/internal/config"
	"trailkeep/internal/handlers"
	"trailkeep/internal/ledger"
	"trailkeep/internal/version"
	"trailkeep/pkg/bus"
	"trailkeep/pkg/db"
	gos3 "trailkeep/pkg/s3"
	"trailkeep/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	shutdownTracing, tracing, err := telemetry.Init(ctx, version.Name, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	var (
		store ledger.Store
		ready = func() bool { return true }
	)
	if cfg.DBDSN != "" {
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("migrate database")
		}

		store = ledger.NewPostgresStore(pool)
		ready = func() bool {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return db.Ping(pingCtx, pool) == nil
		}
	} else {
		log.Warn().Msg("DB_DSN not set, using in-memory store; events will not survive restarts")
		store = ledger.NewMemStore()
	}

	recorderOpts := []ledger.RecorderOption{
		ledger.WithDeadLetterCapacity(cfg.DeadLetterCapacity),
	}
	if cfg.NATSURL != "" {
		eventBus, err := bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect nats")
		}
		defer eventBus.Close()
		recorderOpts = append(recorderOpts, ledger.WithPublisher(eventBus))
	}

	locks := ledger.NewOrgLocks()
	recorder := ledger.NewRecorder(store, locks, recorderOpts...)

	if err := recorder.RestoreFromStore(ctx); err != nil {
		log.Error().Err(err).Msg("restore dead letters")
	}
	go recorder.RetryLoop(ctx, cfg.DeadLetterRetry)

	archiver := buildArchiver(cfg)
	retention := ledger.NewRetentionManager(store, archiver, locks)

	rules := ledger.DefaultSuspicionRules()
	if cfg.RulesFile != "" {
		rules, err = ledger.LoadSuspicionRules(cfg.RulesFile)
		if err != nil {
			log.Fatal().Err(err).Msg("load suspicion rules")
		}
	}

	api, err := handlers.NewAPI(handlers.Deps{
		Recorder:      recorder,
		Queries:       ledger.NewQueryEngine(store),
		Verifier:      ledger.NewVerifier(store),
		Reporter:      ledger.NewReporter(store, rules),
		Exporter:      ledger.NewExporter(store),
		Retention:     retention,
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("build api")
	}

	router := handlers.Router(api, cfg, handlers.RouterOptions{
		AllowedOrigins: cfg.CORSOrigins,
		RatePerMinute:  cfg.RatePerMinute,
		Telemetry:      tracing,
		Ready:          ready,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version.Version).Msg("starting trailkeepd")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}

	// Parked events outlive the process through the store-backed stash.
	if err := recorder.DrainToStore(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("drain dead letters")
	}
}

func buildArchiver(cfg *config.Config) *archive.Archiver {
	var sink archive.Sink
	switch {
	case cfg.ArchiveBucket != "":
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("init s3 client")
		}
		sink = archive.NewS3Sink(client, cfg.ArchiveBucket)
	case cfg.ArchiveDir != "":
		sink = archive.NewDirSink(cfg.ArchiveDir)
	default:
		log.Warn().Msg("no archive sink configured, retention will delete without archiving")
		return nil
	}

	var signer *archive.Signer
	if os.Getenv("AGE_SECRET_KEY") != "" || os.Getenv("AGE_PUBLIC_KEY") != "" {
		s, err := archive.NewSignerFromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("init archive signer")
		}
		signer = s
	} else {
		log.Warn().Msg("archive signing key not set, bundles will be unsigned")
	}

	return archive.New(sink, signer)
}
