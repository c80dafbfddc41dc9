// Command takrelay runs the detection relay: it ingests geolocated
// detections over HTTP, classifies and encodes them as CoT events, and
// delivers them to the configured sink with durable offline queueing.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fieldsight/takrelay/internal/api"
	"github.com/fieldsight/takrelay/internal/audit"
	"github.com/fieldsight/takrelay/internal/config"
	"github.com/fieldsight/takrelay/internal/cot"
	"github.com/fieldsight/takrelay/internal/db"
	"github.com/fieldsight/takrelay/internal/dispatch"
	"github.com/fieldsight/takrelay/internal/hold"
	"github.com/fieldsight/takrelay/internal/monitoring"
	"github.com/fieldsight/takrelay/internal/queue"
	"github.com/fieldsight/takrelay/internal/sink"
)

var (
	configPath    = flag.String("config", "", "Path to JSON config file")
	listen        = flag.String("listen", "", "Listen address (overrides config)")
	dbPath        = flag.String("db", "", "SQLite database path (overrides config)")
	migrationsDir = flag.String("migrations", "migrations", "Path to migrations directory")
	adminRoutes   = flag.Bool("admin", false, "Expose /debug admin routes (tailsql, backup)")
)

func main() {
	flag.Parse()

	// .env is optional; real env vars win either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	applyEnvOverrides(cfg)
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	relayDB, err := db.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer relayDB.Close()

	if err := relayDB.MigrateUp(*migrationsDir); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	version, dirty, err := relayDB.MigrateVersion(*migrationsDir)
	if err != nil {
		log.Fatalf("migrate version: %v", err)
	}
	log.Printf("database %s at schema version %d (dirty=%v)", cfg.GetDBPath(), version, dirty)

	snk, err := sink.NewFromSettings(sink.Settings{
		Kind:        cfg.GetSinkKind(),
		URL:         cfg.GetSinkURL(),
		NATSSubject: cfg.GetNATSSubject(),
		SendTimeout: cfg.GetSendTimeout(),
	})
	if err != nil {
		log.Fatalf("sink: %v", err)
	}
	defer snk.Close()

	metrics := monitoring.NewMetrics()
	auditLog := audit.NewLog(relayDB.DB)
	q := queue.New(relayDB.DB, auditLog, queue.Config{
		MaxSize:      cfg.GetMaxQueueSize(),
		RetryCeiling: cfg.GetRetryCeiling(),
		StaleClaim:   cfg.GetStaleClaim(),
		BackoffBase:  cfg.GetBackoffBase(),
		BackoffMax:   cfg.GetBackoffMax(),
	})
	holds := hold.NewStore(relayDB.DB)

	dispatcher := dispatch.New(
		cfg.ClassifyTable(),
		cot.NewEncoder(cfg.GetStaleAfter()),
		q, holds, auditLog, snk, metrics,
	)
	dispatcher.SendTimeout = cfg.GetSendTimeout()
	dispatcher.ClockSkew = cfg.GetClockSkew()

	syncWorker := dispatch.NewSyncWorker(q, snk, auditLog, metrics)
	syncWorker.Interval = cfg.GetSyncInterval()
	syncWorker.BatchSize = cfg.GetBatchSize()
	syncWorker.AttemptTimeout = cfg.GetAttemptTimeout()
	syncWorker.StaleClaim = cfg.GetStaleClaim()
	syncWorker.Start()

	sweeper := audit.NewRetentionSweeper(auditLog, cfg.GetAuditRetention())
	sweeper.Start()

	server := api.NewServer(dispatcher, q, holds, auditLog, metrics)
	mux := server.ServeMux()
	if *adminRoutes {
		if err := relayDB.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("admin routes: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.GetListenAddr(),
		Handler: api.LoggingMiddleware(mux),
	}

	go func() {
		log.Printf("takrelay listening on %s (sink=%s)", cfg.GetListenAddr(), cfg.GetSinkKind())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutting down")

	// Stop accepting new detections first, then let the sync worker finish
	// its batch and return any claims, then stop the sweeper.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("http shutdown: %v", err)
	}
	syncWorker.Stop()
	sweeper.Stop()
	log.Printf("shutdown complete")
}

// applyEnvOverrides maps deployment environment variables onto the config.
func applyEnvOverrides(cfg *config.RelayConfig) {
	if v := os.Getenv("TAKRELAY_SINK_KIND"); v != "" {
		cfg.SinkKind = &v
	}
	if v := os.Getenv("TAKRELAY_SINK_URL"); v != "" {
		cfg.SinkURL = &v
	}
	if v := os.Getenv("TAKRELAY_NATS_SUBJECT"); v != "" {
		cfg.NATSSubject = &v
	}
	if v := os.Getenv("TAKRELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TAKRELAY_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}
}
