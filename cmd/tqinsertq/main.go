package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mevdschee/tqinsertq/config"
	"github.com/mevdschee/tqinsertq/dedup"
	"github.com/mevdschee/tqinsertq/insertqueue"
	"github.com/mevdschee/tqinsertq/memtrack"
	"github.com/mevdschee/tqinsertq/metrics"
	"github.com/mevdschee/tqinsertq/server"
	"github.com/mevdschee/tqinsertq/storage"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize metrics
	metrics.Init()

	db, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to %s backend: %v", cfg.Storage.Driver, err)
	}
	defer db.Close()
	log.Printf("[Storage] Connected to %s backend", cfg.Storage.Driver)

	var tokens *dedup.Cache
	if cfg.Storage.DedupMax > 0 {
		tokens, err = dedup.New(cfg.Storage.DedupMax, cfg.Storage.DedupTTL)
		if err != nil {
			log.Fatalf("Failed to create dedup cache: %v", err)
		}
		defer tokens.Close()
	}

	writer := storage.NewSQLWriter(db, tokens)
	queue := insertqueue.New(writer, insertqueue.Config{
		PoolSize:        cfg.Queue.PoolSize,
		BusyTimeout:     cfg.Queue.BusyTimeout,
		MaxDataSize:     cfg.Queue.MaxDataSize,
		MaxEntries:      cfg.Queue.MaxEntries,
		FlushOnShutdown: cfg.Queue.FlushOnShutdown,
	})

	trackers := memtrack.NewRegistry(cfg.Queue.UserMemoryLimit)
	api := server.New(queue, writer, trackers)

	apiSrv := &http.Server{Addr: cfg.Server.Listen, Handler: api.Router()}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.Handle("/debug/pprof/", http.DefaultServeMux)
	metricsSrv := &http.Server{Addr: cfg.Server.Metrics, Handler: metricsMux}

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		log.Printf("[Server] Insert API at http://localhost%s/v1/insert/{table}", cfg.Server.Listen)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("[Server] Metrics endpoint at http://localhost%s/metrics", cfg.Server.Metrics)
		if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			log.Printf("Received %v, shutting down...", sig)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiSrv.Shutdown(shutdownCtx)
		metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Server error: %v", err)
	}

	// Listeners are down; flush or fail whatever is still queued.
	queue.Close()
	log.Println("TQInsertQ stopped")
}
