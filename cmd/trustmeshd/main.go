// Command trustmeshd runs a trust graph kernel node: the transactional
// store, the score engine, the fetch/import pipeline, the subscription
// and notification engine, and the HTTP/JSON RPC surface, wired
// together and served until a shutdown signal arrives.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/trustmesh/trustmesh/internal/config"
	"github.com/trustmesh/trustmesh/internal/fetch"
	"github.com/trustmesh/trustmesh/internal/importqueue"
	"github.com/trustmesh/trustmesh/internal/job"
	"github.com/trustmesh/trustmesh/internal/keystore"
	"github.com/trustmesh/trustmesh/internal/parse"
	"github.com/trustmesh/trustmesh/internal/rpcapi"
	"github.com/trustmesh/trustmesh/internal/score"
	"github.com/trustmesh/trustmesh/internal/subscription"
	"github.com/trustmesh/trustmesh/internal/wotstore"
)

// Package-level logger, initialized by initLogger before any component
// is built.
var logger *slog.Logger

func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// node bundles every component of a running trustmeshd, enough to
// start and gracefully stop it.
type node struct {
	cfg         *config.Config
	store       *wotstore.Store
	scoreEngine *score.Engine
	subscriber  *subscription.Manager
	queue       *importqueue.Queue
	importJob   *job.TickerJob
	deployJob   *job.TickerJob
	fetchTicker *time.Ticker
	fetchDone   chan struct{}
	server      *http.Server
	configWatch *config.Watcher
}

func newNode(cfg *config.Config) (*node, error) {
	store := wotstore.New()
	scoreEngine := score.New(cfg.CapacityTable)
	store.SetScoreEngine(scoreEngine)

	subscriber := subscription.New(store, cfg.ClientFailureLimit)
	store.SetNotifier(subscriber)

	queue := importqueue.New()
	if err := queue.Load(cfg.DataDir); err != nil {
		logger.Warn("failed to load persisted import queue", "error", err)
	}
	importer := importqueue.New(store, parse.New(), queue)
	importJob := job.NewTickerJob(cfg.ImportDelay, importer.Run)

	deployJob := job.NewTickerJob(cfg.SubscriptionDelay, subscriber.Deploy)
	subscriber.SetJob(deployJob)

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}
	var fetcher fetch.Fetcher
	if cfg.IPFSEnabled {
		fetcher = fetch.NewIPFSFetcher(cfg.IPFSGatewayURL, &http.Client{Timeout: cfg.IPFSTimeout}, 5)
	} else {
		fetcher = fetch.NoOpFetcher{}
	}
	scheduler := fetch.New(fetcher, queue, storeIdentityLister{store}, storeScoreLister{store})

	rpcServer := rpcapi.NewServer(store, subscriber, cfg.NodeAuthSecret, cfg.RequireNodeAuth, cfg.RateLimitPerMinute, cfg.MaxBodySizeBytes)

	n := &node{
		cfg:         cfg,
		store:       store,
		scoreEngine: scoreEngine,
		subscriber:  subscriber,
		queue:       queue,
		importJob:   importJob,
		deployJob:   deployJob,
		fetchDone:   make(chan struct{}),
		server: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      rpcServer.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
	}
	n.fetchTicker = time.NewTicker(cfg.ImportDelay)
	n.runFetchLoop(scheduler, httpClient)
	n.watchConfig()
	return n, nil
}

// watchConfig hot-reloads the capacity table and the import/
// subscription delays from the config file, if one was found, without
// requiring a restart. Options that shape the listening socket itself
// (port, TLS) are not covered: picking those up would mean rebinding,
// which is no longer a config reload.
func (n *node) watchConfig() {
	path := config.ResolvedConfigPath()
	if path == "" {
		return
	}
	w, err := config.WatchFile(path, n.applyReloadedConfig, logger)
	if err != nil {
		logger.Warn("failed to watch config file", "path", path, "error", err)
		return
	}
	n.configWatch = w
}

func (n *node) applyReloadedConfig(cfg *config.Config) {
	n.scoreEngine.SetCapacityTable(cfg.CapacityTable)
	n.importJob.SetDefaultDelay(cfg.ImportDelay)
	n.deployJob.SetDefaultDelay(cfg.SubscriptionDelay)
	n.fetchTicker.Reset(cfg.ImportDelay)
	logger.Info("applied reloaded config",
		"importDelay", cfg.ImportDelay, "subscriptionDelay", cfg.SubscriptionDelay)
}

// runFetchLoop drives the fetch scheduler on the same cadence as the
// importer, since a freshly fetched payload is only useful once
// imported.
func (n *node) runFetchLoop(scheduler *fetch.Scheduler, httpClient *http.Client) {
	go func() {
		for {
			select {
			case <-n.fetchDone:
				return
			case <-n.fetchTicker.C:
				ctx, cancel := context.WithTimeout(context.Background(), httpClient.Timeout)
				scheduler.Run(ctx)
				cancel()
				n.importJob.Trigger()
			}
		}
	}()
}

func (n *node) stopFetchLoop() {
	n.fetchTicker.Stop()
	close(n.fetchDone)
}

// shutdown performs graceful shutdown in dependency order: stop
// accepting new HTTP requests first, then drain background jobs.
func (n *node) shutdown(cfg *config.Config) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("shutting down HTTP server", "timeout", cfg.ShutdownTimeout)
	if err := n.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	n.stopFetchLoop()
	if n.configWatch != nil {
		if err := n.configWatch.Close(); err != nil {
			logger.Warn("error closing config watcher", "error", err)
		}
	}

	n.importJob.Terminate()
	n.deployJob.Terminate()
	if !n.importJob.WaitForTermination(cfg.ShutdownTimeout) {
		logger.Warn("import job did not terminate within shutdown timeout")
	}
	if !n.deployJob.WaitForTermination(cfg.ShutdownTimeout) {
		logger.Warn("deploy job did not terminate within shutdown timeout")
	}

	if err := n.queue.Save(cfg.DataDir); err != nil {
		logger.Error("failed to persist import queue", "error", err)
	}
}

func main() {
	cfg := config.Load()
	initLogger(cfg.LogLevel)

	if _, err := keystore.NewInMemoryKeyStore(); err != nil {
		logger.Error("failed to provision local keystore", "error", err)
		os.Exit(1)
	}

	n, err := newNode(cfg)
	if err != nil {
		logger.Error("failed to initialize trustmeshd", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting RPC server", "port", n.cfg.Port)
		if err := n.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("initiating graceful shutdown")
	case err := <-serverErr:
		logger.Error("RPC server failed", "error", err)
		cancel()
	}

	n.shutdown(cfg)

	logger.Info("waiting for background goroutines to finish")
	wg.Wait()
	logger.Info("shutdown complete")
}

// storeIdentityLister adapts wotstore.Store to fetch.IdentityLister.
type storeIdentityLister struct{ store *wotstore.Store }

func (l storeIdentityLister) AllIdentities() []fetch.IdentitySnapshot {
	identities := l.store.AllIdentities()
	out := make([]fetch.IdentitySnapshot, 0, len(identities))
	for _, id := range identities {
		out = append(out, fetch.IdentitySnapshot{
			ID:          id.ID,
			RequestURI:  id.RequestURI,
			Edition:     id.Edition,
			EditionHint: id.EditionHint,
		})
	}
	return out
}

// storeScoreLister adapts wotstore.Store to fetch.ScoreLister.
type storeScoreLister struct{ store *wotstore.Store }

func (l storeScoreLister) HasPositiveScore(id string) bool {
	for _, sc := range l.store.ScoresByTarget(id) {
		if sc.Value > 0 {
			return true
		}
	}
	return false
}
