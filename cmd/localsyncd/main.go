package main

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/offlinekit/localsync/internal/httpapi"
	"github.com/offlinekit/localsync/internal/localstore"
	"github.com/offlinekit/localsync/internal/syncengine"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "localsyncd",
	})

	addr := os.Getenv("LOCALSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	dataDir := strings.TrimSpace(os.Getenv("LOCALSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".localsync"
	}
	storeDSN := strings.TrimSpace(os.Getenv("LOCALSYNC_STORE_DSN"))
	if storeDSN == "" {
		storeDSN = "file://" + filepath.Join(dataDir, "store")
	}

	backend, err := localstore.BuildBackendFromDSN(storeDSN, int64Env(logger, "LOCALSYNC_CAPACITY_BYTES", 0))
	if err != nil {
		logger.Fatalf("failed to initialize storage backend: %v", err)
	}
	store := localstore.NewStoreWithOptions(localstore.StoreOptions{
		Backend:  backend,
		OriginID: strings.TrimSpace(os.Getenv("LOCALSYNC_ORIGIN_ID")),
		Logger:   logger,
	})
	defer store.Close()

	quota := localstore.NewQuotaMonitor(store, localstore.QuotaMonitorOptions{
		DefaultCapacityBytes: int64Env(logger, "LOCALSYNC_CAPACITY_BYTES", 0),
		Retention:            durationEnv(logger, "LOCALSYNC_RETENTION", 0),
		EvictableNamespaces:  splitList(os.Getenv("LOCALSYNC_EVICTABLE_NAMESPACES")),
		Logger:               logger,
		OnWarning: func(snapshot localstore.QuotaSnapshot) {
			logger.Warnf("storage usage at %.1f%% (%d/%d bytes)", snapshot.PercentUsed, snapshot.TotalBytes, snapshot.EstimatedCapacityBytes)
		},
		OnCritical: func(snapshot localstore.QuotaSnapshot) {
			logger.Errorf("storage critically full at %.1f%% and eviction cannot free space", snapshot.PercentUsed)
		},
	})
	stopMonitor := quota.StartMonitoring(durationEnv(logger, "LOCALSYNC_QUOTA_INTERVAL", 30*time.Second))
	defer stopMonitor()

	if fileBackend, ok := backend.(*localstore.FileBackend); ok && boolEnv("LOCALSYNC_WATCH", true) {
		watcher, watchErr := localstore.NewWatcher(store, fileBackend, logger)
		if watchErr != nil {
			logger.Fatalf("failed to start change watcher: %v", watchErr)
		}
		defer watcher.Close()
	}

	var engine *syncengine.Engine
	remoteURL := strings.TrimSpace(os.Getenv("LOCALSYNC_REMOTE_URL"))
	if remoteURL != "" {
		queue, queueErr := syncengine.BuildTaskQueueFromDSN(
			strings.TrimSpace(os.Getenv("LOCALSYNC_QUEUE_DSN")),
			intEnv(logger, "LOCALSYNC_QUEUE_SIZE", 0),
		)
		if queueErr != nil {
			logger.Fatalf("failed to initialize task queue: %v", queueErr)
		}
		collections := splitList(os.Getenv("LOCALSYNC_COLLECTIONS"))
		if len(collections) == 0 {
			logger.Fatal("LOCALSYNC_COLLECTIONS is required when LOCALSYNC_REMOTE_URL is set")
		}
		engine, err = syncengine.NewEngine(syncengine.EngineOptions{
			Store:       store,
			Remote:      syncengine.NewHTTPClient(remoteURL, os.Getenv("LOCALSYNC_REMOTE_TOKEN"), nil),
			Queue:       queue,
			Collections: collections,
			MaxAttempts: intEnv(logger, "LOCALSYNC_MAX_ATTEMPTS", 0),
			RetryDelay:  durationEnv(logger, "LOCALSYNC_RETRY_DELAY", 0),
			Workers:     intEnv(logger, "LOCALSYNC_WORKERS", 0),
			Logger:      logger,
		})
		if err != nil {
			logger.Fatalf("failed to start reconciliation engine: %v", err)
		}
		defer engine.Close()
	}

	server := httpapi.NewServerWithConfig(store, engine, quota, httpapi.ServerConfig{
		AuthToken:       os.Getenv("LOCALSYNC_AUTH_TOKEN"),
		RateLimitMax:    intEnv(logger, "LOCALSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv(logger, "LOCALSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env(logger, "LOCALSYNC_MAX_BODY_BYTES", 0),
	})

	logger.Infof("localsyncd listening on %s (store %s)", addr, storeDSN)
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}

func intEnv(logger *log.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(logger *log.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *log.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
