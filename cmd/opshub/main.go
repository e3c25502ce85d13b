package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cachewatch/opshub/internal/httpapi"
	"github.com/cachewatch/opshub/internal/hubclient"
	"github.com/cachewatch/opshub/internal/opshub"
)

func main() {
	addr := os.Getenv("OPSHUB_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	eventQueue, historyBackend, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}

	policy := opshub.DefaultPolicy()
	policyFile := strings.TrimSpace(os.Getenv("OPSHUB_POLICY_FILE"))
	if policyFile != "" {
		loaded, err := opshub.LoadPolicy(policyFile)
		if err != nil {
			log.Fatalf("failed to load policy file %s: %v", policyFile, err)
		}
		policy = loaded
	}

	store := opshub.NewStoreWithOptions(opshub.StoreOptions{
		Policy:         policy,
		EventQueue:     eventQueue,
		EventQueueSize: intEnv("OPSHUB_EVENT_QUEUE_SIZE", 0),
		EventWorkers:   intEnv("OPSHUB_EVENT_WORKERS", 0),
		History:        historyBackend,
	})
	defer store.Close()

	client := opshub.NewHTTPCommandClient(opshub.CommandClientOptions{
		BaseURL: os.Getenv("OPSHUB_API_BASE_URL"),
		Token:   os.Getenv("OPSHUB_API_TOKEN"),
	})
	dispatcher := opshub.NewDispatcherWithOptions(store, client, opshub.DispatcherOptions{
		OnError: func(id string, err error) {
			log.Printf("dispatch error for %s: %v", id, err)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if policyFile != "" {
		watcher, err := opshub.WatchPolicy(policyFile, store.SetPolicy)
		if err != nil {
			log.Printf("policy watcher unavailable: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	hubURL := strings.TrimSpace(os.Getenv("OPSHUB_HUB_URL"))
	if hubURL != "" {
		validator, err := hubclient.NewValidator()
		if err != nil {
			log.Fatalf("failed to compile frame schema: %v", err)
		}
		hub, err := hubclient.New(hubclient.Options{
			URL:       hubURL,
			Token:     os.Getenv("OPSHUB_HUB_TOKEN"),
			Validator: validator,
		}, func(frame opshub.HubFrame) {
			ev, err := opshub.ParseHubFrame(frame)
			if err != nil {
				log.Printf("dropping unroutable frame %s: %v", frame.EventType, err)
				return
			}
			if err := store.Ingest(ev); err != nil && !errors.Is(err, opshub.ErrQueueFull) {
				log.Printf("ingest failed for %s: %v", ev.ID, err)
			}
		})
		if err != nil {
			log.Fatalf("failed to configure hub client: %v", err)
		}
		go func() {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("hub client stopped: %v", err)
			}
		}()
	}

	watchdog := opshub.NewWatchdog(store, client, durationEnv("OPSHUB_WATCHDOG_INTERVAL", 0))
	go watchdog.Run(ctx)

	server := httpapi.NewServerWithConfig(store, dispatcher, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("OPSHUB_JWT_SECRET"),
		RateLimitMax:    intEnv("OPSHUB_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("OPSHUB_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("OPSHUB_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("opshub listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (opshub.EventQueue, opshub.HistoryBackend, error) {
	profileQueueDSN, profileHistoryDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}

	var eventQueue opshub.EventQueue
	queueDSN := strings.TrimSpace(os.Getenv("OPSHUB_EVENT_QUEUE_DSN"))
	if queueDSN == "" {
		queueDSN = profileQueueDSN
	}
	if queueDSN != "" {
		eventQueue, err = opshub.BuildEventQueueFromDSN(queueDSN, intEnv("OPSHUB_EVENT_QUEUE_SIZE", 0))
		if err != nil {
			return nil, nil, err
		}
	}

	var historyBackend opshub.HistoryBackend
	historyDSN := strings.TrimSpace(os.Getenv("OPSHUB_HISTORY_DSN"))
	if historyDSN == "" {
		historyDSN = profileHistoryDSN
	}
	if historyDSN != "" {
		historyBackend, err = opshub.BuildHistoryBackendFromDSN(historyDSN)
		if err != nil {
			return nil, nil, err
		}
	}
	return eventQueue, historyBackend, nil
}

func storageProfileDefaultsFromEnv() (eventQueueDSN, historyDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("OPSHUB_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("OPSHUB_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".opshub"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("OPSHUB_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("OPSHUB_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", fmt.Errorf("OPSHUB_PRODUCTION_DSN or OPSHUB_POSTGRES_DSN is required when OPSHUB_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "event-queue.json"),
			"file://" + filepath.Join(dataDir, "history.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported OPSHUB_BACKEND_PROFILE: %s", profile)
	}
}
