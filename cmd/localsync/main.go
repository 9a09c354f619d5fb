package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("LOCALSYNC_BASE_URL", "http://127.0.0.1:8080"), "localsyncd base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("LOCALSYNC_AUTH_TOKEN")), "bearer token")
	collection := flag.String("collection", strings.TrimSpace(os.Getenv("LOCALSYNC_COLLECTION")), "collection to reconcile")
	interval := flag.Duration("interval", durationEnv("LOCALSYNC_SYNC_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("LOCALSYNC_SYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{Prefix: "localsync"})

	command := strings.TrimSpace(flag.Arg(0))
	if command == "" {
		command = "sync"
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := &apiClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(*baseURL), "/"),
		token:      strings.TrimSpace(*token),
		httpClient: &http.Client{Timeout: *timeout},
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "status":
		printJSON(rootCtx, logger, client, "/v1/status")
	case "quota":
		printJSON(rootCtx, logger, client, "/v1/quota")
	case "dead-letters":
		printJSON(rootCtx, logger, client, "/v1/dead-letters")
	case "sync":
		if strings.TrimSpace(*collection) == "" {
			logger.Fatal("collection is required (--collection or LOCALSYNC_COLLECTION)")
		}
		runSyncLoop(rootCtx, logger, client, strings.TrimSpace(*collection), *interval, *intervalJitter, *once)
	default:
		logger.Fatalf("unknown command %q (expected sync, status, quota, or dead-letters)", command)
	}
}

func runSyncLoop(ctx context.Context, logger *log.Logger, client *apiClient, collection string, interval time.Duration, jitter float64, once bool) {
	run := func() {
		if err := client.post(ctx, fmt.Sprintf("/v1/collections/%s/sync", url.PathEscape(collection))); err != nil {
			logger.Errorf("sync cycle failed: %v", err)
			return
		}
		logger.Infof("collection %s synced", collection)
	}

	run()
	if once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Infof("sync loop stopping: %v", ctx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func printJSON(ctx context.Context, logger *log.Logger, client *apiClient, path string) {
	body, err := client.get(ctx, path)
	if err != nil {
		logger.Fatalf("request failed: %v", err)
	}
	var indented json.RawMessage = body
	var buf map[string]any
	if json.Unmarshal(body, &buf) == nil {
		if pretty, prettyErr := json.MarshalIndent(buf, "", "  "); prettyErr == nil {
			indented = pretty
		}
	}
	fmt.Println(string(indented))
}

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func (c *apiClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path)
}

func (c *apiClient) post(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodPost, path)
	return err
}

func (c *apiClient) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
			return nil, fmt.Errorf("http %d %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return body, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
