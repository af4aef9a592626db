//go:build integration

package integration

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/geokit-dev/geodig/internal/testutil"
	"github.com/geokit-dev/geodig/pkg/ratelimit"
	"github.com/geokit-dev/geodig/pkg/runner"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, string, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	addr := host + ":" + port.Port()
	redisClient := redis.NewClient(&redis.Options{Addr: addr})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, addr, cleanup
}

func writeTargets(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write targets: %v", err)
	}
	return path
}

// TestFullRunWithSharedBudget runs the complete pipeline against the
// mock geolocation API with the quota budget stored in Redis, then
// verifies that the budget observed during the run is visible to a
// second process sharing the same store.
func TestFullRunWithSharedBudget(t *testing.T) {
	redisClient, addr, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockGeoAPI()
	defer mock.Close()

	mock.SetResponse("1.1.1.1", testutil.NewSuccessResponse("1.1.1.1", "Australia"))
	mock.SetResponse("8.8.8.8", testutil.NewSuccessResponse("8.8.8.8", "United States"))
	mock.SetResponse("10.0.0.1", testutil.NewFailResponse("10.0.0.1", "private range"))

	cfg := runner.DefaultConfig()
	cfg.InputPath = writeTargets(t, []string{"1.1.1.1", "8.8.8.8", "10.0.0.1"})
	cfg.OutputDir = t.TempDir()
	cfg.Workers = 2
	cfg.RedisAddr = addr
	cfg.Lookup.BaseURL = mock.URL()

	r, err := runner.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.State != runner.StateCompleted {
		t.Errorf("State = %q, want %q", summary.State, runner.StateCompleted)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 2/1", summary.Succeeded, summary.Failed)
	}

	// Result file is durable and complete.
	data, err := os.ReadFile(summary.OutputPath)
	if err != nil {
		t.Fatalf("Failed to read results: %v", err)
	}
	text := strings.TrimPrefix(string(data), "\xef\xbb\xbf")
	rows, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse results: %v", err)
	}
	if len(rows) != 4 { // header + 3 targets
		t.Errorf("Result rows = %d, want 4", len(rows))
	}

	// A second limiter sharing the Redis store sees the budget the run
	// observed from the mock's X-Rl/X-Ttl headers.
	store := ratelimit.NewRedisStore(redisClient)
	limiter := ratelimit.NewLimiter(store, ratelimit.DefaultConfig(),
		zerolog.New(os.Stderr).Level(zerolog.Disabled))

	budget, err := limiter.Budget(context.Background())
	if err != nil {
		t.Fatalf("Failed to load shared budget: %v", err)
	}
	if budget.Remaining <= 0 || budget.Remaining > 40 {
		t.Errorf("Shared Remaining = %d, want within (0, 40]", budget.Remaining)
	}
	if budget.ResetAt.Before(time.Now()) {
		t.Errorf("Shared ResetAt = %v, want in the future", budget.ResetAt)
	}
}

// TestInterruptedRunKeepsPartialResults cancels a slow run mid-flight
// and verifies the durable rows match the reported summary.
func TestInterruptedRunKeepsPartialResults(t *testing.T) {
	_, addr, cleanup := setupRedis(t)
	defer cleanup()

	mock := testutil.NewMockGeoAPI()
	defer mock.Close()

	targets := []string{"2.0.0.1", "2.0.0.2", "2.0.0.3", "2.0.0.4", "2.0.0.5"}
	for _, target := range targets {
		resp := testutil.NewSuccessResponse(target, "Testland")
		resp.Delay = 150 * time.Millisecond
		mock.SetResponse(target, resp)
	}

	cfg := runner.DefaultConfig()
	cfg.InputPath = writeTargets(t, targets)
	cfg.OutputDir = t.TempDir()
	cfg.Workers = 1
	cfg.RedisAddr = addr
	cfg.Lookup.BaseURL = mock.URL()

	r, err := runner.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create runner: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	summary, err := r.Run(ctx)
	if err != nil {
		t.Fatalf("Run after cancel failed: %v", err)
	}

	if summary.State != runner.StateCancelled {
		t.Errorf("State = %q, want %q", summary.State, runner.StateCancelled)
	}
	if summary.Attempted == 0 || summary.Attempted >= uint64(len(targets)) {
		t.Errorf("Attempted = %d, want partial progress", summary.Attempted)
	}

	data, err := os.ReadFile(summary.OutputPath)
	if err != nil {
		t.Fatalf("Failed to read results: %v", err)
	}
	text := strings.TrimPrefix(string(data), "\xef\xbb\xbf")
	rows, err := csv.NewReader(strings.NewReader(text)).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse results: %v", err)
	}
	if got := uint64(len(rows) - 1); got != summary.Attempted {
		t.Errorf("Durable rows = %d, want %d", got, summary.Attempted)
	}
}
