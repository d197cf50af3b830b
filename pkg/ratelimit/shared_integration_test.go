//go:build integration

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestSharedBudget_Integration_ProcessesShareOneWindow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	cfg := BucketConfig{
		Reservoir:      10,
		RefillAmount:   10,
		RefillInterval: time.Hour,
	}

	// Two budgets on the same account stand in for two backup processes.
	first, err := NewSharedBudget(redisClient, "acme", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSharedBudget() error = %v", err)
	}
	second, err := NewSharedBudget(redisClient, "acme", cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSharedBudget() error = %v", err)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, budget := range []*SharedBudget{first, second} {
		wg.Add(1)
		go func(b *SharedBudget) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if err := b.Wait(ctx); err != nil {
					t.Errorf("Wait() error = %v", err)
				}
			}
		}(budget)
	}
	wg.Wait()

	state, err := first.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if !state.IsExhausted() {
		t.Errorf("Tokens = %v, want both processes to have drained the window", state.Tokens)
	}

	// The window is used up: the next claim must block.
	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	if err := second.Wait(waitCtx); err == nil {
		t.Error("Wait() succeeded on an exhausted shared window")
	}
}

func TestSharedBudget_Integration_KeysExpire(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	budget, err := NewSharedBudget(redisClient, "acme", BucketConfig{
		Reservoir:      5,
		RefillAmount:   5,
		RefillInterval: time.Minute,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSharedBudget() error = %v", err)
	}

	ctx := context.Background()
	if err := budget.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	key, _ := budget.windowKey(time.Now())
	ttl, err := redisClient.PTTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("PTTL() error = %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("TTL = %v, want within (0, 2m]", ttl)
	}
}
