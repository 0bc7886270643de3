package health

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	healthy, statuses := NewRegistry(0).CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second)
	r.Register("db", func(_ context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("redis", func(_ context.Context) Status {
		return Status{Name: "ignored", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "db", statuses[0].Name)
	assert.Equal(t, "redis", statuses[1].Name, "registered name wins")
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryTimeoutReachesChecks(t *testing.T) {
	r := NewRegistry(20 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		select {
		case <-ctx.Done():
			return Status{Healthy: false, Detail: ctx.Err().Error()}
		case <-time.After(time.Second):
			return Status{Healthy: true}
		}
	})

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Contains(t, statuses[0].Detail, "deadline")
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status { return Status{Healthy: true} })
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}
	wg.Wait()

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 10)
}

func TestRunningAndQueue(t *testing.T) {
	running := false
	check := Running(func() bool { return running })
	assert.False(t, check(context.Background()).Healthy)
	running = true
	assert.True(t, check(context.Background()).Healthy)

	q := Queue(func() int { return 3 }, 4)
	st := q(context.Background())
	assert.True(t, st.Healthy)
	assert.Equal(t, "3/4", st.Detail)
	assert.False(t, Queue(func() int { return 4 }, 4)(context.Background()).Healthy)
}

func TestRedisCheck(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	assert.True(t, Redis(client)(context.Background()).Healthy)
}
