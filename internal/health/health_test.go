package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Empty(t, statuses)
}

func TestRegistryOrderAndAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("store", Ping("store", func(context.Context) error { return nil }))
	r.Register("sweeper", Running("sweeper", func() bool { return false }))
	r.Register("catalog", func(context.Context) Status { return Status{Healthy: true, Detail: "queue 0"} })

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 3)
	assert.Equal(t, Status{Name: "store", Healthy: true}, statuses[0])
	assert.Equal(t, Status{Name: "sweeper", Healthy: false, Detail: "not running"}, statuses[1])
	assert.Equal(t, "catalog", statuses[2].Name, "name filled from registration")
}

func TestPing_ReportsError(t *testing.T) {
	st := Ping("store", func(context.Context) error { return errors.New("connection refused") })(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "connection refused", st.Detail)
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("store", Ping("store", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunning(t *testing.T) {
	var up atomic.Bool
	check := Running("sweeper", up.Load)
	assert.False(t, check(context.Background()).Healthy)
	up.Store(true)
	assert.True(t, check(context.Background()).Healthy)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
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
