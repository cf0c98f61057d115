package gossip_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/gossip"
	"github.com/devrev/ringkv/internal/ring"
)

func TestLoadBalancerIgnoresLocalEndpoint(t *testing.T) {
	local := ring.Endpoint{Host: "10.0.0.4", Port: 7000}
	lb := gossip.NewStorageLoadBalancer(local, zap.NewNop())
	defer lb.Stop()

	lb.UpdateLoad(local, 100)
	assert.Empty(t, lb.LoadInfo())

	_, ok := lb.MaxLoadedEndpoint()
	assert.False(t, ok)
}

func TestLoadBalancerMaxLoadTieBreaksFirstSeen(t *testing.T) {
	local := ring.Endpoint{Host: "10.0.0.4", Port: 7000}
	a := ring.Endpoint{Host: "10.0.0.1", Port: 7000}
	b := ring.Endpoint{Host: "10.0.0.2", Port: 7000}

	lb := gossip.NewStorageLoadBalancer(local, zap.NewNop())
	defer lb.Stop()

	lb.UpdateLoad(a, 3)
	lb.UpdateLoad(b, 3)

	max, ok := lb.MaxLoadedEndpoint()
	require.True(t, ok)
	assert.Equal(t, a, max, "equal loads break toward the first-seen peer")

	// a strictly higher load wins regardless of arrival order
	lb.UpdateLoad(b, 5)
	max, ok = lb.MaxLoadedEndpoint()
	require.True(t, ok)
	assert.Equal(t, b, max)
}

func TestWaitForLoadInfoReleasesOnFirstReport(t *testing.T) {
	local := ring.Endpoint{Host: "10.0.0.4", Port: 7000}
	lb := gossip.NewStorageLoadBalancer(local, zap.NewNop())
	defer lb.Stop()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- lb.WaitForLoadInfo(ctx)
	}()

	lb.UpdateLoad(ring.Endpoint{Host: "10.0.0.1", Port: 7000}, 1)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForLoadInfo did not release after a load report")
	}
}

func TestWaitForLoadInfoRespectsDeadline(t *testing.T) {
	local := ring.Endpoint{Host: "10.0.0.4", Port: 7000}
	lb := gossip.NewStorageLoadBalancer(local, zap.NewNop())
	defer lb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := lb.WaitForLoadInfo(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
