package gossip

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
)

// StorageLoadBalancer collects the per-endpoint load figures disseminated
// through gossip. The bootstrap driver blocks on it before choosing a token
// so that the most-loaded peer can be identified.
type StorageLoadBalancer struct {
	local  ring.Endpoint
	logger *zap.Logger

	mu    sync.Mutex
	loads map[ring.Endpoint]float64
	order []ring.Endpoint // first-seen order, breaks max-load ties

	arrived     chan struct{}
	arrivedOnce sync.Once
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewStorageLoadBalancer creates a balancer for the given local endpoint.
// The local node's own load is never a bootstrap source and is ignored.
func NewStorageLoadBalancer(local ring.Endpoint, logger *zap.Logger) *StorageLoadBalancer {
	return &StorageLoadBalancer{
		local:    local,
		logger:   logger,
		loads:    make(map[ring.Endpoint]float64),
		arrived:  make(chan struct{}),
		stopChan: make(chan struct{}),
	}
}

// Start polls the gossip service for member load figures
func (lb *StorageLoadBalancer) Start(g *Service, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-lb.stopChan:
				return
			case <-ticker.C:
				for _, state := range g.Members() {
					if state.Bootstrapping() {
						continue
					}
					lb.UpdateLoad(state.Endpoint(), state.Load)
				}
			}
		}
	}()
}

// UpdateLoad records a peer's reported load
func (lb *StorageLoadBalancer) UpdateLoad(ep ring.Endpoint, load float64) {
	if ep == lb.local || ep.IsZero() {
		return
	}

	lb.mu.Lock()
	if _, seen := lb.loads[ep]; !seen {
		lb.order = append(lb.order, ep)
	}
	lb.loads[ep] = load
	lb.mu.Unlock()

	lb.arrivedOnce.Do(func() { close(lb.arrived) })
}

// WaitForLoadInfo blocks until at least one peer has reported load or the
// context expires. Expiry is not an error by itself: the caller inspects
// LoadInfo and fails with no-sources when it is empty.
func (lb *StorageLoadBalancer) WaitForLoadInfo(ctx context.Context) error {
	select {
	case <-lb.arrived:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-lb.stopChan:
		return nil
	}
}

// LoadInfo returns a copy of the known peer loads
func (lb *StorageLoadBalancer) LoadInfo() map[ring.Endpoint]float64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make(map[ring.Endpoint]float64, len(lb.loads))
	for ep, load := range lb.loads {
		out[ep] = load
	}
	return out
}

// MaxLoadedEndpoint returns the peer with the highest reported load. Ties
// break toward the first-seen peer.
func (lb *StorageLoadBalancer) MaxLoadedEndpoint() (ring.Endpoint, bool) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var max ring.Endpoint
	var maxLoad float64
	found := false
	for _, ep := range lb.order {
		load := lb.loads[ep]
		if !found || load > maxLoad {
			max = ep
			maxLoad = load
			found = true
		}
	}
	return max, found
}

// Stop halts polling and releases waiters
func (lb *StorageLoadBalancer) Stop() {
	lb.stopOnce.Do(func() { close(lb.stopChan) })
}
