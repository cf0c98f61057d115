package bootstrap

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/config"
	"github.com/devrev/ringkv/internal/gossip"
	"github.com/devrev/ringkv/internal/metrics"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/server"
	"github.com/devrev/ringkv/internal/store"
	"github.com/devrev/ringkv/internal/streaming"
	"github.com/devrev/ringkv/internal/system"
	"github.com/devrev/ringkv/internal/transport"
	"github.com/devrev/ringkv/internal/util/workerpool"
)

// Messenger is the slice of the transport the bootstrap protocol uses
type Messenger interface {
	LocalEndpoint() ring.Endpoint
	SendOneWay(msg *transport.Message, to ring.Endpoint)
	SendRR(ctx context.Context, msg *transport.Message, to ring.Endpoint) (*transport.Message, error)
	RegisterVerbHandler(verb transport.Verb, handler transport.VerbHandler)
}

// ApplicationStater publishes cluster-visible state flags
type ApplicationStater interface {
	AddApplicationState(key, value string)
	RemoveApplicationState(key string)
}

// Context carries every collaborator the driver and verb handlers need.
// Handlers receive their collaborators by reference through it; there is no
// process-global state, so each test can instantiate a fresh context with
// fakes.
type Context struct {
	Config        config.BootstrapConfig
	TokenMetadata *ring.TokenMetadata
	Partitioner   ring.Partitioner
	TokenFactory  ring.TokenFactory
	Strategy      ring.ReplicationStrategy
	LoadBalancer  *gossip.StorageLoadBalancer
	AppState      ApplicationStater
	Messaging     Messenger
	Store         *store.Store
	System        *system.Store // optional; nil disables persistence
	StreamCtxs    *streaming.ContextManager
	StreamMgrs    *streaming.Managers
	Executor      *workerpool.WorkerPool
	Metrics       *metrics.Metrics
	Logger        *zap.Logger

	mu            sync.Mutex
	localToken    ring.Token
	hasToken      bool
	bootstrapping bool
	sources       map[string]ring.Endpoint
}

// SetLocalToken records the node's ring position
func (c *Context) SetLocalToken(t ring.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localToken = t
	c.hasToken = true
}

// LocalToken returns the node's ring position, if one has been set
func (c *Context) LocalToken() (ring.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localToken, c.hasToken
}

// Bootstrapping reports whether a bootstrap session is in progress
func (c *Context) Bootstrapping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bootstrapping
}

// beginBootstrap opens the session and publishes the cluster-visible flag
func (c *Context) beginBootstrap() {
	c.mu.Lock()
	c.bootstrapping = true
	c.sources = make(map[string]ring.Endpoint)
	c.mu.Unlock()

	if c.Metrics != nil {
		c.Metrics.BootstrapState.Set(1)
	}
	c.AppState.AddApplicationState(gossip.BootstrapMode, "true")
}

// AddBootstrapSource registers a peer expected to stream data to this node
func (c *Context) AddBootstrapSource(ep ring.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources == nil {
		c.sources = make(map[string]ring.Endpoint)
	}
	c.sources[ep.String()] = ep
}

// RemoveBootstrapSource retires a peer whose streams have all completed.
// When the last source is removed the session ends and the bootstrap flag
// is cleared.
func (c *Context) RemoveBootstrapSource(ep ring.Endpoint) {
	c.mu.Lock()
	delete(c.sources, ep.String())
	done := c.bootstrapping && len(c.sources) == 0
	c.mu.Unlock()

	c.Logger.Info("Bootstrap source done", zap.String("source", ep.String()))
	if done {
		c.completeBootstrap()
	}
}

// finishIfIdle completes the session when no sources were ever registered,
// which happens when the plan is empty.
func (c *Context) finishIfIdle() {
	c.mu.Lock()
	done := c.bootstrapping && len(c.sources) == 0
	c.mu.Unlock()
	if done {
		c.completeBootstrap()
	}
}

func (c *Context) completeBootstrap() {
	c.mu.Lock()
	if !c.bootstrapping {
		c.mu.Unlock()
		return
	}
	c.bootstrapping = false
	c.mu.Unlock()

	c.AppState.RemoveApplicationState(gossip.BootstrapMode)
	if c.Metrics != nil {
		c.Metrics.BootstrapState.Set(0)
	}
	if c.System != nil {
		if err := c.System.SetBootstrapComplete(true); err != nil {
			c.Logger.Error("Failed to persist bootstrap completion", zap.Error(err))
		}
	}
	c.Logger.Info("Bootstrap completed")
}

// Progress implements server.ProgressReporter
func (c *Context) Progress() server.BootstrapProgress {
	p := server.BootstrapProgress{
		Bootstrapping: c.Bootstrapping(),
		Incoming:      make(map[string][]string),
	}
	if t, ok := c.LocalToken(); ok {
		p.Token = t.String()
	}
	for _, host := range c.StreamCtxs.Hosts() {
		p.Incoming[host] = c.StreamCtxs.OutstandingFiles(host)
	}
	if c.StreamMgrs != nil {
		p.Outgoing = c.StreamMgrs.Progress()
	}
	return p
}
