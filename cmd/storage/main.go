package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/bootstrap"
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

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SystemFile), 0o755); err != nil {
		logger.Fatal("Failed to create system directory", zap.Error(err))
	}

	systemStore, err := system.Open(cfg.Storage.SystemFile)
	if err != nil {
		logger.Fatal("Failed to open system store", zap.Error(err))
	}
	defer systemStore.Close()

	partitioner := ring.Partitioner{}
	tokenMetadata := ring.NewTokenMetadata()
	strategy := ring.NewSimpleStrategy(cfg.Replication.Factor)

	dataStore := store.Open(cfg.Storage.DataDir, partitioner, logger)
	for _, name := range cfg.Storage.Tables {
		if _, err := dataStore.Table(name); err != nil {
			logger.Fatal("Failed to open table", zap.String("table", name), zap.Error(err))
		}
	}

	messaging := transport.NewMessagingService(cfg.Server.Host, cfg.Server.Port, logger)
	messaging.SetDialTimeout(cfg.Server.DialTimeout)
	if err := messaging.Start(); err != nil {
		logger.Fatal("Failed to start messaging service", zap.Error(err))
	}
	defer messaging.Close()
	localEndpoint := messaging.LocalEndpoint()

	nodeMetrics := metrics.New(prometheus.NewRegistry())

	// durable ring position, if this node has one from a previous life
	persistedToken, hasToken, err := systemStore.Token()
	if err != nil {
		logger.Fatal("Failed to read persisted token", zap.Error(err))
	}
	bootstrapDone, err := systemStore.BootstrapComplete()
	if err != nil {
		logger.Fatal("Failed to read bootstrap state", zap.Error(err))
	}

	nodeState := gossip.NodeState{
		NodeID:      cfg.Server.NodeID,
		Host:        cfg.Server.Host,
		StoragePort: localEndpoint.Port,
		Load:        float64(dataStore.TotalBytes()),
	}
	if hasToken {
		nodeState.Token = persistedToken.String()
	}

	loadBalancer := gossip.NewStorageLoadBalancer(localEndpoint, logger)
	defer loadBalancer.Stop()

	var gossipSvc *gossip.Service
	if cfg.Gossip.Enabled {
		gossipSvc, err = gossip.NewService(
			&gossip.Config{
				Enabled:        cfg.Gossip.Enabled,
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			nodeState,
			&ringUpdater{metadata: tokenMetadata, logger: logger},
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize gossip service", zap.Error(err))
		}
		defer gossipSvc.Shutdown()

		loadBalancer.Start(gossipSvc, cfg.Gossip.LoadReportInterval)
		go reportLoad(gossipSvc, dataStore, cfg.Gossip.LoadReportInterval)
	}

	sender := streaming.NewSender(messaging, bootstrap.VerbBootstrapStreamFile, logger)
	streamContexts := streaming.NewContextManager(logger)
	streamManagers := streaming.NewManagers(sender, logger)
	defer streamManagers.Stop()

	executor := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "boot-strapper",
		MaxWorkers: 1,
		Logger:     logger,
	})
	defer executor.Stop(10 * time.Second)

	bootCtx := &bootstrap.Context{
		Config:        cfg.Bootstrap,
		TokenMetadata: tokenMetadata,
		Partitioner:   partitioner,
		Strategy:      strategy,
		LoadBalancer:  loadBalancer,
		AppState:      appState(gossipSvc),
		Messaging:     messaging,
		Store:         dataStore,
		System:        systemStore,
		StreamCtxs:    streamContexts,
		StreamMgrs:    streamManagers,
		Executor:      executor,
		Metrics:       nodeMetrics,
		Logger:        logger,
	}
	bootstrap.RegisterHandlers(bootCtx)

	var opsServer *server.OpsServer
	if cfg.Metrics.Enabled {
		opsServer = server.NewOpsServer(
			&server.OpsServerConfig{Port: cfg.Metrics.Port, MetricsPath: cfg.Metrics.Path},
			nodeMetrics,
			bootCtx,
			logger,
		)
		opsServer.Start()
		defer opsServer.Stop()
	}

	if cfg.Bootstrap.JoinRing && !bootstrapDone {
		go func() {
			if err := bootstrap.StartBootstrap(bootCtx); err != nil {
				logger.Error("Bootstrap failed", zap.Error(err))
				return
			}
			if t, ok := bootCtx.LocalToken(); ok && gossipSvc != nil {
				gossipSvc.SetToken(t)
			}
		}()
	} else {
		token := persistedToken
		if !hasToken {
			// first boot of a non-joining node: derive a stable position
			token = partitioner.Token([]byte(cfg.Server.NodeID))
			if err := systemStore.SaveToken(token); err != nil {
				logger.Fatal("Failed to persist token", zap.Error(err))
			}
		}
		bootCtx.SetLocalToken(token)
		tokenMetadata.Update(token, localEndpoint, false)
		if gossipSvc != nil {
			gossipSvc.SetToken(token)
		}
		logger.Info("Joined ring", zap.String("token", token.String()))
	}

	logger.Info("Storage node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", localEndpoint.String()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")
}

// ringUpdater maintains the token metadata from gossip membership events
type ringUpdater struct {
	metadata *ring.TokenMetadata
	logger   *zap.Logger
}

func (u *ringUpdater) OnNodeState(state gossip.NodeState) {
	if state.Token == "" {
		return
	}
	token, err := (ring.TokenFactory{}).FromString(state.Token)
	if err != nil {
		u.logger.Warn("Ignoring member with malformed token",
			zap.String("node_id", state.NodeID), zap.Error(err))
		return
	}
	u.metadata.Update(token, state.Endpoint(), state.Bootstrapping())
}

func (u *ringUpdater) OnNodeLeave(state gossip.NodeState) {
	if state.Token == "" {
		return
	}
	token, err := (ring.TokenFactory{}).FromString(state.Token)
	if err != nil {
		return
	}
	u.metadata.Remove(token)
}

// appState adapts the optional gossip service to the bootstrap context; a
// node running without gossip still bootstraps, it just cannot announce it.
func appState(g *gossip.Service) bootstrap.ApplicationStater {
	if g != nil {
		return g
	}
	return noopAppState{}
}

type noopAppState struct{}

func (noopAppState) AddApplicationState(key, value string) {}
func (noopAppState) RemoveApplicationState(key string)     {}

// reportLoad periodically publishes the node's on-disk size through gossip
func reportLoad(g *gossip.Service, s *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		g.SetLoad(float64(s.TotalBytes()))
	}
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}
