package gossip

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
)

// BootstrapMode is the application-state key a node publishes while it is
// joining the ring and receiving data. Cluster-visible via gossip.
const BootstrapMode = "BOOTSTRAP_MODE"

// NodeState is the per-node metadata carried in gossip: identity, ring
// position, reported load, and application-state flags.
type NodeState struct {
	NodeID      string            `json:"node_id"`
	Host        string            `json:"host"`
	StoragePort int               `json:"storage_port"`
	Token       string            `json:"token,omitempty"`
	Load        float64           `json:"load"`
	AppState    map[string]string `json:"app_state,omitempty"`
}

// Endpoint returns the storage endpoint the state describes
func (s NodeState) Endpoint() ring.Endpoint {
	return ring.Endpoint{Host: s.Host, Port: s.StoragePort}
}

// Bootstrapping reports whether the node carries the bootstrap-mode flag
func (s NodeState) Bootstrapping() bool {
	return s.AppState[BootstrapMode] == "true"
}

// Config holds gossip protocol configuration
type Config struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// MembershipListener observes decoded membership events. The ring's token
// metadata is maintained exclusively through these callbacks.
type MembershipListener interface {
	OnNodeState(state NodeState)
	OnNodeLeave(state NodeState)
}

// Service manages cluster membership and state propagation over memberlist
type Service struct {
	config     *Config
	memberlist *memberlist.Memberlist
	logger     *zap.Logger

	mu       sync.Mutex
	state    NodeState
	listener MembershipListener
}

// NewService creates the gossip service and joins the seed nodes. The local
// state is gossiped as node metadata.
func NewService(cfg *Config, state NodeState, listener MembershipListener, logger *zap.Logger) (*Service, error) {
	if state.AppState == nil {
		state.AppState = make(map[string]string)
	}
	gs := &Service{
		config:   cfg,
		state:    state,
		listener: listener,
		logger:   logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = state.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &eventDelegate{service: gs}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, errors.Unavailable("failed to create memberlist", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// AddApplicationState publishes a cluster-visible state flag
func (s *Service) AddApplicationState(key, value string) {
	s.mu.Lock()
	s.state.AppState[key] = value
	s.mu.Unlock()
	s.push()
}

// RemoveApplicationState retracts a previously published flag
func (s *Service) RemoveApplicationState(key string) {
	s.mu.Lock()
	delete(s.state.AppState, key)
	s.mu.Unlock()
	s.push()
}

// SetToken publishes the node's ring position
func (s *Service) SetToken(t ring.Token) {
	s.mu.Lock()
	s.state.Token = t.String()
	s.mu.Unlock()
	s.push()
}

// SetLoad publishes the node's current load
func (s *Service) SetLoad(load float64) {
	s.mu.Lock()
	s.state.Load = load
	s.mu.Unlock()
	s.push()
}

// Members returns the decoded state of every known member, the local node
// included.
func (s *Service) Members() []NodeState {
	nodes := s.memberlist.Members()
	states := make([]NodeState, 0, len(nodes))
	for _, node := range nodes {
		state, err := decodeState(node.Meta)
		if err != nil {
			s.logger.Debug("Skipping member with undecodable metadata",
				zap.String("node", node.Name))
			continue
		}
		states = append(states, state)
	}
	return states
}

// Shutdown leaves the cluster and stops gossiping
func (s *Service) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// push re-broadcasts the local metadata after a state change
func (s *Service) push() {
	if err := s.memberlist.UpdateNode(10 * time.Second); err != nil {
		s.logger.Warn("Failed to broadcast node state", zap.Error(err))
	}
}

// NodeMeta implements memberlist.Delegate
func (s *Service) NodeMeta(limit int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _ := json.Marshal(s.state)
	if len(data) > limit {
		s.logger.Warn("Node metadata exceeds gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Service) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *Service) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Service) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *Service) MergeRemoteState(buf []byte, join bool) {}

func decodeState(meta []byte) (NodeState, error) {
	var state NodeState
	if err := json.Unmarshal(meta, &state); err != nil {
		return NodeState{}, errors.MalformedMessage("gossip metadata", err)
	}
	return state, nil
}

// eventDelegate forwards membership events to the registered listener
type eventDelegate struct {
	service *Service
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.notify(node, false)
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("node_id", node.Name))
	d.service.notify(node, true)
}

// NotifyUpdate is called when a node's metadata changes
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.notify(node, false)
}

func (s *Service) notify(node *memberlist.Node, left bool) {
	if s.listener == nil {
		return
	}
	state, err := decodeState(node.Meta)
	if err != nil {
		return
	}
	if left {
		s.listener.OnNodeLeave(state)
		return
	}
	s.listener.OnNodeState(state)
}
