package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/util/workerpool"
)

// FileSender ships one file to a peer. The transport implementation lives
// in transfer.go; tests substitute fakes.
type FileSender interface {
	SendFile(to ring.Endpoint, ctx StreamContext) error
}

// Manager drives the source side of streaming for a single target: it holds
// the outgoing file set, starts shipping once the target acknowledges the
// initiate message, frees slots on delete verdicts, and re-sends on stream
// verdicts.
type Manager struct {
	mu      sync.Mutex
	target  ring.Endpoint
	files   map[string]StreamContext // source file path -> context
	order   []string
	started bool

	sender FileSender
	pool   *workerpool.WorkerPool
	logger *zap.Logger
}

// Add registers a file to be shipped to this manager's target
func (m *Manager) Add(ctx StreamContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[ctx.TargetFile]; !ok {
		m.order = append(m.order, ctx.TargetFile)
	}
	m.files[ctx.TargetFile] = ctx
}

// Start ships all pending files sequentially. The target's ready-to-receive
// ack must precede this call; the transport guarantees nothing else about
// ordering.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	pending := m.snapshotLocked()
	m.mu.Unlock()

	m.submit("stream-start", pending)
}

// Finish frees the slot for a file the target reported intact. Returns true
// when no files remain outstanding for this target.
func (m *Manager) Finish(file string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[file]; ok {
		delete(m.files, file)
		for i, f := range m.order {
			if f == file {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		m.logger.Debug("Finished streaming file",
			zap.String("file", file),
			zap.String("target", m.target.String()))
	}
	return len(m.files) == 0
}

// Repeat re-enqueues a file the target asked to have re-streamed
func (m *Manager) Repeat(file string) {
	m.mu.Lock()
	ctx, ok := m.files[file]
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("Re-stream requested for unknown file",
			zap.String("file", file),
			zap.String("target", m.target.String()))
		return
	}
	m.logger.Info("Re-streaming file",
		zap.String("file", file),
		zap.String("target", m.target.String()))
	m.submit("stream-repeat", []StreamContext{ctx})
}

// IsDone reports whether every file has been acknowledged with a delete
func (m *Manager) IsDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files) == 0
}

// Outstanding returns the files not yet acknowledged by the target
func (m *Manager) Outstanding() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Manager) snapshotLocked() []StreamContext {
	pending := make([]StreamContext, 0, len(m.order))
	for _, f := range m.order {
		pending = append(pending, m.files[f])
	}
	return pending
}

func (m *Manager) submit(taskID string, files []StreamContext) {
	task := workerpool.Task{
		ID: taskID,
		Fn: func(context.Context) error {
			for _, sc := range files {
				if err := m.sender.SendFile(m.target, sc); err != nil {
					m.logger.Warn("Failed to stream file",
						zap.String("file", sc.TargetFile),
						zap.String("target", m.target.String()),
						zap.Error(err))
				}
			}
			return nil
		},
	}
	if err := m.pool.Submit(task); err != nil {
		m.logger.Error("Failed to submit streaming task", zap.Error(err))
	}
}

// Managers is the registry of per-target stream managers on a source node
type Managers struct {
	mu     sync.Mutex
	m      map[ring.Endpoint]*Manager
	sender FileSender
	pool   *workerpool.WorkerPool
	logger *zap.Logger
}

// NewManagers creates the registry; outgoing files are shipped through the
// given sender on a small dedicated pool.
func NewManagers(sender FileSender, logger *zap.Logger) *Managers {
	return &Managers{
		m:      make(map[ring.Endpoint]*Manager),
		sender: sender,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "stream-out",
			MaxWorkers: 2,
			QueueSize:  128,
			Logger:     logger,
		}),
		logger: logger,
	}
}

// Get returns the manager for a target, creating it on first use
func (ms *Managers) Get(target ring.Endpoint) *Manager {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mgr, ok := ms.m[target]
	if !ok {
		mgr = &Manager{
			target: target,
			files:  make(map[string]StreamContext),
			sender: ms.sender,
			pool:   ms.pool,
			logger: ms.logger,
		}
		ms.m[target] = mgr
	}
	return mgr
}

// Remove drops the manager for a target that has fully acknowledged
func (ms *Managers) Remove(target ring.Endpoint) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.m, target)
}

// Progress reports outstanding outgoing files per target
func (ms *Managers) Progress() map[string][]string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	progress := make(map[string][]string, len(ms.m))
	for target, mgr := range ms.m {
		progress[target.String()] = mgr.Outstanding()
	}
	return progress
}

// Stop shuts down the sending pool
func (ms *Managers) Stop() {
	ms.pool.Stop(5 * time.Second)
}
