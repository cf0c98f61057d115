package streaming

import (
	"sync"

	"go.uber.org/zap"
)

// CompletionHandler is invoked when one file from a peer has been fully
// received. Implementations decide the verdict and report it back to the
// source.
type CompletionHandler interface {
	OnStreamCompletion(host string, ctx StreamContext, status StreamStatus)
}

type pendingFile struct {
	ctx    StreamContext
	status StreamStatus
}

// ContextManager tracks, on the receiving node, the outstanding files per
// source peer together with the completion handler for that peer. A peer is
// done when its outstanding set is empty. Safe for concurrent use by the
// transport's dispatch goroutines.
type ContextManager struct {
	mu       sync.Mutex
	pending  map[string]map[string]*pendingFile // host -> source file -> entry
	handlers map[string]CompletionHandler
	logger   *zap.Logger
}

// NewContextManager creates an empty context manager
func NewContextManager(logger *zap.Logger) *ContextManager {
	return &ContextManager{
		pending:  make(map[string]map[string]*pendingFile),
		handlers: make(map[string]CompletionHandler),
		logger:   logger,
	}
}

// AddStreamContext registers one outstanding file for a peer. sourceFile is
// the filename as the source knows it; ctx carries the rewritten local
// target path.
func (cm *ContextManager) AddStreamContext(host, sourceFile string, ctx StreamContext, status StreamStatus) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	files, ok := cm.pending[host]
	if !ok {
		files = make(map[string]*pendingFile)
		cm.pending[host] = files
	}
	files[sourceFile] = &pendingFile{ctx: ctx, status: status}

	cm.logger.Debug("Added stream context",
		zap.String("host", host),
		zap.String("source_file", sourceFile),
		zap.String("target_file", ctx.TargetFile),
		zap.Int64("expected_bytes", ctx.ExpectedBytes))
}

// RegisterCompletionHandler installs the per-peer completion handler
func (cm *ContextManager) RegisterCompletionHandler(host string, handler CompletionHandler) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.handlers[host] = handler
}

// Lookup returns the registered context for a peer's file
func (cm *ContextManager) Lookup(host, sourceFile string) (StreamContext, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if entry, ok := cm.pending[host][sourceFile]; ok {
		return entry.ctx, true
	}
	return StreamContext{}, false
}

// ContextCompleted retires the outstanding entry for the file and invokes
// the peer's completion handler with the received byte count. Completions
// for different files are independent; any arrival order yields the same
// final state.
func (cm *ContextManager) ContextCompleted(host, sourceFile string, bytesReceived int64) {
	cm.mu.Lock()
	entry, ok := cm.pending[host][sourceFile]
	if ok {
		delete(cm.pending[host], sourceFile)
		if len(cm.pending[host]) == 0 {
			delete(cm.pending, host)
		}
	}
	handler := cm.handlers[host]
	cm.mu.Unlock()

	if !ok {
		cm.logger.Warn("Completion for unknown stream context",
			zap.String("host", host),
			zap.String("source_file", sourceFile))
		return
	}

	status := entry.status
	status.BytesReceived = bytesReceived

	if handler == nil {
		cm.logger.Warn("No completion handler registered",
			zap.String("host", host))
		return
	}
	handler.OnStreamCompletion(host, entry.ctx, status)
}

// IsDone reports whether a peer has no outstanding files
func (cm *ContextManager) IsDone(host string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.pending[host]) == 0
}

// Hosts returns the peers with outstanding files
func (cm *ContextManager) Hosts() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	hosts := make([]string, 0, len(cm.pending))
	for h := range cm.pending {
		hosts = append(hosts, h)
	}
	return hosts
}

// OutstandingFiles returns the source filenames still pending for a peer
func (cm *ContextManager) OutstandingFiles(host string) []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	files := make([]string, 0, len(cm.pending[host]))
	for f := range cm.pending[host] {
		files = append(files, f)
	}
	return files
}
