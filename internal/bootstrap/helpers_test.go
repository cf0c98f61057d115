package bootstrap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/storage/sstable"
	"github.com/devrev/ringkv/internal/transport"
	"github.com/devrev/ringkv/internal/util/workerpool"
)

// fakeAppState records application-state publications
type fakeAppState struct {
	mu      sync.Mutex
	states  map[string]string
	history []string
}

func newFakeAppState() *fakeAppState {
	return &fakeAppState{states: make(map[string]string)}
}

func (f *fakeAppState) AddApplicationState(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[key] = value
	f.history = append(f.history, "add:"+key)
}

func (f *fakeAppState) RemoveApplicationState(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, key)
	f.history = append(f.history, "remove:"+key)
}

func (f *fakeAppState) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.states[key]
	return ok
}

func (f *fakeAppState) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.history...)
}

type sentMessage struct {
	msg *transport.Message
	to  ring.Endpoint
}

// fakeMessenger captures sends and lets tests dispatch to registered
// handlers directly
type fakeMessenger struct {
	local ring.Endpoint

	mu       sync.Mutex
	handlers map[transport.Verb]transport.VerbHandler
	oneWay   []sentMessage
	rrReply  func(msg *transport.Message, to ring.Endpoint) (*transport.Message, error)
}

func newFakeMessenger(local ring.Endpoint) *fakeMessenger {
	return &fakeMessenger{
		local:    local,
		handlers: make(map[transport.Verb]transport.VerbHandler),
	}
}

func (f *fakeMessenger) LocalEndpoint() ring.Endpoint {
	return f.local
}

func (f *fakeMessenger) SendOneWay(msg *transport.Message, to ring.Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oneWay = append(f.oneWay, sentMessage{msg: msg, to: to})
}

func (f *fakeMessenger) SendRR(ctx context.Context, msg *transport.Message, to ring.Endpoint) (*transport.Message, error) {
	f.mu.Lock()
	reply := f.rrReply
	f.mu.Unlock()
	if reply == nil {
		<-ctx.Done()
		return nil, errors.Timeout(string(msg.Verb), ctx.Err())
	}
	return reply(msg, to)
}

func (f *fakeMessenger) RegisterVerbHandler(verb transport.Verb, handler transport.VerbHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[verb] = handler
}

func (f *fakeMessenger) handler(verb transport.Verb) transport.VerbHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[verb]
}

func (f *fakeMessenger) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.oneWay...)
}

func (f *fakeMessenger) sentWithVerb(verb transport.Verb) []sentMessage {
	var out []sentMessage
	for _, s := range f.sent() {
		if s.msg.Verb == verb {
			out = append(out, s)
		}
	}
	return out
}

func testPool(t *testing.T) *workerpool.WorkerPool {
	t.Helper()
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "boot-strapper",
		MaxWorkers: 1,
		Logger:     zap.NewNop(),
	})
	t.Cleanup(func() { pool.Stop(5 * time.Second) })
	return pool
}

// writeSSTable creates a complete three-component table on disk
func writeSSTable(t *testing.T, dir, cf, generation string, keys []string) string {
	t.Helper()
	w, err := sstable.NewWriter(dir, cf, generation, nil)
	require.NoError(t, err)
	for _, k := range keys {
		require.NoError(t, w.Write(&sstable.Entry{Key: k, Value: []byte("value-" + k), Timestamp: 1}))
	}
	require.NoError(t, w.Finalize())
	require.NoError(t, w.Close())
	return w.DataPath()
}

func endpoint(host string) ring.Endpoint {
	return ring.Endpoint{Host: host, Port: 7000}
}
