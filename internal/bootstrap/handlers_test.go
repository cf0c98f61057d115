package bootstrap_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/bootstrap"
	"github.com/devrev/ringkv/internal/config"
	"github.com/devrev/ringkv/internal/gossip"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/storage/sstable"
	"github.com/devrev/ringkv/internal/store"
	"github.com/devrev/ringkv/internal/streaming"
	"github.com/devrev/ringkv/internal/transport"
)

type noopSender struct{}

func (noopSender) SendFile(to ring.Endpoint, ctx streaming.StreamContext) error { return nil }

func newcomerContext(t *testing.T, local ring.Endpoint) (*bootstrap.Context, *fakeMessenger, *store.Store) {
	t.Helper()
	messenger := newFakeMessenger(local)
	dataStore := store.Open(t.TempDir(), ring.Partitioner{}, zap.NewNop())
	managers := streaming.NewManagers(noopSender{}, zap.NewNop())
	t.Cleanup(managers.Stop)

	ctx := &bootstrap.Context{
		Config:        config.BootstrapConfig{},
		TokenMetadata: ring.NewTokenMetadata(),
		Strategy:      ring.NewSimpleStrategy(1),
		LoadBalancer:  gossip.NewStorageLoadBalancer(local, zap.NewNop()),
		AppState:      newFakeAppState(),
		Messaging:     messenger,
		Store:         dataStore,
		StreamCtxs:    streaming.NewContextManager(zap.NewNop()),
		StreamMgrs:    managers,
		Executor:      testPool(t),
		Logger:        zap.NewNop(),
	}
	bootstrap.RegisterHandlers(ctx)
	return ctx, messenger, dataStore
}

func initiateFrom(t *testing.T, source ring.Endpoint, contexts []streaming.StreamContext) *transport.Message {
	t.Helper()
	body, err := transport.EncodeBody(streaming.InitiateMessage{Contexts: contexts})
	require.NoError(t, err)
	return transport.NewMessage(bootstrap.VerbBootstrapInitiate, source, body)
}

func TestInitiateAllocatesSharedStemPerTableGeneration(t *testing.T) {
	local := endpoint("10.0.0.4")
	ctx, messenger, _ := newcomerContext(t, local)
	source := endpoint("10.0.0.1")
	host := source.String()

	contexts := []streaming.StreamContext{
		{Table: "default", TargetFile: "/var/lib/src/default/users-7-Data.db", ExpectedBytes: 100},
		{Table: "default", TargetFile: "/var/lib/src/default/users-7-Index.db", ExpectedBytes: 10},
		{Table: "default", TargetFile: "/var/lib/src/default/users-8-Data.db", ExpectedBytes: 50},
	}
	messenger.handler(bootstrap.VerbBootstrapInitiate).DoVerb(initiateFrom(t, source, contexts))

	// readiness ack went back to the source
	acks := messenger.sentWithVerb(bootstrap.VerbBootstrapInitiateDone)
	require.Len(t, acks, 1)
	assert.Equal(t, source, acks[0].to)

	// generation 7's Data and Index share a stem, generation 8 gets its own
	data7, ok := ctx.StreamCtxs.Lookup(host, "/var/lib/src/default/users-7-Data.db")
	require.True(t, ok)
	index7, ok := ctx.StreamCtxs.Lookup(host, "/var/lib/src/default/users-7-Index.db")
	require.True(t, ok)
	data8, ok := ctx.StreamCtxs.Lookup(host, "/var/lib/src/default/users-8-Data.db")
	require.True(t, ok)

	assert.True(t, strings.HasSuffix(data7.TargetFile, "-"+sstable.KindData))
	assert.True(t, strings.HasSuffix(index7.TargetFile, "-"+sstable.KindIndex))

	stem7data := strings.TrimSuffix(filepath.Base(data7.TargetFile), "-"+sstable.KindData)
	stem7index := strings.TrimSuffix(filepath.Base(index7.TargetFile), "-"+sstable.KindIndex)
	stem8data := strings.TrimSuffix(filepath.Base(data8.TargetFile), "-"+sstable.KindData)
	assert.Equal(t, stem7data, stem7index)
	assert.NotEqual(t, stem7data, stem8data)

	// local paths live under the newcomer's own data directory
	cfsDir := filepath.Dir(data7.TargetFile)
	assert.Contains(t, cfsDir, "default")
}

func TestInitiateWithNoFilesRetiresSource(t *testing.T) {
	local := endpoint("10.0.0.4")
	ctx, messenger, _ := newcomerContext(t, local)
	source := endpoint("10.0.0.1")

	ctx.AddBootstrapSource(source)
	messenger.handler(bootstrap.VerbBootstrapInitiate).DoVerb(initiateFrom(t, source, nil))

	assert.True(t, ctx.StreamCtxs.IsDone(source.String()))
	require.Len(t, messenger.sentWithVerb(bootstrap.VerbBootstrapInitiateDone), 1)
}

func TestPerFileRestreamFlow(t *testing.T) {
	// a corrupt Data file earns a stream verdict and stays registered; the
	// intact Index earns a delete; the re-streamed Data then installs and
	// exactly one sstable ends up in the store
	local := endpoint("10.0.0.4")
	ctx, messenger, dataStore := newcomerContext(t, local)
	source := endpoint("10.0.0.1")
	host := source.String()

	dataFile := "/var/lib/src/default/users-7-Data.db"
	indexFile := "/var/lib/src/default/users-7-Index.db"
	filterFile := "/var/lib/src/default/users-7-Filter.db"
	contexts := []streaming.StreamContext{
		{Table: "default", TargetFile: dataFile, ExpectedBytes: 100},
		{Table: "default", TargetFile: indexFile, ExpectedBytes: 10},
		{Table: "default", TargetFile: filterFile, ExpectedBytes: 10},
	}
	messenger.handler(bootstrap.VerbBootstrapInitiate).DoVerb(initiateFrom(t, source, contexts))

	localData, ok := ctx.StreamCtxs.Lookup(host, dataFile)
	require.True(t, ok)

	// build the real component files under the allocated temp stem, as a
	// completed stream would have
	_, tmpGen, _, err := sstable.ParseFileName(localData.TargetFile)
	require.NoError(t, err)
	writeSSTable(t, filepath.Dir(localData.TargetFile), "users", tmpGen, []string{"a", "b"})

	// index and filter arrive intact
	ctx.StreamCtxs.ContextCompleted(host, indexFile, 10)
	ctx.StreamCtxs.ContextCompleted(host, filterFile, 10)

	// the data file arrives corrupt: byte count does not match
	ctx.StreamCtxs.ContextCompleted(host, dataFile, 0)

	verdicts := messenger.sentWithVerb(bootstrap.VerbBootstrapTerminate)
	require.Len(t, verdicts, 3)
	byFile := make(map[string]streaming.StreamAction)
	for _, v := range verdicts {
		m, err := streaming.DecodeStreamStatusMessage(v.msg.Body)
		require.NoError(t, err)
		byFile[m.Status.File] = m.Status.Action
		assert.Equal(t, source, v.to)
	}
	assert.Equal(t, streaming.ActionDelete, byFile[indexFile])
	assert.Equal(t, streaming.ActionDelete, byFile[filterFile])
	assert.Equal(t, streaming.ActionStream, byFile[dataFile])

	// the re-stream context was re-created
	_, ok = ctx.StreamCtxs.Lookup(host, dataFile)
	require.True(t, ok)
	assert.False(t, ctx.StreamCtxs.IsDone(host))

	// retry arrives intact and installs
	ctx.StreamCtxs.ContextCompleted(host, dataFile, 100)

	table, err := dataStore.Table("default")
	require.NoError(t, err)
	cfs := table.ColumnFamilyStore("users")
	require.Len(t, cfs.SSTables(), 1)
	assert.True(t, ctx.StreamCtxs.IsDone(host))

	reader := cfs.SSTables()[0]
	entry, err := reader.Get("a")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestTokenVerbRepliesWithMidpointOfPrimaryRange(t *testing.T) {
	local := endpoint("10.0.0.1")
	ctx, messenger, _ := newcomerContext(t, local)

	peer := endpoint("10.0.0.2")
	ctx.TokenMetadata.Update(100, local, false)
	ctx.TokenMetadata.Update(50, peer, false)
	ctx.SetLocalToken(100)

	req := transport.NewMessage(bootstrap.VerbBootstrapToken, peer, nil)
	messenger.handler(bootstrap.VerbBootstrapToken).DoVerb(req)

	replies := messenger.sentWithVerb(bootstrap.VerbBootstrapToken)
	require.Len(t, replies, 1)
	assert.Equal(t, peer, replies[0].to)
	assert.True(t, replies[0].msg.Reply)
	assert.Equal(t, req.ID, replies[0].msg.ID)

	token, err := (ring.TokenFactory{}).FromBytes(replies[0].msg.Body)
	require.NoError(t, err)
	// with no resident data the midpoint is arithmetic: (50,100] splits at 75
	assert.Equal(t, ring.Token(75), token)
}

func TestTerminateVerbDrivesSourceManager(t *testing.T) {
	local := endpoint("10.0.0.1")
	ctx, messenger, _ := newcomerContext(t, local)
	target := endpoint("10.0.0.4")

	mgr := ctx.StreamMgrs.Get(target)
	mgr.Add(streaming.StreamContext{Table: "default", TargetFile: "/src/users-1-Data.db", ExpectedBytes: 5})
	mgr.Add(streaming.StreamContext{Table: "default", TargetFile: "/src/users-1-Index.db", ExpectedBytes: 5})

	terminate := func(file string, action streaming.StreamAction) *transport.Message {
		body, err := streaming.EncodeStreamStatusMessage(streaming.StreamStatusMessage{
			Status: streaming.StreamStatus{File: file, Action: action},
		})
		require.NoError(t, err)
		return transport.NewMessage(bootstrap.VerbBootstrapTerminate, target, body)
	}

	handler := messenger.handler(bootstrap.VerbBootstrapTerminate)

	handler.DoVerb(terminate("/src/users-1-Index.db", streaming.ActionDelete))
	assert.Equal(t, []string{"/src/users-1-Data.db"}, mgr.Outstanding())

	// unknown verdicts are ignored
	handler.DoVerb(terminate("/src/users-1-Data.db", streaming.StreamAction(99)))
	assert.Equal(t, []string{"/src/users-1-Data.db"}, mgr.Outstanding())

	handler.DoVerb(terminate("/src/users-1-Data.db", streaming.ActionDelete))
	assert.Empty(t, ctx.StreamMgrs.Progress(), "fully acknowledged target is dropped from the registry")
}
