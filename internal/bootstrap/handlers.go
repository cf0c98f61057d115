package bootstrap

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/storage/sstable"
	"github.com/devrev/ringkv/internal/streaming"
	"github.com/devrev/ringkv/internal/transport"
)

// RegisterHandlers installs every bootstrap verb in the transport's
// dispatch table. Every node registers both sides: any node can be a
// source, and any node can later join as a newcomer's peer.
func RegisterHandlers(c *Context) {
	c.Messaging.RegisterVerbHandler(VerbBootstrapToken, &tokenVerbHandler{c})
	c.Messaging.RegisterVerbHandler(VerbBootstrapMetadata, &metadataVerbHandler{c})
	c.Messaging.RegisterVerbHandler(VerbBootstrapInitiate, &initiateVerbHandler{c})
	c.Messaging.RegisterVerbHandler(VerbBootstrapInitiateDone, &initiateDoneVerbHandler{c})
	c.Messaging.RegisterVerbHandler(VerbBootstrapStreamFile, streaming.NewReceiver(c.StreamCtxs, c.Logger))
	c.Messaging.RegisterVerbHandler(VerbBootstrapTerminate, &terminateVerbHandler{c})
}

// tokenVerbHandler answers a newcomer's token request: it computes the
// three tokens partitioning the local primary range into two roughly-equal
// halves and replies with the midpoint as a UTF-8 string.
type tokenVerbHandler struct {
	c *Context
}

func (h *tokenVerbHandler) DoVerb(msg *transport.Message) {
	c := h.c
	token, ok := c.LocalToken()
	if !ok {
		c.Logger.Warn("Token request received before a local token was set")
		return
	}
	primary, ok := c.TokenMetadata.PrimaryRange(token)
	if !ok {
		c.Logger.Warn("Local token not present in ring metadata",
			zap.String("token", token.String()))
		return
	}

	splits := c.Store.GetSplits(2, primary)
	if len(splits) != 3 {
		// collaborator contract violation, not a recoverable condition
		c.Logger.Error("Split computation returned wrong token count",
			zap.Int("count", len(splits)))
		return
	}

	from, err := msg.FromEndpoint()
	if err != nil {
		c.Logger.Info("Dropping token request with malformed sender", zap.Error(err))
		return
	}
	reply := msg.GetReply(c.Messaging.LocalEndpoint(), []byte(splits[1].String()))
	c.Messaging.SendOneWay(reply, from)
}

// metadataVerbHandler runs on a source node: for each assigned target it
// collects the sstables covering the requested ranges, registers them with
// the per-target stream manager, and offers them with an initiate message.
type metadataVerbHandler struct {
	c *Context
}

func (h *metadataVerbHandler) DoVerb(msg *transport.Message) {
	c := h.c
	m, err := DecodeMetadataMessage(msg.Body)
	if err != nil {
		c.Logger.Info("Dropping malformed bootstrap metadata", zap.Error(err))
		return
	}

	local := c.Messaging.LocalEndpoint()
	for _, assignment := range m.Assignments {
		target, err := ring.ParseEndpoint(assignment.Target)
		if err != nil {
			c.Logger.Info("Skipping assignment with malformed target", zap.Error(err))
			continue
		}

		mgr := c.StreamMgrs.Get(target)
		var contexts []streaming.StreamContext
		for _, tr := range c.Store.ReadersInRanges(assignment.Ranges) {
			// Data last: it is sent after the sibling components it
			// needs to open on the far side
			for _, kind := range sstable.Kinds {
				path, err := sstable.SiblingPath(tr.Reader.DataPath(), kind)
				if err != nil {
					continue
				}
				info, err := os.Stat(path)
				if err != nil {
					if kind != sstable.KindFilter {
						c.Logger.Warn("SSTable component missing",
							zap.String("path", path), zap.Error(err))
					}
					continue
				}
				sc := streaming.StreamContext{
					Table:         tr.Table,
					TargetFile:    path,
					ExpectedBytes: info.Size(),
				}
				mgr.Add(sc)
				contexts = append(contexts, sc)
			}
		}

		// offer even an empty set so the newcomer can retire this source
		body, err := transport.EncodeBody(streaming.InitiateMessage{Contexts: contexts})
		if err != nil {
			c.Logger.Error("Failed to encode initiate message", zap.Error(err))
			continue
		}
		c.Logger.Info("Offering files to bootstrap target",
			zap.String("target", target.String()),
			zap.Int("files", len(contexts)))
		c.Messaging.SendOneWay(transport.NewMessage(VerbBootstrapInitiate, local, body), target)
	}
}

// initiateVerbHandler runs on the newcomer. It receives the stream contexts
// from a source, allocates fresh temporary sstable names for each distinct
// (table, cf, generation) triple, rewrites every context's target file to
// its local path, registers the contexts and the completion handler, and
// acks with an initiate-done so the source may start streaming.
type initiateVerbHandler struct {
	c *Context
}

func (h *initiateVerbHandler) DoVerb(msg *transport.Message) {
	c := h.c
	var im streaming.InitiateMessage
	if err := transport.DecodeBody(msg.Verb, msg.Body, &im); err != nil {
		c.Logger.Info("Dropping malformed initiate message", zap.Error(err))
		return
	}

	from, err := msg.FromEndpoint()
	if err != nil {
		c.Logger.Info("Dropping initiate with malformed sender", zap.Error(err))
		return
	}
	host := msg.From
	local := c.Messaging.LocalEndpoint()

	if len(im.Contexts) == 0 {
		c.Logger.Info("Source has nothing to stream", zap.String("source", host))
		c.Messaging.SendOneWay(transport.NewMessage(VerbBootstrapInitiateDone, local, nil), from)
		c.RemoveBootstrapSource(from)
		return
	}

	newNames, err := h.newNamesFor(im.Contexts)
	if err != nil {
		c.Logger.Info("Failed to allocate local sstable names", zap.Error(err))
		return
	}

	for _, sc := range im.Contexts {
		cf, generation, kind, err := sstable.ParseFileName(sc.TargetFile)
		if err != nil {
			c.Logger.Info("Skipping stream context with unparsable filename",
				zap.String("file", sc.TargetFile), zap.Error(err))
			continue
		}
		newDataPath := newNames[distinctKey(sc.Table, cf, generation)]
		localPath, err := sstable.SiblingPath(newDataPath, kind)
		if err != nil {
			c.Logger.Info("Skipping stream context", zap.Error(err))
			continue
		}

		c.Logger.Debug("Receiving file",
			zap.String("source", host),
			zap.String("remote_file", sc.TargetFile),
			zap.String("local_file", localPath))

		status := streaming.StreamStatus{File: sc.TargetFile}
		rewritten := sc
		rewritten.TargetFile = localPath
		c.StreamCtxs.AddStreamContext(host, sc.TargetFile, rewritten, status)
	}

	c.StreamCtxs.RegisterCompletionHandler(host, &completionHandler{c: c})
	c.Logger.Debug("Sending a bootstrap initiate done message", zap.String("source", host))
	c.Messaging.SendOneWay(transport.NewMessage(VerbBootstrapInitiateDone, local, nil), from)
}

// newNamesFor allocates one fresh temporary Data filename per distinct
// (table, cf, generation) triple. All component kinds of one table share
// the generated stem.
func (h *initiateVerbHandler) newNamesFor(contexts []streaming.StreamContext) (map[string]string, error) {
	newNames := make(map[string]string)
	for _, sc := range contexts {
		cf, generation, _, err := sstable.ParseFileName(sc.TargetFile)
		if err != nil {
			continue
		}
		key := distinctKey(sc.Table, cf, generation)
		if _, ok := newNames[key]; ok {
			continue
		}
		table, err := h.c.Store.Table(sc.Table)
		if err != nil {
			return nil, err
		}
		cfs := table.ColumnFamilyStore(cf)
		newNames[key] = filepath.Join(cfs.Dir(), cfs.GetTempSSTableFileName())
	}
	return newNames, nil
}

func distinctKey(table, cf, generation string) string {
	return table + "-" + cf + "-" + generation
}

// initiateDoneVerbHandler runs on the source: the newcomer is ready, start
// shipping.
type initiateDoneVerbHandler struct {
	c *Context
}

func (h *initiateDoneVerbHandler) DoVerb(msg *transport.Message) {
	from, err := msg.FromEndpoint()
	if err != nil {
		h.c.Logger.Info("Dropping initiate-done with malformed sender", zap.Error(err))
		return
	}
	h.c.Logger.Debug("Received a bootstrap initiate done message",
		zap.String("target", from.String()))
	h.c.StreamMgrs.Get(from).Start()
}

// terminateVerbHandler runs on the source and applies the newcomer's
// per-file verdict: delete frees the slot, stream re-enqueues the file,
// anything else is a no-op.
type terminateVerbHandler struct {
	c *Context
}

func (h *terminateVerbHandler) DoVerb(msg *transport.Message) {
	c := h.c
	m, err := streaming.DecodeStreamStatusMessage(msg.Body)
	if err != nil {
		c.Logger.Info("Dropping malformed terminate message", zap.Error(err))
		return
	}
	from, err := msg.FromEndpoint()
	if err != nil {
		c.Logger.Info("Dropping terminate with malformed sender", zap.Error(err))
		return
	}

	mgr := c.StreamMgrs.Get(from)
	switch m.Status.Action {
	case streaming.ActionDelete:
		if mgr.Finish(m.Status.File) {
			c.Logger.Info("All files acknowledged by target",
				zap.String("target", from.String()))
			c.StreamMgrs.Remove(from)
		}
	case streaming.ActionStream:
		c.Logger.Debug("Need to re-stream file", zap.String("file", m.Status.File))
		mgr.Repeat(m.Status.File)
	default:
		// unknown verdicts are ignored
	}
}

// completionHandler is invoked on the newcomer when one file from a source
// has fully arrived. For a Data component it promotes and installs the
// received table; in every case it reports the per-file verdict back to
// the source. An installation failure is logged and answered with a
// re-stream verdict; it never aborts the session.
type completionHandler struct {
	c *Context
}

func (h *completionHandler) OnStreamCompletion(host string, sc streaming.StreamContext, status streaming.StreamStatus) {
	c := h.c
	intact := status.BytesReceived == sc.ExpectedBytes && status.BytesReceived > 0

	if intact && strings.HasSuffix(sc.TargetFile, "-"+sstable.KindData) {
		if !h.install(sc) {
			intact = false
		}
	}

	if intact {
		status.Action = streaming.ActionDelete
		if c.Metrics != nil {
			c.Metrics.FilesStreamedIn.Inc()
			c.Metrics.BytesStreamedIn.Add(float64(status.BytesReceived))
		}
	} else {
		status.Action = streaming.ActionStream
		if c.Metrics != nil {
			c.Metrics.RestreamRequests.Inc()
		}
		// re-register so the re-streamed copy has a context to land in
		c.StreamCtxs.AddStreamContext(host, status.File, sc, streaming.StreamStatus{File: status.File})
	}

	source, err := ring.ParseEndpoint(host)
	if err != nil {
		c.Logger.Error("Cannot report stream status: bad source endpoint",
			zap.String("host", host), zap.Error(err))
		return
	}

	body, err := streaming.EncodeStreamStatusMessage(streaming.StreamStatusMessage{Status: status})
	if err != nil {
		c.Logger.Error("Failed to encode stream status", zap.Error(err))
		return
	}
	c.Logger.Debug("Sending a bootstrap terminate message",
		zap.String("file", status.File),
		zap.Uint8("action", uint8(status.Action)),
		zap.String("source", host))
	c.Messaging.SendOneWay(transport.NewMessage(VerbBootstrapTerminate, c.Messaging.LocalEndpoint(), body), source)

	if status.Action == streaming.ActionDelete && c.StreamCtxs.IsDone(host) {
		c.RemoveBootstrapSource(source)
	}
}

// install promotes a received Data component into the column family store
func (h *completionHandler) install(sc streaming.StreamContext) bool {
	c := h.c
	cf, _, _, err := sstable.ParseFileName(sc.TargetFile)
	if err != nil {
		c.Logger.Error("Not able to bootstrap with file",
			zap.String("file", sc.TargetFile), zap.Error(err))
		return false
	}
	table, err := c.Store.Table(sc.Table)
	if err != nil {
		c.Logger.Error("Not able to bootstrap with file",
			zap.String("file", sc.TargetFile), zap.Error(err))
		return false
	}

	cfs := table.ColumnFamilyStore(cf)
	reader, err := cfs.RenameAndOpen(sc.TargetFile)
	if err != nil {
		c.Logger.Error("Not able to bootstrap with file",
			zap.String("file", sc.TargetFile), zap.Error(err))
		return false
	}
	cfs.AddSSTable(reader)
	if c.Metrics != nil {
		c.Metrics.SSTablesInstalled.Inc()
	}
	c.Logger.Info("Bootstrap added sstable",
		zap.String("file", filepath.Base(reader.DataPath())))
	return true
}
