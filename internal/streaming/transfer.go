package streaming

import (
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
	"github.com/devrev/ringkv/internal/transport"
	"github.com/devrev/ringkv/internal/util"
)

// OneWayMessenger is the slice of the transport the file mover needs
type OneWayMessenger interface {
	LocalEndpoint() ring.Endpoint
	SendOneWay(msg *transport.Message, to ring.Endpoint)
}

// Sender ships whole files to peers as one-way verb messages, each carrying
// the source path, the byte count, and a CRC32 of the payload.
type Sender struct {
	messaging OneWayMessenger
	verb      transport.Verb
	logger    *zap.Logger
}

// NewSender creates a file sender that emits the given verb
func NewSender(messaging OneWayMessenger, verb transport.Verb, logger *zap.Logger) *Sender {
	return &Sender{messaging: messaging, verb: verb, logger: logger}
}

// SendFile implements FileSender
func (s *Sender) SendFile(to ring.Endpoint, sc StreamContext) error {
	data, err := os.ReadFile(sc.TargetFile)
	if err != nil {
		return errors.StreamFailed(sc.TargetFile, err)
	}

	body, err := cbor.Marshal(FileMessage{
		File:       sc.TargetFile,
		TotalBytes: int64(len(data)),
		Checksum:   util.ComputeChecksum(data),
		Data:       data,
	})
	if err != nil {
		return errors.InternalError("failed to encode file message", err)
	}

	s.logger.Info("Streaming file",
		zap.String("file", sc.TargetFile),
		zap.String("target", to.String()),
		zap.Int("bytes", len(data)))

	s.messaging.SendOneWay(transport.NewMessage(s.verb, s.messaging.LocalEndpoint(), body), to)
	return nil
}

// Receiver handles inbound file messages on the newcomer: it resolves the
// rewritten local path through the context manager, writes the payload, and
// reports completion. A checksum mismatch or write failure is logged and
// completes the file with zero bytes, which forces a re-stream verdict.
type Receiver struct {
	contexts *ContextManager
	logger   *zap.Logger
}

// NewReceiver creates a file receiver backed by the given context manager
func NewReceiver(contexts *ContextManager, logger *zap.Logger) *Receiver {
	return &Receiver{contexts: contexts, logger: logger}
}

// DoVerb implements transport.VerbHandler
func (r *Receiver) DoVerb(msg *transport.Message) {
	var fm FileMessage
	if err := cbor.Unmarshal(msg.Body, &fm); err != nil {
		r.logger.Info("Dropping malformed file message",
			zap.Error(errors.MalformedMessage(string(msg.Verb), err)))
		return
	}

	host := msg.From
	sc, ok := r.contexts.Lookup(host, fm.File)
	if !ok {
		r.logger.Warn("Received file with no registered context",
			zap.String("host", host),
			zap.String("file", fm.File))
		return
	}

	if !util.ValidateChecksum(fm.Data, fm.Checksum) {
		r.logger.Info("Checksum mismatch on streamed file",
			zap.String("host", host),
			zap.String("file", fm.File))
		r.contexts.ContextCompleted(host, fm.File, 0)
		return
	}

	if err := os.MkdirAll(filepath.Dir(sc.TargetFile), 0o755); err != nil {
		r.logger.Info("Failed to create data directory",
			zap.String("dir", filepath.Dir(sc.TargetFile)),
			zap.Error(err))
		r.contexts.ContextCompleted(host, fm.File, 0)
		return
	}
	if err := os.WriteFile(sc.TargetFile, fm.Data, 0o644); err != nil {
		r.logger.Info("Failed to write streamed file",
			zap.String("file", sc.TargetFile),
			zap.Error(err))
		r.contexts.ContextCompleted(host, fm.File, 0)
		return
	}

	r.logger.Debug("Received file",
		zap.String("host", host),
		zap.String("source_file", fm.File),
		zap.String("target_file", sc.TargetFile),
		zap.Int64("bytes", fm.TotalBytes))

	r.contexts.ContextCompleted(host, fm.File, int64(len(fm.Data)))
}
