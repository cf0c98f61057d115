package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
)

// maxFrameSize bounds a single wire frame. Streamed SSTable files ride in
// message bodies, so the cap has to comfortably exceed the largest file a
// source will ship in one frame.
const maxFrameSize = 256 << 20

// VerbHandler is invoked for each inbound message of a registered verb.
// Handlers run on per-connection goroutines and may block.
type VerbHandler interface {
	DoVerb(msg *Message)
}

// VerbHandlerFunc adapts a function to the VerbHandler interface
type VerbHandlerFunc func(msg *Message)

// DoVerb implements VerbHandler
func (f VerbHandlerFunc) DoVerb(msg *Message) { f(msg) }

// MessagingService is the point-to-point transport: length-prefixed CBOR
// frames over TCP, a verb dispatch table for inbound messages, one-way
// sends, and request/response with a bounded wait.
type MessagingService struct {
	host string
	port int

	mu       sync.RWMutex
	handlers map[Verb]VerbHandler
	pending  map[string]chan *Message

	listener    net.Listener
	dialTimeout time.Duration
	logger      *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMessagingService creates a transport bound to host:port. Port 0 picks
// an ephemeral port; LocalEndpoint reports the bound address after Start.
func NewMessagingService(host string, port int, logger *zap.Logger) *MessagingService {
	return &MessagingService{
		host:        host,
		port:        port,
		handlers:    make(map[Verb]VerbHandler),
		pending:     make(map[string]chan *Message),
		dialTimeout: 5 * time.Second,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}
}

// Start begins listening and dispatching inbound frames
func (ms *MessagingService) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ms.host, ms.port))
	if err != nil {
		return errors.Unavailable("failed to bind storage port", err)
	}
	ms.listener = ln
	ms.port = ln.Addr().(*net.TCPAddr).Port

	ms.logger.Info("Messaging service listening",
		zap.String("addr", ln.Addr().String()))

	go ms.acceptLoop()
	return nil
}

// LocalEndpoint returns the endpoint identity of this transport
func (ms *MessagingService) LocalEndpoint() ring.Endpoint {
	return ring.Endpoint{Host: ms.host, Port: ms.port}
}

// SetDialTimeout overrides the default outbound dial timeout
func (ms *MessagingService) SetDialTimeout(d time.Duration) {
	if d > 0 {
		ms.dialTimeout = d
	}
}

// RegisterVerbHandler installs the handler for a verb. Adding a verb is a
// registry entry; there is no handler hierarchy.
func (ms *MessagingService) RegisterVerbHandler(verb Verb, handler VerbHandler) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.handlers[verb] = handler
}

// SendOneWay delivers a message without waiting for any response. Transport
// loss is undetectable here; recovery belongs to the protocol above.
func (ms *MessagingService) SendOneWay(msg *Message, to ring.Endpoint) {
	if err := ms.send(msg, to); err != nil {
		ms.logger.Warn("One-way send failed",
			zap.String("verb", string(msg.Verb)),
			zap.String("to", to.String()),
			zap.Error(err))
	}
}

// SendRR sends a request and blocks until the matching reply arrives or the
// context expires. The suspension point is explicit; the caller chooses the
// deadline.
func (ms *MessagingService) SendRR(ctx context.Context, msg *Message, to ring.Endpoint) (*Message, error) {
	ch := make(chan *Message, 1)

	ms.mu.Lock()
	ms.pending[msg.ID] = ch
	ms.mu.Unlock()

	defer func() {
		ms.mu.Lock()
		delete(ms.pending, msg.ID)
		ms.mu.Unlock()
	}()

	if err := ms.send(msg, to); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, errors.Timeout(string(msg.Verb), ctx.Err())
	case <-ms.stopChan:
		return nil, errors.Unavailable("messaging service stopped", nil)
	}
}

// Close stops the listener and fails pending request/response waits
func (ms *MessagingService) Close() {
	ms.stopOnce.Do(func() {
		close(ms.stopChan)
		if ms.listener != nil {
			ms.listener.Close()
		}
	})
}

func (ms *MessagingService) send(msg *Message, to ring.Endpoint) error {
	conn, err := net.DialTimeout("tcp", to.String(), ms.dialTimeout)
	if err != nil {
		return errors.Unavailable(fmt.Sprintf("dial %s", to), err)
	}
	defer conn.Close()

	frame, err := cbor.Marshal(msg)
	if err != nil {
		return errors.InternalError("failed to encode frame", err)
	}

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(frame)))
	if _, err := conn.Write(length[:]); err != nil {
		return errors.Unavailable("frame write failed", err)
	}
	if _, err := conn.Write(frame); err != nil {
		return errors.Unavailable("frame write failed", err)
	}
	return nil
}

func (ms *MessagingService) acceptLoop() {
	for {
		conn, err := ms.listener.Accept()
		if err != nil {
			select {
			case <-ms.stopChan:
				return
			default:
			}
			ms.logger.Warn("Accept failed", zap.Error(err))
			continue
		}
		go ms.readLoop(conn)
	}
}

func (ms *MessagingService) readLoop(conn net.Conn) {
	defer conn.Close()

	for {
		var length [4]byte
		if _, err := io.ReadFull(conn, length[:]); err != nil {
			if err != io.EOF {
				ms.logger.Debug("Connection read ended", zap.Error(err))
			}
			return
		}
		n := binary.BigEndian.Uint32(length[:])
		if n == 0 || n > maxFrameSize {
			ms.logger.Warn("Dropping oversized frame",
				zap.Uint32("length", n),
				zap.String("remote", conn.RemoteAddr().String()))
			return
		}

		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			ms.logger.Debug("Connection read ended", zap.Error(err))
			return
		}

		var msg Message
		if err := cbor.Unmarshal(frame, &msg); err != nil {
			ms.logger.Warn("Malformed frame",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Error(errors.MalformedMessage("frame", err)))
			return
		}
		ms.dispatch(&msg)
	}
}

func (ms *MessagingService) dispatch(msg *Message) {
	if msg.Reply {
		ms.mu.RLock()
		ch, ok := ms.pending[msg.ID]
		ms.mu.RUnlock()
		if !ok {
			ms.logger.Debug("Reply with no pending request",
				zap.String("verb", string(msg.Verb)),
				zap.String("id", msg.ID))
			return
		}
		select {
		case ch <- msg:
		default:
		}
		return
	}

	ms.mu.RLock()
	handler, ok := ms.handlers[msg.Verb]
	ms.mu.RUnlock()
	if !ok {
		ms.logger.Warn("No handler registered for verb",
			zap.String("verb", string(msg.Verb)),
			zap.String("from", msg.From))
		return
	}
	handler.DoVerb(msg)
}
