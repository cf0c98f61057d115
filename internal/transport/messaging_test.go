package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/transport"
)

func startService(t *testing.T) *transport.MessagingService {
	t.Helper()
	ms := transport.NewMessagingService("127.0.0.1", 0, zap.NewNop())
	require.NoError(t, ms.Start())
	t.Cleanup(ms.Close)
	return ms
}

func TestSendRRRoundTrip(t *testing.T) {
	client := startService(t)
	server := startService(t)

	const verb transport.Verb = "echo"
	server.RegisterVerbHandler(verb, transport.VerbHandlerFunc(func(msg *transport.Message) {
		from, err := msg.FromEndpoint()
		require.NoError(t, err)
		reply := msg.GetReply(server.LocalEndpoint(), append([]byte("echo:"), msg.Body...))
		server.SendOneWay(reply, from)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := transport.NewMessage(verb, client.LocalEndpoint(), []byte("hello"))
	reply, err := client.SendRR(ctx, msg, server.LocalEndpoint())
	require.NoError(t, err)
	assert.Equal(t, msg.ID, reply.ID)
	assert.True(t, reply.Reply)
	assert.Equal(t, []byte("echo:hello"), reply.Body)
}

func TestSendRRTimesOut(t *testing.T) {
	client := startService(t)
	server := startService(t)

	// server has a handler that never replies
	server.RegisterVerbHandler("void", transport.VerbHandlerFunc(func(msg *transport.Message) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	msg := transport.NewMessage("void", client.LocalEndpoint(), nil)
	_, err := client.SendRR(ctx, msg, server.LocalEndpoint())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeTimeout, errors.GetCode(err))
}

func TestSendOneWayDispatchesToHandler(t *testing.T) {
	sender := startService(t)
	receiver := startService(t)

	received := make(chan *transport.Message, 1)
	receiver.RegisterVerbHandler("notify", transport.VerbHandlerFunc(func(msg *transport.Message) {
		received <- msg
	}))

	sender.SendOneWay(transport.NewMessage("notify", sender.LocalEndpoint(), []byte("payload")), receiver.LocalEndpoint())

	select {
	case msg := <-received:
		assert.Equal(t, []byte("payload"), msg.Body)
		assert.Equal(t, sender.LocalEndpoint().String(), msg.From)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not dispatched")
	}
}

func TestUnknownVerbIsDropped(t *testing.T) {
	sender := startService(t)
	receiver := startService(t)

	// nothing registered; the send must not panic or wedge the receiver
	sender.SendOneWay(transport.NewMessage("nobody-home", sender.LocalEndpoint(), nil), receiver.LocalEndpoint())

	// the receiver still works afterwards
	received := make(chan struct{}, 1)
	receiver.RegisterVerbHandler("ping", transport.VerbHandlerFunc(func(msg *transport.Message) {
		received <- struct{}{}
	}))
	sender.SendOneWay(transport.NewMessage("ping", sender.LocalEndpoint(), nil), receiver.LocalEndpoint())

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver stopped dispatching after unknown verb")
	}
}

func TestDecodeBodySurfacesMalformedMessage(t *testing.T) {
	var out struct {
		X int `cbor:"x"`
	}
	err := transport.DecodeBody("someVerb", []byte{0xff, 0x01}, &out)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeMalformedMessage, errors.GetCode(err))
}
