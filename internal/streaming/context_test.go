package streaming_test

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/ringkv/internal/streaming"
)

func TestStreamStatusMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		status streaming.StreamStatus
	}{
		{
			name: "delete verdict",
			status: streaming.StreamStatus{
				File:          "/data/default/users-7-Data.db",
				BytesReceived: 4096,
				Action:        streaming.ActionDelete,
			},
		},
		{
			name: "stream verdict",
			status: streaming.StreamStatus{
				File:          "/data/default/users-7-Index.db",
				BytesReceived: 0,
				Action:        streaming.ActionStream,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, err := streaming.EncodeStreamStatusMessage(streaming.StreamStatusMessage{Status: tt.status})
			require.NoError(t, err)

			decoded, err := streaming.DecodeStreamStatusMessage(body)
			require.NoError(t, err)
			assert.Equal(t, tt.status, decoded.Status)
		})
	}
}

func TestDecodeStreamStatusMessageRejectsGarbage(t *testing.T) {
	_, err := streaming.DecodeStreamStatusMessage([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)
}

func TestInitiateMessageRoundTrip(t *testing.T) {
	msg := streaming.InitiateMessage{
		Contexts: []streaming.StreamContext{
			{Table: "default", TargetFile: "/data/default/users-7-Data.db", ExpectedBytes: 1024},
			{Table: "default", TargetFile: "/data/default/users-7-Index.db", ExpectedBytes: 128},
		},
	}

	body, err := cbor.Marshal(msg)
	require.NoError(t, err)

	var decoded streaming.InitiateMessage
	require.NoError(t, cbor.Unmarshal(body, &decoded))
	assert.Equal(t, msg, decoded)
}
