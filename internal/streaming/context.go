package streaming

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/devrev/ringkv/internal/errors"
)

// StreamContext describes one file to be transferred: the table it belongs
// to, its path, and how many bytes to expect. TargetFile is the source's
// path at creation time; the receiving node rewrites it to a local path
// before any byte arrives.
type StreamContext struct {
	Table         string `cbor:"t"`
	TargetFile    string `cbor:"f"`
	ExpectedBytes int64  `cbor:"n"`
}

// StreamAction is the post-transfer verdict for one file
type StreamAction uint8

const (
	// ActionDelete tells the source the file arrived intact and its copy
	// may be discarded
	ActionDelete StreamAction = iota + 1
	// ActionStream requests a re-send of the file
	ActionStream
)

// StreamStatus is the per-file verdict reported back to the source. File is
// the source's filename, the name both sides agree on.
type StreamStatus struct {
	File          string       `cbor:"f"`
	BytesReceived int64        `cbor:"n"`
	Action        StreamAction `cbor:"a"`
}

// StreamStatusMessage is the body of a terminate verb
type StreamStatusMessage struct {
	Status StreamStatus `cbor:"s"`
}

// InitiateMessage is the body of an initiate verb: the full set of files a
// source is about to stream.
type InitiateMessage struct {
	Contexts []StreamContext `cbor:"c"`
}

// FileMessage carries one streamed file. File is the source's path; the
// receiver maps it to the locally rewritten target.
type FileMessage struct {
	File       string `cbor:"f"`
	TotalBytes int64  `cbor:"n"`
	Checksum   uint32 `cbor:"c"`
	Data       []byte `cbor:"d"`
}

// EncodeStreamStatusMessage marshals a terminate body
func EncodeStreamStatusMessage(m StreamStatusMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, errors.InternalError("failed to encode stream status", err)
	}
	return b, nil
}

// DecodeStreamStatusMessage unmarshals a terminate body
func DecodeStreamStatusMessage(body []byte) (StreamStatusMessage, error) {
	var m StreamStatusMessage
	if err := cbor.Unmarshal(body, &m); err != nil {
		return StreamStatusMessage{}, errors.MalformedMessage("bootstrapTerminate", err)
	}
	return m, nil
}
