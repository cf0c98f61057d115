package bootstrap

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/devrev/ringkv/internal/errors"
	"github.com/devrev/ringkv/internal/ring"
)

// MetadataMessage is the body of a bootstrapMetadata verb: for each target
// the sender is bootstrapping, the ranges this source owes it.
type MetadataMessage struct {
	Assignments []Assignment `cbor:"a"`
}

// Assignment names one target endpoint and the ranges to ship to it
type Assignment struct {
	Target string       `cbor:"t"`
	Ranges []ring.Range `cbor:"r"`
}

// EncodeMetadataMessage marshals a metadata body
func EncodeMetadataMessage(m MetadataMessage) ([]byte, error) {
	b, err := cbor.Marshal(m)
	if err != nil {
		return nil, errors.InternalError("failed to encode bootstrap metadata", err)
	}
	return b, nil
}

// DecodeMetadataMessage unmarshals a metadata body
func DecodeMetadataMessage(body []byte) (MetadataMessage, error) {
	var m MetadataMessage
	if err := cbor.Unmarshal(body, &m); err != nil {
		return MetadataMessage{}, errors.MalformedMessage(string(VerbBootstrapMetadata), err)
	}
	return m, nil
}
