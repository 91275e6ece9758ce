// Package grpc carries protocol bridge messages over gRPC. Messages keep
// their own binary encoding; gRPC only provides the connection, the
// framing and the deadlines.
package grpc

import (
	"github.com/gear6io/polycall/pkg/errors"
	"github.com/gear6io/polycall/server/protocols/bridge"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype negotiated on the wire
const CodecName = "polycall"

// messageCodec marshals *bridge.Message with its binary form
type messageCodec struct{}

var _ encoding.Codec = messageCodec{}

func (messageCodec) Name() string { return CodecName }

func (messageCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(*bridge.Message)
	if !ok {
		return nil, errors.New(errors.FFITypeMismatch, "codec carries only protocol messages", nil)
	}
	return msg.MarshalBinary()
}

func (messageCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(*bridge.Message)
	if !ok {
		return errors.New(errors.FFITypeMismatch, "codec carries only protocol messages", nil)
	}
	return msg.UnmarshalBinary(data)
}
