// Package protocol implements the wire format shared by every RPC
// component: the fixed 12-byte frame header, the msgType enumeration,
// and the Serializer used to encode method arguments, results, and
// registry payloads onto a bytearray.ByteArray.
package protocol

import (
	"errors"
	"fmt"

	"github.com/mercadocoro/corofiber/internal/bytearray"
)

// Magic identifies a well-formed frame; any other leading byte is
// rejected outright.
const Magic byte = 0xCC

// Version is the only protocol version this implementation speaks.
const Version byte = 0x01

// BaseLength is the size of the fixed header every frame starts with.
const BaseLength = 12

// MsgType enumerates the frame kinds exchanged between sessions,
// servers, clients, and the registry. Values are fixed and must never
// be renumbered once assigned: a session on an older or newer build
// must still be able to interpret bytes already on the wire.
type MsgType uint8

const (
	HeartbeatPacket MsgType = iota
	RPCProvider
	RPCConsumer
	RPCMethodRequest
	RPCMethodResponse
	RPCServiceRegister
	RPCServiceRegisterResponse
	RPCServiceDiscover
	RPCServiceDiscoverResponse
	RPCSubscribeRequest
	RPCSubscribeResponse
	RPCPublishRequest
	RPCPublishResponse
)

func (m MsgType) String() string {
	switch m {
	case HeartbeatPacket:
		return "HEARTBEAT_PACKET"
	case RPCProvider:
		return "RPC_PROVIDER"
	case RPCConsumer:
		return "RPC_CONSUMER"
	case RPCMethodRequest:
		return "RPC_METHOD_REQUEST"
	case RPCMethodResponse:
		return "RPC_METHOD_RESPONSE"
	case RPCServiceRegister:
		return "RPC_SERVICE_REGISTER"
	case RPCServiceRegisterResponse:
		return "RPC_SERVICE_REGISTER_RESPONSE"
	case RPCServiceDiscover:
		return "RPC_SERVICE_DISCOVER"
	case RPCServiceDiscoverResponse:
		return "RPC_SERVICE_DISCOVER_RESPONSE"
	case RPCSubscribeRequest:
		return "RPC_SUBSCRIBE_REQUEST"
	case RPCSubscribeResponse:
		return "RPC_SUBSCRIBE_RESPONSE"
	case RPCPublishRequest:
		return "RPC_PUBLISH_REQUEST"
	case RPCPublishResponse:
		return "RPC_PUBLISH_RESPONSE"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(m))
	}
}

// ErrBadMagic is returned when a frame's first byte is not Magic.
var ErrBadMagic = errors.New("protocol: bad magic byte")

// ErrFrameTooLarge guards against a corrupt or hostile contentLength
// that would otherwise cause an unbounded allocation.
var ErrFrameTooLarge = errors.New("protocol: contentLength exceeds limit")

// MaxContentLength bounds a single frame's body at 64 MiB. DecodeMeta
// rejects a header whose contentLength exceeds it with
// ErrFrameTooLarge, so larger frames do not round-trip even though the
// header field itself can express lengths up to 2^32-1.
const MaxContentLength = 64 << 20

// Frame is one wire message: a header plus an opaque body whose
// structure is interpreted by whichever layer owns msgType.
type Frame struct {
	MsgType      MsgType
	SequenceID   uint32
	CompressType uint8
	Body         []byte
}

// Encode writes the frame's header and body into a fresh ByteArray,
// ready to be handed to a session's write path.
func Encode(f Frame) *bytearray.ByteArray {
	ba := bytearray.New(0)
	ba.WriteFixed8(Magic)
	ba.WriteFixed8(Version)
	ba.WriteFixed8(uint8(f.MsgType))
	ba.WriteFixed32(f.SequenceID)
	ba.WriteFixed8(f.CompressType)
	ba.WriteFixed32(uint32(len(f.Body)))
	ba.Write(f.Body)
	return ba
}

// Header is the fixed-width preamble of a frame, decoded separately
// from the body so a stream reader can size its next read.
type Header struct {
	MsgType       MsgType
	SequenceID    uint32
	CompressType  uint8
	ContentLength uint32
}

// DecodeMeta parses the fixed header from ba, which must be positioned
// at the start of a frame, validating the magic byte and bounding
// contentLength. It leaves ba's position just past the header.
func DecodeMeta(ba *bytearray.ByteArray) (Header, error) {
	magic, err := ba.ReadFixed8()
	if err != nil {
		return Header{}, err
	}
	if magic != Magic {
		return Header{}, ErrBadMagic
	}
	if _, err := ba.ReadFixed8(); err != nil { // version: accepted but not yet branched on
		return Header{}, err
	}
	msgType, err := ba.ReadFixed8()
	if err != nil {
		return Header{}, err
	}
	seq, err := ba.ReadFixed32()
	if err != nil {
		return Header{}, err
	}
	compress, err := ba.ReadFixed8()
	if err != nil {
		return Header{}, err
	}
	contentLength, err := ba.ReadFixed32()
	if err != nil {
		return Header{}, err
	}
	if contentLength > MaxContentLength {
		return Header{}, ErrFrameTooLarge
	}
	return Header{
		MsgType:       MsgType(msgType),
		SequenceID:    seq,
		CompressType:  compress,
		ContentLength: contentLength,
	}, nil
}

// Decode parses a complete frame, header and body, from a ByteArray
// that already holds BaseLength+contentLength bytes from position 0.
// It is the in-memory counterpart to a session's two-step
// header-then-body read off a net.Conn.
func Decode(ba *bytearray.ByteArray) (Frame, error) {
	h, err := DecodeMeta(ba)
	if err != nil {
		return Frame{}, err
	}
	body := make([]byte, h.ContentLength)
	if err := ba.Read(body); err != nil {
		return Frame{}, err
	}
	return Frame{
		MsgType:      h.MsgType,
		SequenceID:   h.SequenceID,
		CompressType: h.CompressType,
		Body:         body,
	}, nil
}
