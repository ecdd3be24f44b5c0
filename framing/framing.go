// Package framing implements the xr-proxy frame codec: a self-synchronizing
// record format with a 32-bit nonce, an obfuscated header, random-length
// padding, and an obfuscated payload.
//
// The frame format is:
//
//	uint32_t nonce (big endian, plaintext)
//	uint8_t[4] header (obfuscated):
//	    uint16_t payload_len (big endian)
//	    uint8_t  padding_len
//	    uint8_t  cmd_byte = 0xA0 | command
//	uint8_t[padding_len] padding (random, never obfuscated)
//	uint8_t[payload_len] payload (obfuscated)
//
// The header is obfuscated with offset=nonce; the payload is obfuscated
// with offset=nonce+4+padding_len (mod 2^32), so that header and payload
// never share the same keystream alignment. The upper 3 bits of cmd_byte
// are a fixed magic (0b101) used as a cheap, probabilistic wrong-key
// discriminator: a decoder that doesn't share the sender's key will see a
// cmd_byte with those bits set only 1-in-8 times.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xrproxy/xr-proxy/csrand"
	"github.com/xrproxy/xr-proxy/obfuscation"
)

// Command identifies the purpose of a frame's payload.
type Command uint8

const (
	// Connect is sent client -> server to request a target be dialed.
	Connect Command = 1
	// Data carries relayed payload bytes in either direction.
	Data Command = 2
	// Close signals a graceful end of the flow in either direction.
	Close Command = 3
	// ConnectAck is sent server -> client in response to Connect.
	ConnectAck Command = 4
)

func (c Command) String() string {
	switch c {
	case Connect:
		return "Connect"
	case Data:
		return "Data"
	case Close:
		return "Close"
	case ConnectAck:
		return "ConnectAck"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

const (
	nonceLen  = 4
	headerLen = 8 // nonce + header, the fixed prefix every frame carries

	headerMagicMask = 0xE0
	headerMagic     = 0xA0

	// MaxPayloadLen is the largest payload a single frame may carry.
	MaxPayloadLen = 65535

	// MaxFrameLen is the largest possible wire frame: nonce + header +
	// maximum padding + maximum payload.
	MaxFrameLen = headerLen + 255 + MaxPayloadLen
)

// ErrPayloadTooLarge is returned by Encode when the payload exceeds
// MaxPayloadLen. This is a programmer error, not an I/O condition.
var ErrPayloadTooLarge = errors.New("framing: payload too large")

// ErrBadFrame is returned by Decode when the header fails the magic or
// command check: either the wrong key is in use, or the peer is not
// speaking this protocol at all.
var ErrBadFrame = errors.New("framing: bad frame (wrong key or not our protocol)")

// Frame is a single decoded protocol record.
type Frame struct {
	Command Command
	Payload []byte
}

// Codec encodes and decodes frames for one obfuscation key. A Codec is
// immutable after construction and safe for concurrent use; connection
// handlers hold one buffer per direction and call Decode in a loop,
// advancing the buffer by the consumed count, as described in Codec.Decode.
type Codec struct {
	obfuscator *obfuscation.Obfuscator
	paddingMin uint8
	paddingMax uint8
}

// NewCodec builds a Codec. paddingMin must be <= paddingMax; both are
// inclusive bounds on the padding length drawn per frame.
func NewCodec(obfuscator *obfuscation.Obfuscator, paddingMin, paddingMax uint8) (*Codec, error) {
	if paddingMin > paddingMax {
		return nil, fmt.Errorf("framing: padding_min (%d) > padding_max (%d)", paddingMin, paddingMax)
	}
	return &Codec{obfuscator: obfuscator, paddingMin: paddingMin, paddingMax: paddingMax}, nil
}

// Encode produces the wire bytes for one frame carrying command and
// payload.
func (c *Codec) Encode(command Command, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}

	var nonceBuf [4]byte
	if err := csrand.Bytes(nonceBuf[:]); err != nil {
		return nil, fmt.Errorf("framing: generating nonce: %w", err)
	}
	nonce := binary.BigEndian.Uint32(nonceBuf[:])

	paddingLen := c.paddingMin
	if c.paddingMax > c.paddingMin {
		paddingLen = uint8(csrand.IntRange(int(c.paddingMin), int(c.paddingMax)))
	}

	header := [4]byte{}
	binary.BigEndian.PutUint16(header[0:2], uint16(len(payload)))
	header[2] = paddingLen
	header[3] = headerMagic | uint8(command)
	c.obfuscator.Apply(header[:], nonce)

	padding := make([]byte, paddingLen)
	if err := csrand.Bytes(padding); err != nil {
		return nil, fmt.Errorf("framing: generating padding: %w", err)
	}

	obfsPayload := append([]byte(nil), payload...)
	payloadOffset := nonce + uint32(4+int(paddingLen))
	c.obfuscator.Apply(obfsPayload, payloadOffset)

	wire := make([]byte, 0, nonceLen+4+int(paddingLen)+len(payload))
	wire = append(wire, nonceBuf[:]...)
	wire = append(wire, header[:]...)
	wire = append(wire, padding...)
	wire = append(wire, obfsPayload...)

	return wire, nil
}

// Decode attempts to parse one frame from the front of buf. It returns the
// decoded frame and the number of bytes consumed, (nil, 0, nil) if buf does
// not yet hold a complete frame, or ErrBadFrame if the header fails
// validation. Decode never mutates buf and performs no I/O: callers own a
// growable per-direction buffer, call Decode in a loop, and advance past
// consumed bytes (self-synchronizing framing, §4.2).
func (c *Codec) Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < headerLen {
		return nil, 0, nil
	}

	nonce := binary.BigEndian.Uint32(buf[0:4])

	var header [4]byte
	copy(header[:], buf[4:8])
	c.obfuscator.Apply(header[:], nonce)

	payloadLen := int(binary.BigEndian.Uint16(header[0:2]))
	paddingLen := int(header[2])
	cmdByte := header[3]

	if cmdByte&headerMagicMask != headerMagic {
		return nil, 0, ErrBadFrame
	}
	command := Command(cmdByte & 0x1F)
	switch command {
	case Connect, Data, Close, ConnectAck:
	default:
		return nil, 0, ErrBadFrame
	}

	total := headerLen + paddingLen + payloadLen
	if len(buf) < total {
		return nil, 0, nil
	}

	payloadStart := headerLen + paddingLen
	payload := append([]byte(nil), buf[payloadStart:payloadStart+payloadLen]...)
	payloadOffset := nonce + uint32(4+paddingLen)
	c.obfuscator.Apply(payload, payloadOffset)

	return &Frame{Command: command, Payload: payload}, total, nil
}
