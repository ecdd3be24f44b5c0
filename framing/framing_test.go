package framing

import (
	"bytes"
	"testing"

	"github.com/xrproxy/xr-proxy/obfuscation"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	o := obfuscation.New([]byte("test-key-32-bytes-long-enough!!!"), 0xDEADBEEF, obfuscation.PositionalXorRotate)
	c, err := NewCodec(o, 8, 32)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestFrameRoundTrip(t *testing.T) {
	codec := testCodec(t)
	payload := []byte("Hello from xr-proxy!")

	wire, err := codec.Encode(Data, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	frame, consumed, err := codec.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame == nil {
		t.Fatalf("Decode: expected a frame, got nil (need more data)")
	}
	if frame.Command != Data {
		t.Fatalf("command = %v, want Data", frame.Command)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload = %q, want %q", frame.Payload, payload)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
}

func TestAllCommandsRoundTrip(t *testing.T) {
	codec := testCodec(t)
	for _, cmd := range []Command{Connect, Data, Close, ConnectAck} {
		wire, err := codec.Encode(cmd, []byte("payload"))
		if err != nil {
			t.Fatalf("%v: Encode: %v", cmd, err)
		}
		frame, consumed, err := codec.Decode(wire)
		if err != nil || frame == nil {
			t.Fatalf("%v: Decode: frame=%v err=%v", cmd, frame, err)
		}
		if frame.Command != cmd {
			t.Fatalf("command = %v, want %v", frame.Command, cmd)
		}
		if consumed != len(wire) {
			t.Fatalf("consumed = %d, want %d", consumed, len(wire))
		}
	}
}

func TestPartialBufferNeedsMoreData(t *testing.T) {
	codec := testCodec(t)
	wire, err := codec.Encode(Data, []byte("test"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for i := 0; i < len(wire); i++ {
		frame, _, err := codec.Decode(wire[:i])
		if err != nil {
			t.Fatalf("prefix %d: unexpected error %v", i, err)
		}
		if frame != nil {
			t.Fatalf("prefix %d: expected nil frame (need more data), got %+v", i, frame)
		}
	}

	frame, consumed, err := codec.Decode(wire)
	if err != nil || frame == nil {
		t.Fatalf("full buffer: frame=%v err=%v", frame, err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
}

func TestPayloadTooLarge(t *testing.T) {
	codec := testCodec(t)
	_, err := codec.Encode(Data, make([]byte, MaxPayloadLen+1))
	if err != ErrPayloadTooLarge {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestWrongKeyMostlyFails(t *testing.T) {
	key1 := []byte("correct-key-1234567890abcdef")
	key2 := []byte("wrong---key-1234567890abcdef")
	o1 := obfuscation.New(key1, 0x11, obfuscation.PositionalXorRotate)
	o2 := obfuscation.New(key2, 0x11, obfuscation.PositionalXorRotate)

	codec1, err := NewCodec(o1, 0, 0)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	codec2, err := NewCodec(o2, 0, 0)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	errors := 0
	for i := 0; i < 100; i++ {
		payload := []byte("secret payload number")
		wire, err := codec1.Encode(Data, payload)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}

		frame, _, err := codec2.Decode(wire)
		switch {
		case err != nil:
			errors++
		case frame == nil:
			errors++
		case !bytes.Equal(frame.Payload, payload):
			errors++
		}
	}

	if errors <= 90 {
		t.Fatalf("expected > 90/100 decode failures with wrong key, got %d", errors)
	}
}

func TestLargePayloadRoundTrip(t *testing.T) {
	codec := testCodec(t)
	payload := bytes.Repeat([]byte{0x42}, 60000)

	wire, err := codec.Encode(Data, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	frame, consumed, err := codec.Decode(wire)
	if err != nil || frame == nil {
		t.Fatalf("Decode: frame=%v err=%v", frame, err)
	}
	if consumed != len(wire) {
		t.Fatalf("consumed = %d, want %d", consumed, len(wire))
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}
