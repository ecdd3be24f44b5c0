package server

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/xrproxy/xr-proxy/framing"
	"github.com/xrproxy/xr-proxy/obfuscation"
	"github.com/xrproxy/xr-proxy/target"
)

func mustAddrFromTCP(a *net.TCPAddr) netip.Addr {
	addr, ok := netip.AddrFromSlice(a.IP.To4())
	if !ok {
		addr, _ = netip.AddrFromSlice(a.IP)
	}
	return addr
}

func testCodec(t *testing.T) *framing.Codec {
	t.Helper()
	o := obfuscation.New([]byte("server-test-key-1234567890"), 0xA1B2C3D4, obfuscation.PositionalXorRotate)
	c, err := framing.NewCodec(o, 0, 4)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

// TestHandleClientFullHandshakeAndRelay drives handleClient end to end over
// an in-memory pipe standing in for the client connection, and a TCP
// listener standing in for the dialed target, to exercise the Connect ->
// ConnectAck -> Data relay sequence.
func TestHandleClientFullHandshakeAndRelay(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer targetLn.Close()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		conn, err := targetLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	codec := testCodec(t)
	clientSide, serverSide := net.Pipe()

	cfg := &Config{
		Codec:            codec,
		HandshakeTimeout: 5 * time.Second,
		MaxConnections:   10,
	}

	done := make(chan error, 1)
	go func() { done <- handleClient(context.Background(), serverSide, cfg) }()

	tcpAddr := targetLn.Addr().(*net.TCPAddr)
	addr := target.Addr{IP: mustAddrFromTCP(tcpAddr), Port: uint16(tcpAddr.Port)}
	payload, err := target.Encode(addr)
	if err != nil {
		t.Fatalf("target.Encode: %v", err)
	}
	connectFrame, err := codec.Encode(framing.Connect, payload)
	if err != nil {
		t.Fatalf("Encode Connect: %v", err)
	}
	if _, err := clientSide.Write(connectFrame); err != nil {
		t.Fatalf("write Connect: %v", err)
	}

	ackBuf := make([]byte, 64)
	n, err := clientSide.Read(ackBuf)
	if err != nil {
		t.Fatalf("read ConnectAck: %v", err)
	}
	frame, _, err := codec.Decode(ackBuf[:n])
	if err != nil || frame == nil {
		t.Fatalf("decode ConnectAck: frame=%v err=%v", frame, err)
	}
	if frame.Command != framing.ConnectAck || frame.Payload[0] != 0 {
		t.Fatalf("unexpected ack frame: %+v", frame)
	}

	dataFrame, err := codec.Encode(framing.Data, []byte("ping"))
	if err != nil {
		t.Fatalf("Encode Data: %v", err)
	}
	if _, err := clientSide.Write(dataFrame); err != nil {
		t.Fatalf("write Data: %v", err)
	}

	respBuf := make([]byte, 256)
	n, err = clientSide.Read(respBuf)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	respFrame, _, err := codec.Decode(respBuf[:n])
	if err != nil || respFrame == nil {
		t.Fatalf("decode echo frame: frame=%v err=%v", respFrame, err)
	}
	if !bytes.Equal(respFrame.Payload, []byte("ping")) {
		t.Fatalf("echoed payload = %q, want %q", respFrame.Payload, "ping")
	}

	clientSide.Close()
	<-done
	<-echoDone
}

func TestHandleClientSendsFallbackOnGarbage(t *testing.T) {
	codec := testCodec(t)
	clientSide, serverSide := net.Pipe()

	cfg := &Config{
		Codec:            codec,
		HandshakeTimeout: 2 * time.Second,
		FallbackResponse: []byte("HTTP/1.1 200 OK\r\n\r\nhello"),
		MaxConnections:   10,
	}

	done := make(chan error, 1)
	go func() { done <- handleClient(context.Background(), serverSide, cfg) }()

	if _, err := clientSide.Write([]byte("GET / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	buf := make([]byte, 256)
	n, err := clientSide.Read(buf)
	if err != nil {
		t.Fatalf("read fallback: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte("HTTP/1.1 200 OK")) {
		t.Fatalf("expected fallback response, got %q", buf[:n])
	}

	clientSide.Close()
	<-done
}
