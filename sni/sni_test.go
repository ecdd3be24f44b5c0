package sni

import (
	"encoding/binary"
	"testing"
)

func TestExtractFromRealClientHello(t *testing.T) {
	ch := buildTestClientHello("example.com")
	if got := Extract(ch); got != "example.com" {
		t.Fatalf("Extract() = %q, want %q", got, "example.com")
	}
}

func TestExtractNotTLS(t *testing.T) {
	http := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if got := Extract(http); got != "" {
		t.Fatalf("Extract() = %q, want empty", got)
	}
}

func TestExtractShortBuffer(t *testing.T) {
	if got := Extract([]byte{0x16, 0x03, 0x01}); got != "" {
		t.Fatalf("Extract() = %q, want empty", got)
	}
	if got := Extract(nil); got != "" {
		t.Fatalf("Extract(nil) = %q, want empty", got)
	}
}

func TestExtractTruncatedClientHelloNeverPanics(t *testing.T) {
	full := buildTestClientHello("truncated.example")
	for n := 0; n <= len(full); n++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Extract panicked on truncated input len=%d: %v", n, r)
				}
			}()
			Extract(full[:n])
		}()
	}
}

func TestExtractLongHostname(t *testing.T) {
	host := "a-very-long-subdomain-name-for-testing-purposes.example.com"
	ch := buildTestClientHello(host)
	if got := Extract(ch); got != host {
		t.Fatalf("Extract() = %q, want %q", got, host)
	}
}

func buildTestClientHello(hostname string) []byte {
	hostBytes := []byte(hostname)

	sniEntryLen := 3 + len(hostBytes)
	sniExt := make([]byte, 0, 2+sniEntryLen)
	sniExt = binary.BigEndian.AppendUint16(sniExt, uint16(sniEntryLen))
	sniExt = append(sniExt, 0x00)
	sniExt = binary.BigEndian.AppendUint16(sniExt, uint16(len(hostBytes)))
	sniExt = append(sniExt, hostBytes...)

	extensions := make([]byte, 0, 4+len(sniExt))
	extensions = binary.BigEndian.AppendUint16(extensions, 0)
	extensions = binary.BigEndian.AppendUint16(extensions, uint16(len(sniExt)))
	extensions = append(extensions, sniExt...)

	chBody := make([]byte, 0, 128)
	chBody = append(chBody, 0x03, 0x03)
	chBody = append(chBody, make([]byte, 32)...)
	chBody = append(chBody, 0) // session id len
	chBody = binary.BigEndian.AppendUint16(chBody, 2)
	chBody = append(chBody, 0x00, 0xff)
	chBody = append(chBody, 1, 0) // compression methods
	chBody = binary.BigEndian.AppendUint16(chBody, uint16(len(extensions)))
	chBody = append(chBody, extensions...)

	handshake := make([]byte, 0, 4+len(chBody))
	handshake = append(handshake, 0x01)
	hsLen := len(chBody)
	handshake = append(handshake, byte(hsLen>>16), byte(hsLen>>8), byte(hsLen))
	handshake = append(handshake, chBody...)

	record := make([]byte, 0, 5+len(handshake))
	record = append(record, 0x16, 0x03, 0x01)
	record = binary.BigEndian.AppendUint16(record, uint16(len(handshake)))
	record = append(record, handshake...)

	return record
}
