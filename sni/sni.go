// Package sni extracts the Server Name Indication hostname from the first
// bytes of a TCP flow, without a TLS library: just enough of the TLS record,
// handshake, and extension layout to find the SNI extension in a
// ClientHello.
//
// TLS record:    ContentType(1) Version(2) Length(2) Fragment...
// Handshake:     HandshakeType(1) Length(3) ClientHello...
// ClientHello:   Version(2) Random(32) SessionID(var) CipherSuites(var)
//                CompressionMethods(var) Extensions(var)
// SNI extension (type 0x0000): ServerNameList length(2) NameType(1)
//                HostName length(2) HostName...
package sni

import "encoding/binary"

const (
	contentTypeHandshake  = 0x16
	handshakeTypeClientHi = 0x01
	extTypeServerName     = 0x0000
	serverNameTypeHost    = 0x00

	// minClientHello is the smallest buffer that could possibly hold a
	// TLS record header, a handshake header, and a ClientHello's fixed
	// fields (version + random + a zero-length session id).
	minClientHello = 5 + 4 + 2 + 32 + 1
)

// Extract returns the SNI hostname from buf if it holds (at least the start
// of) a TLS ClientHello carrying a server_name extension. It returns ""
// whenever the buffer is too short, isn't a TLS handshake record, isn't a
// ClientHello, or carries no SNI extension — it never panics and never
// reads past a length it has already bounds-checked against len(buf).
func Extract(buf []byte) string {
	if len(buf) < minClientHello {
		return ""
	}
	if buf[0] != contentTypeHandshake {
		return ""
	}

	recordLen := int(binary.BigEndian.Uint16(buf[3:5]))
	recordEnd := 5 + min(recordLen, len(buf)-5)
	hs := buf[5:recordEnd]
	if len(hs) == 0 || hs[0] != handshakeTypeClientHi {
		return ""
	}
	if len(hs) < 4 {
		return ""
	}

	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	ch := hs[4 : 4+min(hsLen, len(hs)-4)]
	if len(ch) < 35 {
		return ""
	}

	pos := 34 // skip version(2) + random(32)

	sessionIDLen := int(ch[pos])
	pos += 1 + sessionIDLen
	if pos+2 > len(ch) {
		return ""
	}

	cipherSuitesLen := int(binary.BigEndian.Uint16(ch[pos : pos+2]))
	pos += 2 + cipherSuitesLen
	if pos+1 > len(ch) {
		return ""
	}

	compressionLen := int(ch[pos])
	pos += 1 + compressionLen
	if pos+2 > len(ch) {
		return ""
	}

	extLen := int(binary.BigEndian.Uint16(ch[pos : pos+2]))
	pos += 2
	extEnd := pos + min(extLen, len(ch)-pos)

	for pos+4 <= extEnd {
		extType := binary.BigEndian.Uint16(ch[pos : pos+2])
		extDataLen := int(binary.BigEndian.Uint16(ch[pos+2 : pos+4]))
		pos += 4

		if extType == extTypeServerName {
			end := pos + min(extDataLen, len(ch)-pos)
			return parseServerNameExtension(ch[pos:end])
		}
		pos += extDataLen
	}

	return ""
}

func parseServerNameExtension(data []byte) string {
	if len(data) < 5 {
		return ""
	}

	pos := 2 // skip ServerNameList length
	for pos+3 <= len(data) {
		nameType := data[pos]
		nameLen := int(binary.BigEndian.Uint16(data[pos+1 : pos+3]))
		pos += 3

		if nameType == serverNameTypeHost {
			if pos+nameLen <= len(data) {
				return string(data[pos : pos+nameLen])
			}
			return ""
		}
		pos += nameLen
	}

	return ""
}
