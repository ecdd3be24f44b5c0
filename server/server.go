// Package server implements the xr-server connection handler: it expects a
// Connect frame first, dials the requested target, and then relays data
// bidirectionally, framing it as Data frames toward the client and writing
// plain bytes toward the target. Connections that never produce a valid
// Connect frame are handed to the fallback masquerade instead of being
// given any information about why they were rejected.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/xrproxy/xr-proxy/framing"
	"github.com/xrproxy/xr-proxy/target"
)

// maxHandshakeBuf bounds how much data the handshake read loop will buffer
// while waiting for a complete, valid Connect frame before giving up and
// treating the connection as non-protocol traffic.
const maxHandshakeBuf = 4096

// maxRelayBuf is sized to hold one full frame: header + max padding + max
// payload.
const maxRelayBuf = framing.MaxFrameLen

const targetDialTimeout = 10 * time.Second

// Config holds everything a connection handler needs that doesn't vary
// per-connection.
type Config struct {
	Codec             *framing.Codec
	HandshakeTimeout  time.Duration
	FallbackResponse  []byte // nil disables the fallback masquerade
	MaxConnections    int64
}

// Run accepts connections on listenAddr until ctx is canceled, admitting at
// most cfg.MaxConnections concurrently.
func Run(ctx context.Context, listenAddr string, cfg *Config) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", listenAddr, err)
	}
	defer ln.Close()

	log.Info().Str("addr", listenAddr).Msg("server: listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := semaphore.NewWeighted(cfg.MaxConnections)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		if !sem.TryAcquire(1) {
			log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("server: connection limit reached, rejecting")
			conn.Close()
			continue
		}

		go func() {
			defer sem.Release(1)
			if err := handleClient(ctx, conn, cfg); err != nil {
				log.Debug().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("server: client error")
			}
		}()
	}
}

func handleClient(ctx context.Context, client net.Conn, cfg *Config) error {
	defer client.Close()

	buf := make([]byte, maxHandshakeBuf*2)
	filled := 0

	var connectFrame *framing.Frame
	for {
		if err := client.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
			return fmt.Errorf("server: setting handshake deadline: %w", err)
		}

		n, err := client.Read(buf[filled:])
		if err != nil {
			return fmt.Errorf("server: handshake read: %w", err)
		}
		if n == 0 {
			return errors.New("server: client closed during handshake")
		}
		filled += n

		frame, consumed, derr := cfg.Codec.Decode(buf[:filled])
		if derr != nil {
			log.Debug().Str("remote", client.RemoteAddr().String()).Msg("server: invalid frame, sending fallback")
			sendFallbackAndClose(client, cfg.FallbackResponse)
			return nil
		}
		if frame == nil {
			if filled >= maxHandshakeBuf {
				log.Debug().Str("remote", client.RemoteAddr().String()).Msg("server: no valid frame within handshake budget, sending fallback")
				sendFallbackAndClose(client, cfg.FallbackResponse)
				return nil
			}
			continue
		}

		copy(buf, buf[consumed:filled])
		filled -= consumed
		connectFrame = frame
		break
	}

	if connectFrame.Command != framing.Connect {
		return fmt.Errorf("server: expected Connect, got %v", connectFrame.Command)
	}

	addr, _, err := target.Decode(connectFrame.Payload)
	if err != nil {
		return fmt.Errorf("server: decoding target address: %w", err)
	}

	targetConn, err := dialTarget(ctx, addr)
	if err != nil {
		return fmt.Errorf("server: dialing target %s: %w", addr, err)
	}
	defer targetConn.Close()

	log.Info().Str("remote", client.RemoteAddr().String()).Str("target", addr.String()).Msg("server: tunnel established")

	ack, err := cfg.Codec.Encode(framing.ConnectAck, []byte{0})
	if err != nil {
		return fmt.Errorf("server: encoding ConnectAck: %w", err)
	}
	if err := client.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("server: clearing write deadline: %w", err)
	}
	if _, err := client.Write(ack); err != nil {
		return fmt.Errorf("server: sending ConnectAck: %w", err)
	}
	if err := client.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("server: clearing read deadline: %w", err)
	}

	return relayObfuscated(client, targetConn, cfg.Codec, buf[:filled])
}

func dialTarget(ctx context.Context, addr target.Addr) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, targetDialTimeout)
	defer cancel()

	var d net.Dialer
	return d.DialContext(dialCtx, "tcp", addr.String())
}

func sendFallbackAndClose(client net.Conn, response []byte) {
	if len(response) > 0 {
		_, _ = client.Write(response)
	}
	// Silently close otherwise — a probe or scanner should learn nothing.
}

// relayObfuscated pumps client<->target traffic. initial holds any bytes
// already read past the Connect frame during the handshake, which must be
// processed as the start of the client->target stream before reading more.
func relayObfuscated(client net.Conn, targetConn net.Conn, codec *framing.Codec, initial []byte) error {
	errc := make(chan error, 2)

	go func() {
		buf := make([]byte, maxRelayBuf)
		filled := copy(buf, initial)

		for {
			for filled > 0 {
				frame, consumed, err := codec.Decode(buf[:filled])
				if err != nil {
					errc <- err
					return
				}
				if frame == nil {
					break
				}
				switch frame.Command {
				case framing.Data:
					if _, werr := targetConn.Write(frame.Payload); werr != nil {
						errc <- werr
						return
					}
				case framing.Close:
					errc <- nil
					return
				}
				copy(buf, buf[consumed:filled])
				filled -= consumed
			}

			n, err := client.Read(buf[filled:])
			if err != nil {
				errc <- err
				return
			}
			filled += n
		}
	}()

	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := targetConn.Read(buf)
			if n > 0 {
				frame, ferr := codec.Encode(framing.Data, buf[:n])
				if ferr != nil {
					errc <- ferr
					return
				}
				if _, werr := client.Write(frame); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					if close, cerr := codec.Encode(framing.Close, nil); cerr == nil {
						client.Write(close)
					}
					errc <- nil
					return
				}
				errc <- err
				return
			}
		}
	}()

	return <-errc
}
