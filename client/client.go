// Package client implements the transparent-proxy accept loop: for every
// redirected connection it recovers the original destination, sniffs SNI,
// asks the routing table for a decision, and either dials the destination
// directly or tunnels it through xr-server.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/xrproxy/xr-proxy/framing"
	"github.com/xrproxy/xr-proxy/netutil"
	"github.com/xrproxy/xr-proxy/routing"
	"github.com/xrproxy/xr-proxy/sni"
	"github.com/xrproxy/xr-proxy/target"
)

// maxRelayFrame is the largest buffer needed to hold one frame's worth of
// data arriving from the obfuscated side: header + max padding + max
// payload, per framing.MaxFrameLen.
const maxRelayFrame = framing.MaxFrameLen

// sniPeekSize is how much of the connection's leading bytes are peeked to
// look for a TLS ClientHello; large enough to cover any realistic
// ClientHello with extensions.
const sniPeekSize = 4096

// connectAckTimeout bounds how long the client waits for the server's
// ConnectAck before giving up on a tunnel attempt.
const connectAckTimeout = 10 * time.Second

// State is the shared, read-only configuration every accepted connection's
// handler consults: the compiled router, the frame codec for talking to
// xr-server, the server's address, and the fallback policy.
type State struct {
	Router       *routing.Router
	Codec        *framing.Codec
	ServerAddr   netip.AddrPort
	OnServerDown routing.Action
	ListenPort   uint16

	// originalDstFunc recovers a connection's pre-redirect destination.
	// Nil means netutil.OriginalDst; overridden in tests that can't rely on
	// a real NAT redirect to exercise the SO_ORIGINAL_DST path.
	originalDstFunc func(*net.TCPConn) (netip.AddrPort, error)
}

func (s *State) resolveOriginalDst(conn *net.TCPConn) (netip.AddrPort, error) {
	if s.originalDstFunc != nil {
		return s.originalDstFunc(conn)
	}
	return netutil.OriginalDst(conn)
}

// Run accepts connections on listenPort and hands each to a handler
// goroutine until ctx is canceled.
func Run(ctx context.Context, listenPort uint16, state *State) error {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: int(listenPort)})
	if err != nil {
		return fmt.Errorf("client: listen on port %d: %w", listenPort, err)
	}
	defer ln.Close()

	log.Info().Uint16("port", listenPort).Msg("client: transparent proxy listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("client: accept: %w", err)
		}

		go func() {
			if err := handleConnection(ctx, conn, state); err != nil {
				log.Warn().Str("remote", conn.RemoteAddr().String()).Err(err).Msg("client: connection failed")
			}
		}()
	}
}

func handleConnection(ctx context.Context, clientConn *net.TCPConn, state *State) error {
	defer clientConn.Close()

	origDst, err := state.resolveOriginalDst(clientConn)
	if err != nil {
		return fmt.Errorf("client: SO_ORIGINAL_DST: %w", err)
	}

	// Guard against redirect loops: only drop the connection when the
	// recovered destination is both our own listen port AND one of this
	// machine's own addresses. A remote host that happens to listen on the
	// same port number is a legitimate destination, not a loop.
	if origDst.Port() == state.ListenPort && isLocalAddr(origDst.Addr()) {
		return fmt.Errorf("client: refusing to relay to our own listen port %d (redirect loop)", state.ListenPort)
	}

	peek := make([]byte, sniPeekSize)
	n, err := clientConn.Read(peek)
	if err != nil && err != io.EOF {
		return fmt.Errorf("client: peeking SNI: %w", err)
	}
	hostname := sni.Extract(peek[:n])

	// Read consumes the bytes it sniffed, so every later consumer of this
	// connection (direct relay or tunnel) sees them through prefixConn
	// instead, preserving the client's actual byte stream.
	client := &prefixConn{Conn: clientConn, prefix: append([]byte(nil), peek[:n]...)}

	action := state.Router.Resolve(hostname, origDst.Addr())

	display := hostname
	if display == "" {
		display = "-"
	}
	log.Info().
		Str("client", clientConn.RemoteAddr().String()).
		Str("dest", origDst.String()).
		Str("sni", display).
		Str("action", action.String()).
		Msg("client: routing decision")

	switch action {
	case routing.Direct:
		return dialDirectAndRelay(ctx, client, origDst)
	default:
		err := tunnelConnection(ctx, client, origDst, hostname, state)
		if err == nil {
			return nil
		}
		log.Warn().Str("dest", origDst.String()).Err(err).Str("fallback", state.OnServerDown.String()).Msg("client: tunnel failed")
		if state.OnServerDown == routing.Direct {
			return dialDirectAndRelay(ctx, client, origDst)
		}
		return err
	}
}

// localAddrsFunc lists the IP addresses assigned to this host's network
// interfaces; overridden in tests to avoid depending on the test runner's
// actual network configuration.
var localAddrsFunc = defaultLocalAddrs

func defaultLocalAddrs() ([]netip.Addr, error) {
	ifaceAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, a := range ifaceAddrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			if addr, ok := netip.AddrFromSlice(v4); ok {
				addrs = append(addrs, addr)
				continue
			}
		}
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// isLocalAddr reports whether addr belongs to one of this machine's own
// network interfaces (including loopback), used to tell a genuine redirect
// loop apart from a remote host that happens to share our listen port.
func isLocalAddr(addr netip.Addr) bool {
	if addr.IsLoopback() {
		return true
	}
	addrs, err := localAddrsFunc()
	if err != nil {
		log.Warn().Err(err).Msg("client: failed to list local addresses, assuming destination is not local")
		return false
	}
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// prefixConn replays a buffered prefix of previously-read bytes before
// resuming reads from the wrapped connection. It exists so that peeking at
// a connection's leading bytes for SNI sniffing doesn't lose them for the
// relay that follows.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

func dialDirectAndRelay(ctx context.Context, clientConn net.Conn, dest netip.AddrPort) error {
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		return fmt.Errorf("client: dialing %s directly: %w", dest, err)
	}
	defer target.Close()

	return relayPlain(clientConn, target)
}

func relayPlain(a, b net.Conn) error {
	errc := make(chan error, 2)
	go func() { _, err := io.Copy(b, a); errc <- err }()
	go func() { _, err := io.Copy(a, b); errc <- err }()
	return <-errc
}

func tunnelConnection(ctx context.Context, clientConn net.Conn, origDst netip.AddrPort, hostname string, state *State) error {
	server, err := connectWithRetry(ctx, state.ServerAddr)
	if err != nil {
		return fmt.Errorf("client: connecting to xr-server: %w", err)
	}
	defer server.Close()

	var targetAddr target.Addr
	if hostname != "" {
		targetAddr = target.Addr{Domain: hostname, Port: origDst.Port()}
	} else {
		targetAddr = target.Addr{IP: origDst.Addr(), Port: origDst.Port()}
	}

	payload, err := target.Encode(targetAddr)
	if err != nil {
		return fmt.Errorf("client: encoding target address: %w", err)
	}
	connectFrame, err := state.Codec.Encode(framing.Connect, payload)
	if err != nil {
		return fmt.Errorf("client: encoding Connect frame: %w", err)
	}
	if _, err := server.Write(connectFrame); err != nil {
		return fmt.Errorf("client: sending Connect frame: %w", err)
	}

	if err := awaitConnectAck(server, state.Codec); err != nil {
		return err
	}

	return relayObfuscated(clientConn, server, state.Codec)
}

func connectWithRetry(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	var conn net.Conn
	op := func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			log.Warn().Str("server", addr.String()).Err(err).Msg("client: connect to server failed, retrying")
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // bounded by WithMaxRetries below instead

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func awaitConnectAck(server net.Conn, codec *framing.Codec) error {
	buf := make([]byte, 256)
	filled := 0

	deadline := time.Now().Add(connectAckTimeout)
	for {
		if err := server.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("client: setting read deadline: %w", err)
		}

		n, err := server.Read(buf[filled:])
		if err != nil {
			return fmt.Errorf("client: waiting for ConnectAck: %w", err)
		}
		if n == 0 {
			return errors.New("client: server closed connection during handshake")
		}
		filled += n

		frame, _, err := codec.Decode(buf[:filled])
		if err != nil {
			return fmt.Errorf("client: decoding ConnectAck: %w", err)
		}
		if frame == nil {
			if filled == len(buf) {
				return errors.New("client: ConnectAck too large")
			}
			continue
		}
		if frame.Command != framing.ConnectAck {
			return fmt.Errorf("client: expected ConnectAck, got %v", frame.Command)
		}
		if len(frame.Payload) == 0 || frame.Payload[0] != 0 {
			return errors.New("client: server rejected Connect")
		}
		return nil
	}
}

// relayObfuscated pumps client<->server traffic, framing client bytes as
// Data frames on the way up and deframing Data frames into raw bytes on
// the way down, until either side closes or sends Close.
func relayObfuscated(client net.Conn, server net.Conn, codec *framing.Codec) error {
	errc := make(chan error, 2)

	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := client.Read(buf)
			if n > 0 {
				frame, ferr := codec.Encode(framing.Data, buf[:n])
				if ferr != nil {
					errc <- ferr
					return
				}
				if _, werr := server.Write(frame); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					if close, cerr := codec.Encode(framing.Close, nil); cerr == nil {
						server.Write(close)
					}
					errc <- nil
					return
				}
				errc <- err
				return
			}
		}
	}()

	go func() {
		buf := make([]byte, maxRelayFrame)
		filled := 0
		for {
			n, err := server.Read(buf[filled:])
			if n > 0 {
				filled += n
				for {
					frame, consumed, derr := codec.Decode(buf[:filled])
					if derr != nil {
						errc <- derr
						return
					}
					if frame == nil {
						break
					}
					switch frame.Command {
					case framing.Data:
						if _, werr := client.Write(frame.Payload); werr != nil {
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
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	return <-errc
}
