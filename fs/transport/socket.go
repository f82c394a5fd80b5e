// Package transport implements the socket transport, header codec, and
// exchange engine described in the specification: connect/handshake/
// read/write/close over a worker's URL state, HTTP/1.1 request building and
// response parsing, and the retry loop that drives both against resets,
// stale keepalive sockets, and redirects.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rclone/httpfs/fs/httperr"
	"github.com/rclone/httpfs/fs/httpurl"
	"golang.org/x/sys/unix"
)

// TLSPolicy carries the verification options the specification assigns to
// the socket transport: a CA trust pool, legacy signature algorithm
// allowances, and a debug verbosity level. DebugLevel is carried for
// command-line compatibility; neither the handshake nor the verifier
// reads it.
type TLSPolicy struct {
	RootCAs     *x509.CertPool
	AllowRSAMD5 bool
	AllowRSAMD2 bool
	DebugLevel  int
}

// Open establishes the transport-level connection for s: if the socket is
// already keepalive it returns immediately. Otherwise it resolves the
// host (IPv4 preferred, IPv6 fallback), dials, and — for https — performs
// the TLS handshake with the configured verification policy.
func Open(ctx context.Context, s *httpurl.State, policy TLSPolicy) error {
	if s.SockState == httpurl.SockKeepAlive {
		return nil
	}

	if s.TLS != nil {
		_ = s.TLS.Close()
		s.TLS = nil
	}
	if s.Conn != nil {
		_ = s.Conn.Close()
		s.Conn = nil
	}

	if s.Redirected {
		s.RedirectFollowed = true
	}

	conn, err := dialPreferIPv4(ctx, s.Addr(), time.Duration(s.TimeoutSeconds)*time.Second)
	if err != nil {
		return httperr.New(httperr.KindIO, "connect", err)
	}
	applyRecvTimeout(conn, time.Duration(s.TimeoutSeconds)*time.Second)

	s.Conn = conn
	s.TLS = nil

	if s.Protocol == httpurl.ProtocolHTTPS {
		tlsConn, err := handshake(conn, s.Host, policy)
		if err != nil {
			_ = conn.Close()
			s.Conn = nil
			return httperr.New(httperr.KindIO, "tls-handshake", err)
		}
		s.TLS = tlsConn
		s.SetSSLConnected(true)
	}

	s.SockState = httpurl.SockOpen
	return nil
}

// dialPreferIPv4 resolves host:port preferring an A record, falling back
// to AAAA, then dials a TCP stream socket.
func dialPreferIPv4(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: timeout}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		ips, err = net.DefaultResolver.LookupIP(ctx, "ip6", host)
		if err != nil || len(ips) == 0 {
			// Let the dialer do its own resolution as a last resort
			// (covers literal IP addresses and exotic resolvers).
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	return dialer.DialContext(ctx, "tcp", net.JoinHostPort(ips[0].String(), port))
}

// applyRecvTimeout sets SO_RCVTIMEO on the underlying file descriptor when
// conn is a plain *net.TCPConn, mirroring the original C implementation's
// setsockopt-based receive timeout. Open calls it on the dialed TCP
// connection before any TLS wrapping, so it covers https as well; Read and
// Write below also set a per-call deadline.
func applyRecvTimeout(conn net.Conn, d time.Duration) {
	if d <= 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptTimeval(int(fd), unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
	})
}

// Read applies the configured receive timeout and delegates to TLS record
// I/O when applicable.
func Read(s *httpurl.State, buf []byte) (int, error) {
	deadline := time.Now().Add(time.Duration(s.TimeoutSeconds) * time.Second)
	if s.TLS != nil {
		_ = s.TLS.SetReadDeadline(deadline)
		n, err := s.TLS.Read(buf)
		return n, classifyIOErr(err)
	}
	_ = s.Conn.SetReadDeadline(deadline)
	n, err := s.Conn.Read(buf)
	return n, classifyIOErr(err)
}

// Write applies the configured timeout as a write deadline and writes buf
// once; the silent retry on a stale keepalive connection is done by the
// exchange engine's writeAll.
func Write(s *httpurl.State, buf []byte) (int, error) {
	deadline := time.Now().Add(time.Duration(s.TimeoutSeconds) * time.Second)
	var n int
	var err error
	if s.TLS != nil {
		_ = s.TLS.SetWriteDeadline(deadline)
		n, err = s.TLS.Write(buf)
	} else {
		_ = s.Conn.SetWriteDeadline(deadline)
		n, err = s.Conn.Write(buf)
	}
	return n, classifyIOErr(err)
}

// Close tears down the socket. If the socket is keepalive and force is
// false, this is a no-op. Otherwise TLS is shut down bidirectionally (when
// present), the descriptor is closed, and sock_state becomes closed. If a
// redirect had been followed on this State, Close clears the redirect
// flags and depth and reports via the returned bool that a revert is owed;
// it does not touch the URL itself, and callers that keep using s call
// Registry.Drop to restore the master URL.
func Close(s *httpurl.State, force bool) (revertOwed bool, err error) {
	if s.SockState == httpurl.SockKeepAlive && !force {
		return false, nil
	}

	if s.TLS != nil {
		_ = s.TLS.Close()
		s.TLS = nil
		s.SetSSLConnected(false)
	}
	if s.Conn != nil {
		err = s.Conn.Close()
		s.Conn = nil
	}
	s.SockState = httpurl.SockClosed

	revertOwed = s.Redirected && s.RedirectFollowed
	if revertOwed {
		s.Redirected = false
		s.RedirectFollowed = false
		s.RedirectDepth = 0
	}
	return revertOwed, err
}

// classifyIOErr maps a net.Error into the transient-reset kind the
// exchange engine retries, or wraps it as a plain I/O error otherwise.
func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "EOF"):
		return httperr.New(httperr.KindTransientReset, "socket", err)
	case netTimeout(err):
		return httperr.New(httperr.KindTransientReset, "socket", err)
	default:
		return httperr.New(httperr.KindIO, "socket", err)
	}
}

func netTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// handshake performs the TLS handshake and runs the hostname verification
// policy from specification §4.1.
func handshake(conn net.Conn, host string, policy TLSPolicy) (*tls.Conn, error) {
	cfg := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, // we run our own VerifyPeerCertificate below
	}
	cfg.VerifyPeerCertificate = makeVerifier(host, policy)

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}
