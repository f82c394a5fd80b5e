// Package httpurl implements the URL state and redirect policy described in
// the specification: a single master URL, deep-copied once per worker, that
// tracks protocol/host/port/path, socket disposition, redirect state, and
// the per-response metadata cached between requests (origin digest, file
// size, last-modified).
//
// The parsing and field layout follow the shape of the teacher's
// backend/http.Options/Fs URL handling (endpoint parsing, trailing-slash
// and basic-auth conventions) generalized to the specification's three
// parse modes (save/dup/drop).
package httpurl

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Protocol identifies the scheme of a URL.
type Protocol int

// Supported protocols.
const (
	ProtocolHTTP Protocol = iota
	ProtocolHTTPS
)

func (p Protocol) String() string {
	if p == ProtocolHTTPS {
		return "https"
	}
	return "http"
}

// SockState is the lifecycle of the socket owned by a State.
type SockState int

// Socket lifecycle states.
const (
	SockClosed SockState = iota
	SockOpen
	SockKeepAlive
)

// MaxRedirectDepth bounds the number of successive 3xx responses followed
// for a single logical request.
const MaxRedirectDepth = 8

// TNameLen is the length, in hex characters, of a worker tag.
const TNameLen = 8

var (
	// ErrMissingHost is returned when a URL has no host component.
	ErrMissingHost = errors.New("httpurl: missing host")
	// ErrUnsupportedScheme is returned for anything other than http/https.
	ErrUnsupportedScheme = errors.New("httpurl: unsupported scheme")
)

// State is one worker's (or the master's) view of the remote resource.
// A worker's copy is exclusively owned by that worker for its lifetime.
type State struct {
	mu sync.Mutex // guards the TLS-callback-visible fields below

	Protocol Protocol
	Host     string
	Port     int
	Path     string
	Name     string
	Auth     string // base64 basic-auth token, empty if none

	Conn      net.Conn
	TLS       *tls.Conn
	SockState SockState

	Redirected       bool
	RedirectFollowed bool
	RedirectDepth    int

	TimeoutSeconds  int
	ResetRetryLimit int
	ResetAttempts   int

	XMD5         string
	FileSize     int64
	LastModified time.Time

	ReqBuf []byte

	TName string

	sslConnected bool
}

// Options carries the network policy fields a freshly parsed State inherits
// from the process configuration.
type Options struct {
	TimeoutSeconds  int
	ResetRetryLimit int
}

// Registry owns the master URL string and State, and mints worker copies.
// All cache and socket file descriptors are process-wide; the registry is
// the single owner of the master URL text, matching the specification's
// "master URL is written only at startup" invariant.
type Registry struct {
	mu        sync.Mutex
	masterRaw string
	master    *State
	opt       Options
}

// NewRegistry parses raw as the initial master URL.
func NewRegistry(raw string, opt Options) (*Registry, error) {
	st, err := parse(raw, opt)
	if err != nil {
		return nil, err
	}
	return &Registry{masterRaw: raw, master: st, opt: opt}, nil
}

// MasterSnapshot returns a deep copy of the master's current metadata
// fields (name, size, last-modified) without touching its live socket.
func (r *Registry) MasterSnapshot() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.master.cloneMetadataOnly()
}

// SaveMaster replaces the master URL permanently (used on a depth-1 301).
func (r *Registry) SaveMaster(raw string) error {
	st, err := parse(raw, r.opt)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masterRaw = raw
	r.master = st
	return nil
}

// NewWorker deep-copies the master URL into a fresh per-worker State,
// tagging it with tname and resetting its socket to closed. This is the
// "lazy populate on first worker call" step of the worker-binding
// component.
func (r *Registry) NewWorker(tname string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.master.cloneMetadataOnly()
	cp.TName = tname
	cp.SockState = SockClosed
	cp.ResetAttempts = 0
	cp.Redirected = false
	cp.RedirectFollowed = false
	cp.RedirectDepth = 0
	return cp
}

// Drop re-parses the registry's master URL string into s, without changing
// s's ownership — used to revert a worker's State to the master after a
// temporary redirect's keepalive-less socket closes.
func (r *Registry) Drop(s *State) error {
	r.mu.Lock()
	raw := r.masterRaw
	opt := r.opt
	r.mu.Unlock()

	fresh, err := parse(raw, opt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Protocol = fresh.Protocol
	s.Host = fresh.Host
	s.Port = fresh.Port
	s.Path = fresh.Path
	s.Name = fresh.Name
	s.Auth = fresh.Auth
	s.SockState = SockClosed
	s.Redirected = false
	s.RedirectFollowed = false
	s.RedirectDepth = 0
	s.sslConnected = false
	return nil
}

// SetSSLConnected records whether s's current connection has completed a
// TLS handshake. Cleared whenever s is re-parsed (Drop), per the
// specification's parse invariant.
func (s *State) SetSSLConnected(v bool) {
	s.mu.Lock()
	s.sslConnected = v
	s.mu.Unlock()
}

// SSLConnected reports the value last set by SetSSLConnected.
func (s *State) SSLConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sslConnected
}

// cloneMetadataOnly copies the fields that make sense to hand to a new
// owner: host/path/name/auth/network-policy/cached metadata. Socket and
// redirect-in-progress fields are deliberately not copied.
func (s *State) cloneMetadataOnly() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &State{
		Protocol:        s.Protocol,
		Host:            s.Host,
		Port:            s.Port,
		Path:            s.Path,
		Name:            s.Name,
		Auth:            s.Auth,
		SockState:       SockClosed,
		TimeoutSeconds:  s.TimeoutSeconds,
		ResetRetryLimit: s.ResetRetryLimit,
		XMD5:            s.XMD5,
		FileSize:        s.FileSize,
		LastModified:    s.LastModified,
	}
}

// parse implements the grammar protocol://[user:pass@]host[:port][/path].
func parse(raw string, opt Options) (*State, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("httpurl: %w", err)
	}

	var proto Protocol
	switch strings.ToLower(u.Scheme) {
	case "http":
		proto = ProtocolHTTP
	case "https":
		proto = ProtocolHTTPS
	default:
		return nil, ErrUnsupportedScheme
	}

	host := u.Hostname()
	if host == "" {
		return nil, ErrMissingHost
	}

	port := 80
	if proto == ProtocolHTTPS {
		port = 443
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("httpurl: invalid port %q: %w", p, err)
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	name := deriveName(u.EscapedPath(), host)

	var auth string
	if u.User != nil {
		pass, _ := u.User.Password()
		token := u.User.Username() + ":" + pass
		auth = base64.StdEncoding.EncodeToString([]byte(token))
	}

	return &State{
		Protocol:        proto,
		Host:            host,
		Port:            port,
		Path:            path,
		Name:            name,
		Auth:            auth,
		SockState:       SockClosed,
		TimeoutSeconds:  opt.TimeoutSeconds,
		ResetRetryLimit: opt.ResetRetryLimit,
	}, nil
}

// deriveName returns the last non-empty path component, or host if the
// path is "/" or empty.
func deriveName(rawPath, host string) string {
	trimmed := strings.TrimRight(rawPath, "/")
	if trimmed == "" {
		return host
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return trimmed
	}
	return trimmed[idx+1:]
}

// Addr returns the host:port dial address.
func (s *State) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}
