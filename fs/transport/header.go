package transport

import (
	"bufio"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rclone/httpfs/fs/httperr"
	"github.com/rclone/httpfs/fs/httpurl"
	"golang.org/x/net/http/httpguts"
)

// HeaderSize bounds an outgoing request header and sizes the buffered
// reader responses are parsed from — a small-kilobyte bound per
// specification §6.
const HeaderSize = 8192

// UserAgent is sent on every request.
const UserAgent = "httpfs/1.0"

// RedirectReason classifies why the exchange engine is being asked to
// restart, replacing the original's goto-driven retry with an explicit
// enum per specification §9.
type RedirectReason int

// Redirect/retry reasons.
const (
	ReasonNone RedirectReason = iota
	ReasonRedirect
	ReasonReset
	ReasonStaleKeepalive
	ReasonDigestMismatch
)

// buildRequest renders "METHOD path HTTP/1.1\r\n..." per specification
// §4.2. end <= 0 means "no Range header".
func buildRequest(s *httpurl.State, method string, start, end int64) ([]byte, error) {
	if !httpguts.ValidHostHeader(s.Host) {
		return nil, httperr.New(httperr.KindInvalid, "build-request", fmt.Errorf("invalid host %q", s.Host))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, s.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", s.Host)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", UserAgent)
	if end > 0 {
		fmt.Fprintf(&b, "Range: bytes=%d-%d\r\n", start, end)
	}
	if s.Auth != "" {
		fmt.Fprintf(&b, "Authorization: Basic %s\r\n", s.Auth)
	}
	b.WriteString("\r\n")

	if b.Len() > HeaderSize {
		return nil, httperr.New(httperr.KindIO, "build-request", fmt.Errorf("request exceeds %d bytes", HeaderSize))
	}

	// s.ReqBuf is the worker's own reusable request buffer; reusing its
	// backing array across requests avoids a fresh allocation per read.
	s.ReqBuf = append(s.ReqBuf[:0], b.String()...)
	return s.ReqBuf, nil
}

// ParsedResponse is the result of parsing one HTTP/1.1 response against a
// worker's URL state, folding in the side effects specification §4.2
// assigns to status codes and recognised headers.
type ParsedResponse struct {
	StatusCode      int
	ContentLength   int64
	RangeCapable    bool
	ConnectionClose bool
	Location        string
	Reason          RedirectReason // ReasonRedirect if this response triggers a retry
	Permanent       bool           // true for a depth-1 301 (master URL replacement owed)
}

// readResponse reads and parses a response's status line and headers from
// br, applying them to s: redirect bookkeeping, X-MD5/Last-Modified/
// Content-Length capture, and keepalive promotion/demotion. On success br
// is left positioned after the header terminator, for the caller to
// stream the body from. A failed status-line read is classified like any
// socket error, so a reset or a stale keepalive is retried by the
// exchange engine.
//
// wantedRange indicates whether the request that produced this response
// carried a Range header, which governs whether 200 or 206 is the
// expected success status per specification §4.2.
func readResponse(br *bufio.Reader, s *httpurl.State, wantedRange bool) (*ParsedResponse, error) {
	tp := textproto.NewReader(br)

	statusLine, err := tp.ReadLine()
	if err != nil {
		return nil, classifyIOErr(err)
	}
	code, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil && len(hdr) == 0 {
		return nil, httperr.New(httperr.KindIO, "read-headers", err)
	}

	resp := &ParsedResponse{StatusCode: code}

	if cl := hdr.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err == nil {
			resp.ContentLength = n
		}
	}
	if hdr.Get("Content-Range") != "" || strings.EqualFold(hdr.Get("Accept-Ranges"), "bytes") {
		resp.RangeCapable = true
	}
	if lm := hdr.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(time.RFC1123, lm); err == nil {
			s.LastModified = t.UTC()
		}
	}
	if strings.EqualFold(hdr.Get("Connection"), "close") {
		resp.ConnectionClose = true
	}

	switch {
	case code == 200 && !wantedRange, code == 206 && wantedRange:
		// accepted
	case code == 404:
		return nil, httperr.ErrNotFound
	case code == 301 || code == 302 || code == 303 || code == 307:
		loc := hdr.Get("Location")
		resp.Location = loc
		resp.Permanent = code == 301 && s.RedirectDepth == 0
		if err := applyRedirect(s, code, loc); err != nil {
			return nil, err
		}
		resp.Reason = ReasonRedirect
		return resp, httperr.ErrTryAgain
	case code == 200 && wantedRange:
		// server ignored our Range header: fatal per specification §9's
		// "missing Accept-Ranges/Content-Range on 200 is fatal" note,
		// preserved even though we did ask for a range here.
		return nil, httperr.New(httperr.KindIO, "status", fmt.Errorf("server returned 200 to a ranged request"))
	default:
		return nil, httperr.New(httperr.KindIO, "status", fmt.Errorf("unexpected status %d", code))
	}

	if !resp.RangeCapable && code == 200 {
		return nil, httperr.New(httperr.KindIO, "status", fmt.Errorf("200 response missing Accept-Ranges/Content-Range"))
	}

	// X-MD5 is only trusted when this response came from the master
	// (i.e. we are not currently operating under a temporary redirect).
	if !s.Redirected {
		if xmd5 := hdr.Get("X-MD5"); len(xmd5) == 32 {
			s.XMD5 = xmd5
		} else {
			s.XMD5 = ""
		}
	}

	if resp.ContentLength > 0 {
		s.FileSize = resp.ContentLength
	}

	applyPostParseSockState(s, resp)

	return resp, nil
}

// applyRedirect updates s per the 301/302/303/307 rules of §4.2 and
// increments the redirect depth, failing if it exceeds the maximum.
func applyRedirect(s *httpurl.State, code int, location string) error {
	if location == "" || !httpguts.ValidHeaderFieldValue(location) {
		return httperr.New(httperr.KindIO, "redirect", fmt.Errorf("redirect status %d has an invalid Location header", code))
	}

	permanent := code == 301 && s.RedirectDepth == 0

	s.RedirectDepth++
	if s.RedirectDepth > httpurl.MaxRedirectDepth {
		return httperr.ErrRedirectDepth
	}

	if !permanent {
		s.Redirected = true
	}

	return applyLocationToState(s, location)
}

// applyLocationToState re-points s's host/port/path at the redirect
// target. The master URL is left untouched for temporary redirects; a
// permanent 301 at depth 1 is saved back to the master by the caller
// (fs/transport/exchange.go), which owns the Registry.
func applyLocationToState(s *httpurl.State, location string) error {
	target, err := httpurl.NewRegistry(location, httpurl.Options{
		TimeoutSeconds:  s.TimeoutSeconds,
		ResetRetryLimit: s.ResetRetryLimit,
	})
	if err != nil {
		return httperr.New(httperr.KindIO, "redirect", err)
	}
	snap := target.MasterSnapshot()
	s.Protocol = snap.Protocol
	s.Host = snap.Host
	s.Port = snap.Port
	s.Path = snap.Path
	s.Name = snap.Name
	return nil
}

// applyPostParseSockState implements the post-parse socket disposition
// rules of §4.2: demote a redirected response to "open" so the next
// request reverts to the master, otherwise promote "open" to "keepalive"
// when the response is cacheable-keepalive-eligible.
func applyPostParseSockState(s *httpurl.State, resp *ParsedResponse) {
	is2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	if s.Redirected && is2xx {
		s.SockState = httpurl.SockOpen
		return
	}
	if is2xx && resp.RangeCapable && resp.ContentLength > 0 && !resp.ConnectionClose {
		s.SockState = httpurl.SockKeepAlive
	} else if resp.ConnectionClose {
		s.SockState = httpurl.SockOpen
	}
}

// parseStatusLine requires "HTTP/1.1 " followed by a numeric status code.
func parseStatusLine(line string) (int, error) {
	const prefix = "HTTP/1.1 "
	if !strings.HasPrefix(line, prefix) {
		return 0, httperr.ErrBadStatusLine
	}
	rest := line[len(prefix):]
	end := strings.IndexByte(rest, ' ')
	if end < 0 {
		end = len(rest)
	}
	code, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, httperr.ErrBadStatusLine
	}
	return code, nil
}
