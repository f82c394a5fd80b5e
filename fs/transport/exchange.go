package transport

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/rclone/httpfs/fs/httperr"
	"github.com/rclone/httpfs/fs/httpurl"
	"github.com/rclone/httpfs/fs/metrics"
	"github.com/sirupsen/logrus"
)

// Result is what a successful Exchange hands back to the fetch
// orchestrator: the parsed response metadata and a reader positioned at
// the start of the body.
type Result struct {
	Response *ParsedResponse
	Body     io.Reader
}

// Exchanger drives one logical request/response exchange against a
// worker's URL state, retrying on reset, stale keepalive, and redirect
// per specification §4.3.
type Exchanger struct {
	Registry *httpurl.Registry
	Policy   TLSPolicy
	Log      *logrus.Entry
	Metrics  *metrics.Fetch
}

// Exchange sends method against [start, end] (end <= 0 means "whole
// file") and returns the parsed response plus a body reader. The caller
// must fully drain or explicitly discard Body before calling Close on s,
// and must call Close itself once done (the fetch orchestrator owns that
// decision, per specification §4.6 step 6).
func (e *Exchanger) Exchange(ctx context.Context, s *httpurl.State, method string, start, end int64) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := Open(ctx, s, e.Policy); err != nil {
			return nil, err
		}

		req, err := buildRequest(s, method, start, end)
		if err != nil {
			return nil, err
		}

		if err := e.writeAll(ctx, s, req); err != nil {
			if retry, ferr := e.handleTransient(s, err); retry {
				continue
			} else if ferr != nil {
				return nil, ferr
			}
			return nil, err
		}

		br := bufio.NewReaderSize(connReader(s), HeaderSize)
		wantedRange := end > 0
		resp, err := readResponse(br, s, wantedRange)
		if err == nil {
			return &Result{Response: resp, Body: br}, nil
		}

		if httperr.Is(err, httperr.KindTryAgain) {
			e.Metrics.Retry("redirect")
			if resp != nil && resp.Permanent {
				if saveErr := e.Registry.SaveMaster(locationToAbsolute(s, resp.Location)); saveErr != nil {
					e.logf("permanent redirect save failed: %v", saveErr)
				}
			}
			// Closing the old connection must not undo the redirect just
			// applied to s, so the redirect flag and depth survive it and
			// the depth limit holds across a chain of redirects.
			depth, redirected := s.RedirectDepth, s.Redirected
			if _, closeErr := Close(s, true); closeErr != nil {
				e.logf("close after redirect failed: %v", closeErr)
			}
			s.RedirectDepth, s.Redirected = depth, redirected
			continue
		}

		if retry, ferr := e.handleTransient(s, err); retry {
			continue
		} else if ferr != nil {
			return nil, ferr
		}

		return nil, err
	}
}

// writeAll writes buf to s, retrying once silently on a keepalive socket
// that turned out to be stale (zero-write/EAGAIN/EPIPE), per §4.1/§4.3.
func (e *Exchanger) writeAll(ctx context.Context, s *httpurl.State, buf []byte) error {
	wasKeepalive := s.SockState == httpurl.SockKeepAlive

	n, err := Write(s, buf)
	if err == nil && n == len(buf) {
		return nil
	}
	if err == nil && n == 0 {
		err = httperr.New(httperr.KindTransientReset, "write", io.ErrShortWrite)
	}

	if wasKeepalive {
		e.Metrics.Retry("stale-keepalive")
		if _, closeErr := Close(s, true); closeErr != nil {
			e.logf("close stale keepalive failed: %v", closeErr)
		}
		if openErr := Open(ctx, s, e.Policy); openErr != nil {
			return openErr
		}
		n2, err2 := Write(s, buf)
		if err2 == nil && n2 == len(buf) {
			return nil
		}
		if err2 == nil {
			err2 = httperr.New(httperr.KindTransientReset, "write", io.ErrShortWrite)
		}
		return err2
	}

	return err
}

// handleTransient applies the reset/backoff policy of specification §4.3:
// on ECONNRESET-class errors under the retry limit, sleep 2^attempts
// seconds, increment the counter, force-close (reverting if redirected),
// and signal the caller to restart. On exhaustion, returns the original
// error.
func (e *Exchanger) handleTransient(s *httpurl.State, cause error) (retry bool, err error) {
	if !httperr.Is(cause, httperr.KindTransientReset) {
		return false, nil
	}

	if s.ResetAttempts >= s.ResetRetryLimit {
		return false, cause
	}

	e.Metrics.Retry("reset")
	backoff := time.Duration(1<<uint(s.ResetAttempts)) * time.Second
	time.Sleep(backoff)
	s.ResetAttempts++

	revertOwed, closeErr := Close(s, true)
	if closeErr != nil {
		e.logf("force-close during reset retry failed: %v", closeErr)
	}
	if revertOwed {
		if dropErr := e.Registry.Drop(s); dropErr != nil {
			return false, dropErr
		}
	}
	return true, nil
}

func (e *Exchanger) logf(format string, args ...interface{}) {
	if e.Log == nil {
		return
	}
	e.Log.Debugf(format, args...)
}

// connReader adapts a State's active connection (TLS or plain) to
// io.Reader for bufio.
func connReader(s *httpurl.State) io.Reader {
	if s.TLS != nil {
		return s.TLS
	}
	return s.Conn
}

// locationToAbsolute resolves resp.Location against s's current URL
// string so a relative Location header still produces an absolute master
// URL to save. Our header parser already rewrote s in place to point at
// the redirect target, so by the time this is called s itself holds the
// resolved host/path — we only need to re-render it as a URL string.
func locationToAbsolute(s *httpurl.State, _ string) string {
	scheme := "http"
	if s.Protocol == httpurl.ProtocolHTTPS {
		scheme = "https"
	}
	host := s.Host
	if (scheme == "http" && s.Port != 80) || (scheme == "https" && s.Port != 443) {
		host = s.Addr()
	}
	return scheme + "://" + host + s.Path
}
