package transport

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rclone/httpfs/fs/httpurl"
)

func newTestExchanger(t *testing.T, raw string) (*Exchanger, *httpurl.Registry, *httpurl.State) {
	t.Helper()
	reg, err := httpurl.NewRegistry(raw, httpurl.Options{TimeoutSeconds: 5, ResetRetryLimit: 2})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	s := reg.NewWorker("deadbeef")
	return &Exchanger{Registry: reg, Policy: TLSPolicy{}}, reg, s
}

func TestExchangeSimpleGet(t *testing.T) {
	body := []byte("0123456789")
	sum := md5.Sum(body)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "10")
		w.Header().Set("X-MD5", hex.EncodeToString(sum[:]))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	ex, _, s := newTestExchanger(t, srv.URL+"/file")
	res, err := ex.Exchange(context.Background(), s, "GET", 0, 0)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res.Response.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", res.Response.StatusCode)
	}
	got, err := io.ReadAll(io.LimitReader(res.Body, res.Response.ContentLength))
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != string(body) {
		t.Fatalf("body = %q, want %q", got, body)
	}
	if s.XMD5 != hex.EncodeToString(sum[:]) {
		t.Fatalf("XMD5 = %q", s.XMD5)
	}
}

func TestExchangeRangeRequest(t *testing.T) {
	full := []byte("abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng != "bytes=2-4" {
			t.Errorf("Range header = %q", rng)
		}
		w.Header().Set("Content-Range", "bytes 2-4/10")
		w.Header().Set("Content-Length", "3")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full[2:5])
	}))
	defer srv.Close()

	ex, _, s := newTestExchanger(t, srv.URL+"/file")
	res, err := ex.Exchange(context.Background(), s, "GET", 2, 4)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if res.Response.StatusCode != 206 {
		t.Fatalf("status = %d, want 206", res.Response.StatusCode)
	}
	got, _ := io.ReadAll(io.LimitReader(res.Body, res.Response.ContentLength))
	if string(got) != "cde" {
		t.Fatalf("body = %q, want cde", got)
	}
}

func TestExchangeNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ex, _, s := newTestExchanger(t, srv.URL+"/missing")
	_, err := ex.Exchange(context.Background(), s, "GET", 0, 0)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestExchangeTemporaryRedirect(t *testing.T) {
	body := []byte("mirrored")
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer mirror.Close()

	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, mirror.URL+"/file", http.StatusFound)
	}))
	defer master.Close()

	ex, _, s := newTestExchanger(t, master.URL+"/file")
	res, err := ex.Exchange(context.Background(), s, "GET", 0, 0)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !s.Redirected {
		t.Fatal("expected Redirected = true after a 302")
	}
	got, _ := io.ReadAll(io.LimitReader(res.Body, res.Response.ContentLength))
	if string(got) != string(body) {
		t.Fatalf("body = %q, want %q", got, body)
	}
}
