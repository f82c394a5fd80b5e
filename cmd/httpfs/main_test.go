package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rclone/httpfs/fs/httperr"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{httperr.New(httperr.KindInvalid, "url", nil), exitInvalidURL},
		{httperr.New(httperr.KindIO, "head", nil), exitOriginUnreachable},
		{httperr.New(httperr.KindPermission, "cache", nil), exitCacheInitFailed},
		{httperr.New(httperr.KindNotFound, "origin", nil), exitBadFlag},
		{errMissingArgs, exitMissingArgs},
	}
	for _, c := range cases {
		if got := exitCodeFor(c.err); got != c.want {
			t.Errorf("exitCodeFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestLoadCAFileEmptyPathReturnsNil(t *testing.T) {
	pool, err := loadCAFile("")
	if err != nil {
		t.Fatalf("loadCAFile(\"\"): %v", err)
	}
	if pool != nil {
		t.Fatal("expected nil pool for empty path")
	}
}

func TestLoadCAFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := loadCAFile(path); err == nil {
		t.Fatal("expected an error for a file with no certificates")
	}
}

func TestRunRejectsMissingCachePath(t *testing.T) {
	opt := &options{}
	err := run("http://example.invalid/file", t.TempDir(), opt)
	if err == nil {
		t.Fatal("expected an error when --cache-path is unset")
	}
	if !httperr.Is(err, httperr.KindInvalid) {
		t.Fatalf("expected KindInvalid, got %v", err)
	}
}
