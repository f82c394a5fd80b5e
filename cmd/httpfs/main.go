// Command httpfs mounts a single remote HTTP(S) resource as a read-only
// file, per the process wiring described in SPEC_FULL.md §4.8.
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rclone/httpfs/fs/fetch"
	"github.com/rclone/httpfs/fs/httperr"
	"github.com/rclone/httpfs/fs/httpurl"
	"github.com/rclone/httpfs/fs/metrics"
	"github.com/rclone/httpfs/fs/rangecache"
	"github.com/rclone/httpfs/fs/transport"
	"github.com/rclone/httpfs/fs/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes per distilled spec §6.
const (
	exitOK               = 0
	exitMissingArgs      = 1
	exitInvalidURL       = 2
	exitOriginUnreachable = 3
	exitBadFlag          = 4
	exitCacheInitFailed  = 5
)

type options struct {
	console     bool
	caFile      string
	tlsDebug    int
	allowMD5    bool
	allowMD2    bool
	foreground  bool
	timeout     int
	resetRetries int
	cachePath   string
	cacheMaxBytes int64

	logLevel    string
	logFormat   string
	metricsAddr string
}

func main() {
	os.Setenv("TZ", "UTC")

	opt := &options{}
	root := &cobra.Command{
		Use:   "httpfs <url> <mountpoint>",
		Short: "mount a remote HTTP(S) resource as a read-only FUSE file",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errMissingArgs
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], opt)
		},
		SilenceUsage: true,
	}

	flags := root.Flags()
	flags.BoolVarP(&opt.console, "console", "c", false, "accepted for compatibility; stdio is not redirected")
	flags.StringVarP(&opt.caFile, "cafile", "a", "", "CA trust file")
	flags.IntVarP(&opt.tlsDebug, "ssl-log-level", "d", 0, "TLS debug verbosity")
	flags.BoolVarP(&opt.allowMD5, "allow-md5", "5", false, "allow RSA-MD5 signed certificates")
	flags.BoolVarP(&opt.allowMD2, "allow-md2", "2", false, "allow RSA-MD2 signed certificates")
	flags.BoolVarP(&opt.foreground, "foreground", "f", false, "stay in the foreground")
	flags.IntVarP(&opt.timeout, "timeout", "t", 30, "socket receive timeout, seconds")
	flags.IntVarP(&opt.resetRetries, "reset-retries", "r", 5, "connection-reset retry cap")
	flags.StringVarP(&opt.cachePath, "cache-path", "C", "", "cache data-file path (index file is <path>.idx)")
	flags.Int64VarP(&opt.cacheMaxBytes, "cache-max-bytes", "S", 64<<20, "cache byte cap")

	flags.StringVar(&opt.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opt.logFormat, "log-format", "text", "log format: text or json")
	flags.StringVar(&opt.metricsAddr, "metrics-addr", "", "optional Prometheus exporter listen address")

	if err := root.Execute(); err != nil {
		code := exitCodeFor(err)
		fmt.Fprintln(os.Stderr, "httpfs:", err)
		os.Exit(code)
	}
}

var errMissingArgs = fmt.Errorf("usage: httpfs <url> <mountpoint>")

func exitCodeFor(err error) int {
	switch {
	case err == errMissingArgs:
		return exitMissingArgs
	case httperr.Is(err, httperr.KindInvalid):
		return exitInvalidURL
	case httperr.Is(err, httperr.KindIO):
		return exitOriginUnreachable
	case httperr.Is(err, httperr.KindPermission):
		return exitCacheInitFailed
	default:
		return exitBadFlag
	}
}

func run(rawURL, mountpoint string, opt *options) error {
	log := newLogger(opt)

	if opt.cachePath == "" {
		return httperr.New(httperr.KindInvalid, "flags", fmt.Errorf("-C/--cache-path is required"))
	}

	rootCAs, err := loadCAFile(opt.caFile)
	if err != nil {
		return httperr.New(httperr.KindPermission, "cafile", err)
	}

	reg, err := httpurl.NewRegistry(rawURL, httpurl.Options{
		TimeoutSeconds:  opt.timeout,
		ResetRetryLimit: opt.resetRetries,
	})
	if err != nil {
		return httperr.New(httperr.KindInvalid, "url", err)
	}

	policy := transport.TLSPolicy{
		RootCAs:     rootCAs,
		AllowRSAMD5: opt.allowMD5,
		AllowRSAMD2: opt.allowMD2,
		DebugLevel:  opt.tlsDebug,
	}
	cacheMetrics := metrics.NewCache(prometheus.DefaultRegisterer)
	fetchMetrics := metrics.NewFetch(prometheus.DefaultRegisterer)

	exchanger := &transport.Exchanger{Registry: reg, Policy: policy, Log: log, Metrics: fetchMetrics}

	ctx := context.Background()
	probe := reg.NewWorker("probe000")
	res, err := exchanger.Exchange(ctx, probe, "HEAD", 0, 0)
	if err != nil {
		return httperr.New(httperr.KindIO, "head", err)
	}
	_, _ = transport.Close(probe, true)

	cache, err := rangecache.Open(opt.cachePath, opt.cacheMaxBytes, cacheMetrics)
	if err != nil {
		return httperr.New(httperr.KindPermission, "cache", err)
	}
	defer cache.Close()

	orch := &fetch.Orchestrator{
		Cache:    cache,
		Exchange: exchanger,
		Metrics:  fetchMetrics,
		Log:      log,
	}
	pool := worker.NewPool(reg, orch)

	if opt.metricsAddr != "" {
		go serveMetrics(opt.metricsAddr, log)
	}

	snap := reg.MasterSnapshot()
	name := snap.Name
	if name == "" {
		name = filepath.Base(mountpoint)
	}

	file := &httpfsFile{
		name:    name,
		pool:    pool,
		log:     log,
		size:    fileSize(res, snap),
		modTime: probe.LastModified,
	}
	rootNode := &httpfsRoot{child: file}

	conn, err := fuse.Mount(
		mountpoint,
		fuse.FSName("httpfs"),
		fuse.Subtype("httpfs"),
		fuse.ReadOnly(),
		fuse.VolumeName(name),
	)
	if err != nil {
		return httperr.New(httperr.KindIO, "mount", err)
	}
	defer conn.Close()

	log.WithField("mountpoint", mountpoint).Info("mounted")
	return fusefs.Serve(conn, rootNode)
}

func fileSize(res *transport.Result, snap *httpurl.State) int64 {
	if res != nil && res.Response != nil && res.Response.ContentLength > 0 {
		return res.Response.ContentLength
	}
	return snap.FileSize
}

func loadCAFile(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func newLogger(opt *options) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(opt.logLevel); err == nil {
		l.SetLevel(lvl)
	}
	if opt.logFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l.WithField("component", "httpfs")
}

func serveMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).Error("metrics listener failed")
		return
	}
	log.WithField("addr", addr).Info("metrics exporter listening")
	if err := http.Serve(ln, mux); err != nil {
		log.WithError(err).Error("metrics server exited")
	}
}
