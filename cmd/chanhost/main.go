// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command chanhost serves the echo service to sessions connecting over
// websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/chanrpc/admin"
	"github.com/luxfi/chanrpc/host"
	"github.com/luxfi/chanrpc/internal/echo"
	"github.com/luxfi/chanrpc/internal/logx"
	"github.com/luxfi/chanrpc/port"
)

func main() {
	var cfg Config
	// defaults < file < env < flags
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i, a := range os.Args[1:] {
		if a == "--config" || a == "-config" {
			if i+2 < len(os.Args) {
				cfg.ConfigFile = os.Args[i+2]
			}
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			cfg.ConfigFile = v
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlags(flag.CommandLine)
	flag.Parse()
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		logx.Log.Fatal().Err(err).Msg("chanhost")
	}
}

func run(ctx context.Context, cfg Config) error {
	reg := prometheus.NewRegistry()
	handler, srv, err := newHandler(cfg, reg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{Addr: cfg.Addr, Handler: handler}

	var tcpSrv *port.TCPServer
	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			return err
		}
		tcpSrv = port.NewTCPServer(ln, srv.Accept)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Log.Info().Str("addr", cfg.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if tcpSrv != nil {
		g.Go(func() error {
			logx.Log.Info().Stringer("addr", tcpSrv.Addr()).Msg("listening for tcp sessions")
			return tcpSrv.Serve(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		if tcpSrv != nil {
			_ = tcpSrv.Close()
		}
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

// newHandler builds the HTTP surface: /connect for sessions, /metrics and,
// when enabled, /admin.
func newHandler(cfg Config, reg *prometheus.Registry) (http.Handler, *host.Server, error) {
	mux := host.NewMux(echo.Types)
	if err := echo.Register(mux); err != nil {
		return nil, nil, err
	}
	srv := host.NewServer(mux,
		host.WithClaimTimeout(cfg.ClaimTimeout),
		host.WithLogger(logx.Log),
		host.WithRegisterer(reg),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/connect", port.WSHandler(srv.Accept, logx.Log))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.EnableAdmin {
		h, err := admin.NewHandler(srv, mux.Methods)
		if err != nil {
			return nil, nil, err
		}
		r.Handle("/admin", h)
	}
	return r, srv, nil
}
