// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/admin"
	"github.com/luxfi/chanrpc/internal/echo"
	"github.com/luxfi/chanrpc/session"
)

func TestConfigLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chanhost.yaml")
	yaml := "addr: \":9000\"\nlog_level: debug\nclaim_timeout: 3s\nenable_admin: false\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHANHOST_ADDR", ":9100")
	t.Setenv("LOG_LEVEL", "")

	var cfg Config
	cfg.SetDefaults()
	if cfg.Addr != ":8787" || cfg.ClaimTimeout != 10*time.Second || !cfg.EnableAdmin {
		t.Fatalf("defaults = %+v", cfg)
	}
	if err := cfg.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" || cfg.LogLevel != "debug" || cfg.ClaimTimeout != 3*time.Second || cfg.EnableAdmin {
		t.Fatalf("after file = %+v", cfg)
	}
	cfg.ApplyEnv()
	if cfg.Addr != ":9100" || cfg.LogLevel != "debug" {
		t.Fatalf("after env = %+v", cfg)
	}

	fs := flag.NewFlagSet("chanhost", flag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse([]string{"-addr", ":9200", "-shutdown-wait", "1s"}); err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9200" || cfg.ShutdownWait != time.Second || cfg.ClaimTimeout != 3*time.Second {
		t.Errorf("after flags = %+v", cfg)
	}
}

func testServer(t *testing.T, enableAdmin bool) *url.URL {
	t.Helper()
	var cfg Config
	cfg.SetDefaults()
	cfg.EnableAdmin = enableAdmin
	h, srv, err := newHandler(cfg, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	u, _ := url.Parse(hs.URL)
	return u
}

func TestHandlerRoutes(t *testing.T) {
	base := testServer(t, false)
	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/metrics": http.StatusOK,
		"/admin":   http.StatusNotFound,
		"/connect": http.StatusBadRequest,
	} {
		resp, err := http.Get(base.JoinPath(path).String())
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestServeOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	base := testServer(t, true)

	wsURL := "ws" + strings.TrimPrefix(base.JoinPath("connect").String(), "http")
	tr, err := session.Dial(wsURL, t.Name(), false, chanrpc.WithTypes(echo.Types))
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	resp, err := tr.Unary(ctx, echo.Say, nil, echo.NewSayRequest("over the wire"))
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if got := echo.Sentence(resp.Message); got != "over the wire" {
		t.Errorf("got %q", got)
	}

	sessions, err := admin.Sessions(ctx, base.JoinPath("admin"))
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 || sessions[0].Label != t.Name() {
		t.Errorf("sessions = %+v", sessions)
	}
	methods, err := admin.Methods(ctx, base.JoinPath("admin"))
	if err != nil || len(methods) != 4 {
		t.Errorf("methods = %v, %v", methods, err)
	}
}
