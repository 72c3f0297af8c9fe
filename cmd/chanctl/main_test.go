// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/luxfi/chanrpc/admin"
	"github.com/luxfi/chanrpc/host"
	"github.com/luxfi/chanrpc/internal/echo"
	"github.com/luxfi/chanrpc/port"
)

func TestConnectURL(t *testing.T) {
	for in, want := range map[string]string{
		"http://localhost:8787":   "ws://localhost:8787/connect",
		"https://host.example/rp": "wss://host.example/rp/connect",
		"ws://already":            "ws://already/connect",
	} {
		u, _ := url.Parse(in)
		if got := connectURL(u); got != want {
			t.Errorf("connectURL(%s) = %s, want %s", in, got, want)
		}
	}
}

func echoHost(t *testing.T) string {
	t.Helper()
	mux := host.NewMux(echo.Types)
	if err := echo.Register(mux); err != nil {
		t.Fatal(err)
	}
	srv := host.NewServer(mux, host.WithLogger(zerolog.Nop()))
	r := chi.NewRouter()
	r.Get("/connect", port.WSHandler(srv.Accept, zerolog.Nop()))
	h, err := admin.NewHandler(srv, mux.Methods)
	if err != nil {
		t.Fatal(err)
	}
	r.Handle("/admin", h)
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return hs.URL
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o := options{host: echoHost(t), timeout: 2 * time.Second}

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"say", "hello", "there"}, "hello there\n"},
		{[]string{"introduce", "ann"}, "Hi\nann,\nI'm\nan\necho\nservice\n"},
		{[]string{"converse", "a", "b"}, "you said: a\nyou said: b\n"},
		{[]string{"methods"}, "/lux.chanrpc.echo.v1.EchoService/Converse\n/lux.chanrpc.echo.v1.EchoService/Count\n/lux.chanrpc.echo.v1.EchoService/Introduce\n/lux.chanrpc.echo.v1.EchoService/Say\n"},
	}
	for i, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			o := o
			o.identity = "chanctl-test-" + tt.args[0] + "-" + string(rune('a'+i))
			var out bytes.Buffer
			if err := run(ctx, o, tt.args, &out); err != nil {
				t.Fatalf("run %v: %v", tt.args, err)
			}
			if out.String() != tt.want {
				t.Errorf("run %v printed %q, want %q", tt.args, out.String(), tt.want)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	ctx := context.Background()
	o := options{host: echoHost(t), identity: "chanctl-test-errors", timeout: time.Second}
	if err := run(ctx, o, nil, &bytes.Buffer{}); err == nil {
		t.Error("no command accepted")
	}
	if err := run(ctx, o, []string{"dance"}, &bytes.Buffer{}); err == nil || !strings.Contains(err.Error(), "dance") {
		t.Errorf("unknown command = %v", err)
	}
	if err := run(ctx, o, []string{"say"}, &bytes.Buffer{}); err == nil {
		t.Error("empty sentence accepted")
	}
}
