// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"net/url"
	"slices"
	"testing"
)

func TestNewDialerWebsocket(t *testing.T) {
	for _, raw := range []string{"ws://localhost:8787/connect", "wss://host.example/connect"} {
		d, err := NewDialer(raw)
		if err != nil {
			t.Fatalf("NewDialer(%s): %v", raw, err)
		}
		ws, ok := d.(*WSDialer)
		if !ok {
			t.Fatalf("NewDialer(%s) = %T", raw, d)
		}
		if ws.URL != raw {
			t.Errorf("URL = %s, want %s", ws.URL, raw)
		}
	}
}

func TestRegisterScheme(t *testing.T) {
	if _, err := NewDialer("memtest://hub"); err == nil {
		t.Fatal("unregistered scheme accepted")
	}
	hub := NewHub(func(Port) {})
	RegisterScheme("memtest", func(*url.URL) (Dialer, error) { return hub, nil })

	if !HasScheme("memtest") {
		t.Error("HasScheme(memtest) = false")
	}
	d, err := NewDialer("memtest://hub")
	if err != nil {
		t.Fatal(err)
	}
	if d != Dialer(hub) {
		t.Errorf("NewDialer returned %v", d)
	}
	schemes := AvailableSchemes()
	if !slices.IsSorted(schemes) || !slices.Contains(schemes, "memtest") || !slices.Contains(schemes, SchemeWS) {
		t.Errorf("AvailableSchemes = %v", schemes)
	}
}

func TestNewDialerBadURL(t *testing.T) {
	if _, err := NewDialer("ws://[::1"); err == nil {
		t.Error("bad url accepted")
	}
}
