// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"errors"
	"strings"
	"testing"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in   string
		want Name
		err  error
	}{
		{in: "wallet/session", want: Name{Label: "wallet", Purpose: PurposeSession}},
		{in: "wallet/stream/abc", want: Name{Label: "wallet", Purpose: PurposeStream, Disambiguator: "abc"}},
		{in: "ext/tab/7/session", want: Name{Label: "ext/tab/7", Purpose: PurposeSession}},
		{in: "ext/tab/7/stream/abc", want: Name{Label: "ext/tab/7", Purpose: PurposeStream, Disambiguator: "abc"}},
		{in: "session", err: ErrBadName},
		{in: "/session", err: ErrBadName},
		{in: "wallet/stream/", err: ErrBadName},
		{in: "wallet/other/abc", err: ErrBadName},
		{in: "stream/abc", err: ErrBadName},
		{in: "", err: ErrBadName},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseName(tt.in)
			if !errors.Is(err, tt.err) {
				t.Fatalf("ParseName(%q) error = %v, want %v", tt.in, err, tt.err)
			}
			if got != tt.want {
				t.Errorf("ParseName(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if err == nil && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestStreamNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 1000 {
		n := StreamName("wallet")
		if seen[n] {
			t.Fatalf("duplicate stream name %s", n)
		}
		seen[n] = true
		if !strings.HasPrefix(n, "wallet/stream/") {
			t.Fatalf("bad stream name %s", n)
		}
		parsed, err := ParseName(n)
		if err != nil || parsed.Label != "wallet" || parsed.Purpose != PurposeStream {
			t.Fatalf("ParseName(%s) = %+v, %v", n, parsed, err)
		}
	}
	if SessionName("wallet") == StreamName("wallet") {
		t.Error("session and stream names collide")
	}
}
