// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package port

import (
	"fmt"
	"net/url"
	"slices"
	"sync"
)

// Connection schemes
const (
	SchemeWS  = "ws"  // websocket, plain
	SchemeWSS = "wss" // websocket over TLS
	SchemeTCP = "tcp" // length-prefixed frames
)

// DialerFunc builds a Dialer for a host URL.
type DialerFunc func(u *url.URL) (Dialer, error)

var (
	schemesMu sync.RWMutex
	schemes   = map[string]DialerFunc{
		SchemeWS:  newWSDialer,
		SchemeWSS: newWSDialer,
		SchemeTCP: newTCPDialer,
	}
)

func newWSDialer(u *url.URL) (Dialer, error) {
	return &WSDialer{URL: u.String()}, nil
}

func newTCPDialer(u *url.URL) (Dialer, error) {
	if u.Host == "" {
		return nil, fmt.Errorf("port: tcp url %q has no host", u.String())
	}
	return &TCPDialer{Addr: u.Host}, nil
}

// RegisterScheme makes NewDialer accept URLs with the given scheme.
func RegisterScheme(scheme string, fn DialerFunc) {
	schemesMu.Lock()
	defer schemesMu.Unlock()
	schemes[scheme] = fn
}

// NewDialer returns a Dialer for rawURL, chosen by its scheme.
func NewDialer(rawURL string) (Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("port: bad url %q: %w", rawURL, err)
	}
	schemesMu.RLock()
	fn, ok := schemes[u.Scheme]
	schemesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("port: unknown scheme %q", u.Scheme)
	}
	return fn(u)
}

// AvailableSchemes returns the registered schemes, sorted.
func AvailableSchemes() []string {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	result := make([]string, 0, len(schemes))
	for name := range schemes {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasScheme checks if a scheme is registered
func HasScheme(name string) bool {
	schemesMu.RLock()
	defer schemesMu.RUnlock()
	_, ok := schemes[name]
	return ok
}
