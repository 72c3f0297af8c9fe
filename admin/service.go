// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package admin exposes a host's state over JSON-RPC 2.0.
package admin

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/chanrpc/host"
)

// ServiceName is the JSON-RPC service prefix, as in "Host.Sessions".
const ServiceName = "Host"

// Source is what the service reports on.
type Source interface {
	Snapshot() []host.SessionInfo
}

// Service implements the Host JSON-RPC methods.
type Service struct {
	src     Source
	methods func() []string
}

type SessionsArgs struct{}

type SessionsReply struct {
	Sessions []host.SessionInfo `json:"sessions"`
}

type MethodsArgs struct{}

type MethodsReply struct {
	Methods []string `json:"methods"`
}

// Sessions lists the open sessions.
func (s *Service) Sessions(_ *http.Request, _ *SessionsArgs, reply *SessionsReply) error {
	reply.Sessions = s.src.Snapshot()
	return nil
}

// Methods lists the methods the host serves.
func (s *Service) Methods(_ *http.Request, _ *MethodsArgs, reply *MethodsReply) error {
	if s.methods != nil {
		reply.Methods = s.methods()
	}
	return nil
}

// NewHandler returns the JSON-RPC endpoint for src. methods may be nil.
func NewHandler(src Source, methods func() []string) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&Service{src: src, methods: methods}, ServiceName); err != nil {
		return nil, err
	}
	return server, nil
}
