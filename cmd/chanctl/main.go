// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command chanctl calls a chanhost.
//
//	chanctl [flags] say <sentence>
//	chanctl [flags] introduce <name>
//	chanctl [flags] converse <sentence>...
//	chanctl [flags] sessions
//	chanctl [flags] methods
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"iter"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"github.com/luxfi/chanrpc"
	"github.com/luxfi/chanrpc/admin"
	"github.com/luxfi/chanrpc/internal/echo"
	"github.com/luxfi/chanrpc/internal/logx"
	"github.com/luxfi/chanrpc/session"
)

type options struct {
	host     string
	identity string
	timeout  time.Duration
	logLevel string
}

func main() {
	o := options{
		host:     envOr("CHANCTL_HOST", "http://localhost:8787"),
		identity: envOr("CHANCTL_IDENTITY", "chanctl-"+uuid.NewString()[:8]),
		logLevel: envOr("LOG_LEVEL", "warn"),
	}
	flag.StringVar(&o.host, "host", o.host, "chanhost base URL")
	flag.StringVar(&o.identity, "identity", o.identity, "session identity")
	flag.DurationVar(&o.timeout, "timeout", chanrpc.DefaultTimeout, "per-call timeout")
	flag.StringVar(&o.logLevel, "log-level", o.logLevel, "log verbosity")
	flag.Parse()
	logx.Configure(o.logLevel)

	if err := run(context.Background(), o, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "chanctl:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, o options, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	base, err := url.Parse(o.host)
	if err != nil {
		return err
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "sessions":
		ss, err := admin.Sessions(ctx, base.JoinPath("admin"))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ss)
	case "methods":
		ms, err := admin.Methods(ctx, base.JoinPath("admin"))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, strings.Join(ms, "\n"))
		return err
	}

	t, err := session.Dial(connectURL(base), o.identity, cmd == "converse",
		chanrpc.WithTypes(echo.Types),
		chanrpc.WithDefaultTimeout(o.timeout),
		chanrpc.WithLogger(logx.Log),
	)
	if err != nil {
		return err
	}
	defer t.Close()

	switch cmd {
	case "say":
		resp, err := t.Unary(ctx, echo.Say, nil, echo.NewSayRequest(strings.Join(rest, " ")))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, echo.Sentence(resp.Message))
		return err
	case "introduce":
		s, err := t.ServerStream(ctx, echo.Introduce, nil, echo.WithString("IntroduceRequest", strings.Join(rest, " ")))
		if err != nil {
			return err
		}
		return printStream(out, s)
	case "converse":
		var input iter.Seq[proto.Message] = func(yield func(proto.Message) bool) {
			for _, a := range rest {
				if !yield(echo.WithString("ConverseRequest", a)) {
					return
				}
			}
		}
		s, err := t.Stream(ctx, echo.Converse, nil, input)
		if err != nil {
			return err
		}
		return printStream(out, s)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printStream(out io.Writer, s *chanrpc.ClientStream) error {
	for msg, err := range s.All() {
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, echo.Sentence(msg)); err != nil {
			s.Close()
			return err
		}
	}
	return nil
}

// connectURL turns the host base URL into its websocket /connect URL.
func connectURL(base *url.URL) string {
	u := *base.JoinPath("connect")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String()
}
