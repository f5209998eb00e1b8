// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// livechat-mock-server is an in-memory chat server for development and
// integration testing. It speaks the livechat socket protocol (CBOR
// frames over a websocket at /v1/socket) and the REST history API
// (/v1/rooms/{room}/messages, /v1/rooms/{room}/read), with no
// persistence: restart and everything is gone.
//
// Identity is taken from the bearer token: the part before the first
// ":" is the user ID, an optional ":agent" suffix marks the support
// side. "sam:agent" connects the agent sam; "casey" connects the
// customer casey.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/pflag"

	"github.com/nimbleshop/livechat/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var listenAddr string

	flagSet := pflag.NewFlagSet("livechat-mock-server", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddr, "listen", ":8470", "address to listen on")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("livechat-mock-server")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	server := newChatServer(logger)

	logger.Info("listening", "addr", listenAddr)
	return http.ListenAndServe(listenAddr, server.routes())
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `livechat-mock-server — in-memory chat server for development.

Serves the livechat socket protocol on /v1/socket and the REST history
API under /v1/rooms/. State lives in memory only.

The bearer token doubles as the identity: "casey" connects the
customer casey, "sam:agent" connects the agent sam.

Usage:
  livechat-mock-server [flags]

Examples:
  # Start on the default port
  livechat-mock-server

  # Then connect two clients to the same room
  livechat --room demo --user casey --token casey
  livechat --room demo --user sam --agent --token sam:agent

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
