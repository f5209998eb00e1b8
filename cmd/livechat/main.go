// Copyright 2026 The Livechat Authors
// SPDX-License-Identifier: Apache-2.0

// livechat is the terminal client for the storefront support channel.
// It connects to the chat server, joins one conversation room, and
// runs the interactive chat view.
//
// Configuration comes from the YAML file named by LIVECHAT_CONFIG (or
// --config); the token, server endpoints, and room can all be
// overridden with flags. The session keeps itself alive across network
// drops: the status bar shows reconnect progress and messages typed
// while offline are delivered over the REST fallback.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/nimbleshop/livechat/lib/chatui"
	"github.com/nimbleshop/livechat/lib/config"
	"github.com/nimbleshop/livechat/lib/version"
	"github.com/nimbleshop/livechat/messaging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var roomID string
	var userID string
	var token string
	var agent bool
	var logOutput string

	flagSet := pflag.NewFlagSet("livechat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config file (default: $LIVECHAT_CONFIG)")
	flagSet.StringVar(&roomID, "room", "", "conversation room to join (required)")
	flagSet.StringVar(&userID, "user", "", "user ID for outgoing messages (required)")
	flagSet.StringVar(&token, "token", "", "bearer token (overrides the config file)")
	flagSet.BoolVar(&agent, "agent", false, "connect as a support agent instead of a customer")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("livechat")
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
	if roomID == "" {
		return fmt.Errorf("--room is required")
	}
	if userID == "" {
		return fmt.Errorf("--user is required")
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else if os.Getenv(config.EnvConfigPath) != "" {
		cfg, err = config.Load()
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return err
	}
	if token != "" {
		cfg.Server.Token = token
	}
	if cfg.Server.Token == "" {
		return fmt.Errorf("no token: set --token or server.token in the config file")
	}

	// The TUI owns the terminal; logs go to a file or nowhere.
	logger := slog.New(slog.DiscardHandler)
	if logOutput != "" {
		file, err := os.Create(logOutput)
		if err != nil {
			return fmt.Errorf("cannot open log file %s: %w", logOutput, err)
		}
		defer file.Close()
		logger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	role := messaging.RoleCustomer
	if agent {
		role = messaging.RoleAgent
	}
	tokens := messaging.StaticToken(cfg.Server.Token)
	session, err := messaging.NewSession(messaging.Config{
		SocketURL:         cfg.Server.SocketURL,
		Dialer:            &messaging.WebsocketDialer{},
		History:           messaging.NewAPIClient(cfg.Server.APIURL, tokens, nil),
		Tokens:            tokens,
		Logger:            logger,
		UserID:            userID,
		Role:              role,
		HeartbeatInterval: cfg.Timing.HeartbeatInterval.Std(),
		HeartbeatTimeout:  cfg.Timing.HeartbeatTimeout.Std(),
		ReconnectBase:     cfg.Timing.ReconnectBase.Std(),
		ReconnectCap:      cfg.Timing.ReconnectCap.Std(),
		ReconnectAttempts: cfg.Timing.ReconnectAttempts,
		SendTimeout:       cfg.Timing.SendTimeout.Std(),
		TypingDebounce:    cfg.Timing.TypingDebounce.Std(),
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Connect(context.Background()); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server.SocketURL, err)
	}
	session.Join(roomID)

	model := chatui.NewModel(session, roomID, userID)
	program := tea.NewProgram(model, tea.WithAltScreen())

	// Forward every session event into the bubbletea loop so all UI
	// state changes happen on its goroutine.
	forward := func(event messaging.Event) {
		program.Send(chatui.SessionEventMsg{Event: event})
	}
	for _, kind := range []messaging.EventKind{
		messaging.EventMessage,
		messaging.EventTyping,
		messaging.EventPresence,
		messaging.EventConnection,
		messaging.EventError,
	} {
		dispose := session.Subscribe(kind, forward)
		defer dispose()
	}

	_, err = program.Run()
	return err
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `livechat — terminal client for the storefront support channel.

Connects to the chat server, joins a conversation room, and runs an
interactive chat view with live typing and presence indicators. The
connection survives network drops; anything sent while offline is
delivered through the REST fallback.

Usage:
  livechat --room <room> --user <user> [flags]

Examples:
  # Join a conversation as a customer
  livechat --room order-4711 --user casey --token dev-token

  # Join the same conversation as the support agent
  livechat --room order-4711 --user sam --agent --config agent.yaml

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
