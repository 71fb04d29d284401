// Package main is the entry point for the realtime load test binary.
//
//   - seed:     print the SEED_PROJECTS value that makes the load users
//     project members
//   - saturate: open N idle authenticated connections and hold them
//   - chat:     pairs of users share a conversation and exchange messages,
//     measuring durable send and fan-out delivery latency
//
// Usage:
//
//	rtload <command> [options]
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/projecthub/realtime/internal/client/transport"
	"github.com/projecthub/realtime/internal/loadstats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		runSeed(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: rtload <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  seed        Print SEED_PROJECTS for the load users (run the server with DEV_AUTH=1)")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  chat        Conversation load test: pairs exchange messages in shared conversations")
	fmt.Println()
	fmt.Println("Run 'rtload <command> -h' for command-specific options.")
}

// userID names the i-th load user.
func userID(prefix string, i int) string {
	return fmt.Sprintf("%s%d", prefix, i)
}

// streamURL turns an http(s) server root into its WebSocket endpoint.
func streamURL(server string) string {
	server = strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	}
	return server + "/ws"
}

// connect opens one authenticated stream for user and records the connect
// latency. Events are delivered inline on the read goroutine.
func connect(ctx context.Context, server, user string, collector *loadstats.Collector, onEvent func(string, interface{})) (*transport.Transport, error) {
	cfg := transport.DefaultConfig()
	cfg.URL = streamURL(server)
	cfg.Token = user
	cfg.Retries = 0

	tr := transport.New(cfg, transport.Handlers{
		OnEvent: onEvent,
		OnError: func(error) { collector.AddError() },
	}, nil)

	start := time.Now()
	if err := tr.Connect(ctx); err != nil {
		return nil, err
	}
	collector.AddConnect(time.Since(start))
	return tr, nil
}
