// Package main is the entry point for the chat client binary.
// It provides subcommands for talking to a chat server:
//
//   - chat:     interactive conversation with another user
//   - bench:    relay and persistence latency between user pairs
//   - saturate: open N joined connections and hold them
//   - e2e:      end-to-end checks against a running server
//
// Usage:
//
//	chatclient <command> [options]
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "chat":
		runChat(os.Args[2:])
	case "bench":
		runBench(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "e2e":
		runE2E(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: chatclient <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat        Interactive conversation between two users")
	fmt.Println("  bench       Pairs of users exchange messages; reports relay and store latency")
	fmt.Println("  saturate    Opens N joined connections and holds them")
	fmt.Println("  e2e         End-to-end checks against a running server")
	fmt.Println()
	fmt.Println("Run 'chatclient <command> -h' for command-specific options.")
}

// wsURL derives the websocket endpoint from the server's base URL.
func wsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}
