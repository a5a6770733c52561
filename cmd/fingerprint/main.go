// Fingerprint Core - object-model server for fingerprint identification devices.
//
// The binary exposes one Fingerprint module over MQTT, HTTP and WebSocket
// and drives it with one of three backends:
//   - echo: answers every command immediately with canned results
//   - mockup: simulates a sensor with timed tasks and in-memory databases
//   - tcpip: talks to a real device over the framed link protocol
//
// For the configuration reference, see: configs/config.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C and SIGTERM so run can shut down in order.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
