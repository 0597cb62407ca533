// Package cli dispatches the relay's command-line subcommands.
package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "apikey":
		return runAPIKeyAdmin(ctx, args[1:])
	case "version", "--version", "-v":
		fmt.Println("relay", Version)
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		fmt.Println("unknown command:", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Println(`relay - self-hosted HTTP tunnel relay

Expose local servers to the internet through your own relay server.

Usage:
  relay server                          Start the relay server
  relay apikey create --name NAME       Create a new API key
  relay apikey list                     List all API keys
  relay apikey revoke --id=ID           Revoke an API key
  relay version                         Print version
  relay help                            Show this help

Quick Start:
  1. relay server --domain relay.example.com        # start relay
  2. relay apikey create --name default             # create API key
  3. POST /v1/tunnels/register with the API key     # register a tunnel
  4. connect the client to the returned ws URL      # start serving traffic

Environment Variables:
  RELAY_DOMAIN            Public base domain (e.g. relay.example.com)
  RELAY_LISTEN            HTTP listen address (default: :8080)
  RELAY_DB_PATH           SQLite database path (default: ./relay.db)
  RELAY_MASTER_KEY        Master secret sealing tunnel private keys (required)
  RELAY_API_KEY_PEPPER    API key hash pepper override
  RELAY_REQUEST_TIMEOUT   Forwarding timeout budget (default: 30s)
  RELAY_MAX_PENDING       Max in-flight requests per connection (default: 1024)
  RELAY_TRUSTED_PROXIES   IPs/CIDRs allowed to set X-Forwarded-For
  RELAY_LOG_RETENTION     Request log retention window (default: 168h)
  RELAY_LOG_LEVEL         Log level: debug|info|warn|error (default: info)
  RELAY_LOG_FORMAT        Log format: text|json (default: text)`)
}
