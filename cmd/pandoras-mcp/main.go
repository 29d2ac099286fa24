// Pandoras Box MCP server.
// Exposes read-only chain and reconciler inspection tools over MCP stdio
// transport. Stdout carries the protocol, so all logging goes to stderr.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/unifralabs/pandoras-box/internal/mcp"
	"github.com/unifralabs/pandoras-box/internal/reconciler"
	"github.com/unifralabs/pandoras-box/internal/rpc"
)

func main() {
	rpcURL := os.Getenv("PANDORAS_RPC_URL")
	if rpcURL == "" {
		rpcURL = "http://localhost:8545"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	clientCfg := rpc.DefaultClientConfig(rpcURL)
	clientCfg.Logger = logger
	client := rpc.NewHTTPClient(clientCfg)

	var store *reconciler.Store
	if dbPath := os.Getenv("PANDORAS_DB_PATH"); dbPath != "" {
		var err error
		store, err = reconciler.NewStore(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open reconciler database: %v\n", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	s := server.NewMCPServer(
		"pandoras-box",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.Deps{
		Client: client,
		Store:  store,
		Logger: logger,
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
