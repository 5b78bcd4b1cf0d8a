// Trustforge MCP server - exposes the session lifecycle as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/skillxchange/trustforge/internal/identity"
	"github.com/skillxchange/trustforge/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:   envOrDefault("TRUSTFORGE_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("TRUSTFORGE_API_KEY"),
		Identity: os.Getenv("TRUSTFORGE_IDENTITY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "TRUSTFORGE_API_KEY is required")
		os.Exit(1)
	}
	id, err := identity.Normalize(cfg.Identity)
	if err != nil {
		fmt.Fprintln(os.Stderr, "TRUSTFORGE_IDENTITY must be a 0x address")
		os.Exit(1)
	}
	cfg.Identity = id

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
