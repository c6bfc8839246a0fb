// Risktier MCP server: exposes risk analysis and commits as MCP tools over stdio.
package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/risktier/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

const defaultAPIURL = "http://localhost:8080"

func main() {
	// stdout carries the MCP protocol; diagnostics go to stderr only.
	_ = godotenv.Load()

	apiURL := strings.TrimRight(os.Getenv("RISKTIER_API_URL"), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if u, err := url.Parse(apiURL); err != nil || u.Scheme == "" || u.Host == "" {
		fmt.Fprintf(os.Stderr, "RISKTIER_API_URL %q is not an absolute URL\n", apiURL)
		os.Exit(2)
	}

	s := mcpserver.NewMCPServer(mcpserver.Config{
		APIURL: apiURL,
		APIKey: os.Getenv("RISKTIER_API_KEY"),
	}, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "risktier mcp: %v\n", err)
		os.Exit(1)
	}
}
