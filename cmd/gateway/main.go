// Package main is the entry point for the MCP Gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unrelated/mcp-gateway/cmd/gateway/app"
	"github.com/unrelated/mcp-gateway/internal/gatewaylog"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		gatewaylog.Error(fmt.Sprintf("error executing command: %v", err))
		os.Exit(1)
	}
}
