// Command peercall registers with a signaling relay, waits for the media endpoint to
// request or send an offer, and negotiates a WebRTC session with it. It can
// also list and focus the endpoint's cameras, and run a local relay for
// development.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/1ureka/peercall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		stop()
		os.Exit(1)
	}
}
