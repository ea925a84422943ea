package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Parley-Chat/parley/internal/config"
	"github.com/Parley-Chat/parley/internal/logger"
)

// Build metadata, injected via -ldflags "-X main.version=..." and friends.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	config.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	Execute(ctx)

	if serverInvocation(os.Args[1:]) {
		// The start command returns once the server is up; hold main open
		// until a termination signal cancels the context.
		<-ctx.Done()
		stop()

		logger.Info("Parley has shut down.")
		_ = logger.Shutdown()
	}
}

// serverInvocation reports whether this run starts the long-lived server,
// in which case main must block until shutdown completes.
func serverInvocation(args []string) bool {
	if len(args) == 0 || args[0] != "start" {
		return false
	}
	for _, arg := range args[1:] {
		if arg == "--help" || arg == "-h" {
			return false
		}
	}
	return true
}
