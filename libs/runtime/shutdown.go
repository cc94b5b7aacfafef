package runtime

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var exit = os.Exit

// ShutdownContext is cancelled by the first SIGINT or SIGTERM so the service can drain.
// A second signal while draining exits the process with status 1.
func ShutdownContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	released := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(released)
			cancel()
		})
	}

	go func() {
		select {
		case sig := <-sigs:
			logger.Info("shutdown requested", "signal", sig.String())
			cancel()
		case <-released:
			return
		}
		select {
		case sig := <-sigs:
			logger.Error("second signal while draining, exiting", "signal", sig.String())
			exit(1)
		case <-released:
		}
	}()
	return ctx, release
}
