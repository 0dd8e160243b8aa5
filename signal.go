package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// interruptContext derives a context that ends on SIGINT or SIGTERM so a run
// can finish the source it is working on. A repeat signal aborts the process
// immediately, for the case where a transport call refuses to return.
func interruptContext(parent context.Context, logger *slog.Logger) context.Context {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()

		if parent.Err() != nil {
			stop()
			return
		}

		logger.Info("interrupt received, finishing current work")

		// Re-arm before releasing NotifyContext so a repeat signal is
		// never delivered to the default handler in between.
		again := make(chan os.Signal, 1)
		signal.Notify(again, syscall.SIGINT, syscall.SIGTERM)
		stop()

		defer signal.Stop(again)

		select {
		case <-again:
			logger.Warn("second interrupt, aborting without cleanup")
			os.Exit(1)
		case <-parent.Done():
		}
	}()

	return ctx
}
