package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskorch/internal/asyncutil"
)

// Run loads configuration from configPath, wires the container, starts
// the WebSocket hub's actor loop and the HTTP server, and blocks until
// an interrupt/TERM signal triggers a graceful shutdown.
func Run(configPath string) error {
	c, err := buildContainer(configPath)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			c.logger.Error("close container: %v", err)
		}
	}()

	hubCtx, cancelHub := context.WithCancel(context.Background())
	defer cancelHub()
	asyncutil.Go(c.logger, "ws.hub", func() {
		c.hub.Run(hubCtx)
	})

	server := &http.Server{
		Addr:              c.cfg.HTTPAddr,
		Handler:           newRouter(c),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return serveUntilSignal(server, c)
}

// serveUntilSignal starts server in its own goroutine and blocks until
// either it fails or an interrupt/TERM signal arrives, in which case it
// drains in-flight requests before returning.
func serveUntilSignal(server *http.Server, c *container) error {
	errCh := make(chan error, 1)
	asyncutil.Go(c.logger, "http.listen", func() {
		c.logger.Info("taskorchd listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		c.logger.Info("shutting down taskorchd...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := server.Shutdown(ctx)

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}

		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}

		c.logger.Info("taskorchd stopped")
		return nil
	}
}
