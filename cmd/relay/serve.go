package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sipeed/wecom-relay/pkg/config"
	"github.com/sipeed/wecom-relay/pkg/logger"
	"github.com/sipeed/wecom-relay/pkg/relay"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay's HTTP + WebSocket server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to an optional JSON or YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	r, err := relay.New(cfg)
	if err != nil {
		return fmt.Errorf("wire relay: %w", err)
	}

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: r.Handler(),
	}
	wsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WS.Port),
		Handler: r.WSHandler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		logger.InfoCF("relay", "http listening", map[string]interface{}{"port": cfg.HTTP.Port})
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.InfoCF("relay", "ws listening", map[string]interface{}{"port": cfg.WS.Port})
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ws server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.InfoC("relay", "shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r.Shutdown(shutdownCtx)
	httpSrv.Shutdown(shutdownCtx)
	return wsSrv.Shutdown(shutdownCtx)
}
