package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/arttherapy/arthelper/internal/config"
	"github.com/arttherapy/arthelper/internal/relay"
	"github.com/arttherapy/arthelper/internal/session"
)

// shutdownTimeout bounds graceful relay shutdown.
const shutdownTimeout = 15 * time.Second

// doctorCommand validates configuration and permissions.
func doctorCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check arthelper configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(opts)
			out := cmd.OutOrStdout()
			if info, err := os.Stat(path); err == nil {
				if mode := info.Mode().Perm(); mode&0o077 != 0 {
					return fmt.Errorf("config permissions too open: %s", mode)
				}
			} else if os.Getenv(config.EnvChatURL) == "" {
				return fmt.Errorf("config missing at %s", path)
			}

			cfg, err := config.LoadConfig(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(out, "OK: chat endpoint %s\n", cfg.ChatURL)
			if cfg.Relay.GatewayURL != "" {
				if err := cfg.ValidateRelay(); err != nil {
					return err
				}
				fmt.Fprintf(out, "OK: relay gateway %s (model %s)\n", cfg.Relay.GatewayURL, cfg.Relay.Model)
			}
			return nil
		},
	}
}

// serveCommand runs the chat and feedback relay.
func serveCommand(opts *options, logger func() *zap.Logger) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat and feedback relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(opts.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.ValidateRelay(); err != nil {
				return err
			}
			if listen != "" {
				cfg.Relay.Listen = listen
			}
			log := logger()
			if log == nil {
				log = zap.NewNop()
			}

			handler := relay.NewServer(relay.Config{
				GatewayURL:    cfg.Relay.GatewayURL,
				GatewayKey:    cfg.Relay.GatewayKey,
				Model:         cfg.Relay.Model,
				SystemPrompt:  cfg.Relay.SystemPrompt,
				AccessKey:     cfg.Relay.AccessKey,
				AllowedOrigin: cfg.Relay.AllowedOrigin,
				Timeout:       time.Duration(cfg.TimeoutMS) * time.Millisecond,
				Logger:        log,
			})
			server := &http.Server{
				Addr:              cfg.Relay.Listen,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				log.Info("relay listening", zap.String("addr", server.Addr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("relay server: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			log.Info("relay shutting down")
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("relay shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides relay.listen)")
	return cmd
}

// sessionsCommand lists recent sessions.
func sessionsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := session.NewStore()
			if err != nil {
				return err
			}
			list, err := store.ListSessions(limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No sessions yet.")
				return nil
			}
			for _, item := range list {
				fmt.Fprintf(out, "%s  %s\n", item.ID, item.UpdatedAt.Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of sessions to list")
	return cmd
}
