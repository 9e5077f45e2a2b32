package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/agentworkforce/spacestage/internal/appconfig"
	"github.com/agentworkforce/spacestage/internal/devremote"
)

func newDevRemoteCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "dev-remote",
		Short: "Run an in-memory remote store for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.DevRemote.Addr = addr
			}
			listener, err := net.Listen("tcp", cfg.DevRemote.Addr)
			if err != nil {
				return err
			}
			return runDevRemote(cmd.Context(), cfg.DevRemote, listener, pslog.Ctx(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides dev_remote.addr)")
	return cmd
}

func runDevRemote(ctx context.Context, cfg appconfig.DevRemoteConfig, listener net.Listener, logger pslog.Logger) error {
	store := devremote.NewStoreWithOptions(devremote.StoreOptions{
		AssignSpaceIDs: cfg.AssignSpaceIDs,
		Logger:         logger,
	})
	srv := &http.Server{
		Handler: devremote.NewServerWithConfig(store, devremote.ServerConfig{
			Token:        cfg.Token,
			HTMLNotFound: cfg.HTMLNotFound,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dev remote listening", "addr", listener.Addr().String(), "assign_space_ids", cfg.AssignSpaceIDs)
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
