package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/agentworkforce/spacestage/internal/appconfig"
	"github.com/agentworkforce/spacestage/internal/draft"
	"github.com/agentworkforce/spacestage/internal/httpapi"
	"github.com/agentworkforce/spacestage/internal/remote"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local staging API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(configPath(cmd))
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return runServe(cmd.Context(), cfg, pslog.Ctx(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) error {
	signer, err := remote.LoadOrCreateEd25519Signer(cfg.Signing.KeyFile)
	if err != nil {
		return err
	}
	timeout, err := cfg.RemoteTimeout()
	if err != nil {
		return err
	}
	client := remote.NewHTTPClient(cfg.Remote.BaseURL, remote.HTTPClientOptions{
		Token:      cfg.Remote.Token,
		HTTPClient: &http.Client{Timeout: timeout},
		MaxRetries: cfg.Remote.MaxRetries,
	})
	backend, err := draft.BuildBackendFromDSN(cfg.Draft.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = draft.Close(backend) }()

	st, err := newStage(cfg, client, signer, backend, logger)
	if err != nil {
		return err
	}
	if err := st.restore(); err != nil {
		logger.Warn("draft not restored", "err", err)
	}
	if err := st.loadNavigation(ctx, cfg.Navigation.CommunityID); err != nil {
		logger.Warn("navigation not loaded", "community", cfg.Navigation.CommunityID, "err", err)
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	return serveStage(ctx, cfg, st, listener, logger)
}

// serveStage runs the API on listener together with draft autosave and, for
// file drafts, the external edit watcher. It returns when ctx is done.
func serveStage(ctx context.Context, cfg appconfig.Config, st *stage, listener net.Listener, logger pslog.Logger) error {
	delay, err := cfg.AutosaveDelay()
	if err != nil {
		return err
	}
	var saver *draft.Autosaver
	onChange := func() {}
	if st.backend != nil {
		saver = draft.NewAutosaver(st.backend, st.capture, delay, logger)
		onChange = saver.Trigger
	}

	api := httpapi.NewServerWithConfig(st.tabs, st.nav, httpapi.ServerConfig{
		JWTSecret:   cfg.HTTP.JWTSecret,
		Audience:    cfg.HTTP.Audience,
		CommunityID: cfg.Navigation.CommunityID,
		OnChange:    onChange,
		Logger:      logger,
	})
	srv := &http.Server{Handler: api, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("spacestage listening", "addr", listener.Addr().String(), "remote", cfg.Remote.BaseURL)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if saver != nil {
		g.Go(func() error {
			saver.Run(gctx)
			return nil
		})
	}
	if fileBackend, ok := st.backend.(*draft.FileBackend); ok && cfg.Draft.Watch {
		g.Go(func() error {
			return fileBackend.Watch(gctx, func() {
				logger.Info("draft changed on disk, reloading", "path", fileBackend.Path)
				if err := st.restore(); err != nil {
					logger.Warn("draft reload failed", "err", err)
				}
			}, func(err error) {
				logger.Warn("draft watch error", "err", err)
			})
		})
	}
	return g.Wait()
}
