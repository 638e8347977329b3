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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/momomojo/portalclient"
	"github.com/momomojo/portalclient/internal/fakeapi"
)

func serveFakeCmd() *cobra.Command {
	var (
		addr        string
		requireAuth bool
		seed        bool
		tokenTTL    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Run an in-memory portal backend with fault injection",
		Long: `Run an in-memory portal backend.

Faults are queued with POST /_admin/faults, for example:
  curl -X POST localhost:8089/_admin/faults \
    -d '{"method":"GET","path":"/properties","status":503,"times":3}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := portalclient.NewLogger(portalclient.LogConfig{
				Level:  "debug",
				Format: "console",
				Output: cmd.ErrOrStderr(),
			})
			srv := fakeapi.New(fakeapi.Options{
				RequireAuth: requireAuth,
				TokenTTL:    tokenTTL,
				Logger:      logger,
			})
			if seed {
				seedDemoData(srv)
			}
			access, refresh := srv.Session()
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\naccess token:  %s\nrefresh token: %s\n", addr, access, refresh)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr, srv.Handler(), logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8089", "listen address")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", true, "reject requests without the current access token")
	cmd.Flags().BoolVar(&seed, "seed", true, "load demo properties")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 15*time.Minute, "access token lifetime")
	return cmd
}

func serve(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down fake backend")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func seedDemoData(srv *fakeapi.Server) {
	srv.Seed("properties", fakeapi.Document{"id": "p-100", "name": "Harbour View 2B", "status": "available"})
	srv.Seed("properties", fakeapi.Document{"id": "p-101", "name": "Elm Court 14", "status": "occupied"})
	srv.Seed("properties", fakeapi.Document{"id": "p-102", "name": "Mill Lane 3", "status": "available"})
	srv.Seed("tenants", fakeapi.Document{"id": "t-200", "name": "R. Okafor", "property_id": "p-101"})
}
