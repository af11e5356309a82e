package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-window/internal/arrow_client"
	"github.com/23skdu/longbow-window/internal/logger"
	"github.com/23skdu/longbow-window/internal/monitoring"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the generate API with health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addGenerateFlags(cmd)
	cmd.Flags().String("addr", ":8080", "HTTP listen address")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := loadEngine(cmd)
	if err != nil {
		return err
	}

	hm := monitoring.NewHealthMonitor(eng, version)
	hm.SetDefaults(generateOptions(cmd))

	if addr, _ := cmd.Flags().GetString("export-addr"); addr != "" {
		client, err := arrow_client.NewFlightClient(addr)
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
		hm.SetExporter(client)
		logger.Log.Info("exporting batches", "addr", addr)
	}

	addr, _ := cmd.Flags().GetString("addr")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hm.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return hm.Stop(shutdownCtx)
	})
	return g.Wait()
}
