package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	v1 "github.com/foresturquhart/searchexport/api/v1"
	"github.com/foresturquhart/searchexport/services"
	"github.com/foresturquhart/searchexport/tasks"
	"github.com/foresturquhart/searchexport/worker"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, with redis configured, the background worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	c := a.container

	// Perform migrations
	if err := c.Migrate(); err != nil {
		return fmt.Errorf("failed to perform migrations: %w", err)
	}

	// Initialize services
	exportService := services.NewExportService(c)

	var queue tasks.Client
	var w *worker.Worker

	if c.Redis != nil {
		// Initialize worker
		var err error
		w, err = worker.NewWorker(c, exportService)
		if err != nil {
			return fmt.Errorf("failed to initialize background worker: %w", err)
		}

		if err := w.Schedule(c.Config.Schedule); err != nil {
			return fmt.Errorf("failed to schedule exports: %w", err)
		}

		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start background worker: %w", err)
		}

		queue = w
		c.Worker = w
	} else if len(c.Config.Schedule) > 0 {
		log.Warn().Msg("SCHEDULE is set but REDIS_ADDR is not, scheduled exports are disabled")
	}

	// Set up Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Register API routes
	v1.RegisterRoutes(e, exportService, queue)

	// Start the server
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting the server on :%d", c.Config.Port)
		if err := e.Start(fmt.Sprintf(":%d", c.Config.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down the server")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop the worker gracefully
	if w != nil {
		if err := w.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to gracefully stop background worker")
		}
	}

	// Stop the server gracefully
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to gracefully shutdown server")
	}

	return runErr
}
