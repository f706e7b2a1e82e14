package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/services"
	"github.com/spf13/cobra"
)

func newProbeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check what the search endpoint reports about itself",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			probe := services.NewExportService(a.container).Probe(cmd.Context())

			if err := json.NewEncoder(os.Stdout).Encode(probe); err != nil {
				return fmt.Errorf("failed to write probe result: %w", err)
			}

			if probe.Status == models.ProbeUnreachable {
				return fmt.Errorf("search endpoint unreachable: %s", probe.Error)
			}

			return nil
		},
	}
}
