package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foresturquhart/searchexport/export"
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/services"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type exportFlags struct {
	bucket      string
	output      string
	key         string
	pageSize    int
	resumeToken string
	resume      bool
	budget      time.Duration
}

func newExportCommand(a *app) *cobra.Command {
	var flags exportFlags

	cmd := &cobra.Command{
		Use:   "export <index>...",
		Short: "Export one or more indices",
		Long: `Export one or more indices as NDJSON, one document source per line.

Without --bucket, --output or OUTPUT_BUCKET each index is written to <index>_export.ndjson in
the working directory. With several indices, --output names a directory.

Examples:
  # Upload to s3://backups/inventory_export.ndjson
  searchexport export inventory --bucket backups

  # Continue an export that ran out of budget
  searchexport export inventory --bucket backups --resume-token 3vQB7B6MrGQZaxCuFg4oh

  # Export two indices side by side into ./dumps
  searchexport export orders customers --output ./dumps`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, a, flags, args)
		},
	}

	cmd.Flags().StringVar(&flags.bucket, "bucket", "", "Destination bucket (default: OUTPUT_BUCKET)")
	cmd.Flags().StringVar(&flags.output, "output", "", "Local output file, or directory when exporting several indices")
	cmd.Flags().StringVar(&flags.key, "key", "", "Object key (default: <prefix><index>_export.ndjson)")
	cmd.Flags().IntVar(&flags.pageSize, "page-size", 0, "Documents per page (default: PAGE_SIZE)")
	cmd.Flags().StringVar(&flags.resumeToken, "resume-token", "", "Resume token returned by a run that ran out of budget")
	cmd.Flags().BoolVar(&flags.resume, "resume", false, "Resume from the checkpoint stored in redis")
	cmd.Flags().DurationVar(&flags.budget, "budget", 0, "Wall clock budget per index, e.g. 15m (default: BUDGET)")

	cmd.MarkFlagsMutuallyExclusive("resume", "resume-token")

	return cmd
}

func runExport(cmd *cobra.Command, a *app, flags exportFlags, indices []string) error {
	if len(indices) > 1 && (flags.key != "" || flags.resumeToken != "") {
		return errors.New("--key and --resume-token apply to a single index")
	}

	svc := services.NewExportService(a.container).WithProgress(func(p export.Progress) {
		log.Info().Str("index", p.Index).Int64("count", p.Count).Int64("total", p.Total).Int("pages", p.Pages).Msg("Export progress")
	})
	if flags.budget > 0 {
		svc = svc.WithBudget(flags.budget)
	}

	requests := make([]services.ExportRequest, 0, len(indices))
	for _, index := range indices {
		requests = append(requests, services.ExportRequest{
			Index:       index,
			Bucket:      flags.bucket,
			Key:         flags.key,
			OutputPath:  outputPath(a, flags, index, len(indices) > 1),
			PageSize:    flags.pageSize,
			ResumeToken: flags.resumeToken,
			Resume:      flags.resume,
		})
	}

	results := make([]*models.ExportResult, len(requests))

	var g errgroup.Group
	g.SetLimit(max(a.cfg.Concurrency, 1))

	for i, req := range requests {
		g.Go(func() error {
			results[i] = svc.Export(cmd.Context(), req)
			return nil
		})
	}
	_ = g.Wait()

	return printResults(results)
}

// outputPath picks the local destination of an index, or "" when it goes to a bucket
func outputPath(a *app, flags exportFlags, index string, several bool) string {
	switch {
	case flags.output != "" && several:
		return filepath.Join(flags.output, index+"_export.ndjson")
	case flags.output != "":
		return flags.output
	case flags.bucket != "" || a.cfg.OutputBucket != "":
		return ""
	default:
		return index + "_export.ndjson"
	}
}

func printResults(results []*models.ExportResult) error {
	enc := json.NewEncoder(os.Stdout)

	failed := 0
	for _, result := range results {
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		if !result.Succeeded() {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d exports failed", failed, len(results))
	}

	return nil
}
