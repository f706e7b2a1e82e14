package main

import (
	"github.com/foresturquhart/searchexport/models"
	"github.com/foresturquhart/searchexport/services"
	"github.com/spf13/cobra"
)

func newUploadCommand(a *app) *cobra.Command {
	var bucket, key string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a staging file kept by a failed upload",
		Long: `Upload a finished staging file that was kept because its upload failed. The
file path is reported as local_path in the failed export result. The file is removed
once the upload succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result := services.NewExportService(a.container).RetryUpload(cmd.Context(), args[0], bucket, key)
			return printResults([]*models.ExportResult{result})
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket (default: OUTPUT_BUCKET)")
	cmd.Flags().StringVar(&key, "key", "", "Object key (required)")

	cmd.MarkFlagRequired("key")

	return cmd
}
