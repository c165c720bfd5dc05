package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nielstenboom/shocker/pkg/image"
)

// NewCmdList prints all pulled images.
func NewCmdList() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pulled images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, sync, err := setup(cmd)
			if err != nil {
				return err
			}
			defer sync()

			images, err := image.NewStore(cfg.ArtifactsDir, log).List()
			if err != nil {
				return err
			}
			if len(images) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No images found.")
				return nil
			}

			out := cmd.OutOrStdout()
			for _, img := range images {
				sizeMB := float64(img.SizeBytes) / (1024 * 1024)
				fmt.Fprintf(out, "%s:%s (%.2f MB)\n", img.Repository, img.Tag, sizeMB)
				fmt.Fprintf(out, "  Path: %s\n", img.Path)
			}
			return nil
		},
	}
}
