package cli

import (
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/cobra"

	"github.com/nielstenboom/shocker/pkg/image"
	"github.com/nielstenboom/shocker/pkg/registry"
)

// NewCmdPull downloads an image's layers into the artifacts directory.
func NewCmdPull() *cobra.Command {
	var (
		architecture string
		osType       string
	)

	cmd := &cobra.Command{
		Use:   "pull <repository>[:<tag>]",
		Short: "Pull an image from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, sync, err := setup(cmd)
			if err != nil {
				return err
			}
			defer sync()

			repo, tag, err := splitRef(args[0])
			if err != nil {
				return err
			}
			if architecture == "" {
				architecture = cfg.Architecture
			}
			if osType == "" {
				osType = cfg.OSType
			}

			ctx := cmd.Context()
			client, err := registry.New(ctx, cfg, repo, tag, log)
			if err != nil {
				return err
			}

			store := image.NewStore(cfg.ArtifactsDir, log)
			platform := v1.Platform{OS: osType, Architecture: architecture}
			return client.Pull(ctx, platform, store.Dir(repo, tag))
		},
	}

	cmd.Flags().StringVar(&architecture, "architecture", "", "target architecture (default amd64)")
	cmd.Flags().StringVar(&osType, "os-type", "", "target OS (default linux)")
	return cmd
}
