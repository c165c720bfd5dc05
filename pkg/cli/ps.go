package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nielstenboom/shocker/pkg/containers"
)

// NewCmdPs prints the live container records.
func NewCmdPs() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List running containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, sync, err := setup(cmd)
			if err != nil {
				return err
			}
			defer sync()

			subnet, err := cfg.SubnetIPNet()
			if err != nil {
				return err
			}
			entries, err := containers.New(cfg.StateDir, subnet, log).List()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No running containers.")
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-16s %s\n", "NAME", "IP", "NETNS")
			for _, e := range entries {
				fmt.Fprintf(out, "%-20s %-16s %s\n", e.Name, e.IP, e.Netns)
			}
			return nil
		},
	}
}
