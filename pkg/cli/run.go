package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nielstenboom/shocker/pkg/lifecycle"
	"github.com/nielstenboom/shocker/pkg/network"
)

// defaultCommand runs when no command is given after --.
var defaultCommand = []string{"/bin/sh"}

// NewCmdRun executes a command inside a container built from a pulled image.
func NewCmdRun() *cobra.Command {
	var (
		ports []string
		cname string
	)

	cmd := &cobra.Command{
		Use:   "run <repository>[:<tag>] [flags] -- <command>...",
		Short: "Run a command in a container",
		Args:  cobra.MinimumNArgs(1),
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

			command := defaultCommand
			if dash := cmd.ArgsLenAtDash(); dash >= 0 && dash < len(args) {
				if rest := args[dash:]; len(rest) > 0 {
					command = rest
				}
			} else if len(args) > 1 {
				command = args[1:]
			}

			mappings, err := parsePorts(ports)
			if err != nil {
				return err
			}

			orch, err := lifecycle.New(cfg, log)
			if err != nil {
				return err
			}
			code, err := orch.Run(cmd.Context(), lifecycle.Options{
				Repository: repo,
				Tag:        tag,
				Command:    command,
				Ports:      mappings,
				Name:       cname,
			})
			setExitCode(cmd, code)
			return err
		},
	}

	cmd.Flags().StringArrayVarP(&ports, "port", "p", nil, "publish host port: H[:C] (repeatable)")
	cmd.Flags().StringVar(&cname, "name", "", "container name, resolvable by peers")
	return cmd
}

// parsePorts turns H[:C] flags into mappings; a bare H maps H to H.
func parsePorts(specs []string) ([]network.Mapping, error) {
	var out []network.Mapping
	for _, spec := range specs {
		hostStr, contStr, found := strings.Cut(spec, ":")
		if !found {
			contStr = hostStr
		}
		host, err := strconv.Atoi(hostStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port mapping %q: %w", spec, err)
		}
		cont, err := strconv.Atoi(contStr)
		if err != nil {
			return nil, fmt.Errorf("invalid port mapping %q: %w", spec, err)
		}
		if host < 1 || host > 65535 || cont < 1 || cont > 65535 {
			return nil, fmt.Errorf("invalid port mapping %q: port out of range", spec)
		}
		out = append(out, network.Mapping{HostPort: host, ContainerPort: cont})
	}
	return out, nil
}
