// Package cli defines the shocker command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nielstenboom/shocker/pkg/config"
)

// NewCmdRoot builds the root command with all subcommands attached.
func NewCmdRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "shocker",
		Short:         "A minimal container runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Usage()
		},
	}
	root.PersistentFlags().Bool("debug", false, "verbose, human-readable logging")
	root.PersistentFlags().String("config", "", "path to config file (default "+config.DefaultPath+")")

	root.AddCommand(NewCmdPull())
	root.AddCommand(NewCmdList())
	root.AddCommand(NewCmdRun())
	root.AddCommand(NewCmdPs())
	return root
}

// Execute runs the CLI and returns the process exit code. For run, that is
// the child's exit code.
func Execute() int {
	root := NewCmdRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shocker: %v\n", err)
		if code, ok := exitCodes[root]; ok && code != 0 {
			return code
		}
		return 1
	}
	if code, ok := exitCodes[root]; ok {
		return code
	}
	return 0
}

// exitCodes carries the run command's child exit code out of cobra, keyed
// by root so parallel test executions don't collide.
var exitCodes = map[*cobra.Command]int{}

func setExitCode(cmd *cobra.Command, code int) {
	exitCodes[cmd.Root()] = code
}

// setup loads config and builds the logger shared by all subcommands.
func setup(cmd *cobra.Command) (config.Config, *zap.SugaredLogger, func(), error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return cfg, nil, nil, err
	}

	debug, _ := cmd.Flags().GetBool("debug")
	var logger *zap.Logger
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return cfg, nil, nil, fmt.Errorf("building logger: %w", err)
	}

	sugar := logger.Sugar()
	return cfg, sugar, func() { _ = logger.Sync() }, nil
}

// splitRef parses repo[:tag], defaulting the tag to latest and bare names
// to library/.
func splitRef(arg string) (repository, tag string, err error) {
	ref, err := name.ParseReference(arg, name.WithDefaultTag("latest"))
	if err != nil {
		return "", "", fmt.Errorf("invalid image reference %q: %w", arg, err)
	}
	repository = ref.Context().RepositoryStr()
	tag = "latest"
	if t, ok := ref.(name.Tag); ok {
		tag = t.TagStr()
	}
	return repository, tag, nil
}
