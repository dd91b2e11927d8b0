package cli

import (
	"github.com/spf13/cobra"

	"dotracing/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigDir string
}

func (o *RootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

// NewRootCommand creates the dotracing command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dotracing",
		Short: "Real-time multiplayer dot racing",
		Long: `dotracing hosts live race sessions: browsers share live game and score
tables over a websocket channel while the server runs the race simulation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", ".", "directory holding the optional .env file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}
