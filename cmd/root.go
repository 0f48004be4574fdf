package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cloudbridge/wstunnel/config"
)

// Flags shared across all commands.
var (
	flagConfigPath string
	flagVerbose    int
	flagQuiet      int
)

// cfg is loaded once by the persistent pre-run hook.
var cfg config.Config

// log is the root logger, level-adjusted by -v/-q in PersistentPreRunE.
var log = logrus.New()

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wstunnel",
		Short:         "wstunnel - a TCP/UDP tunnel carried inside a WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, err := config.ConfigPath(flagConfigPath)
			if err != nil {
				return err
			}
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}

			level := logrus.InfoLevel
			switch {
			case flagVerbose-flagQuiet >= 2:
				level = logrus.TraceLevel
			case flagVerbose-flagQuiet == 1:
				level = logrus.DebugLevel
			case flagVerbose-flagQuiet == -1:
				level = logrus.WarnLevel
			case flagVerbose-flagQuiet <= -2:
				level = logrus.ErrorLevel
			}
			log.SetLevel(level)
			log.SetOutput(os.Stderr)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config file (default: ~/.wstunnel/config.toml)")
	root.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (stackable)")
	root.PersistentFlags().CountVarP(&flagQuiet, "quiet", "q", "decrease log verbosity (stackable)")

	root.AddCommand(
		newClientCmd(),
		newServerCmd(),
		newVersionCmd(),
	)

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
