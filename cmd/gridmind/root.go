package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gridmind/internal/config"
	"github.com/danielpatrickdp/gridmind/internal/improve"
	"github.com/danielpatrickdp/gridmind/internal/logging"
)

// #region root

type globalFlags struct {
	configPath string
	logLevel   string
	jsonOut    bool
	trace      bool

	shutdownTracing func(context.Context) error
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "gridmind",
		Short: "gridmind - active-inference agent in a grid world",
		Long: `gridmind runs an active-inference agent that learns a causal model of a
grid world, tracks a belief over where the goal is and escalates through
five self-improvement levels when its predictions keep failing.

Settings come from a YAML file (--config) with GRIDMIND_* environment
overrides.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !g.trace {
				return nil
			}
			shutdown, err := setupTracing(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			g.shutdownTracing = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if g.shutdownTracing == nil {
				return nil
			}
			return g.shutdownTracing(context.WithoutCancel(cmd.Context()))
		},
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVar(&g.trace, "trace", false, "Print episode and checkpoint spans to stderr")

	cmd.AddCommand(
		newRunCmd(g),
		newServeCmd(g),
		newInspectCmd(g),
		newReplayCmd(g),
		newVersionCmd(),
	)
	return cmd
}

// load reads the config and builds the logger it describes.
func (g *globalFlags) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}
	logger := logging.NewLogger(cfg.Logging.Level, logging.Format(cfg.Logging.Format), cmd.ErrOrStderr())
	return cfg, logger, nil
}

// #endregion root

// #region exit-codes

// exitCode is 3 when escalation ran out, 1 otherwise.
func exitCode(err error) int {
	if errors.Is(err, improve.ErrEscalationExhausted) {
		return 3
	}
	return 1
}

// #endregion exit-codes
