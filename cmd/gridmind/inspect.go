package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gridmind/internal/causal"
)

// #region inspect-cmd

func newInspectCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect stored runs, checkpoints, decisions and graphs",
	}
	cmd.AddCommand(
		newInspectRunsCmd(g),
		newInspectCheckpointsCmd(g),
		newInspectRollbackCmd(g),
		newInspectDecisionsCmd(g),
		newInspectGraphCmd(g),
	)
	return cmd
}

// openInspect loads the config and opens its backends.
func openInspect(g *globalFlags, cmd *cobra.Command) (*stack, error) {
	cfg, logger, err := g.load(cmd)
	if err != nil {
		return nil, err
	}
	return openStack(cfg, logger)
}

var errNoDB = errors.New("no database configured (set persistence.db_path or GRIDMIND_DB)")

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// #endregion inspect-cmd

// #region runs

func newInspectRunsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List runs with a checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openInspect(g, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.sqlite == nil {
				return fmt.Errorf("listing runs needs the sqlite backend, have %s", s.cfg.Persistence.Backend)
			}
			runs, err := s.sqlite.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if g.jsonOut {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			for _, r := range runs {
				fmt.Fprintln(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
}

// #endregion runs

// #region checkpoints

func newInspectCheckpointsCmd(g *globalFlags) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List a run's checkpoint versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openInspect(g, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()

			switch {
			case s.sqlite != nil:
				versions, err := s.sqlite.ListVersions(cmd.Context(), args[0], last)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(out, versions)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tPARENT\tEPISODE\tLEVEL\tCREATED")
				for _, v := range versions {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", shortID(v.VersionID), shortID(v.ParentID),
						v.Episode, v.Level, v.CreatedAt.Format("2006-01-02T15:04:05Z"))
				}
				return tw.Flush()
			case s.redis != nil:
				ids, err := s.redis.Versions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(ids) > last {
					ids = ids[:last]
				}
				if g.jsonOut {
					return printJSON(out, ids)
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}
			return fmt.Errorf("no checkpoint backend configured")
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "Show N most recent versions")
	return cmd
}

func newInspectRollbackCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <run-id> <version-id>",
		Short: "Make an earlier checkpoint the one a resumed run starts from",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openInspect(g, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.sqlite == nil {
				return fmt.Errorf("rollback needs the sqlite backend, have %s", s.cfg.Persistence.Backend)
			}
			if err := s.sqlite.Rollback(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s now at %s\n", args[0], args[1])
			return nil
		},
	}
}

// shortID returns the first 8 chars of a version ID.
func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion checkpoints

// #region decisions

func newInspectDecisionsCmd(g *globalFlags) *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "decisions <run-id>",
		Short: "Show the improvement controller's recent decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openInspect(g, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.decisions == nil {
				return errNoDB
			}
			entries, err := s.decisions.Recent(cmd.Context(), args[0], last)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if g.jsonOut {
				return printJSON(out, entries)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EPISODE\tFROM\tTO\tFAILED\tREMEDY\tREASON")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%d\t%d\t%v\t%s\t%s\n", e.Episode, e.FromLevel, e.ToLevel, e.Failed, e.Remedy, e.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "Show N most recent decisions")
	return cmd
}

// #endregion decisions

// #region graph

func newInspectGraphCmd(g *globalFlags) *cobra.Command {
	var (
		cause       string
		minStrength float64
	)
	cmd := &cobra.Command{
		Use:   "graph [graph-id]",
		Short: "List stored graphs, or show one graph's edges",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openInspect(g, cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if s.graphs == nil {
				return errNoDB
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			if len(args) == 0 {
				ids, err := s.graphs.ListGraphs(ctx)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(out, ids)
				}
				for _, id := range ids {
					fmt.Fprintln(out, id)
				}
				return nil
			}

			var edges []causal.Edge
			if cause != "" {
				stored, err := s.graphs.Neighbors(ctx, args[0], causal.Variable(cause), minStrength)
				if err != nil {
					return err
				}
				for _, e := range stored {
					edges = append(edges, e.Edge)
				}
			} else {
				gr, err := s.graphs.LoadWeights(ctx, args[0])
				if err != nil {
					return err
				}
				edges = gr.Edges()
			}
			if g.jsonOut {
				return printJSON(out, edges)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CAUSE\tEFFECT\tSTRENGTH\tCONFIDENCE\tACTIVE")
			for _, e := range edges {
				fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%v\n", e.Cause, e.Effect, e.Strength, e.Confidence, e.Active)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&cause, "cause", "", "Only edges out of this variable (e.g. action:right)")
	cmd.Flags().Float64Var(&minStrength, "min-strength", 0, "Minimum |strength| with --cause")
	return cmd
}

// #endregion graph
