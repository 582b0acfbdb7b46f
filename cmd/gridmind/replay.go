package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gridmind/internal/config"
	"github.com/danielpatrickdp/gridmind/internal/grid"
	"github.com/danielpatrickdp/gridmind/internal/replay"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region replay-cmd

type replayOptions struct {
	record      string
	description string
	episodes    int
}

func newReplayCmd(g *globalFlags) *cobra.Command {
	o := &replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay [fixture.json]",
		Short: "Replay a fixture and check it, or record a new one",
		Long: `Replay the episodes scripted in a fixture on a fresh engine and compare
each episode with the fixture's expectations. Any mismatch fails the
command.

Without a fixture, --episodes policy-driven episodes are played from the
loaded config. With --record the results are written as a new fixture whose
scripts are the actions actually taken.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var f *replay.Fixture
			if len(args) == 1 {
				if f, err = replay.LoadFixture(args[0]); err != nil {
					return err
				}
			} else {
				if o.record == "" {
					return errors.New("give a fixture to replay or --record to record one")
				}
				if f, err = fixtureFromConfig(cfg, o.episodes); err != nil {
					return err
				}
			}

			results, rerr := replay.ReplayFixture(cmd.Context(), f, sim.WithLogger(logger))
			printReplay(out, results, replay.Summarize(results, rerr))

			if o.record != "" {
				desc := o.description
				if desc == "" {
					desc = f.Description
				}
				if err := replay.FromResults(desc, f.Config, results).Save(o.record); err != nil {
					return err
				}
				fmt.Fprintf(out, "recorded %d episodes to %s\n", len(results), o.record)
				return rerr
			}
			if rerr != nil {
				return rerr
			}
			if mismatches := f.Check(results); len(mismatches) > 0 {
				for _, m := range mismatches {
					fmt.Fprintf(out, "MISMATCH %s\n", m)
				}
				return fmt.Errorf("%d mismatches against %s", len(mismatches), args[0])
			}
			fmt.Fprintln(out, "all episodes match")
			return nil
		},
	}
	cmd.Flags().StringVar(&o.record, "record", "", "Write the replayed episodes as a fixture to this path")
	cmd.Flags().StringVar(&o.description, "description", "", "Description for the recorded fixture")
	cmd.Flags().IntVarP(&o.episodes, "episodes", "n", 3, "Policy episodes to record when no fixture is given")
	return cmd
}

// fixtureFromConfig builds an unscripted fixture from the loaded config.
func fixtureFromConfig(cfg *config.Config, episodes int) (*replay.Fixture, error) {
	if episodes < 1 {
		return nil, fmt.Errorf("--episodes must be >= 1, got %d", episodes)
	}
	ec, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	return &replay.Fixture{
		Description: fmt.Sprintf("%d policy episodes", episodes),
		Config:      replay.FixtureConfigFrom(ec),
		Episodes:    make([]replay.FixtureEpisode, episodes),
	}, nil
}

// #endregion replay-cmd

// #region replay-output

func printReplay(w io.Writer, results []replay.Result, s replay.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EPISODE\tSTEPS\tSCRIPTED\tREWARD\tGOAL\tLEVEL\tREMEDY\tACTIONS")
	for _, r := range results {
		names := make([]string, len(r.Actions))
		for i, a := range r.Actions {
			names[i] = actionGlyph(a)
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%.3f\t%v\t%d\t%s\t%s\n",
			r.Episode, r.Steps, r.Scripted, r.Reward, r.ReachedGoal, r.Level, r.Remedy, strings.Join(names, ""))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d episodes, %d goals, %d escalations, %d recoveries, final level %d, mean reward %.3f\n",
		s.Episodes, s.Goals, s.Escalations, s.Recoveries, s.FinalLevel, s.MeanReward)
	if s.Exhausted {
		fmt.Fprintln(w, "escalation exhausted")
	}
}

func actionGlyph(a grid.Action) string {
	switch a {
	case grid.ActionUp:
		return "U"
	case grid.ActionDown:
		return "D"
	case grid.ActionLeft:
		return "L"
	case grid.ActionRight:
		return "R"
	}
	return "."
}

// #endregion replay-output
