package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/gridmind/internal/logging"
	"github.com/danielpatrickdp/gridmind/internal/metrics"
	"github.com/danielpatrickdp/gridmind/internal/sim"
)

// #region run-cmd

type runOptions struct {
	episodes    int
	workers     int
	runID       string
	metricsAddr string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Play episodes with the policy choosing every action",
		Long: `Play episodes with the policy choosing every action and print one line
per episode.

With --workers greater than 1 each worker plays --episodes episodes on its
own copy of the world and the learned graphs are merged afterwards.

Passing --run-id of an existing checkpointed run resumes it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.episodes < 1 {
				return fmt.Errorf("--episodes must be >= 1, got %d", o.episodes)
			}
			if o.workers < 1 {
				return fmt.Errorf("--workers must be >= 1, got %d", o.workers)
			}
			cfg, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			s, err := openStack(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if o.metricsAddr != "" {
				srv := &http.Server{Addr: o.metricsAddr, Handler: metrics.Handler(s.registry)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", "addr", o.metricsAddr, "err", err)
					}
				}()
				defer srv.Close()
			}

			engine, err := s.newEngine(o.runID)
			if err != nil {
				return err
			}
			defer s.closeEngine(ctx, engine)
			logger.Info("run started", logging.RunIDKey, engine.RunID(),
				"episodes", o.episodes, "workers", o.workers, "backend", cfg.Persistence.Backend)

			var results []sim.EpisodeResult
			if o.workers > 1 {
				var perWorker [][]sim.EpisodeResult
				perWorker, err = engine.RunParallel(ctx, o.workers, o.episodes)
				for _, r := range perWorker {
					results = append(results, r...)
				}
			} else {
				results, err = engine.Run(ctx, o.episodes)
			}

			if perr := printEpisodes(cmd.OutOrStdout(), engine.RunID(), results, g.jsonOut); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&o.episodes, "episodes", "n", 10, "Episodes to play (per worker)")
	cmd.Flags().IntVarP(&o.workers, "workers", "w", 1, "Parallel workers")
	cmd.Flags().StringVar(&o.runID, "run-id", "", "Run identifier (default: random UUID)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

// #endregion run-cmd

// #region output

type episodeRow struct {
	Episode     int     `json:"episode"`
	Steps       int     `json:"steps"`
	Reward      float64 `json:"reward"`
	ReachedGoal bool    `json:"reached_goal"`
	MeanError   float64 `json:"mean_error"`
	Collapses   int     `json:"collapses"`
	Level       int     `json:"level"`
	Remedy      string  `json:"remedy"`
	Reason      string  `json:"reason,omitempty"`
}

func printEpisodes(w io.Writer, runID string, results []sim.EpisodeResult, jsonOut bool) error {
	rows := make([]episodeRow, len(results))
	for i, r := range results {
		rows[i] = episodeRow{
			Episode:     r.Episode,
			Steps:       r.Steps,
			Reward:      r.Reward,
			ReachedGoal: r.ReachedGoal,
			MeanError:   r.MeanError,
			Collapses:   r.Collapses,
			Level:       int(r.Decision.To),
			Remedy:      string(r.Decision.Remedy),
			Reason:      r.Decision.Reason,
		}
	}
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			RunID    string       `json:"run_id"`
			Episodes []episodeRow `json:"episodes"`
		}{runID, rows})
	}

	fmt.Fprintf(w, "run %s\n", runID)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EPISODE\tSTEPS\tREWARD\tGOAL\tERROR\tCOLLAPSES\tLEVEL\tREMEDY")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%d\t%.3f\t%v\t%.4f\t%d\t%d\t%s\n",
			r.Episode, r.Steps, r.Reward, r.ReachedGoal, r.MeanError, r.Collapses, r.Level, r.Remedy)
	}
	return tw.Flush()
}

// #endregion output
