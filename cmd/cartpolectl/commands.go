package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"vecenv/internal/manager"
	cartpole "vecenv/pkg/cartpole"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		req     cartpole.RunRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive an environment with random actions and record its episodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Steps < 0 {
				return errors.New("steps must be >= 0")
			}
			return g.withClient(cmd, func(client *cartpole.Client) error {
				summary, runErr := client.Run(cmd.Context(), req)
				if summary.RunID == "" {
					return runErr
				}
				if jsonOut {
					if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
						return err
					}
					return runErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s task=%s stop=%s steps=%d episodes=%d mean_return=%.6f mean_length=%.2f artifacts=%s\n",
					summary.RunID,
					summary.Task,
					summary.StopReason,
					summary.StepsCompleted,
					summary.Episodes,
					summary.MeanEpisodeReturn,
					summary.MeanEpisodeLength,
					summary.ArtifactsDir,
				)
				return runErr
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id (generated when empty)")
	f.StringVar(&req.Task, "task", "", "task name (see cartpolectl tasks)")
	f.StringVar(&req.EnvFile, "env-file", "", "environment file (yaml or json) replacing the task configuration")
	f.IntVar(&req.NumEnvs, "num-envs", 0, "number of environment instances (0 for the task default)")
	f.IntVar(&req.Steps, "steps", 1000, "environment steps to run")
	f.IntVar(&req.ResetEvery, "reset-every", 0, "full reset period in steps (0 for the task default, <0 disables)")
	f.Uint64Var(&req.Seed, "seed", 0, "random seed")
	f.Float64Var(&req.ActionStd, "action-std", 1, "standard deviation of the random actions")
	f.IntVar(&req.LogEvery, "log-every", 0, "log the pole joint of instance 0 every n steps")
	f.BoolVar(&jsonOut, "json", false, "emit the run summary as JSON")
	return cmd
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			return g.withClient(cmd, func(client *cartpole.Client) error {
				items, err := client.Runs(cmd.Context(), cartpole.RunsRequest{Limit: limit})
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no runs found")
					return nil
				}
				for _, item := range items {
					fmt.Fprintf(cmd.OutOrStdout(), "run_id=%s created_at=%s task=%s num_envs=%d steps=%d seed=%d stop=%s episodes=%d mean_return=%.6f\n",
						item.RunID,
						item.CreatedAtUTC,
						item.Task,
						item.NumEnvs,
						item.Steps,
						item.Seed,
						item.StopReason,
						item.Episodes,
						item.MeanEpisodeReturn,
					)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit runs list as JSON")
	return cmd
}

func newEpisodesCmd(g *globalFlags) *cobra.Command {
	var (
		req     cartpole.EpisodesRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "Show the finished episodes of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRun(req.RunID, req.Latest, "episodes"); err != nil {
				return err
			}
			return g.withClient(cmd, func(client *cartpole.Client) error {
				episodes, err := client.Episodes(cmd.Context(), req)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), episodes)
				}
				for _, ep := range episodes {
					fmt.Fprintf(cmd.OutOrStdout(), "env=%d step=%d length=%d return=%.6f reason=%s\n",
						ep.EnvID, ep.Step, ep.Length, ep.Return, ep.Reason)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id")
	f.BoolVar(&req.Latest, "latest", false, "show the most recent run from run index")
	f.IntVar(&req.Limit, "limit", 0, "max episodes to print (0 for all)")
	f.BoolVar(&jsonOut, "json", false, "emit episodes as JSON")
	return cmd
}

func newRewardsCmd(g *globalFlags) *cobra.Command {
	var (
		req     cartpole.RewardsRequest
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "rewards",
		Short: "Show the per-step mean reward of a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRun(req.RunID, req.Latest, "rewards"); err != nil {
				return err
			}
			return g.withClient(cmd, func(client *cartpole.Client) error {
				history, err := client.Rewards(cmd.Context(), req)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd.OutOrStdout(), history)
				}
				for step, r := range history {
					fmt.Fprintf(cmd.OutOrStdout(), "step=%d mean_reward=%.6f\n", step, r)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id")
	f.BoolVar(&req.Latest, "latest", false, "show the most recent run from run index")
	f.IntVar(&req.Limit, "limit", 0, "max steps to print (0 for all)")
	f.BoolVar(&jsonOut, "json", false, "emit the reward history as JSON")
	return cmd
}

func newExportCmd(g *globalFlags) *cobra.Command {
	var req cartpole.ExportRequest
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy the artifacts of a run to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRun(req.RunID, req.Latest, "export"); err != nil {
				return err
			}
			return g.withClient(cmd, func(client *cartpole.Client) error {
				exported, err := client.Export(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.RunID, "run-id", "", "run id")
	f.BoolVar(&req.Latest, "latest", false, "export the most recent run from run index")
	f.StringVar(&req.OutDir, "out", "", "export output directory (defaults to --exports-dir)")
	return cmd
}

func newTermsCmd(g *globalFlags) *cobra.Command {
	var capability string
	cmd := &cobra.Command{
		Use:   "terms",
		Short: "List the term functions an environment file can name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(client *cartpole.Client) error {
				terms := client.Terms()
				keys := make([]string, 0, len(terms))
				for k := range terms {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				if capability != "" {
					c, err := manager.ParseCapability(capability)
					if err != nil {
						return err
					}
					keys = []string{c.String()}
				}
				for _, k := range keys {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, strings.Join(terms[k], ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&capability, "capability", "", "only list one capability: observation|action|event|reward|termination")
	return cmd
}

func newTasksCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List the built-in tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(client *cartpole.Client) error {
				for _, task := range client.Tasks() {
					fmt.Fprintf(cmd.OutOrStdout(), "task=%s rl=%t num_envs=%d reset_every=%d %s\n",
						task.Name, task.RL, task.DefaultNumEnvs, task.ResetEvery, task.Description)
				}
				return nil
			})
		},
	}
}

func requireRun(runID string, latest bool, what string) error {
	if runID != "" && latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if runID == "" && !latest {
		return fmt.Errorf("%s requires --run-id or --latest", what)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
