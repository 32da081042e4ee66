package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kantai/internal/kantai/app"
	"github.com/bdobrica/kantai/internal/kantai/fleet"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

const cliActor = "cli"

func newAgentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Manage agents",
	}
	cmd.AddCommand(newAgentsListCommand())
	cmd.AddCommand(newAgentsGetCommand())
	cmd.AddCommand(newAgentsCreateCommand())
	cmd.AddCommand(newAgentsUpdateCommand())
	cmd.AddCommand(newLifecycleCommand("start", "Start an agent's container"))
	cmd.AddCommand(newLifecycleCommand("stop", "Stop an agent's container"))
	cmd.AddCommand(newLifecycleCommand("restart", "Restart an agent's container"))
	cmd.AddCommand(newLifecycleCommand("destroy", "Remove an agent's container and definition"))
	return cmd
}

func newAgentsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents with their live status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				view, err := a.Fleet().List(ctx)
				if err != nil {
					return err
				}
				out := newOutputter(cmd)
				if !out.isTable() {
					return out.print(view)
				}
				printFleetTable(out, view)
				return nil
			})
		},
	}
}

func printFleetTable(out *outputter, view *fleet.View) {
	rows := make([][]string, 0, len(view.Agents))
	for _, ag := range view.Agents {
		name := ag.Name
		if ag.Emoji != "" {
			name = ag.Emoji + " " + name
		}
		rows = append(rows, []string{
			ag.ID,
			name,
			ag.StatusLabel,
			ag.RAMUsage,
			ag.Uptime,
			strconv.Itoa(ag.Port),
			ag.Provider + "/" + ag.Model,
			strconv.FormatBool(ag.Enabled),
		})
	}
	out.table([]string{"ID", "NAME", "STATUS", "RAM", "UPTIME", "PORT", "MODEL", "ENABLED"}, rows)
	s := view.Summary
	fmt.Fprintf(out.w, "%d agents: %d running, %d stopped, %d restarting, %s in use\n",
		s.Total, s.Running, s.Stopped, s.Restarting, s.TotalRAM)
	if !s.RuntimeAvailable {
		fmt.Fprintln(out.w, "warning: container runtime unreachable")
	}
}

func newAgentsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an agent definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ag, err := a.Fleet().Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printAgent(newOutputter(cmd), ag)
			})
		},
	}
}

func printAgent(out *outputter, ag *store.Agent) error {
	if !out.isTable() {
		return out.print(ag)
	}
	out.table([]string{"FIELD", "VALUE"}, [][]string{
		{"id", ag.ID},
		{"name", ag.Name},
		{"emoji", ag.Emoji},
		{"role", ag.Role},
		{"provider", ag.Provider},
		{"model", ag.Model},
		{"mode", ag.Mode},
		{"autonomy", ag.Autonomy},
		{"api key", ag.APIKeyName},
		{"port", strconv.Itoa(ag.Port)},
		{"mem limit", ag.MemLimit},
		{"cpu limit", strconv.FormatFloat(ag.CPULimit, 'f', -1, 64)},
		{"allowed commands", strings.Join(ag.AllowedCommands, ", ")},
		{"enabled", strconv.FormatBool(ag.Enabled)},
		{"created", ag.CreatedAt.Format("2006-01-02 15:04:05")},
	})
	return nil
}

func newAgentsCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register and start a new agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			req := fleet.CreateRequest{}
			req.ID, _ = f.GetString("id")
			req.Name, _ = f.GetString("name")
			req.Emoji, _ = f.GetString("emoji")
			req.Role, _ = f.GetString("role")
			req.Provider, _ = f.GetString("provider")
			req.Model, _ = f.GetString("model")
			req.APIKeyMode, _ = f.GetString("api-key-mode")
			req.Autonomy, _ = f.GetString("autonomy")
			req.Mode, _ = f.GetString("mode")
			req.MemLimit, _ = f.GetString("mem-limit")
			req.CPULimit, _ = f.GetFloat64("cpu-limit")
			req.AllowedCommands, _ = f.GetStringSlice("allow")

			// Custom keys are read from the environment so they never land in
			// shell history.
			if env, _ := f.GetString("api-key-env"); env != "" {
				req.APIKeyMode = store.APIKeyCustom
				req.CustomAPIKey = os.Getenv(env)
				if req.CustomAPIKey == "" {
					return fmt.Errorf("environment variable %s is empty", env)
				}
			}

			var err error
			if req.SoulContent, err = readOptionalFile(f.GetString("soul-file")); err != nil {
				return err
			}
			if req.AgentsContent, err = readOptionalFile(f.GetString("agents-file")); err != nil {
				return err
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ag, err := a.Fleet().Create(ctx, req, cliActor)
				if err != nil {
					return err
				}
				return printAgent(newOutputter(cmd), ag)
			})
		},
	}
	f := cmd.Flags()
	f.String("name", "", "Display name (required)")
	f.String("id", "", "Agent id (default: derived from name)")
	f.String("emoji", "", "Emoji shown next to the name")
	f.String("role", "", "Free-form role description")
	f.String("provider", "", "LLM provider (default from fleet settings)")
	f.String("model", "", "Model identifier (default from fleet settings)")
	f.String("api-key-mode", store.APIKeyFleetDefault, "fleet_default or custom")
	f.String("api-key-env", "", "Read a custom API key from this environment variable")
	f.String("autonomy", "supervised", "readonly, supervised or full")
	f.String("mode", store.ModeDaemon, "daemon or gateway")
	f.String("mem-limit", "", "Memory limit, e.g. 512m")
	f.Float64("cpu-limit", 0, "CPU limit in cores, e.g. 1.5")
	f.StringSlice("allow", nil, "Program the agent may run, as a bare name such as git (repeatable)")
	f.String("soul-file", "", "File with SOUL.md content")
	f.String("agents-file", "", "File with AGENTS.md content")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newAgentsUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an agent's templates, limits or enabled flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			var req fleet.UpdateRequest
			if f.Changed("emoji") {
				v, _ := f.GetString("emoji")
				req.Emoji = &v
			}
			if f.Changed("role") {
				v, _ := f.GetString("role")
				req.Role = &v
			}
			if f.Changed("mem-limit") {
				v, _ := f.GetString("mem-limit")
				req.MemLimit = &v
			}
			if f.Changed("cpu-limit") {
				v, _ := f.GetFloat64("cpu-limit")
				req.CPULimit = &v
			}
			if f.Changed("soul-file") {
				v, err := readOptionalFile(f.GetString("soul-file"))
				if err != nil {
					return err
				}
				req.SoulContent = &v
			}
			if f.Changed("agents-file") {
				v, err := readOptionalFile(f.GetString("agents-file"))
				if err != nil {
					return err
				}
				req.AgentsContent = &v
			}
			if f.Changed("enabled") {
				v, _ := f.GetBool("enabled")
				req.Enabled = &v
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Fleet().Update(ctx, args[0], req, cliActor)
				if err != nil {
					return err
				}
				for _, w := range res.Warnings {
					fmt.Fprintln(os.Stderr, "warning:", w)
				}
				return printAgent(newOutputter(cmd), res.Agent)
			})
		},
	}
	f := cmd.Flags()
	f.String("emoji", "", "Emoji shown next to the name")
	f.String("role", "", "Free-form role description")
	f.String("mem-limit", "", "Memory limit, e.g. 512m")
	f.Float64("cpu-limit", 0, "CPU limit in cores")
	f.String("soul-file", "", "File with SOUL.md content")
	f.String("agents-file", "", "File with AGENTS.md content")
	f.Bool("enabled", true, "Whether start-all starts this agent")
	return cmd
}

func newLifecycleCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				svc := a.Fleet()
				var res fleet.ActionResult
				switch action {
				case "start":
					res = svc.Start(ctx, args[0], cliActor)
				case "stop":
					res = svc.Stop(ctx, args[0], cliActor)
				case "restart":
					res = svc.Restart(ctx, args[0], cliActor)
				case "destroy":
					res = svc.Destroy(ctx, args[0], cliActor)
				}
				return printResults(newOutputter(cmd), []fleet.ActionResult{res})
			})
		},
	}
}

// printResults prints lifecycle results and fails when any of them failed.
func printResults(out *outputter, results []fleet.ActionResult) error {
	if out.isTable() {
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			status := "ok"
			if !r.Success {
				status = "failed"
			}
			rows = append(rows, []string{r.AgentID, r.Action, status, r.Error})
		}
		out.table([]string{"AGENT", "ACTION", "RESULT", "ERROR"}, rows)
	} else if err := out.print(results); err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		return errors.New(strconv.Itoa(failed) + " action(s) failed")
	}
	return nil
}

func readOptionalFile(path string, err error) (string, error) {
	if err != nil || path == "" {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(raw), nil
}
