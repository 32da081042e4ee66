package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kantai/internal/kantai/app"
	"github.com/bdobrica/kantai/internal/kantai/metrics"
)

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Resource snapshots and the task log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "collect",
		Short: "Take one snapshot of every running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Collector().CollectAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("collected %d snapshot(s)\n", n)
				return nil
			})
		},
	})

	history := &cobra.Command{
		Use:   "history",
		Short: "Show snapshot histories",
		RunE: func(cmd *cobra.Command, args []string) error {
			agent, _ := cmd.Flags().GetString("agent")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				hist, err := a.MetricsStore().AllHistories(ctx)
				if err != nil {
					return err
				}
				if agent != "" {
					hist = map[string][]metrics.Snapshot{agent: hist[agent]}
				}
				out := newOutputter(cmd)
				if !out.isTable() {
					return out.print(hist)
				}
				ids := make([]string, 0, len(hist))
				for id := range hist {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				var rows [][]string
				for _, id := range ids {
					for _, sn := range hist[id] {
						rows = append(rows, []string{
							id,
							sn.TakenAt.In(a.MetricsStore().Location()).Format(time.DateTime),
							fmt.Sprintf("%.1f MiB", sn.MemUsageMiB),
							fmt.Sprintf("%.1f MiB", sn.MemLimitMiB),
							fmt.Sprintf("%.2f%%", sn.CPUPercent),
						})
					}
				}
				out.table([]string{"AGENT", "TAKEN AT", "MEMORY", "LIMIT", "CPU"}, rows)
				return nil
			})
		},
	}
	history.Flags().String("agent", "", "Only show this agent")
	cmd.AddCommand(history)

	cmd.AddCommand(&cobra.Command{
		Use:   "tasks-today",
		Short: "Count tasks finished today in the fleet timezone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.MetricsStore().TasksToday(ctx, time.Now())
				if err != nil {
					return err
				}
				out := newOutputter(cmd)
				if !out.isTable() {
					return out.print(map[string]int{"tasks_today": n})
				}
				fmt.Println(strconv.Itoa(n))
				return nil
			})
		},
	})

	record := &cobra.Command{
		Use:   "record-task <agent-id> <task>",
		Short: "Append an entry to the task log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if _, err := a.Fleet().Get(ctx, args[0]); err != nil {
					return err
				}
				task, err := a.MetricsStore().RecordTask(ctx, args[0], args[1], status, time.Now())
				if err != nil {
					return err
				}
				out := newOutputter(cmd)
				if !out.isTable() {
					return out.print(task)
				}
				fmt.Println(task.ID)
				return nil
			})
		},
	}
	record.Flags().String("status", "done", "Task status")
	cmd.AddCommand(record)
	return cmd
}
