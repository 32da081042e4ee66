package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kantai/internal/kantai/app"
)

func newFleetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet-wide status and bulk actions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Show agent counts and total memory in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				s, err := a.Fleet().Summary(ctx)
				if err != nil {
					return err
				}
				out := newOutputter(cmd)
				if !out.isTable() {
					return out.print(s)
				}
				out.table([]string{"TOTAL", "RUNNING", "STOPPED", "RESTARTING", "TOTAL RAM", "RUNTIME"}, [][]string{{
					strconv.Itoa(s.Total),
					strconv.Itoa(s.Running),
					strconv.Itoa(s.Stopped),
					strconv.Itoa(s.Restarting),
					s.TotalRAM,
					map[bool]string{true: "available", false: "unreachable"}[s.RuntimeAvailable],
				}})
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "start-all",
		Short: "Start every enabled agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				results, err := a.Fleet().StartAll(ctx, cliActor)
				if err != nil {
					return err
				}
				return printResults(newOutputter(cmd), results)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop-all",
		Short: "Stop every agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				results, err := a.Fleet().StopAll(ctx, cliActor)
				if err != nil {
					return err
				}
				return printResults(newOutputter(cmd), results)
			})
		},
	})
	return cmd
}
