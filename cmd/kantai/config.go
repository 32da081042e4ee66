package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kantai/internal/kantai/config"
	"github.com/bdobrica/kantai/internal/kantai/store"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change persisted fleet settings",
		Long: "Persisted settings override the environment at the next start.\n" +
			"Keys: fleet.base_port, fleet.image, fleet.default_provider, fleet.default_model, fleet.timezone",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigStore(cmd, func(ctx context.Context, s config.Store) error {
				v, err := s.Get(ctx, args[0])
				if errors.Is(err, config.ErrNotFound) {
					return fmt.Errorf("%s is not set", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Println(v)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigStore(cmd, func(ctx context.Context, s config.Store) error {
				return s.Set(ctx, args[0], args[1])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a persisted setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigStore(cmd, func(ctx context.Context, s config.Store) error {
				return s.Delete(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List persisted settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfigStore(cmd, func(ctx context.Context, s config.Store) error {
				all, err := s.List(ctx)
				if err != nil {
					return err
				}
				out := newOutputter(cmd)
				if !out.isTable() {
					return out.print(all)
				}
				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				rows := make([][]string, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, []string{k, all[k]})
				}
				out.table([]string{"KEY", "VALUE"}, rows)
				return nil
			})
		},
	})
	return cmd
}

// withConfigStore opens only the database; settings do not need the engine.
func withConfigStore(cmd *cobra.Command, fn func(ctx context.Context, s config.Store) error) error {
	cfg := loadConfig(cmd)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), config.New(st))
}
