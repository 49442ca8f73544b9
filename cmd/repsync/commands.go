package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sakif/repsync/internal/model"
	"github.com/sakif/repsync/internal/service"
)

type configFn func() (config, error)

// withApp builds the app, runs fn, and tears down (joining any background
// confirmations before the process exits).
func withApp(load configFn, fn func(ctx context.Context, a *app) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	a, err := setup(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(context.Background(), a)
}

func entityService(a *app, name string) (*service.DataService, error) {
	svc, ok := a.registry.ForType(model.EntityType(name))
	if !ok {
		var known []string
		for _, desc := range model.Entities() {
			known = append(known, string(desc.Type))
		}
		return nil, fmt.Errorf("unknown entity %q (one of: %s)", name, strings.Join(known, ", "))
	}
	return svc, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSyncCmd(load configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app) error {
				if !a.online() {
					return fmt.Errorf("server unreachable, nothing replayed")
				}
				res, err := a.syncer.Drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("replayed %d, dropped %d, %d remaining\n",
					res.Replayed, res.Dropped, res.Remaining)
				return nil
			})
		},
	}
}

func newStatusCmd(load configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and pending queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app) error {
				if a.online() {
					fmt.Println("server: reachable")
				} else {
					fmt.Println("server: unreachable")
				}

				ops, err := a.store.Queue().All(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("queued: %d\n", len(ops))
				for _, op := range ops {
					fmt.Printf("  #%d %s %s (retries %d/%d)\n",
						op.ID, op.Action, op.Endpoint, op.RetryCount, op.MaxRetries)
				}
				return nil
			})
		},
	}
}

func newListCmd(load configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "list <entity>",
		Short: "List records for an entity (local copy, refreshed when reachable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app) error {
				svc, err := entityService(a, args[0])
				if err != nil {
					return err
				}
				return printJSON(svc.FetchAll(ctx))
			})
		},
	}
}

func newAddCmd(load configFn) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "add <entity>",
		Short: "Create a record (queued if the server is unreachable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app) error {
				svc, err := entityService(a, args[0])
				if err != nil {
					return err
				}
				var rec model.Record
				if err := json.Unmarshal([]byte(data), &rec); err != nil {
					return fmt.Errorf("parsing --data: %w", err)
				}
				saved, err := svc.Add(ctx, rec)
				if err != nil {
					return err
				}
				return printJSON(saved)
			})
		},
	}
	cmd.Flags().StringVarP(&data, "data", "d", "{}", "record JSON")
	return cmd
}

func newDeleteCmd(load configFn) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <id>",
		Short: "Delete a record (queued if the server is unreachable)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app) error {
				svc, err := entityService(a, args[0])
				if err != nil {
					return err
				}
				if err := svc.Delete(ctx, args[1]); err != nil {
					return err
				}
				fmt.Println("deleted", args[1])
				return nil
			})
		},
	}
}
