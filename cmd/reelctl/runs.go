package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"thirdcoast.systems/reel/internal/db"
	"thirdcoast.systems/reel/internal/flow"
)

func newCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		entity  string
		payload string
		sets    []string
		start   bool
	)
	cmd := &cobra.Command{
		Use:   "create <pipeline>",
		Short: "Create a pipeline run for an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityID, err := uuid.Parse(entity)
			if err != nil {
				return fmt.Errorf("--entity: %w", err)
			}
			p, err := buildPayload(payload, sets)
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			run, err := ctx.dispatcher.Create(cmd.Context(), args[0], entityID, p)
			if err != nil {
				return err
			}
			if start {
				if err := ctx.dispatcher.Start(cmd.Context(), run.ID); err != nil {
					return fmt.Errorf("start run %s: %w", run.ID, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "Owning entity id")
	cmd.Flags().StringVar(&payload, "payload", "", "Run payload as a JSON object")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "Payload field as key=value (repeatable)")
	cmd.Flags().BoolVar(&start, "start", false, "Start the run right away")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <run-id>",
		Short: "Assemble if needed and start a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			return ctx.dispatcher.Start(cmd.Context(), runID)
		},
	}
}

func newStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Cancel every pending step of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			n, err := ctx.dispatcher.Stop(cmd.Context(), runID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "canceled %d step(s)\n", n)
			return nil
		},
	}
}

func newRerunCommand(ctx *commandContext) *cobra.Command {
	var start bool
	cmd := &cobra.Command{
		Use:   "rerun <run-id>",
		Short: "Create a new run from an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			run, err := ctx.dispatcher.Rerun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if start {
				if err := ctx.dispatcher.Start(cmd.Context(), run.ID); err != nil {
					return fmt.Errorf("start run %s: %w", run.ID, err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "Start the new run right away")
	return cmd
}

func newSetCommand(ctx *commandContext) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "set <run-id> [key=value...]",
		Short: "Merge fields into a run's shared payload",
		Long: "Merge fields into a run's shared payload. A null value removes the key.\n" +
			"Steps restarted afterwards pick up the new payload.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			patch, err := buildPayload(payload, args[1:])
			if err != nil {
				return err
			}
			if len(patch) == 0 {
				return errors.New("nothing to set")
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			run, err := ctx.dispatcher.UpdatePayload(cmd.Context(), runID, patch)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run.Payload)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "Fields as a JSON object")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Stop a run and hide it; its steps are kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			if err := ctx.dispatcher.Delete(cmd.Context(), runID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", runID)
			return nil
		},
	}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			st, err := ctx.dispatcher.Status(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(statusView(st))
			}
			fmt.Fprint(cmd.OutOrStdout(), renderStatus(st))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newPipelinesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pipelines",
		Short: "List registered pipeline kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, kind := range flow.DefaultDefinitions().Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			return nil
		},
	}
}

// buildPayload merges --payload with --set pairs; --set wins. Values that
// parse as JSON keep their type, anything else is a string.
func buildPayload(raw string, sets []string) (db.Payload, error) {
	out := db.Payload{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("--payload: %w", err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[key] = v
	}
	return out, nil
}
