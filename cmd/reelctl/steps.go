package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"thirdcoast.systems/reel/internal/status"
)

func newRestartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <step-id>",
		Short: "Re-execute a single step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stepID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			exec, err := ctx.controller.Restart(cmd.Context(), stepID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), exec)
			return nil
		},
	}
}

func newCleanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean <step-id>",
		Short: "Remove what a step produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stepID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			return ctx.controller.Clean(cmd.Context(), stepID)
		},
	}
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "resolve <step-id> <status>",
		Short: "Finish a started step from an external signal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			stepID, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			st, err := status.Parse(args[1])
			if err != nil {
				return err
			}
			if err := ctx.ensure(cmd.Context()); err != nil {
				return err
			}
			return ctx.controller.Resolve(cmd.Context(), stepID, st, message)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Status message")
	return cmd
}
