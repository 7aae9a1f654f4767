package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"thirdcoast.systems/reel/internal/application"
	"thirdcoast.systems/reel/internal/config"
	"thirdcoast.systems/reel/internal/flow"
	"thirdcoast.systems/reel/internal/logging"
	"thirdcoast.systems/reel/internal/pool"
	"thirdcoast.systems/reel/internal/steps"
	"thirdcoast.systems/reel/internal/worker"
)

// commandContext connects lazily so help and flag errors never touch the
// database.
type commandContext struct {
	verbose bool

	once       sync.Once
	err        error
	closeDB    func()
	runtime    *worker.Runtime
	dispatcher *flow.Dispatcher
	controller *flow.Controller
}

func (c *commandContext) ensure(ctx context.Context) error {
	c.once.Do(func() {
		conf, err := config.LoadConfig(ctx)
		if err != nil {
			c.err = err
			return
		}
		var out io.Writer = io.Discard
		if c.verbose {
			out = os.Stderr
		}
		logger := logging.Install(out, conf.LogFormat, conf.LogLevel)

		dbc, closeDB, err := application.Connect(ctx, conf)
		if err != nil {
			c.err = err
			return
		}
		c.closeDB = closeDB

		rt, err := application.NewRuntime(conf, dbc, logger)
		if err != nil {
			c.err = err
			return
		}
		registry, err := steps.NewRegistry(rt, steps.FFmpeg{}, &http.Client{})
		if err != nil {
			c.err = err
			return
		}
		queue := pool.NewQueue(dbc, conf.DatabaseDSN, pool.QueueOptions{})

		c.runtime = rt
		c.dispatcher = flow.NewDispatcher(rt, registry, queue, flow.DefaultDefinitions())
		c.controller = flow.NewController(c.dispatcher)
	})
	return c.err
}

// close releases the database handle if ensure opened one. It runs after
// the command returns, failed or not.
func (c *commandContext) close() {
	if c.closeDB != nil {
		c.closeDB()
		c.closeDB = nil
	}
}

func newRootCommand(ctx *commandContext) *cobra.Command {

	rootCmd := &cobra.Command{
		Use:           "reelctl",
		Short:         "Manage video pipeline runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&ctx.verbose, "verbose", "v", false, "Log to stderr")

	rootCmd.AddCommand(newCreateCommand(ctx))
	rootCmd.AddCommand(newStartCommand(ctx))
	rootCmd.AddCommand(newStopCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newRerunCommand(ctx))
	rootCmd.AddCommand(newSetCommand(ctx))
	rootCmd.AddCommand(newDeleteCommand(ctx))
	rootCmd.AddCommand(newRestartCommand(ctx))
	rootCmd.AddCommand(newCleanCommand(ctx))
	rootCmd.AddCommand(newResolveCommand(ctx))
	rootCmd.AddCommand(newPipelinesCommand())

	return rootCmd
}
