package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/conduitworks/maestro/pkg/schema"
)

var runTimeout string

// runCmd executes a workflow definition in-process and waits for the result.
// Exit codes: 0 success, 1 invalid definition, 2 runtime failure.
var runCmd = &cobra.Command{
	Use:   "run <workflow-file>",
	Short: "Execute a workflow definition and wait for it to finish",
	Long: `run executes a YAML or JSON workflow definition in-process, without a
server, and prints the final instance snapshot as JSON.

Workflows with hitl tasks need a running server to resolve gates; a local
run will block on them until the workflow timeout.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		if runTimeout != "" {
			cfg.DefaultTimeout = runTimeout
		}
		logger := newLogger(cfg.LogLevel)
		ctx := cmd.Context()

		def, err := loadDefinition(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		eng, closers, err := localEngine(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		defer func() {
			for _, c := range closers {
				_ = c()
			}
		}()

		inst, err := eng.Run(ctx, def)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			var me *schema.Error
			if errors.As(err, &me) &&
				(me.Code == schema.ErrCodeValidation || me.Code == schema.ErrCodeCycleDetected) {
				os.Exit(1)
			}
			os.Exit(2)
		}
		eng.Shutdown(context.Background())

		out, _ := json.MarshalIndent(inst, "", "  ")
		fmt.Println(string(out))
		if inst.Status != schema.InstanceCompleted {
			os.Exit(2)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runTimeout, "timeout", "", "overall workflow timeout (e.g. 5m)")
	rootCmd.AddCommand(runCmd)
}
