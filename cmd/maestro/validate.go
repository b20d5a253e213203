package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conduitworks/maestro/internal/graph"
)

// validateCmd checks a definition without executing anything.
var validateCmd = &cobra.Command{
	Use:   "validate <workflow-file>",
	Short: "Validate a workflow definition",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		def, err := loadDefinition(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		validator, err := graph.NewValidator()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		result := validator.Validate(def)
		if !result.Valid() {
			for _, issue := range result.Issues {
				fmt.Fprintf(os.Stderr, "%s: %s (%s)\n", issue.Path, issue.Message, issue.Code)
			}
			if len(result.Cycle) > 0 {
				fmt.Fprintf(os.Stderr, "cycle: %s\n", strings.Join(result.Cycle, " -> "))
			}
			os.Exit(1)
		}

		fmt.Printf("%s: valid (%d tasks, %d layers)\n", def.ID, len(def.Tasks), len(result.Layers))
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
