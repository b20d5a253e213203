package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd fetches an instance snapshot from a running server.
var statusCmd = &cobra.Command{
	Use:   "status <instance-id>",
	Short: "Show the current snapshot of a workflow instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		url := cfg.BaseURL + "/api/workflows/" + args[0]

		client := &http.Client{Timeout: 10 * time.Second}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		resp, err := client.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot reach server at %s: %v\n", cfg.BaseURL, err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "%s\n", body)
			os.Exit(1)
		}

		var pretty json.RawMessage = body
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err != nil {
			fmt.Println(string(body))
			return
		}
		fmt.Println(string(out))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
