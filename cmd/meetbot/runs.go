package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/meetbot/internal/agent"
	"github.com/breeze-rmm/meetbot/internal/runstore"
)

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "Show run history, or one run in detail",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		showRuns(args)
	},
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to list")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON")
	rootCmd.AddCommand(runsCmd)
}

func showRuns(args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	store, err := runstore.Open(runstore.Path(cfg.DataDir), 0)
	if err != nil {
		fatalf("Run history unavailable (is the service running and holding the lock?): %v", err)
	}
	defer store.Close()

	if len(args) == 1 {
		run, err := store.Get(args[0])
		if errors.Is(err, runstore.ErrNotFound) {
			fatalf("Run %s not found", args[0])
		} else if err != nil {
			fatalf("Failed to read run: %v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(run)
		return
	}

	runs, err := store.List(runsLimit)
	if err != nil {
		fatalf("Failed to list runs: %v", err)
	}
	if runsJSON {
		json.NewEncoder(os.Stdout).Encode(runs)
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return
	}
	for _, r := range runs {
		fmt.Println(agent.Describe(r))
	}
}
