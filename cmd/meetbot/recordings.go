package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/meetbot/internal/storage"
)

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Inspect recordings in the configured storage",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List stored recordings",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		listRecordings(prefix)
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <key>...",
	Short: "Delete stored recordings",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		deleteRecordings(args)
	},
}

func init() {
	recordingsCmd.AddCommand(recordingsListCmd)
	recordingsCmd.AddCommand(recordingsDeleteCmd)
	rootCmd.AddCommand(recordingsCmd)
}

func openStorage() (storage.Provider, context.Context, context.CancelFunc) {
	cfg, err := loadConfig()
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		cancel()
		fatalf("Failed to open storage: %v", err)
	}
	return store, ctx, cancel
}

func listRecordings(prefix string) {
	store, ctx, cancel := openStorage()
	defer cancel()

	objects, err := store.List(ctx, prefix)
	if err != nil {
		fatalf("Failed to list %s storage: %v", store.Name(), err)
	}
	if len(objects) == 0 {
		fmt.Println("No recordings found.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tMODIFIED")
	for _, o := range objects {
		fmt.Fprintf(w, "%s\t%d\t%s\n", o.Key, o.Size, o.Modified.Local().Format(time.DateTime))
	}
	w.Flush()
}

func deleteRecordings(keys []string) {
	store, ctx, cancel := openStorage()
	defer cancel()

	failed := 0
	for _, key := range keys {
		if err := store.Delete(ctx, key); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to delete %s: %v\n", key, err)
			failed++
			continue
		}
		fmt.Printf("Deleted %s\n", key)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
