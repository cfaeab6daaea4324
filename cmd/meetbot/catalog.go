package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/meetbot/internal/selectors"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Work with the UI selector catalog",
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a catalog override (default selector_catalog) against the built-in roles",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := loadCatalog(args)
		fmt.Printf("Catalog %s is valid (%d roles).\n", c.Version, len(c.Roles))
	},
}

var catalogDumpCmd = &cobra.Command{
	Use:   "dump [file]",
	Short: "Print the effective catalog as YAML",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := loadCatalog(args).Marshal()
		if err != nil {
			fatalf("Failed to render catalog: %v", err)
		}
		os.Stdout.Write(data)
	},
}

func init() {
	catalogCmd.AddCommand(catalogValidateCmd)
	catalogCmd.AddCommand(catalogDumpCmd)
	rootCmd.AddCommand(catalogCmd)
}

func loadCatalog(args []string) *selectors.Catalog {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else if cfg, err := loadConfig(); err == nil {
		path = cfg.SelectorCatalog
	}
	c, err := selectors.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	return c
}
