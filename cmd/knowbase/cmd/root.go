// Package cmd provides the CLI commands for knowbase.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the CLI version, overridable at build time with -ldflags.
var Version = "0.3.0"

var (
	configDir string
	logLevel  string
	debugMode bool
)

// NewRootCmd creates the root command for the knowbase CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowbase",
		Short: "Multi-tenant knowledge base retrieval service",
		Long: `Knowbase ingests documents into per-tenant knowledge bases and serves
hybrid search (semantic + keyword) over them.

Documents are parsed, chunked and embedded by a task queue worker; search
fuses vector similarity with full-text ranking and can rerank the result.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("knowbase version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Directory holding knowbase.yaml")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newKBCmd())
	cmd.AddCommand(newDocsCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newProcessCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
