// Command causewayctl inspects the artifacts a causeway server leaves on
// disk: recorded run traces, the parquet result cache, and the schema
// registry. It never talks to Postgres, so every command works offline
// against the same directories the server writes to.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	os.Exit(Execute())
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(os.Stdout, map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

// rootOptions holds the resolved persistent flags shared by every
// subcommand. Precedence is flag > environment > default, using the same
// environment variables the server reads.
type rootOptions struct {
	cacheDir     string
	traceDir     string
	registryFile string
	output       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "causewayctl",
		Short:         "Inspect causeway run traces, cached results, and the schema registry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("cache-dir") {
				if v := os.Getenv("CACHE_DIR"); v != "" {
					opts.cacheDir = v
				}
			}
			if !cmd.Flags().Changed("trace-dir") {
				if v := os.Getenv("TRACE_DIR"); v != "" {
					opts.traceDir = v
				}
			}
			if !cmd.Flags().Changed("registry-file") {
				if v := os.Getenv("REGISTRY_FILE"); v != "" {
					opts.registryFile = v
				}
			}
			if opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", opts.output)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cacheDir, "cache-dir", ".causeway/cache", "result cache directory")
	rootCmd.PersistentFlags().StringVar(&opts.traceDir, "trace-dir", ".causeway/runs", "run trace directory")
	rootCmd.PersistentFlags().StringVar(&opts.registryFile, "registry-file", ".causeway/registry.json", "schema registry file")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format (table, json)")

	rootCmd.AddCommand(newTraceCmd(opts))
	rootCmd.AddCommand(newCacheCmd(opts))
	rootCmd.AddCommand(newValidateCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))

	return rootCmd
}

func newVersionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the causewayctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": version})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "causewayctl", version)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ellipsize truncates s to max runes, marking the cut with a single
// ellipsis character. Newlines are flattened first so table cells stay on
// one line.
func ellipsize(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max < 1 {
		return ""
	}
	return string(r[:max-1]) + "…"
}

// shortKey abbreviates a hex digest for table output; JSON output always
// carries the full value.
func shortKey(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
