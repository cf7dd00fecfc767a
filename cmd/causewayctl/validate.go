package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/causewaylabs/causeway/internal/core/domain"
	"github.com/causewaylabs/causeway/internal/policy"
	"github.com/causewaylabs/causeway/internal/registry"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var policyFile, paramsArg string

	cmd := &cobra.Command{
		Use:   "validate <sql>",
		Short: "Vet a statement against the recorded schema snapshot",
		Long: `validate runs the full guard rule chain against the snapshot persisted
in the registry file. Nothing is executed and no database connection is
made: the verdict depends only on the statement, the parameters, and the
recorded schema.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := loadSnapshot(opts.registryFile)
			if err != nil {
				return err
			}

			guardPolicy := domain.DefaultGuardPolicy()
			if policyFile != "" {
				file, err := policy.LoadFromFile(policyFile)
				if err != nil {
					return err
				}
				guardPolicy = file.GuardPolicy()
			}

			var params map[string]any
			if paramsArg != "" {
				if err := json.Unmarshal([]byte(paramsArg), &params); err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
			}

			guard := domain.NewGuard(guardPolicy)
			verdict := guard.Vet(domain.QueryRequest{SQL: args[0], Params: params}, snap)

			if verdict.Allowed() {
				q := verdict.Accepted
				key := domain.Fingerprint(q.SQL(), params, snap.Version)

				if opts.output == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"allowed":        true,
						"normalized_sql": q.SQL(),
						"tables":         q.Tables(),
						"columns":        q.Columns(),
						"params":         q.ParamNames(),
						"schema_version": snap.Version,
						"cache_key":      key,
					})
				}
				pterm.Success.Println("statement accepted")
				pterm.Printfln("  normalized:     %s", q.SQL())
				pterm.Printfln("  tables:         %s", strings.Join(q.Tables(), ", "))
				pterm.Printfln("  columns:        %s", strings.Join(q.Columns(), ", "))
				if names := q.ParamNames(); len(names) > 0 {
					pterm.Printfln("  params:         %s", strings.Join(names, ", "))
				}
				pterm.Printfln("  schema version: %d", snap.Version)
				pterm.Printfln("  cache key:      %s", key)
				return nil
			}

			rej := verdict.Rejected
			if opts.output == "json" {
				if err := printJSON(cmd.OutOrStdout(), map[string]any{
					"allowed":  false,
					"rejected": rej,
				}); err != nil {
					return err
				}
			} else {
				pterm.Error.Printfln("statement rejected: %s", rej.Code)
				if rej.Fragment != "" {
					pterm.Printfln("  fragment: %q", rej.Fragment)
				}
				if rej.Detail != "" {
					pterm.Printfln("  detail:   %s", rej.Detail)
				}
			}
			return fmt.Errorf("statement rejected: %s", rej.Code)
		},
	}

	cmd.Flags().StringVar(&paramsArg, "params", "", "named parameter values as a JSON object")
	cmd.Flags().StringVar(&policyFile, "policy-file", "", "guard policy file (defaults to the built-in policy)")
	return cmd
}

// loadSnapshot restores the current schema snapshot from the server's
// registry file.
func loadSnapshot(registryFile string) (*domain.SchemaSnapshot, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(registryFile, 0, logger)
	if err := reg.Load(); err != nil {
		return nil, err
	}
	snap := reg.Current()
	if snap == nil {
		return nil, fmt.Errorf("no schema snapshot in %s (has the server run against this registry file?)", registryFile)
	}
	return snap, nil
}
