package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies and schemas",
	}

	cmd.AddCommand(newPolicyListCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the Rego policies and CUE schemas in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.policies == nil {
				return errors.New("policies are disabled in the configuration")
			}
			policies := a.policies.ListPolicies()

			var schemas []string
			if a.schemas != nil {
				schemas = a.schemas.ListSchemas()
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"policies": policies,
					"schemas":  schemas,
				})
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "POLICY\tSEVERITY\tENABLED\tTYPES\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				types := "*"
				if len(p.ResourceTypes) > 0 {
					types = strings.Join(p.ResourceTypes, ",")
				}
				source := p.Source
				if source == "" {
					source = "built-in"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n", p.Name, p.Severity, p.Enabled, types, source, p.Description)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(schemas) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\nSchemas: %s\n", strings.Join(schemas, ", "))
			}
			return nil
		},
	}
}
