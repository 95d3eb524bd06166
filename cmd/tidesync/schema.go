package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var schemaJSONOutput bool

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Fetch the remote description and print the derived local schema",
	Args:  cobra.NoArgs,
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().BoolVar(&schemaJSONOutput, "json", false, "Output in JSON format")
}

func runSchema(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sch, err := deriveSchema(context.Background(), cfg)
	if err != nil {
		return err
	}
	tables := sch.UserTables()

	if schemaJSONOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"tables":      tables,
			"fingerprint": sch.Fingerprint(),
		})
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"tables": tables}); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return enc.Close()
}
