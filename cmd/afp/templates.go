package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/lggm33/AFP-Project/internal/seed"
	"github.com/spf13/cobra"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Import or export bank templates and review rules",
	}
	cmd.AddCommand(templatesImportCmd())
	cmd.AddCommand(templatesExportCmd())
	return cmd
}

func templatesImportCmd() *cobra.Command {
	var (
		file     string
		tenantID string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Create or update templates and rules from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			f, err := seed.Parse(data)
			if err != nil {
				return err
			}

			a, err := newApp(cfg, options{})
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := seed.Import(ctx, a.repo, a.engine, tenantID, f)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "seed YAML file, or - for stdin")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func templatesExportCmd() *cobra.Command {
	var (
		file     string
		tenantID string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a tenant's templates and rules as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg, options{})
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := seed.Export(cmd.Context(), a.repo, tenantID)
			if err != nil {
				return err
			}
			data, err := seed.Marshal(f)
			if err != nil {
				return fmt.Errorf("failed to encode templates: %w", err)
			}

			if file == "" || file == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(file, data, 0o644)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "output file (default stdout)")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
