package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lggm33/AFP-Project/internal/domain"
	"github.com/spf13/cobra"
)

// emailFile is the JSON accepted by `afp process`.
type emailFile struct {
	ExternalID string    `json:"externalId"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	MIMEType   string    `json:"mimeType"`
	ReceivedAt time.Time `json:"receivedAt"`
}

func processCmd() *cobra.Command {
	var (
		file     string
		tenantID string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one email through the pipeline and print the outcome",
		Example: `  afp process --file email.json --tenant bank-a
  cat email.json | afp process --file - --tenant bank-a`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			var in emailFile
			if err := readJSON(cmd.InOrStdin(), file, &in); err != nil {
				return err
			}

			a, err := newApp(cfg, options{})
			if err != nil {
				return err
			}
			defer a.Close()

			email, err := a.pipeline.Ingest(ctx, tenantID, &domain.Email{
				ExternalID: in.ExternalID,
				Sender:     in.Sender,
				Subject:    in.Subject,
				Body:       in.Body,
				MIMEType:   in.MIMEType,
				ReceivedAt: in.ReceivedAt,
			})
			if err != nil {
				return err
			}

			outcome, err := a.pipeline.Process(ctx, tenantID, email.ID, uuid.New().String())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(outcome)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "email JSON file, or - for stdin")
	cmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "tenant ID")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func readJSON(stdin io.Reader, path string, v any) error {
	data, err := readInput(stdin, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
