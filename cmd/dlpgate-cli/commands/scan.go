package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/dlpgate/internal/dlp"
	"github.com/piwi3910/dlpgate/internal/encryption"
	"github.com/piwi3910/dlpgate/internal/risk"
)

// ErrSensitiveData is returned by scan --fail-on-detect.
var ErrSensitiveData = errors.New("sensitive data detected")

// NewScanCmd creates the scan command. It runs the gateway's extraction,
// matching and scoring locally without contacting a server.
func NewScanCmd() *cobra.Command {
	var failOnDetect bool

	cmd := &cobra.Command{
		Use:   "scan <file>...",
		Short: "Inspect files locally for sensitive data",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := dlp.NewDefaultScanner()
			scorer := risk.NewDefaultScorer()
			out := cmd.OutOrStdout()

			detected := false

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}

				text, err := dlp.Extract(data, filepath.Base(path))
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
				}

				result := scanner.Scan(text)
				assessment := scorer.Score(result)

				verdict := "clean"
				if risk.Blocked(result) {
					verdict = "would be blocked"
					detected = true
				}

				fmt.Fprintf(out, "%s: %s, risk %d (%s)\n", path, verdict, assessment.Score, assessment.Level)

				if !result.Empty() {
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					for _, label := range result.Labels() {
						fmt.Fprintf(w, "  %s\t%d\n", label, result[label])
					}

					if err := w.Flush(); err != nil {
						return err
					}
				}
			}

			if failOnDetect && detected {
				return ErrSensitiveData
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnDetect, "fail-on-detect", false, "Exit non-zero when any file has detections")

	return cmd
}

// NewKeygenCmd creates the keygen command.
func NewKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate an encryption key for encryption.key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), key)

			return nil
		},
	}
}
