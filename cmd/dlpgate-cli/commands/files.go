package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/dlpgate/internal/client"
	"github.com/piwi3910/dlpgate/pkg/dlperrors"
)

// ErrBlocked is returned by upload when the gateway blocks the file, so
// scripts see a non-zero exit status.
var ErrBlocked = errors.New("upload blocked")

// NewUploadCmd creates the upload command.
func NewUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file for inspection and encrypted storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			defer f.Close()

			result, err := c.Upload(context.Background(), filepath.Base(args[0]), f)
			if err != nil {
				if client.IsKind(err, dlperrors.KindAccountLocked) {
					return errors.New(dlperrors.AccountLockedMessage)
				}

				return fmt.Errorf("upload failed: %w", err)
			}

			out := cmd.OutOrStdout()

			if result.Status == "blocked" {
				fmt.Fprintln(out, result.Message)
				fmt.Fprintf(out, "  Detected: %s\n", strings.Join(result.Detected, ", "))
				fmt.Fprintf(out, "  Risk:     %d (%s)\n", result.Score, result.Level)

				return ErrBlocked
			}

			fmt.Fprintln(out, result.Message)

			if result.File != nil {
				fmt.Fprintf(out, "  ID:   %s\n", result.File.ID)
				fmt.Fprintf(out, "  Size: %s\n", FormatSize(result.File.Size))
			}

			return nil
		},
	}
}

// NewFilesCmd creates the files command.
func NewFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "files",
		Aliases: []string{"ls"},
		Short:   "List your uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			files, err := c.Files(context.Background())
			if err != nil {
				return err
			}

			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No uploads")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILENAME\tSIZE\tRISK\tSTATUS\tUPLOADED")

			for _, f := range files {
				status := "stored"
				if f.Blocked {
					status = "blocked"
				}

				fmt.Fprintf(w, "%s\t%s\t%s\t%d (%s)\t%s\t%s\n",
					f.ID, f.Filename, FormatSize(f.Size), f.RiskScore, f.RiskLevel, status,
					f.UploadTime.Local().Format("2006-01-02 15:04"))
			}

			return w.Flush()
		},
	}
}

// NewDownloadCmd creates the download command.
func NewDownloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download and decrypt one of your uploads",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()

			if output != "" && output != "-" {
				f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePermissions)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()

				w = f
			}

			n, err := c.Download(context.Background(), args[0], w)
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}

			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s to %s\n", FormatSize(n), output)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

// NewProfileCmd creates the profile command.
func NewProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Show your risk profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			p, err := c.RiskProfile(context.Background())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status:           %s\n", p.Status)
			fmt.Fprintf(out, "Total uploads:    %d\n", p.TotalUploads)
			fmt.Fprintf(out, "Average risk:     %.1f\n", p.AverageRisk)
			fmt.Fprintf(out, "High risk:        %.1f%%\n", p.HighRiskPercentage)
			fmt.Fprintf(out, "Recent anomalies: %d\n", p.RecentAnomalies)

			return nil
		},
	}
}
