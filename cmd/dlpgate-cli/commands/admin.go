package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewAdminCmd creates the admin command group
func NewAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative operations",
		Long:  `Dashboard statistics, audit logs, anomalies and account unlocks. Requires an admin session.`,
	}

	cmd.AddCommand(newAdminStatsCmd())
	cmd.AddCommand(newAdminLogsCmd())
	cmd.AddCommand(newAdminAnomaliesCmd())
	cmd.AddCommand(newAdminUsersCmd())
	cmd.AddCommand(newAdminUnlockCmd())
	cmd.AddCommand(newAdminHealthCmd())

	return cmd
}

func newAdminStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			stats, err := c.Stats(context.Background())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Users:          %d (%d locked)\n", stats.TotalUsers, stats.LockedUsers)
			fmt.Fprintf(out, "Files:          %d (%d blocked)\n", stats.TotalFiles, stats.BlockedFiles)
			fmt.Fprintf(out, "Uploads today:  %d\n", stats.UploadsToday)

			if len(stats.TypeDistribution) > 0 {
				fmt.Fprintln(out, "Detections:")

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, tc := range stats.TypeDistribution {
					fmt.Fprintf(w, "  %s\t%d\n", tc.Type, tc.Value)
				}

				return w.Flush()
			}

			return nil
		},
	}
}

func newAdminLogsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent audit log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			entries, err := c.Logs(context.Background(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUSER\tACTION\tIP\tDETAILS")

			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.UserID, e.Action, e.IPAddress, e.Details)
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries (server default 100)")

	return cmd
}

func newAdminAnomaliesCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "anomalies",
		Short: "Show recent anomalies",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			entries, err := c.Anomalies(context.Background(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tUSER\tTYPE\tSEVERITY\tDETAILS")

			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.UserID, e.Type, e.Severity, e.Details)
			}

			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries (server default 100)")

	return cmd
}

func newAdminUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			users, err := c.Users(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tLOCKED")

			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", u.ID, u.Username, u.Email, u.Role, u.Locked)
			}

			return w.Flush()
		},
	}
}

func newAdminUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <user-id>",
		Short: "Unlock a locked account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			if err := c.Unlock(context.Background(), args[0]); err != nil {
				return fmt.Errorf("failed to unlock account: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Account '%s' unlocked\n", args[0])

			return nil
		},
	}
}

func newAdminHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show the gateway health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(false)
			if err != nil {
				return err
			}

			report, err := c.Health(context.Background())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(report)
		},
	}
}
