package commands

import "github.com/spf13/cobra"

// NewRootCmd assembles the dlpgate-cli command tree.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dlpgate-cli",
		Short: "dlpgate CLI - upload files through a DLP gateway",
		Long: `dlpgate-cli talks to a dlpgate server: upload files for inspection,
list and download your uploads, and run administrative queries.

Configure the gateway address and log in:
  dlpgate-cli config set server http://localhost:5000
  dlpgate-cli login alice

Or use environment variables:
  DLPGATE_SERVER
  DLPGATE_TOKEN
  DLPGATE_PASSWORD

'scan' and 'keygen' work offline.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewConfigCmd())
	rootCmd.AddCommand(NewRegisterCmd())
	rootCmd.AddCommand(NewLoginCmd())
	rootCmd.AddCommand(NewLogoutCmd())
	rootCmd.AddCommand(NewWhoamiCmd())
	rootCmd.AddCommand(NewUploadCmd())
	rootCmd.AddCommand(NewFilesCmd())
	rootCmd.AddCommand(NewDownloadCmd())
	rootCmd.AddCommand(NewProfileCmd())
	rootCmd.AddCommand(NewAdminCmd())
	rootCmd.AddCommand(NewScanCmd())
	rootCmd.AddCommand(NewKeygenCmd())

	return rootCmd
}
