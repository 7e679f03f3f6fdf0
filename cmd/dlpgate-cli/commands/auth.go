package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/piwi3910/dlpgate/internal/client"
)

// readPassword returns the --password flag, DLPGATE_PASSWORD or the first
// line of stdin, in that order.
func readPassword(cmd *cobra.Command, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}

	if env := os.Getenv("DLPGATE_PASSWORD"); env != "" {
		return env, nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")

	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required")
	}

	return password, nil
}

// NewRegisterCmd creates the register command.
func NewRegisterCmd() *cobra.Command {
	var (
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Create an account on the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, _, err := newClient(false)
			if err != nil {
				return err
			}

			password, err := readPassword(cmd, password)
			if err != nil {
				return err
			}

			err = c.Register(ctx, client.RegisterRequest{
				Username: args[0],
				Email:    email,
				Password: password,
			})
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "User '%s' registered\n", args[0])

			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted from stdin when omitted)")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}

// NewLoginCmd creates the login command. The token is saved to the CLI
// config.
func NewLoginCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "login <username-or-email>",
		Short: "Log in and save the session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, cfg, err := newClient(false)
			if err != nil {
				return err
			}

			password, err := readPassword(cmd, password)
			if err != nil {
				return err
			}

			session, err := c.Login(ctx, args[0], password)
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			cfg.Token = session.Token
			cfg.Username = session.User.Username

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s), token expires %s\n",
				session.User.Username, session.User.Role, session.ExpiresAt.Local().Format("2006-01-02 15:04"))

			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Password (prompted from stdin when omitted)")

	return cmd
}

// NewLogoutCmd creates the logout command.
func NewLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the saved token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := newClient(true)
			if err != nil {
				return err
			}

			if err := c.Logout(context.Background()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: server logout failed: %v\n", err)
			}

			cfg.Token = ""
			cfg.Username = ""

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")

			return nil
		},
	}
}

// NewWhoamiCmd creates the whoami command.
func NewWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := newClient(true)
			if err != nil {
				return err
			}

			user, err := c.Me(context.Background())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", user.ID)
			fmt.Fprintf(out, "Username: %s\n", user.Username)
			fmt.Fprintf(out, "Email:    %s\n", user.Email)
			fmt.Fprintf(out, "Role:     %s\n", user.Role)
			fmt.Fprintf(out, "Locked:   %t\n", user.Locked)

			return nil
		},
	}
}
