package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"notes-sharing-server/internal/config"
	"notes-sharing-server/internal/database"
	"notes-sharing-server/pkg/jwt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "notesctl",
		Short:   "Operator tooling for the notes sharing server",
		Version: Version,
	}

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adminsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		email   string
		ttl     time.Duration
		secret  string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 token for local development (AUTH_MODE=hmac)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("JWT_SECRET is not set; pass --secret or export it")
			}
			if !cmd.Flags().Changed("ttl") {
				defaultTTL, err := config.TokenTTL()
				if err != nil {
					return err
				}
				ttl = defaultTTL
			}
			token, err := jwt.GenerateTokenWithEmail(subject, email, ttl, secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "Subject (user) id")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime (default from JWT_EXPIRATION)")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "Signing secret")
	cmd.MarkFlagRequired("sub")

	return cmd
}

func migrateCmd() *cobra.Command {
	var (
		dsn      string
		rollback int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("POSTGRES_DSN is not set; pass --dsn or export it")
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
			if rollback > 0 {
				return database.Rollback(dsn, rollback, logger)
			}
			return database.Migrate(dsn, logger)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "Postgres connection string")
	cmd.Flags().IntVar(&rollback, "rollback", 0, "Roll back this many migrations instead of migrating up")

	return cmd
}

func adminsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admins",
		Short: "Print the resolved admin allow-set",
		RunE: func(cmd *cobra.Command, args []string) error {
			admins, err := config.LoadAdmins()
			if err != nil {
				return err
			}
			if len(admins) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no admins configured")
				return nil
			}
			for _, id := range admins {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
