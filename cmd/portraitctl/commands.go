package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"portraitd/internal/adapter/repo"
	"portraitd/internal/credits"
	"portraitd/internal/infra"
	"portraitd/internal/infra/credentials"
	"portraitd/internal/middleware"
)

const commandTimeout = 30 * time.Second

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "portraitctl",
		Short:         "Administer a portraitd deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newCreditsCmd(), newKeysCmd(), newTokenCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Apply or roll back schema migrations"}

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if upSteps < 0 {
				return errors.New("--steps must not be negative")
			}
			return runMigrate(upSteps)
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "number of migrations to apply (0 applies all)")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if downSteps <= 0 {
				return errors.New("--steps must be positive")
			}
			return runMigrate(-downSteps)
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func runMigrate(steps int) error {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	logger := infra.NewLogger(os.Getenv("APP_ENV"))
	return infra.Migrate(dsn, steps, logger)
}

func newCreditsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "credits", Short: "Inspect or set credit balances"}

	show := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Print a user's effective balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, ledger *credits.Ledger) error {
				balance, next, err := ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "USER\tCREDITS\tDAILY LIMIT\tNEXT RESET\n")
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", args[0], balance, ledger.DailyLimit(), next.UTC().Format(time.RFC3339))
				return w.Flush()
			})
		},
	}

	grant := &cobra.Command{
		Use:   "grant <user-id> <credits>",
		Short: "Set a user's balance and restart their window",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("credits must be an integer: %w", err)
			}
			return withLedger(cmd.Context(), func(ctx context.Context, ledger *credits.Ledger) error {
				acct, err := ledger.Grant(ctx, args[0], amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s now has %d credits\n", acct.UserID, acct.Credits)
				return nil
			})
		},
	}

	cmd.AddCommand(show, grant)
	return cmd
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage stored provider API keys"}

	var key string
	set := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store an API key for " + strings.Join(credentials.Providers, ", "),
		Long: `Stores a provider API key in the database. Keys set in the environment
take precedence over stored keys when the API or worker starts.`,
		Example: `  portraitctl keys set nanobanana --key "$NANOBANANA_API_KEY"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(strings.TrimSpace(args[0]))
			if !credentials.Known(provider) {
				return fmt.Errorf("unsupported provider %q", args[0])
			}
			return withRunner(cmd.Context(), func(ctx context.Context, runner *infra.SQLRunner) error {
				if err := credentials.NewStore(runner).Set(ctx, provider, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s key stored\n", provider)
				return nil
			})
		},
	}
	set.Flags().StringVar(&key, "key", "", "API key to store")
	_ = set.MarkFlagRequired("key")

	cmd.AddCommand(set)
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}

	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint <user-id>",
		Short: "Sign a bearer token with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return errors.New("JWT_SECRET is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := middleware.SignJWT(secret, os.Getenv("JWT_ISSUER"), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	mint.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	cmd.AddCommand(mint)
	return cmd
}

func withRunner(parent context.Context, fn func(ctx context.Context, runner *infra.SQLRunner) error) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, infra.NewSQLRunner(pool, *infra.NopLogger()))
}

func withLedger(parent context.Context, fn func(ctx context.Context, ledger *credits.Ledger) error) error {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	return withRunner(parent, func(ctx context.Context, runner *infra.SQLRunner) error {
		ledger := credits.NewLedger(repo.NewCreditStore(runner), credits.Options{
			DailyLimit: cfg.DailyCreditLimit,
			Window:     cfg.CreditWindow,
		})
		return fn(ctx, ledger)
	})
}
