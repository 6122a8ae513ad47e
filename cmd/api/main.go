package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/account"
	accountrepo "github.com/ovaphlow/pitchfork/service-accounts/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/metrics"
	rightrepo "github.com/ovaphlow/pitchfork/service-accounts/internal/right/repo"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/token"
	"github.com/ovaphlow/pitchfork/service-accounts/pkg/database"
	"github.com/ovaphlow/pitchfork/service-accounts/pkg/utilities"
)

func main() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand shares once PersistentPreRunE has run.
type env struct {
	zl      *zap.Logger
	logger  *zap.SugaredLogger
	db      *sqlx.DB
	metrics *metrics.Metrics
}

func NewRootCmd() *cobra.Command {
	e := &env{}
	c := &cobra.Command{
		Use:           "accounts-api",
		Short:         "Account authentication and token lifecycle service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loadDotenv()
			return e.init(cmd.Context())
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return e.close()
		},
	}
	serve := newServeCmd(e)
	c.RunE = serve.RunE
	c.Flags().AddFlagSet(serve.Flags())
	c.AddCommand(
		serve,
		newMigrateCmd(e),
		newCreateAdminCmd(e),
	)
	return c
}

// loadDotenv reads .env.<APP_ENV> then .env. Values already in the
// environment win; missing files are ignored.
func loadDotenv() {
	if name := os.Getenv("APP_ENV"); name != "" {
		_ = godotenv.Load(".env." + name)
	}
	_ = godotenv.Load()
}

func (e *env) init(ctx context.Context) error {
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	e.zl = lg
	e.logger = lg.Sugar()

	e.db, err = database.Connect(database.ConfigFromEnv())
	if err != nil {
		return errors.Wrap(err, "db connect")
	}
	if err := migrate(ctx, e.db); err != nil {
		return err
	}
	return nil
}

func (e *env) close() error {
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Warnw("db close failed", "err", err)
		}
	}
	if e.zl != nil {
		_ = e.zl.Sync()
	}
	return nil
}

// migrate creates the tables when they are missing.
func migrate(ctx context.Context, db *sqlx.DB) error {
	if err := accountrepo.NewAccountRepo(db).EnsureTable(ctx); err != nil {
		return errors.Wrap(err, "ensure accounts table")
	}
	if err := rightrepo.NewRepo(db).EnsureTable(ctx); err != nil {
		return errors.Wrap(err, "ensure rights tables")
	}
	return nil
}

// accountService wires the account service on top of the shared env.
func (e *env) accountService(tokens token.Config) *account.Service {
	engine := token.NewEngine(accountrepo.NewAccountRepo(e.db), tokens)
	return account.NewService(e.db, engine, nil, account.ConfigFromEnv(), e.logger, e.metrics)
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database tables and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// tables are ensured by the root pre-run
			e.logger.Infow("database ready", "driver", e.db.DriverName())
			return nil
		},
	}
}

func newCreateAdminCmd(e *env) *cobra.Command {
	var email, name, password string
	c := &cobra.Command{
		Use:   "create-admin",
		Short: "Register an active administrator account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc := e.accountService(token.ConfigFromEnv())
			v, pw, err := svc.Bootstrap(cmd.Context(), email, name, password)
			if err != nil {
				return err
			}
			if password == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", v.Email, pw)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), v.Email)
			}
			return nil
		},
	}
	c.Flags().StringVar(&email, "email", "", "administrator email")
	c.Flags().StringVar(&name, "name", "", "administrator display name")
	c.Flags().StringVar(&password, "password", "", "password, generated and printed when empty")
	_ = c.MarkFlagRequired("email")
	_ = c.MarkFlagRequired("name")
	return c
}
