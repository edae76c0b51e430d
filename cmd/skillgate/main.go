// Command skillgate runs the Discord skill-verification bot.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrav/skillgate/infrastructure/store"
	"github.com/ahrav/skillgate/internal/config"
	"github.com/ahrav/skillgate/internal/domain"
	"github.com/ahrav/skillgate/internal/logging"
	"github.com/ahrav/skillgate/internal/prompt"
	"github.com/ahrav/skillgate/internal/taxonomy"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// cli carries what PersistentPreRunE prepares for the subcommands.
type cli struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "skillgate",
		Short: "Discord bot that verifies members' skills in a DM conversation",
		Long: `skillgate interviews new and existing members over direct messages,
asks an LLM to map what they describe onto the server's skill roles and
assigns the confirmed roles.

Run without a subcommand to start the bot.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, _, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			c.cfg, c.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), c.cfg, c.logger)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to Discord and serve verifications until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(cmd.Context(), c.cfg, c.logger)
		},
	}

	rebuildCmd := &cobra.Command{
		Use:   "rebuild-roles",
		Short: "Recategorise the server's skill roles and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.adapter.LoadGuild(cmd.Context()); err != nil {
				return err
			}
			t, err := a.builder.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), taxonomy.Summary(t))
			return nil
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and the prompt bundle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := prompt.LoadBundle(c.cfg.Prompt.File); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, s := range c.cfg.Redacted() {
				fmt.Fprintf(w, "%s\t%s\n", s.Key, s.Value)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}

	var (
		auditUser  string
		auditLimit int
	)
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent verification conclusions",
		Example: `  skillgate audit --limit 20
  skillgate audit --user 123456789012345678`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.Storage.AuditDBPath == "" {
				return fmt.Errorf("audit log disabled: AUDIT_DB_PATH is empty")
			}
			audit, err := store.NewSQLiteAudit(c.cfg.Storage.AuditDBPath)
			if err != nil {
				return err
			}
			defer audit.Close()

			records, err := audit.Recent(cmd.Context(), domain.UserID(auditUser), auditLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONCLUDED\tUSER\tOUTCOME\tREASON\tUPDATE\tTURNS\tADDED\tREMOVED")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\t%v\t%v\n",
					r.ConcludedAt.UTC().Format(time.RFC3339), r.UserID, r.Outcome, r.FailureReason,
					r.IsUpdate, r.Turns, r.RolesAdded, r.RolesRemoved)
			}
			return w.Flush()
		},
	}
	auditCmd.Flags().StringVar(&auditUser, "user", "", "only show conclusions for this user id")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum rows to print")

	root.AddCommand(runCmd, rebuildCmd, checkCmd, auditCmd)
	return root
}
