package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"funnel-backend/internal/bootstrap"
	"funnel-backend/internal/payments"
	"funnel-backend/internal/reports"
	"funnel-backend/internal/shared/config"
	"funnel-backend/internal/shared/storage/db"
)

var Version = "dev"

func main() {
	if err := newRootCmd(config.Load).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(loadConfig func() config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "funnelctl",
		Short:         "Operator tooling for the funnel backend",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd(loadConfig))
	rootCmd.AddCommand(tiersCmd(loadConfig))
	rootCmd.AddCommand(reconcileCmd(loadConfig))
	rootCmd.AddCommand(reportCmd(loadConfig))
	return rootCmd
}

func migrateCmd(loadConfig func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply, roll back or inspect database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions(db.DefaultMigrateOptions(), cfg.DBPool))
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer sqlDB.Close()

			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "down":
				if err := db.RollbackMigration(ctx, sqlDB); err != nil {
					return err
				}
			case "up":
				if err := db.RunMigrations(ctx, sqlDB); err != nil {
					return err
				}
			}
			version, err := db.MigrationVersion(ctx, sqlDB)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

func tiersCmd(loadConfig func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List the tier catalog the API would serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := payments.LoadCatalog(loadConfig().TiersFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPRICE\tMAX TOKENS")
			for _, t := range catalog.List() {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%d\n", t.ID, t.Name, payments.FormatAmount(t.PriceCents), t.Currency, t.MaxTokens)
			}
			return w.Flush()
		},
	}
}

func reconcileCmd(loadConfig func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep and print what it repaired",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.Build(loadConfig())
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Reconciler.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			waitInProcess(cmd.Context(), app)
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
}

func reportCmd(loadConfig func() config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect or requeue a report",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show [report-id]",
		Short: "Print a report's status without its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.Build(loadConfig())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.ReportsService.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summarize(report))
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "requeue [report-id]",
		Short: "Move a failed report back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap.Build(loadConfig())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.ReportsService.Requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			waitInProcess(cmd.Context(), app)
			return writeJSON(cmd.OutOrStdout(), summarize(report))
		},
	})
	return cmd
}

type reportSummary struct {
	ReportID     string `json:"reportId"`
	SessionID    string `json:"sessionId"`
	TierID       string `json:"tierId"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"maxAttempts"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Retryable    bool   `json:"retryable"`
	UpdatedAt    string `json:"updatedAt"`
}

func summarize(r reports.Report) reportSummary {
	return reportSummary{
		ReportID:     r.ID,
		SessionID:    r.SessionID,
		TierID:       r.TierID,
		Status:       r.Status,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.ErrorMessage,
		Retryable:    r.ErrorRetryable,
		UpdatedAt:    r.UpdatedAt.Format(time.RFC3339),
	}
}

// waitInProcess keeps the CLI alive until jobs it dispatched in-process
// finish, so a requeue without a queue backend still generates.
func waitInProcess(ctx context.Context, app *bootstrap.App) {
	if app.InProcess == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		app.InProcess.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
