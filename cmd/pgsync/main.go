// Package main is the pgsync command line tool. It compares two Postgres
// databases, plans the migration that reconciles them, and runs that
// migration under the coordinator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/config"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/coordinate"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/exec"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/generate"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/introspect"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/logging"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/order"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/store"
)

func main() {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "pgsync",
		Short: "Postgres schema diff and migration tool",
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (defaults to env/.env only)")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var diffJSON bool
	diffCmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare the source and target schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			res, err := computeDiff(ctx, cfg)
			if err != nil {
				return err
			}
			if diffJSON {
				data, err := json.MarshalIndent(res.Differences, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			if res.IsEmpty() {
				fmt.Println("Schemas are identical.")
				return nil
			}
			for _, d := range res.Differences {
				fmt.Printf("%-6s %-10s %s.%s [%s]\n", d.Operation, d.ObjectType, d.Schema, d.Name, d.RiskLevel)
			}
			for _, w := range res.Warnings {
				fmt.Printf("warning: %s\n", w)
			}
			return nil
		},
	}
	diffCmd.Flags().BoolVar(&diffJSON, "json", false, "Emit differences as JSON")

	var planOutFile string
	var planRollback bool
	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate the ordered migration script",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := buildScript(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if planOutFile != "" {
				data, err := s.JSON()
				if err != nil {
					return err
				}
				if err := os.WriteFile(planOutFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
				fmt.Printf("Plan saved to %s (%d steps, checksum %s)\n", planOutFile, len(s.Steps), s.Checksum[:12])
				return nil
			}
			if planRollback {
				fmt.Print(s.RollbackSQL())
			} else {
				fmt.Print(s.ForwardSQL())
			}
			for _, w := range s.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			return nil
		},
	}
	planCmd.Flags().StringVarP(&planOutFile, "output", "o", "", "Write the plan as JSON to a file")
	planCmd.Flags().BoolVar(&planRollback, "rollback", false, "Print the rollback script instead of the forward script")

	var migrateDryRun bool
	var migrateApprove bool
	var migrateBackup bool
	var migrateAuthor string
	var migrateTags []string
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Plan and execute the migration against the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			log := logging.New(cfg.LogLevel)

			s, err := buildScript(ctx, cfg)
			if err != nil {
				return err
			}
			if len(s.Steps) == 0 {
				fmt.Println("Nothing to migrate.")
				return nil
			}

			pool, err := introspect.Connect(ctx, cfg.TargetURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			// Database-side guard under the coordinator's in-process lock,
			// covering runs started from other machines.
			locked, err := introspect.AcquireAdvisoryLock(ctx, pool, cfg.TargetURL)
			if err != nil {
				return err
			}
			if !locked {
				return fmt.Errorf("another session holds the migration lock for this database")
			}
			defer func() {
				if err := introspect.ReleaseAdvisoryLock(context.Background(), pool, cfg.TargetURL); err != nil {
					log.Warn("releasing advisory lock failed", "error", err)
				}
			}()

			st, err := store.New(cfg.StoreDir)
			if err != nil {
				return err
			}
			backup := &store.SchemaDump{
				Dir:      cfg.StoreDir,
				Snapshot: introspect.New(pool, log).Snapshot,
			}

			coord := coordinate.New(&introspect.PoolQuerier{Pool: pool}, st, backup, coordinate.DefaultRules{}, log)
			res, runErr := coord.Run(ctx, s, coordinate.Options{
				Target:            cfg.TargetURL,
				Environment:       cfg.Environment,
				Metadata:          coordinate.Metadata{Author: migrateAuthor, Tags: migrateTags},
				DryRun:            migrateDryRun || cfg.DryRun,
				ContinueOnError:   !cfg.StopOnError,
				StepTimeout:       cfg.StepTimeout,
				RollbackOnFailure: cfg.RollbackOnFailure,
				BackupRequested:   migrateBackup || cfg.BackupBeforeMigrate,
				Approved:          migrateApprove,
			})
			if res != nil {
				printResult(res)
			}
			return runErr
		},
	}
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Log each step without executing it")
	migrateCmd.Flags().BoolVar(&migrateApprove, "approve", false, "Approve policy-gated destructive changes")
	migrateCmd.Flags().BoolVar(&migrateBackup, "backup", false, "Request a backup before executing")
	migrateCmd.Flags().StringVar(&migrateAuthor, "author", "", "Author recorded with the run")
	migrateCmd.Flags().StringSliceVar(&migrateTags, "tag", nil, "Tags recorded with the run")

	var rollbackDryRun bool
	rollbackCmd := &cobra.Command{
		Use:   "rollback <plan.json>",
		Short: "Execute the rollback statements of a saved plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			log := logging.New(cfg.LogLevel)

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			var s script.Script
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("failed to decode plan: %w", err)
			}
			if !s.Verify() {
				return fmt.Errorf("%w: file was modified after generation", script.ErrChecksumMismatch)
			}

			pool, err := introspect.Connect(ctx, cfg.TargetURL)
			if err != nil {
				return err
			}
			defer pool.Close()

			executor := exec.New(&introspect.PoolQuerier{Pool: pool}, log)
			out, err := executor.Rollback(ctx, s.Steps, exec.Options{
				DryRun:          rollbackDryRun,
				ContinueOnError: !cfg.StopOnError,
				StepTimeout:     cfg.StepTimeout,
			})
			fmt.Printf("Rollback processed %d statements, %d failed.\n", out.Processed, out.Failed)
			return err
		},
	}
	rollbackCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "Log each rollback statement without executing it")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active run and recent history for the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.StoreDir)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if id, active, err := st.ActiveRun(ctx, cfg.TargetURL); err != nil {
				return err
			} else if active {
				fmt.Printf("Active run: %s\n", id)
			} else {
				fmt.Println("No active run.")
			}

			results, err := st.Results(ctx, cfg.TargetURL)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No run history.")
				return nil
			}
			for i := len(results) - 1; i >= 0 && i >= len(results)-5; i-- {
				printResult(results[i])
			}
			return nil
		},
	}

	rootCmd.AddCommand(diffCmd, planCmd, migrateCmd, rollbackCmd, statusCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// computeDiff snapshots both databases and returns the annotated
// comparison result.
func computeDiff(ctx context.Context, cfg *config.Config) (*compare.Result, error) {
	log := logging.New(cfg.LogLevel)

	srcPool, err := introspect.Connect(ctx, cfg.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	defer srcPool.Close()
	tgtPool, err := introspect.Connect(ctx, cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	defer tgtPool.Close()

	source, err := introspect.New(srcPool, log).Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("source snapshot: %w", err)
	}
	target, err := introspect.New(tgtPool, log).Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("target snapshot: %w", err)
	}

	res := compare.Compare(source, target)
	gen := generate.NewGenerator(source, target)
	res.Warnings = append(res.Warnings, gen.Annotate(res.Differences)...)
	return res, nil
}

// buildScript runs the full pipeline: snapshot, compare, generate, order.
func buildScript(ctx context.Context, cfg *config.Config) (*script.Script, error) {
	res, err := computeDiff(ctx, cfg)
	if err != nil {
		return nil, err
	}
	ordered, warnings := order.Order(res.Differences)
	warnings = append(res.Warnings, warnings...)
	return script.Build(ordered, warnings), nil
}

func printResult(r *coordinate.Result) {
	fmt.Printf("%s  %-9s  target=%s  processed=%d failed=%d  %s\n",
		r.StartedAt.Format(time.RFC3339), r.Status, r.Target, r.Processed, r.Failed,
		r.ID)
	for _, e := range r.Errors {
		fmt.Printf("    error: %s\n", e)
	}
	if r.RollbackPerformed {
		fmt.Println("    rollback was performed")
	}
}
