// Package coordinate drives a migration run through its phases: validate
// the plan, take a backup when warranted, execute, verify, roll back on
// failure, and persist the terminal result. Runs against the same target
// are mutually exclusive.
package coordinate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/exec"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/logging"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
)

// Phase is the lifecycle stage of a run.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseValidating   Phase = "validating"
	PhaseBackingUp    Phase = "backing-up"
	PhaseExecuting    Phase = "executing"
	PhaseVerifying    Phase = "verifying"
	PhaseCleaningUp   Phase = "cleaning-up"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Metadata is the free-form request context carried through a run and
// persisted with its result.
type Metadata struct {
	Author string            `json:"author,omitempty"`
	Tags   []string          `json:"tags,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Result is the persisted record of one run. Every run, including failed
// and rolled-back ones, produces exactly one Result.
type Result struct {
	ID          string    `json:"id"`
	Target      string    `json:"target"`
	Environment string    `json:"environment,omitempty"`
	Status      Phase     `json:"status"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	Metadata    Metadata  `json:"metadata"`

	Checksum  string            `json:"checksum"`
	Steps     []exec.StepResult `json:"steps,omitempty"`
	Processed int               `json:"operationsProcessed"`
	Failed    int               `json:"operationsFailed"`

	RollbackPerformed bool `json:"rollbackPerformed"`
	RollbackAvailable bool `json:"rollbackAvailable"`

	BackupRef string   `json:"backupRef,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

// ResultStore persists run results and tracks which target has an active
// run across process restarts.
type ResultStore interface {
	SaveResult(ctx context.Context, r *Result) error
	MarkActive(ctx context.Context, target, runID string) error
	ClearActive(ctx context.Context, target string) error
}

// BackupProvider captures a restorable snapshot of a target before
// destructive work. The returned reference is recorded in the Result.
type BackupProvider interface {
	Backup(ctx context.Context, target, runID string) (string, error)
}

// Options configures one run.
type Options struct {
	Target      string
	Environment string

	// Metadata travels with the run and is echoed on its Result.
	Metadata Metadata

	DryRun bool

	// ContinueOnError records step failures and keeps going; the zero
	// value stops at the first failure.
	ContinueOnError bool

	StepTimeout time.Duration

	// RollbackOnFailure undoes completed steps when a later step fails.
	RollbackOnFailure bool

	// BackupRequested forces a backup even without high-risk steps.
	BackupRequested bool

	// Approved acknowledges policy-gated destructive changes.
	Approved bool

	// CleanupDelay defers clearing the active-run marker so an operator can
	// inspect state right after a run. Defaults to 30 seconds.
	CleanupDelay time.Duration
}

// Coordinator owns the shared collaborators of all runs.
type Coordinator struct {
	db     exec.Querier
	store  ResultStore
	backup BackupProvider
	rules  Rules
	locks  *targetLocks
	log    *slog.Logger
}

func New(db exec.Querier, store ResultStore, backup BackupProvider, rules Rules, log *slog.Logger) *Coordinator {
	if rules == nil {
		rules = DefaultRules{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Coordinator{
		db:     db,
		store:  store,
		backup: backup,
		rules:  rules,
		locks:  newTargetLocks(),
		log:    log,
	}
}

// Run executes a migration script against a target. It returns
// ErrTargetBusy without a Result when the target already has an active run;
// every other failure mode is captured inside the returned Result, which is
// always persisted.
func (c *Coordinator) Run(ctx context.Context, s *script.Script, opts Options) (*Result, error) {
	res := &Result{
		ID:          uuid.NewString(),
		Target:      opts.Target,
		Environment: opts.Environment,
		Metadata:    opts.Metadata,
		Status:      PhaseInitializing,
		StartedAt:   time.Now().UTC(),
	}
	if s != nil {
		res.Checksum = s.Checksum
		res.RollbackAvailable = s.RollbackAvailable()
		res.Warnings = append(res.Warnings, s.Warnings...)
	}

	if err := c.locks.TryAcquire(opts.Target, res.ID); err != nil {
		return nil, err
	}

	log := c.log.With("run", res.ID, "target", opts.Target)
	log.Info("run started", "phase", string(res.Status), "dryRun", opts.DryRun)

	if err := c.store.MarkActive(ctx, opts.Target, res.ID); err != nil {
		c.locks.Release(opts.Target)
		return c.finish(ctx, res, fmt.Errorf("marking run active: %w", err))
	}

	res.Status = PhaseValidating
	if err := c.validate(s, opts, res); err != nil {
		c.cleanup(res, opts, log)
		return c.finish(ctx, res, err)
	}

	if c.shouldBackup(s, opts) {
		res.Status = PhaseBackingUp
		log.Info("taking backup", "phase", string(res.Status))
		ref, err := c.backup.Backup(ctx, opts.Target, res.ID)
		if err != nil {
			c.cleanup(res, opts, log)
			return c.finish(ctx, res, fmt.Errorf("backup failed: %w", err))
		}
		res.BackupRef = ref
	}

	res.Status = PhaseExecuting
	log.Info("executing", "phase", string(res.Status), "steps", len(s.Steps))
	executor := exec.New(c.db, log)
	outcome, execErr := executor.Run(ctx, s, exec.Options{
		DryRun:          opts.DryRun,
		ContinueOnError: opts.ContinueOnError,
		StepTimeout:     opts.StepTimeout,
	})
	res.Steps = outcome.Steps
	res.Processed = outcome.Processed
	res.Failed = outcome.Failed

	res.Status = PhaseVerifying
	c.verifyTarget(ctx, opts, res, log)
	if execErr != nil || !outcome.Succeeded() {
		if execErr == nil {
			execErr = fmt.Errorf("%d steps failed", outcome.Failed)
		}
		if opts.RollbackOnFailure && !opts.DryRun {
			c.rollback(ctx, executor, outcome, res, log)
		}
		c.cleanup(res, opts, log)
		return c.finish(ctx, res, execErr)
	}

	c.cleanup(res, opts, log)
	return c.finish(ctx, res, nil)
}

func (c *Coordinator) validate(s *script.Script, opts Options, res *Result) error {
	if s == nil || len(s.Steps) == 0 {
		return fmt.Errorf("nothing to migrate")
	}
	rep := exec.Validate(s)
	res.Warnings = append(res.Warnings, rep.Warnings...)
	if !rep.Valid() {
		return fmt.Errorf("script validation failed: %s", rep.Errors[0])
	}

	verdict := c.rules.Evaluate(RuleContext{
		Target:      opts.Target,
		Environment: opts.Environment,
		Approved:    opts.Approved,
		Metadata:    opts.Metadata,
		Script:      s,
	})
	res.Warnings = append(res.Warnings, verdict.Warnings...)
	if !verdict.Allowed() {
		return fmt.Errorf("blocked by policy: %s", verdict.Blocked[0])
	}
	return nil
}

const verifySQL = "SELECT 1"

// verifyTarget runs the post-execution smoke check. An unreachable target
// degrades to a warning on the result, it never overrides the execution
// outcome.
func (c *Coordinator) verifyTarget(ctx context.Context, opts Options, res *Result, log *slog.Logger) {
	if opts.DryRun {
		return
	}
	if err := c.db.Exec(ctx, verifySQL); err != nil {
		log.Warn("post-execution verification failed", "error", err)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("verification: target unreachable after execution: %v", err))
	}
}

func (c *Coordinator) shouldBackup(s *script.Script, opts Options) bool {
	if c.backup == nil || opts.DryRun {
		return false
	}
	if opts.BackupRequested {
		return true
	}
	for _, st := range s.Steps {
		if st.Risk == compare.RiskHigh {
			return true
		}
	}
	return false
}

// rollback undoes the steps that completed before the failure, newest
// first. A rollback that itself fails leaves RollbackAvailable false so
// operators know manual repair is needed.
func (c *Coordinator) rollback(ctx context.Context, executor *exec.Executor, outcome *exec.Outcome, res *Result, log *slog.Logger) {
	if len(outcome.Completed) == 0 {
		return
	}
	log.Warn("rolling back completed steps", "count", len(outcome.Completed))
	rb, err := executor.Rollback(ctx, outcome.Completed, exec.Options{ContinueOnError: true})
	res.Steps = append(res.Steps, rb.Steps...)
	res.RollbackPerformed = true
	if err != nil || rb.Failed > 0 {
		res.RollbackAvailable = false
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("rollback incomplete: %d statements failed, manual review required", rb.Failed))
	}
}

// cleanup releases the target lock immediately and clears the persisted
// active marker after a grace delay.
func (c *Coordinator) cleanup(res *Result, opts Options, log *slog.Logger) {
	res.Status = PhaseCleaningUp
	c.locks.Release(opts.Target)

	delay := opts.CleanupDelay
	if delay == 0 {
		delay = 30 * time.Second
	}
	target, runID := opts.Target, res.ID
	time.AfterFunc(delay, func() {
		if err := c.store.ClearActive(context.Background(), target); err != nil {
			log.Warn("clearing active marker failed", "error", err)
		} else {
			log.Debug("active marker cleared", "run", runID)
		}
	})
}

// finish stamps the terminal status, persists the result, and logs it. The
// returned error is also recorded on res.Errors for callers that branch on
// failure.
func (c *Coordinator) finish(ctx context.Context, res *Result, runErr error) (*Result, error) {
	res.FinishedAt = time.Now().UTC()
	if runErr != nil {
		res.Status = PhaseFailed
		res.Errors = append(res.Errors, runErr.Error())
	} else {
		res.Status = PhaseCompleted
	}

	if err := c.store.SaveResult(ctx, res); err != nil {
		c.log.Error("persisting run result failed", "run", res.ID, "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("result not persisted: %v", err))
	}

	c.log.Info("run finished",
		"run", res.ID,
		"status", string(res.Status),
		"processed", res.Processed,
		"failed", res.Failed,
		"rollback", res.RollbackPerformed,
	)
	return res, runErr
}
