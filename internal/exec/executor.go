// Package exec runs migration scripts step by step against a database
// connection, tracking per-step status and supporting dry runs, stop-on-error
// control, and per-step timeouts.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/logging"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
)

// Querier is the minimal database surface the executor needs. pgx pools and
// single connections both satisfy it through thin adapters.
type Querier interface {
	Exec(ctx context.Context, sql string) error
}

// Options controls a single execution run.
type Options struct {
	// DryRun logs every step without sending anything to the database.
	DryRun bool

	// ContinueOnError records failed steps and keeps going. The zero value
	// aborts the run at the first failure.
	ContinueOnError bool

	// StepTimeout bounds each individual statement. Zero means no per-step
	// bound beyond the run context.
	StepTimeout time.Duration
}

// StepStatus is the lifecycle state of one step in a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepResult records the outcome of one step.
type StepResult struct {
	Order       int           `json:"order"`
	Description string        `json:"description"`
	Status      StepStatus    `json:"status"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Outcome summarizes a run. Completed holds the steps that actually
// succeeded, in execution order, which is exactly the set a rollback must
// cover. Processed counts succeeded steps only: failed and skipped steps
// appear in Steps but not in the count.
type Outcome struct {
	Steps     []StepResult  `json:"steps"`
	Completed []script.Step `json:"-"`
	Processed int           `json:"operationsProcessed"`
	Failed    int           `json:"operationsFailed"`
	DryRun    bool          `json:"dryRun"`
}

// Succeeded reports whether every processed step succeeded.
func (o *Outcome) Succeeded() bool { return o.Failed == 0 }

// Executor applies scripts through a Querier.
type Executor struct {
	db  Querier
	log *slog.Logger
}

func New(db Querier, log *slog.Logger) *Executor {
	if log == nil {
		log = logging.Discard()
	}
	return &Executor{db: db, log: log}
}

// Run executes the script's forward steps in order. Context cancellation is
// checked before each step; already-completed steps are never undone here,
// rollback is the coordinator's job.
func (e *Executor) Run(ctx context.Context, s *script.Script, opts Options) (*Outcome, error) {
	out := &Outcome{DryRun: opts.DryRun}

	for _, st := range s.Steps {
		if err := ctx.Err(); err != nil {
			out.Steps = append(out.Steps, StepResult{
				Order:       st.Order,
				Description: st.Description,
				Status:      StepSkipped,
				Error:       err.Error(),
			})
			return out, fmt.Errorf("execution interrupted before step %d: %w", st.Order, err)
		}

		res := e.runStep(ctx, st, opts)
		out.Steps = append(out.Steps, res)

		switch res.Status {
		case StepSucceeded:
			out.Processed++
			if !opts.DryRun && !isAdvisory(st.SQL) {
				out.Completed = append(out.Completed, st)
			}
		case StepFailed:
			out.Failed++
			if !opts.ContinueOnError {
				return out, fmt.Errorf("step %d (%s) failed: %s", st.Order, st.Description, res.Error)
			}
		}
	}
	return out, nil
}

func (e *Executor) runStep(ctx context.Context, st script.Step, opts Options) StepResult {
	res := StepResult{Order: st.Order, Description: st.Description, Status: StepRunning}
	start := time.Now()

	log := e.log.With("step", st.Order, "operation", string(st.Operation), "risk", string(st.Risk))

	if isAdvisory(st.SQL) {
		log.Warn("step requires manual review, skipping", "description", st.Description)
		res.Status = StepSkipped
		res.Duration = time.Since(start)
		return res
	}

	if opts.DryRun {
		log.Info("dry run", "sql", st.SQL)
		res.Status = StepSucceeded
		res.Duration = time.Since(start)
		return res
	}

	stepCtx := ctx
	if opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, opts.StepTimeout)
		defer cancel()
	}

	log.Info("executing step", "description", st.Description)
	if err := e.db.Exec(stepCtx, st.SQL); err != nil {
		log.Error("step failed", "error", err)
		res.Status = StepFailed
		res.Error = err.Error()
	} else {
		res.Status = StepSucceeded
	}
	res.Duration = time.Since(start)
	return res
}

// Rollback executes the rollback statements of the given completed steps in
// reverse order. Steps without rollback SQL are skipped with a warning.
func (e *Executor) Rollback(ctx context.Context, completed []script.Step, opts Options) (*Outcome, error) {
	out := &Outcome{DryRun: opts.DryRun}
	for i := len(completed) - 1; i >= 0; i-- {
		st := completed[i]
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("rollback interrupted before step %d: %w", st.Order, err)
		}
		if strings.TrimSpace(st.RollbackSQL) == "" || isAdvisory(st.RollbackSQL) {
			e.log.Warn("no rollback statement for step", "step", st.Order, "description", st.Description)
			out.Steps = append(out.Steps, StepResult{
				Order:       st.Order,
				Description: "rollback of " + st.Description,
				Status:      StepSkipped,
			})
			continue
		}

		inverse := script.Step{
			Order:       st.Order,
			Description: "rollback of " + st.Description,
			SQL:         st.RollbackSQL,
			Operation:   st.Operation,
			Risk:        st.Risk,
		}
		res := e.runStep(ctx, inverse, opts)
		out.Steps = append(out.Steps, res)
		switch res.Status {
		case StepSucceeded:
			out.Processed++
		case StepFailed:
			out.Failed++
			if !opts.ContinueOnError {
				return out, fmt.Errorf("rollback of step %d failed: %s", st.Order, res.Error)
			}
		}
	}
	return out, nil
}

func isAdvisory(sql string) bool {
	sql = strings.TrimSpace(sql)
	return sql == "" || strings.HasPrefix(sql, "--")
}
