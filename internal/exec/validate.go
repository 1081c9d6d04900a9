package exec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
)

// Report is the result of static script validation. Errors make the script
// unrunnable; Warnings flag statements worth a second look but do not block.
type Report struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Report) Valid() bool { return len(r.Errors) == 0 }

var (
	reBareDelete = regexp.MustCompile(`(?i)^\s*delete\s+from\s+\S+\s*;?\s*$`)
	reDropWide   = regexp.MustCompile(`(?i)\bdrop\s+(database|schema)\b`)
	reTruncate   = regexp.MustCompile(`(?i)^\s*truncate\b`)
)

// Validate statically checks a script before execution: ordering must be
// strictly increasing from 1, every executable step needs SQL, and
// statements with unbounded blast radius are flagged.
func Validate(s *script.Script) *Report {
	r := &Report{}
	if len(s.Steps) == 0 {
		r.Warnings = append(r.Warnings, "script contains no steps")
		return r
	}

	prev := 0
	for _, st := range s.Steps {
		if st.Order != prev+1 {
			r.Errors = append(r.Errors, fmt.Sprintf("step order jumps from %d to %d", prev, st.Order))
		}
		prev = st.Order

		sql := strings.TrimSpace(st.SQL)
		if sql == "" {
			r.Errors = append(r.Errors, fmt.Sprintf("step %d (%s) has no SQL", st.Order, st.Description))
			continue
		}
		if isAdvisory(sql) {
			r.Warnings = append(r.Warnings, fmt.Sprintf("step %d requires manual review: %s", st.Order, st.Description))
			continue
		}
		for _, stmt := range strings.Split(sql, "\n") {
			stmt = strings.TrimSpace(stmt)
			switch {
			case reBareDelete.MatchString(stmt):
				r.Warnings = append(r.Warnings, fmt.Sprintf("step %d contains DELETE without WHERE clause", st.Order))
			case reDropWide.MatchString(stmt):
				r.Warnings = append(r.Warnings, fmt.Sprintf("step %d drops a database or schema", st.Order))
			case reTruncate.MatchString(stmt):
				r.Warnings = append(r.Warnings, fmt.Sprintf("step %d truncates a table", st.Order))
			}
		}
		if strings.TrimSpace(st.RollbackSQL) == "" {
			r.Warnings = append(r.Warnings, fmt.Sprintf("step %d has no rollback statement", st.Order))
		}
	}

	if !s.Verify() {
		r.Errors = append(r.Errors, "script checksum mismatch, plan was modified after generation")
	}
	return r
}
