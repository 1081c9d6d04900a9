// Package script assembles an ordered Difference list into an executable
// migration plan: numbered steps with forward and rollback SQL, review
// notes, a deterministic text rendering, and a checksum that guards stored
// plans against drift.
package script

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/schema"
)

// ErrChecksumMismatch reports that a script's statements changed after its
// checksum was computed.
var ErrChecksumMismatch = errors.New("script checksum mismatch")

// Step is one executable unit of a migration plan. Order starts at 1 and
// strictly increases.
type Step struct {
	Order       int               `json:"order"`
	Description string            `json:"description"`
	ObjectType  schema.ObjectType `json:"objectType"`
	Operation   compare.Operation `json:"operation"`
	SQL         string            `json:"sql"`
	RollbackSQL string            `json:"rollbackSql,omitempty"`
	Risk        compare.RiskLevel `json:"risk"`
	Notes       []string          `json:"notes,omitempty"`
}

// Script is a complete migration plan for one run.
type Script struct {
	Steps    []Step   `json:"steps"`
	Warnings []string `json:"warnings,omitempty"`
	Checksum string   `json:"checksum"`
}

// Build converts an ordered Difference list into a Script. The input order
// is preserved; steps are numbered from 1.
func Build(ordered []*compare.Difference, warnings []string) *Script {
	s := &Script{Warnings: warnings}
	for i, d := range ordered {
		s.Steps = append(s.Steps, Step{
			Order:       i + 1,
			Description: d.String(),
			ObjectType:  d.ObjectType,
			Operation:   d.Operation,
			SQL:         d.SQL,
			RollbackSQL: d.RollbackSQL,
			Risk:        d.RiskLevel,
			Notes:       d.Notes,
		})
	}
	s.Checksum = s.computeChecksum()
	return s
}

// ForwardSQL renders the forward statements as one annotated SQL text.
func (s *Script) ForwardSQL() string {
	var sb strings.Builder
	for _, st := range s.Steps {
		fmt.Fprintf(&sb, "-- %d. %s [risk: %s]\n", st.Order, st.Description, st.Risk)
		for _, n := range st.Notes {
			fmt.Fprintf(&sb, "-- NOTE: %s\n", n)
		}
		sb.WriteString(st.SQL)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// RollbackSQL renders rollback statements in reverse-of-execution order.
// Steps without a derivable inverse are marked, not skipped silently.
func (s *Script) RollbackSQL() string {
	var sb strings.Builder
	for i := len(s.Steps) - 1; i >= 0; i-- {
		st := s.Steps[i]
		fmt.Fprintf(&sb, "-- rollback of %d. %s\n", st.Order, st.Description)
		if strings.TrimSpace(st.RollbackSQL) == "" {
			sb.WriteString("-- REVIEW: no safe inverse derivable for this step\n\n")
			continue
		}
		sb.WriteString(st.RollbackSQL)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// RollbackAvailable reports whether every executable step carries a
// rollback statement.
func (s *Script) RollbackAvailable() bool {
	for _, st := range s.Steps {
		if isComment(st.SQL) {
			continue
		}
		if strings.TrimSpace(st.RollbackSQL) == "" {
			return false
		}
	}
	return len(s.Steps) > 0
}

// JSON renders the script as an indented JSON document.
func (s *Script) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

func (s *Script) computeChecksum() string {
	h := sha256.New()
	for _, st := range s.Steps {
		h.Write([]byte(st.SQL))
		h.Write([]byte{0})
		h.Write([]byte(st.RollbackSQL))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the checksum and reports whether the script drifted
// since it was built or stored.
func (s *Script) Verify() bool {
	return s.Checksum == s.computeChecksum()
}

func isComment(sql string) bool {
	sql = strings.TrimSpace(sql)
	return sql == "" || strings.HasPrefix(sql, "--")
}
