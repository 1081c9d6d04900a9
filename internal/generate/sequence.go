package generate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
)

var (
	reSeqStart     = regexp.MustCompile(`(?i)start\s+(?:with\s+)?(-?\d+)`)
	reSeqIncrement = regexp.MustCompile(`(?i)increment\s+(?:by\s+)?(-?\d+)`)
	reSeqMinValue  = regexp.MustCompile(`(?i)minvalue\s+(-?\d+)`)
	reSeqMaxValue  = regexp.MustCompile(`(?i)maxvalue\s+(-?\d+)`)
)

type sequenceParams struct {
	Start     string
	Increment string
	MinValue  string
	MaxValue  string
}

func parseSequenceParams(def string) sequenceParams {
	pick := func(re *regexp.Regexp) string {
		if m := re.FindStringSubmatch(def); m != nil {
			return m[1]
		}
		return ""
	}
	return sequenceParams{
		Start:     pick(reSeqStart),
		Increment: pick(reSeqIncrement),
		MinValue:  pick(reSeqMinValue),
		MaxValue:  pick(reSeqMaxValue),
	}
}

// alterSequence emits ALTER SEQUENCE statements carrying only the
// parameters that actually changed between the two definitions.
func (g *Generator) alterSequence(d *compare.Difference) []string {
	oldP := parseSequenceParams(d.Target.Definition)
	newP := parseSequenceParams(d.Source.Definition)
	seq := quoteQualified(d.Schema, d.Name)

	var up, down []string
	change := func(field, oldV, newV string) {
		if oldV == newV || newV == "" {
			return
		}
		up = append(up, field+" "+newV)
		if oldV != "" {
			down = append(down, field+" "+oldV)
		}
	}
	change("START WITH", oldP.Start, newP.Start)
	change("INCREMENT BY", oldP.Increment, newP.Increment)
	change("MINVALUE", oldP.MinValue, newP.MinValue)
	change("MAXVALUE", oldP.MaxValue, newP.MaxValue)

	if len(up) == 0 {
		warn := fmt.Sprintf("sequence %s: no recognizable parameter changes, manual review required", d.Key())
		d.SQL = "-- REVIEW: " + warn
		d.Notes = append(d.Notes, warn)
		return []string{warn}
	}

	d.SQL = fmt.Sprintf("ALTER SEQUENCE %s %s;", seq, strings.Join(up, " "))
	if len(down) == len(up) {
		d.RollbackSQL = fmt.Sprintf("ALTER SEQUENCE %s %s;", seq, strings.Join(down, " "))
	}
	return nil
}
