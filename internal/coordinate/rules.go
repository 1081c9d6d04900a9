package coordinate

import (
	"fmt"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/compare"
	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/script"
)

// RuleContext is everything a policy rule may inspect before a run starts.
type RuleContext struct {
	Target      string
	Environment string
	Approved    bool
	Metadata    Metadata
	Script      *script.Script
}

// RuleReport is the combined verdict of all rules. Any Blocked entry stops
// the run during the validating phase.
type RuleReport struct {
	Blocked  []string
	Warnings []string
}

func (r *RuleReport) Allowed() bool { return len(r.Blocked) == 0 }

// Rules is the policy hook evaluated before execution. Implementations must
// be side-effect free.
type Rules interface {
	Evaluate(rc RuleContext) RuleReport
}

// DefaultRules gates destructive changes in production and flags high-risk
// steps everywhere.
type DefaultRules struct{}

func (DefaultRules) Evaluate(rc RuleContext) RuleReport {
	var rep RuleReport
	if rc.Script == nil {
		rep.Blocked = append(rep.Blocked, "no migration script provided")
		return rep
	}
	production := rc.Environment == "production" || rc.Environment == "prod"

	for _, st := range rc.Script.Steps {
		if st.Operation == compare.OpDrop && production && !rc.Approved {
			rep.Blocked = append(rep.Blocked,
				fmt.Sprintf("step %d (%s) drops an object in production and requires explicit approval", st.Order, st.Description))
			continue
		}
		if st.Risk == compare.RiskHigh {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("step %d (%s) is high risk", st.Order, st.Description))
		}
	}
	return rep
}
