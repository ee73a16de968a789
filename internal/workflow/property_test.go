package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"grantflow/internal/domain"
)

// buildAggregate derives an arbitrary aggregate from a bag of flags.
// flags[0..8] drive proposal and impact fields, the rest drive approvers.
func buildAggregate(flags []bool, approvers int, withImpact bool) Aggregate {
	at := func(i int) bool { return i < len(flags) && flags[i] }
	a := newAggregate()
	p := &a.Proposal
	p.Level3, p.Decline, p.EmailApproved, p.SaveSubmit, p.Closed, p.Opened = at(0), at(1), at(2), at(3), at(4), at(5)
	if withImpact {
		a.Impact = &domain.Impact{ProposalID: p.ID, Level3: at(6), Level2: at(7), Level1: at(8), DisclosureAssurance: at(6)}
	}
	for i := 0; i < approvers; i++ {
		ap := domain.Approver{ID: fmt.Sprintf("ap%d", i), UserID: fmt.Sprintf("rev%d", i), Step1: at(9 + 2*i), Step2: at(10 + 2*i)}
		if i == 0 && at(20) {
			ap.Replaces = domain.Level3
		}
		a.Approvers = append(a.Approvers, ap)
	}
	return a
}

func aggregateGen() gopter.Gen {
	return gopter.CombineGens(
		gen.SliceOfN(21, gen.Bool()),
		gen.IntRange(0, 5),
		gen.Bool(),
	).Map(func(vals []interface{}) Aggregate {
		return buildAggregate(vals[0].([]bool), vals[1].(int), vals[2].(bool))
	})
}

func TestWorkflowProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("watcher is idempotent once email_approved is set", prop.ForAll(
		func(a Aggregate, n int) bool {
			Watch(&a, roster)
			for i := 0; i < n; i++ {
				if _, ok := Watch(&a, roster); ok {
					return false
				}
			}
			return true
		},
		aggregateGen(),
		gen.IntRange(2, 6),
	))

	properties.Property("step1 is level3 and every approver", prop.ForAll(
		func(a Aggregate) bool {
			want := a.Proposal.Level3
			for _, ap := range a.Approvers {
				want = want && ap.Step1
			}
			if Step1Complete(a) != want {
				return false
			}
			if len(a.Approvers) == 0 {
				return Step1Complete(a) == a.Proposal.Level3
			}
			flipped := a.Clone()
			flipped.Approvers[len(flipped.Approvers)-1].Step1 = false
			return !Step1Complete(flipped)
		},
		aggregateGen(),
	))

	properties.Property("close resets everything from any state", prop.ForAll(
		func(a Aggregate) bool {
			out, err := Apply(a, osp, Resolve(facts(osp), osp, a), roster, StatusClose)
			if err != nil {
				return false
			}
			p := out.Aggregate.Proposal
			if p.Decline || p.Level3 || p.EmailApproved || p.SaveSubmit || !p.Closed {
				return false
			}
			if imp := out.Aggregate.Impact; imp != nil && (imp.Level1 || imp.Level2 || imp.Level3 || imp.DisclosureAssurance) {
				return false
			}
			for _, ap := range out.Aggregate.Approvers {
				if ap.Step1 || ap.Step2 {
					return false
				}
			}
			return len(out.Notifications) == 0
		},
		aggregateGen(),
	))

	properties.Property("email_approved never set without both steps and no decline", prop.ForAll(
		func(a Aggregate, user int, status int) bool {
			users := []string{pi, dean, veep, provost, osp, "rev0", "rev1"}
			statuses := []Status{StatusApprove, StatusDecline, StatusNeedsWork, StatusOpen, StatusClose, StatusAwarded}
			u := users[user]
			a.Proposal.EmailApproved = false
			out, err := Apply(a, u, Resolve(facts(u), u, a), roster, statuses[status])
			if err != nil {
				return IsRejection(err)
			}
			got := out.Aggregate
			if !got.Proposal.EmailApproved {
				return true
			}
			return !got.Proposal.Decline && Step1Complete(got) && Step2Complete(got)
		},
		aggregateGen(),
		gen.IntRange(0, 6),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
