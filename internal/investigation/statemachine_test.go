package investigation

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) *StateMachine {
	t.Helper()
	return New("inv-1", "why is checkout slow", "INC-1", 5, 10)
}

func TestValidTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhaseIdle, PhaseTriage, true},
		{PhaseTriage, PhaseHypothesize, true},
		{PhaseTriage, PhaseConclude, true},
		{PhaseHypothesize, PhaseInvestigate, true},
		{PhaseHypothesize, PhaseConclude, true},
		{PhaseInvestigate, PhaseEvaluate, true},
		{PhaseInvestigate, PhaseConclude, true},
		{PhaseEvaluate, PhaseInvestigate, true},
		{PhaseEvaluate, PhaseHypothesize, true},
		{PhaseEvaluate, PhaseConclude, true},
		{PhaseConclude, PhaseRemediate, true},
		{PhaseConclude, PhaseComplete, true},
		{PhaseRemediate, PhaseComplete, true},
		{PhaseTriage, PhaseError, true},
		{PhaseInvestigate, PhaseError, true},
		{PhaseComplete, PhaseError, false},
		{PhaseIdle, PhaseInvestigate, false},
		{PhaseTriage, PhaseRemediate, false},
		{PhaseConclude, PhaseHypothesize, false},
	}
	for _, c := range cases {
		got := isValidTransition(c.from, c.to)
		require.Equalf(t, c.ok, got, "%s -> %s", c.from, c.to)
	}
}

func TestTransitionToRejectsInvalidEdge(t *testing.T) {
	m := newTestMachine(t)
	require.NoError(t, m.Start())
	err := m.TransitionTo(PhaseRemediate, "skip ahead")
	require.Error(t, err)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	require.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestHypothesisCapEnforced(t *testing.T) {
	m := New("inv-cap", "q", "", 2, 10)
	require.NoError(t, m.Start())

	_, err := m.AddHypothesis(HypothesisInput{Statement: "a", Priority: 1})
	require.NoError(t, err)
	_, err = m.AddHypothesis(HypothesisInput{Statement: "b", Priority: 2})
	require.NoError(t, err)

	_, err = m.AddHypothesis(HypothesisInput{Statement: "c", Priority: 3})
	require.Error(t, err)
	var ce *CapExceededError
	require.True(t, errors.As(err, &ce))
	require.True(t, errors.Is(err, ErrCapExceeded))
}

func TestAddHypothesisRejectsUnknownParent(t *testing.T) {
	m := newTestMachine(t)
	_, err := m.AddHypothesis(HypothesisInput{Statement: "orphan", ParentID: "h_99"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrHypothesisNotFound))
}

func TestNextHypothesisTieBreaksByInsertionOrder(t *testing.T) {
	m := newTestMachine(t)
	idA, err := m.AddHypothesis(HypothesisInput{Statement: "a", Priority: 2})
	require.NoError(t, err)
	_, err = m.AddHypothesis(HypothesisInput{Statement: "b", Priority: 2})
	require.NoError(t, err)

	next, ok := m.NextHypothesis()
	require.True(t, ok)
	require.Equal(t, idA, next.ID)
}

func TestApplyEvaluationPruneAndConfirm(t *testing.T) {
	m := newTestMachine(t)
	idA, err := m.AddHypothesis(HypothesisInput{Statement: "cache eviction storm", Priority: 1})
	require.NoError(t, err)
	idB, err := m.AddHypothesis(HypothesisInput{Statement: "db connection exhaustion", Priority: 2})
	require.NoError(t, err)

	require.NoError(t, m.ApplyEvaluation(&EvidenceEvaluation{
		HypothesisID: idA,
		Evidence:     EvidenceNone,
		Confidence:   10,
		Action:       ActionPrune,
		Findings:     []string{"cache hit rate steady at 98%"},
	}))
	hA, _ := m.FindHypothesis(idA)
	require.Equal(t, StatusPruned, hA.Status)

	require.NoError(t, m.ApplyEvaluation(&EvidenceEvaluation{
		HypothesisID: idB,
		Evidence:     EvidenceStrong,
		Confidence:   92,
		Action:       ActionConfirm,
		Findings:     []string{"pool exhausted at 14:02 UTC"},
	}))
	hB, _ := m.FindHypothesis(idB)
	require.Equal(t, StatusConfirmed, hB.Status)

	active := m.ActiveHypotheses()
	require.Empty(t, active)

	summary := m.GetSummary()
	require.Contains(t, summary, "Rejected / Deprioritized")
	require.Contains(t, summary, "cache eviction storm")
	require.Contains(t, summary, "Confirmed")
	require.Contains(t, summary, "db connection exhaustion")
}

func TestApplyEvaluationBranchCreatesLinkedChildren(t *testing.T) {
	m := newTestMachine(t)
	root, err := m.AddHypothesis(HypothesisInput{Statement: "networking issue", Priority: 1})
	require.NoError(t, err)

	err = m.ApplyEvaluation(&EvidenceEvaluation{
		HypothesisID: root,
		Evidence:     EvidenceWeak,
		Confidence:   40,
		Action:       ActionBranch,
		SubHypotheses: []HypothesisInput{
			{Statement: "dns resolution latency", Priority: 1},
			{Statement: "tcp retransmits", Priority: 2},
		},
	})
	require.NoError(t, err)

	children := m.Children(root)
	require.Len(t, children, 2)
	for _, c := range children {
		require.Equal(t, root, c.ParentID)
	}
}

func TestApplyEvaluationUnknownHypothesis(t *testing.T) {
	m := newTestMachine(t)
	err := m.ApplyEvaluation(&EvidenceEvaluation{HypothesisID: "h_404", Action: ActionPrune})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrHypothesisNotFound))
}

func TestSetTriageResultRequiresTriagePhase(t *testing.T) {
	m := newTestMachine(t)
	err := m.SetTriageResult(&TriageResult{Summary: "too early"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrWrongPhase))

	require.NoError(t, m.Start())
	require.NoError(t, m.SetTriageResult(&TriageResult{Summary: "ok now"}))
}

func TestEventOrderingIsPreservedAcrossSubscriber(t *testing.T) {
	m := newTestMachine(t)
	sub := m.Subscribe("watcher")

	require.NoError(t, m.Start())
	require.NoError(t, m.TransitionTo(PhaseConclude, "skip to conclude"))
	require.NoError(t, m.TransitionTo(PhaseComplete, "done"))

	var types []EventType
	for ev := range sub.Ch {
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{EventPhaseChange, EventPhaseChange, EventPhaseChange}, types)
}

func TestSubscriberChannelClosesOnTerminalPhase(t *testing.T) {
	m := newTestMachine(t)
	sub := m.Subscribe("watcher")
	require.NoError(t, m.Start())
	require.NoError(t, m.TransitionTo(PhaseError, "boom"))

	_, open := <-sub.Ch
	require.True(t, open)
	_, open = <-sub.Ch
	require.False(t, open)
}

func TestUpdateRemediationStepAppliesPartial(t *testing.T) {
	m := newTestMachine(t)
	require.NoError(t, m.SetRemediationPlan(&RemediationPlan{
		Steps: []*RemediationStep{{ID: "s1", Action: "restart-pod", Status: StepPending}},
	}))

	completed := StepCompleted
	result := "restarted pod checkout-7f9"
	require.NoError(t, m.UpdateRemediationStep("s1", RemediationStepUpdate{
		Status: &completed,
		Result: &result,
	}))

	snap := m.Snapshot()
	require.Equal(t, StepCompleted, snap.Remediation.Steps[0].Status)
	require.Equal(t, result, snap.Remediation.Steps[0].Result)
}

func TestCanContinueRespectsIterationBudget(t *testing.T) {
	m := New("inv-iter", "q", "", 5, 2)
	require.True(t, m.CanContinue())
	m.IncrementIteration()
	require.True(t, m.CanContinue())
	m.IncrementIteration()
	require.False(t, m.CanContinue())
}

func TestGetSummaryMentionsQueryAndSeverity(t *testing.T) {
	m := newTestMachine(t)
	require.NoError(t, m.Start())
	require.NoError(t, m.SetTriageResult(&TriageResult{
		Summary:          "checkout latency spike",
		Severity:         SeverityHigh,
		AffectedServices: []string{"checkout", "payments"},
	}))

	summary := m.GetSummary()
	require.True(t, strings.Contains(summary, "high"))
	require.True(t, strings.Contains(summary, "checkout, payments"))
}
