package safety

import (
	"context"
	"testing"
	"time"

	"github.com/manthan787/runbookai/internal/store"
	"github.com/stretchr/testify/require"
)

func TestClassifyRiskRules(t *testing.T) {
	cases := []struct {
		op, resource string
		want         RiskLevel
	}{
		{"restart", "checkout-7f9", RiskLow},
		{"delete_pod", "checkout-7f9", RiskCritical},
		{"scale_to_zero", "checkout-7f9", RiskHigh},
		{"update_config", "checkout-7f9", RiskMedium},
		{"restart", "checkout-prod-7f9", RiskMedium},
		{"update_config", "checkout-prod-7f9", RiskHigh},
		{"delete_pod", "checkout-prod-7f9", RiskCritical},
	}
	for _, c := range cases {
		got := ClassifyRisk(c.op, c.resource)
		require.Equalf(t, c.want, got, "op=%s resource=%s", c.op, c.resource)
	}
}

type stubChannel struct {
	approved bool
	err      error
	approver string
}

func (s *stubChannel) RequestApproval(ctx context.Context, req Request, risk RiskLevel) (ApprovalResponse, error) {
	if s.err != nil {
		return ApprovalResponse{}, s.err
	}
	return ApprovalResponse{Approved: s.approved, Approver: s.approver, At: time.Now().UTC()}, nil
}

func TestGateBudgetEnforced(t *testing.T) {
	cfg := Config{MaxMutationsPerSession: 1, AutoApprove: map[RiskLevel]bool{RiskLow: true}}
	g := New(cfg, nil)

	d1, err := g.Evaluate(context.Background(), Request{Operation: "restart", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, d1.Status)

	d2, err := g.Evaluate(context.Background(), Request{Operation: "restart", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, d2.Status)
	require.Equal(t, BlockBudget, d2.Reason)
}

func TestGateCriticalCooldownEnforced(t *testing.T) {
	cfg := Config{
		MaxMutationsPerSession: 10,
		CriticalCooldown:       time.Hour,
		AutoApprove:            map[RiskLevel]bool{RiskCritical: true},
	}
	g := New(cfg, nil)

	d1, err := g.Evaluate(context.Background(), Request{Operation: "delete_pod", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, d1.Status)

	d2, err := g.Evaluate(context.Background(), Request{Operation: "delete_pod", Resource: "payments"})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, d2.Status)
	require.Equal(t, BlockCooldown, d2.Reason)
	require.Positive(t, d2.RemainingMs)
}

func TestGateAutoApproveBypassesChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApprove[RiskLow] = true
	g := New(cfg, nil) // nil channel: would error if invoked

	d, err := g.Evaluate(context.Background(), Request{Operation: "restart", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, d.Status)
}

func TestGateDefersToChannelAndRecordsApproval(t *testing.T) {
	cfg := DefaultConfig()
	ch := &stubChannel{approved: true, approver: "oncall-alice"}
	g := New(cfg, ch)

	d, err := g.Evaluate(context.Background(), Request{Operation: "update_config", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, d.Status)
	require.Equal(t, "oncall-alice", d.Approver)
	require.Equal(t, 1, g.ApprovedCount())
}

func TestGateChannelRejection(t *testing.T) {
	cfg := DefaultConfig()
	ch := &stubChannel{approved: false}
	g := New(cfg, ch)

	d, err := g.Evaluate(context.Background(), Request{Operation: "update_config", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, d.Status)
	require.Equal(t, 0, g.ApprovedCount())
}

func TestGateMissingChannelErrorsWhenNotAutoApproved(t *testing.T) {
	g := New(DefaultConfig(), nil)
	_, err := g.Evaluate(context.Background(), Request{Operation: "update_config", Resource: "checkout"})
	require.Error(t, err)
}

func TestPersistentGateSurvivesRestart(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	cfg := Config{MaxMutationsPerSession: 2, AutoApprove: map[RiskLevel]bool{RiskLow: true}}
	ctx := context.Background()

	g1, err := NewPersistent(ctx, cfg, nil, db, "inv-restart")
	require.NoError(t, err)
	_, err = g1.Evaluate(ctx, Request{Operation: "restart", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, 1, g1.ApprovedCount())

	// Simulate a process restart: a fresh Gate reloads counters from the
	// same store.
	g2, err := NewPersistent(ctx, cfg, nil, db, "inv-restart")
	require.NoError(t, err)
	require.Equal(t, 1, g2.ApprovedCount())

	_, err = g2.Evaluate(ctx, Request{Operation: "restart", Resource: "checkout"})
	require.NoError(t, err)
	d, err := g2.Evaluate(ctx, Request{Operation: "restart", Resource: "checkout"})
	require.NoError(t, err)
	require.Equal(t, StatusBlocked, d.Status, "budget carried over from before the restart")

	log, err := db.ApprovalLog(ctx, "inv-restart")
	require.NoError(t, err)
	require.Len(t, log, 2)
}
