// Package safety implements the Approval Gate: deterministic, LLM-independent
// risk classification plus per-investigation mutation budgets, cooldowns,
// and a pluggable approval channel. It holds no investigation state beyond
// its own accumulated counters and timestamps.
package safety

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/manthan787/runbookai/internal/audit"
	"github.com/manthan787/runbookai/internal/metrics"
	"github.com/manthan787/runbookai/internal/store"
)

// RiskLevel is the closed ordered set a classification resolves to.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (r RiskLevel) raised() RiskLevel {
	if r < RiskCritical {
		return r + 1
	}
	return r
}

var prodPattern = regexp.MustCompile(`(?i)prod`)

var destructivePattern = regexp.MustCompile(`(?i)^(delete|terminate|stop|destroy)`)

// classifyBase applies rules 2-5 in order, first match wins.
func classifyBase(operation string) RiskLevel {
	op := strings.ToLower(strings.TrimSpace(operation))

	switch {
	case destructivePattern.MatchString(op),
		op == "iam_policy_write", op == "database_drop", strings.Contains(op, "iam_policy"), strings.Contains(op, "db_drop"):
		return RiskCritical
	case op == "scale_to_zero", strings.Contains(op, "force_replace"), op == "force_replace_deployment":
		return RiskHigh
	case op == "update_config", op == "scale", strings.Contains(op, "config_update"), strings.Contains(op, "scaling"):
		return RiskMedium
	case op == "restart", op == "drain", op == "reboot", strings.Contains(op, "restart"), strings.Contains(op, "reboot"):
		return RiskLow
	default:
		return RiskMedium
	}
}

// ClassifyRisk implements the gate's risk classification rules from
// SPEC_FULL.md §4.3: rules 2-5 determine a base level (first match wins),
// then rule 1 raises it one level if the resource name looks like a
// production resource.
func ClassifyRisk(operation, resource string) RiskLevel {
	risk := classifyBase(operation)
	if prodPattern.MatchString(resource) {
		risk = risk.raised()
	}
	return risk
}

// BlockReason is the closed set of ways the gate can block a request before
// ever invoking the approval channel.
type BlockReason string

const (
	BlockBudget   BlockReason = "budget"
	BlockCooldown BlockReason = "cooldown"
)

// ErrCancelled is returned when the caller's context is cancelled while
// waiting on the approval channel.
var ErrCancelled = errors.New("safety: approval request cancelled")

// Decision is the gate's verdict on one mutation request.
type Decision struct {
	Status      Status
	Risk        RiskLevel
	Reason      BlockReason // set only when Status == StatusBlocked
	RemainingMs int64       // set only when Reason == BlockCooldown
	Approver    string
	At          time.Time
}

// Status is the closed set of gate verdicts.
type Status string

const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusBlocked  Status = "blocked"
)

// Request describes one proposed mutation submitted to the gate.
type Request struct {
	Operation   string
	Resource    string
	Description string
}

// ApprovalResponse is what an ApprovalChannel returns.
type ApprovalResponse struct {
	Approved bool
	Approver string
	At       time.Time
}

// ApprovalChannel is the injected capability the gate defers to once budget,
// cooldown, and auto-approval checks pass. Implementations may block
// arbitrarily long and must respect ctx cancellation.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req Request, risk RiskLevel) (ApprovalResponse, error)
}

// Config tunes one Gate instance.
type Config struct {
	MaxMutationsPerSession int
	CriticalCooldown       time.Duration
	AutoApprove            map[RiskLevel]bool
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxMutationsPerSession: 10,
		CriticalCooldown:       5 * time.Minute,
		AutoApprove:            map[RiskLevel]bool{},
	}
}

// Gate enforces the Approval Gate for one investigation session. Safe for
// concurrent use.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	channel ApprovalChannel

	investigationID string
	persist         *store.Store // optional; nil means in-memory-only counters

	audit   audit.Logger // optional; nil means no audit trail
	metrics *metrics.Metrics

	approvedCount   int
	lastCriticalAt  time.Time
	hasLastCritical bool
}

// New constructs a Gate backed by channel, with in-memory-only counters.
func New(cfg Config, channel ApprovalChannel) *Gate {
	if cfg.AutoApprove == nil {
		cfg.AutoApprove = map[RiskLevel]bool{}
	}
	return &Gate{cfg: cfg, channel: channel}
}

// WithAudit attaches an audit trail; every decision this gate makes
// afterward is additionally logged through it.
func (g *Gate) WithAudit(a audit.Logger) *Gate {
	g.audit = a
	return g
}

// WithMetrics attaches a metrics bundle; every decision this gate makes
// afterward increments ApprovalDecisions, labeled by outcome.
func (g *Gate) WithMetrics(m *metrics.Metrics) *Gate {
	g.metrics = m
	return g
}

func (g *Gate) recordDecision(ctx context.Context, outcome string) {
	if g.metrics != nil {
		g.metrics.ApprovalDecisions.WithLabelValues(outcome).Inc()
	}
}

// NewPersistent constructs a Gate whose budget/cooldown counters are loaded
// from and saved to s, keyed by investigationID, so they survive a process
// restart across a suspend/resume cycle.
func NewPersistent(ctx context.Context, cfg Config, channel ApprovalChannel, s *store.Store, investigationID string) (*Gate, error) {
	g := New(cfg, channel)
	g.persist = s
	g.investigationID = investigationID

	counters, err := s.LoadCounters(ctx, investigationID)
	if err != nil {
		return nil, fmt.Errorf("safety: load persisted counters: %w", err)
	}
	g.approvedCount = counters.ApprovedCount
	g.lastCriticalAt = counters.LastCriticalAt
	g.hasLastCritical = counters.HasLastCritical
	return g, nil
}

// Evaluate classifies req, enforces budget/cooldown, consults auto-approval,
// and otherwise defers to the approval channel. It records the approval
// timestamp on success so future cooldown/budget calls stay correct.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Decision, error) {
	risk := ClassifyRisk(req.Operation, req.Resource)

	g.mu.Lock()
	if g.approvedCount >= g.cfg.MaxMutationsPerSession {
		g.mu.Unlock()
		g.recordDecision(ctx, "blocked_budget")
		if g.audit != nil {
			_ = g.audit.LogMutationBlocked(ctx, g.investigationID, req.Operation, string(BlockBudget))
		}
		return Decision{Status: StatusBlocked, Risk: risk, Reason: BlockBudget}, nil
	}
	if risk == RiskCritical && g.hasLastCritical {
		elapsed := time.Since(g.lastCriticalAt)
		if elapsed < g.cfg.CriticalCooldown {
			remaining := g.cfg.CriticalCooldown - elapsed
			g.mu.Unlock()
			g.recordDecision(ctx, "blocked_cooldown")
			if g.audit != nil {
				_ = g.audit.LogMutationBlocked(ctx, g.investigationID, req.Operation, string(BlockCooldown))
			}
			return Decision{
				Status:      StatusBlocked,
				Risk:        risk,
				Reason:      BlockCooldown,
				RemainingMs: remaining.Milliseconds(),
			}, nil
		}
	}
	autoApproved := g.cfg.AutoApprove[risk]
	g.mu.Unlock()

	if autoApproved {
		return g.recordApproval(ctx, req, risk, "auto-approved", time.Now().UTC()), nil
	}

	if g.channel == nil {
		return Decision{}, fmt.Errorf("safety: no approval channel configured for non-auto-approved risk %s", risk)
	}

	resp, err := g.channel.RequestApproval(ctx, req, risk)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ErrCancelled
		}
		return Decision{}, fmt.Errorf("safety: approval channel error: %w", err)
	}
	if !resp.Approved {
		g.appendLog(ctx, req, risk, StatusRejected, "")
		g.recordDecision(ctx, "rejected")
		if g.audit != nil {
			_ = g.audit.LogMutationRejected(ctx, g.investigationID, req.Operation, req.Resource)
		}
		return Decision{Status: StatusRejected, Risk: risk}, nil
	}
	at := resp.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return g.recordApproval(ctx, req, risk, resp.Approver, at), nil
}

func (g *Gate) recordApproval(ctx context.Context, req Request, risk RiskLevel, approver string, at time.Time) Decision {
	g.mu.Lock()
	g.approvedCount++
	if risk == RiskCritical {
		g.lastCriticalAt = at
		g.hasLastCritical = true
	}
	counters := store.SessionCounters{
		InvestigationID: g.investigationID,
		ApprovedCount:   g.approvedCount,
		LastCriticalAt:  g.lastCriticalAt,
		HasLastCritical: g.hasLastCritical,
	}
	persist := g.persist
	g.mu.Unlock()

	if persist != nil {
		// Persistence errors never block the investigation: the in-memory
		// counters already reflect the decision, and resuming without the
		// persisted value only costs the session its carried-over budget.
		_ = persist.SaveCounters(ctx, counters)
	}
	g.appendLog(ctx, req, risk, StatusApproved, approver)
	g.recordDecision(ctx, "approved")
	if g.audit != nil {
		_ = g.audit.LogMutationApproved(ctx, g.investigationID, req.Operation, req.Resource)
	}
	return Decision{Status: StatusApproved, Risk: risk, Approver: approver, At: at}
}

func (g *Gate) appendLog(ctx context.Context, req Request, risk RiskLevel, status Status, approver string) {
	if g.persist == nil {
		return
	}
	_ = g.persist.AppendApprovalLog(ctx, store.ApprovalLogEntry{
		InvestigationID: g.investigationID,
		Operation:       req.Operation,
		Resource:        req.Resource,
		RiskLevel:       risk.String(),
		Status:          string(status),
		Approver:        approver,
	})
}

// ApprovedCount returns the number of mutations approved so far this
// session.
func (g *Gate) ApprovedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approvedCount
}
