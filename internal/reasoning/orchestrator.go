// Package reasoning owns the Investigation Orchestrator (C7): the component
// that drives one investigation's StateMachine through Triage, Hypothesize,
// Investigate, Evaluate, Conclude, and Remediate by calling an injected LLM
// client, Tool Executor, and Knowledge Retriever. It holds no persistence of
// its own — checkpointing is the caller's concern, layered on top via the
// checkpoint package.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthan787/runbookai/internal/audit"
	"github.com/manthan787/runbookai/internal/config"
	"github.com/manthan787/runbookai/internal/investigation"
	"github.com/manthan787/runbookai/internal/knowledge"
	"github.com/manthan787/runbookai/internal/llm"
	"github.com/manthan787/runbookai/internal/metrics"
	"github.com/manthan787/runbookai/internal/parser"
	"github.com/manthan787/runbookai/internal/scratchpad"
	"github.com/manthan787/runbookai/internal/toolkit"
)

// Deps are the Orchestrator's consumed collaborators and callbacks. Only LLM
// and Tools are required; the rest are optional and the Orchestrator treats
// a nil value as "not available" rather than an error.
type Deps struct {
	LLM   llm.Client
	Tools toolkit.Executor

	// Knowledge is consulted once during Triage with a query built from the
	// user's question and any fetched incident title. A nil Knowledge skips
	// that step entirely.
	Knowledge knowledge.Retriever

	// FetchIncident retrieves incident context (title, description) given an
	// incident id, for the Triage prompt. A nil func or empty incidentID
	// skips it.
	FetchIncident func(ctx context.Context, incidentID string) (title, description string, err error)

	// FetchRelevantRunbooks supplements the Remediate prompt with runbook
	// titles. A nil func is simply not called.
	FetchRelevantRunbooks func(ctx context.Context, incidentID string, services []string) ([]string, error)

	// FindCodeFixCandidates supplements the Remediate prompt with candidate
	// file/line locations for a code-level fix. A nil func is not called.
	FindCodeFixCandidates func(ctx context.Context, rootCause string) ([]string, error)

	// ApproveRemediationStep is consulted for steps whose risk level is not
	// already covered by AutoApproveRemediationRisk. A nil func means no
	// step is ever approved this way (AutoApproveRemediationRisk is still
	// honored).
	ApproveRemediationStep func(step *investigation.RemediationStep) bool

	// AutoApproveRemediationRisk allows specific risk levels ("low",
	// "medium", "high", "critical") to skip ApproveRemediationStep
	// entirely. A nil map auto-approves nothing.
	AutoApproveRemediationRisk map[string]bool

	AvailableSkills []string

	// AvailableTools names the tools the Tool Executor can run, surfaced in
	// the Hypothesize prompt so the LLM proposes queries the executor can
	// actually satisfy.
	AvailableTools []string

	// Metrics receives phase-transition, parse-failure, and dropped-event
	// counters if set. A nil Metrics disables all instrumentation.
	Metrics *metrics.Metrics

	// Audit receives a LogPhaseTransition/LogParseFailed/LogInvestigation*
	// call at every point SPEC_FULL.md's audit trail requires one. A nil
	// Audit disables the audit trail (use audit.NewNoopLogger() to make this
	// explicit instead).
	Audit audit.Logger
}

// Orchestrator drives a single StateMachine through its phases. One
// Orchestrator instance is stateless across investigations and safe to reuse
// concurrently; all per-run state lives in the StateMachine and Scratchpad
// passed to Investigate.
type Orchestrator struct {
	deps          Deps
	maxHypotheses int
	maxIterations int
}

// New returns an Orchestrator. cfg's MaxHypotheses and MaxIterations bound
// the corresponding StateMachine created per investigation; the rest of cfg
// is the caller's concern (Timeout governs ctx, MaxMutationsPerSession and
// CriticalCooldown belong to a safety.Gate the caller wires separately).
func New(deps Deps, cfg config.Config) *Orchestrator {
	return &Orchestrator{deps: deps, maxHypotheses: cfg.MaxHypotheses, maxIterations: cfg.MaxIterations}
}

// Investigate runs one full investigation lifecycle for query, optionally
// anchored to incidentID, and returns the caller-facing Result. It never
// returns a nil Result on error after the StateMachine has been created:
// cancellation and fatal errors both return whatever partial Result the
// machine can assemble, alongside the error describing why it stopped.
func (o *Orchestrator) Investigate(ctx context.Context, query, incidentID string) (*investigation.Result, error) {
	id := uuid.NewString()
	sm := investigation.New(id, query, incidentID, o.maxHypotheses, o.maxIterations)
	o.wireDrops(sm)
	pad := scratchpad.New()

	if o.deps.Audit != nil {
		_ = o.deps.Audit.LogInvestigationStarted(ctx, id)
	}

	if err := sm.Start(); err != nil {
		return sm.BuildResult(), err
	}
	o.recordTransition(ctx, sm.ID(), investigation.PhaseIdle, investigation.PhaseTriage)

	return o.run(ctx, sm, pad)
}

// Resume continues an investigation from a StateMachine reconstructed from a
// checkpoint (see checkpoint.RestoreStateMachine), picking back up at its
// saved phase instead of restarting from idle.
func (o *Orchestrator) Resume(ctx context.Context, sm *investigation.StateMachine, pad *scratchpad.Scratchpad) (*investigation.Result, error) {
	o.wireDrops(sm)
	if pad == nil {
		pad = scratchpad.New()
	}
	return o.run(ctx, sm, pad)
}

func (o *Orchestrator) wireDrops(sm *investigation.StateMachine) {
	if o.deps.Metrics == nil {
		return
	}
	sm.OnDrop(func(string) { o.deps.Metrics.EventsDropped.Inc() })
}

func (o *Orchestrator) run(ctx context.Context, sm *investigation.StateMachine, pad *scratchpad.Scratchpad) (*investigation.Result, error) {
	inv := sm.Snapshot()

	if err := ctxErr(ctx); err != nil {
		return o.abort(ctx, sm, err)
	}

	if sm.Phase() == investigation.PhaseTriage {
		if err := o.triage(ctx, sm, inv.Query, inv.IncidentID); err != nil {
			return o.abort(ctx, sm, err)
		}
	}

	for {
		if err := ctxErr(ctx); err != nil {
			return o.abort(ctx, sm, err)
		}

		switch sm.Phase() {
		case investigation.PhaseHypothesize:
			if err := o.hypothesize(ctx, sm); err != nil {
				return o.abort(ctx, sm, err)
			}
		case investigation.PhaseInvestigate:
			if err := o.investigateStep(ctx, sm, pad); err != nil {
				return o.abort(ctx, sm, err)
			}
		case investigation.PhaseEvaluate:
			if err := o.evaluate(ctx, sm, pad); err != nil {
				return o.abort(ctx, sm, err)
			}
		case investigation.PhaseConclude:
			if err := o.conclude(ctx, sm, pad); err != nil {
				return o.abort(ctx, sm, err)
			}
			if err := o.transition(ctx, sm, investigation.PhaseRemediate, "remediation planning"); err != nil {
				return o.abort(ctx, sm, err)
			}
		case investigation.PhaseRemediate:
			if err := o.remediate(ctx, sm); err != nil {
				return o.abort(ctx, sm, err)
			}
			if err := o.transition(ctx, sm, investigation.PhaseComplete, "investigation finished"); err != nil {
				return o.abort(ctx, sm, err)
			}
		case investigation.PhaseComplete:
			result := sm.BuildResult()
			if o.deps.Audit != nil {
				_ = o.deps.Audit.LogInvestigationCompleted(ctx, sm.ID(), time.Duration(result.DurationMs)*time.Millisecond)
			}
			if o.deps.Metrics != nil {
				o.deps.Metrics.InvestigationDuration.Observe(float64(result.DurationMs) / 1000)
			}
			return result, nil
		default:
			return sm.BuildResult(), fmt.Errorf("reasoning: unexpected phase %q", sm.Phase())
		}
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", investigation.ErrCancelled, ctx.Err())
	default:
		return nil
	}
}

// transition wraps StateMachine.TransitionTo with the metrics/audit
// emission SPEC_FULL.md requires of every phase change.
func (o *Orchestrator) transition(ctx context.Context, sm *investigation.StateMachine, to investigation.Phase, reason string) error {
	from := sm.Phase()
	if err := sm.TransitionTo(to, reason); err != nil {
		return err
	}
	o.recordTransition(ctx, sm.ID(), from, to)
	return nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, investigationID string, from, to investigation.Phase) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.PhaseTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if o.deps.Audit != nil {
		_ = o.deps.Audit.LogPhaseTransition(ctx, investigationID, string(from), string(to))
	}
}

func (o *Orchestrator) abort(ctx context.Context, sm *investigation.StateMachine, cause error) (*investigation.Result, error) {
	sm.RecordError(cause)
	if sm.Phase() != investigation.PhaseComplete {
		from := sm.Phase()
		if err := sm.TransitionTo(investigation.PhaseError, cause.Error()); err == nil {
			o.recordTransition(ctx, sm.ID(), from, investigation.PhaseError)
		}
	}
	if o.deps.Audit != nil {
		_ = o.deps.Audit.LogInvestigationFailed(ctx, sm.ID(), cause)
	}
	return sm.BuildResult(), cause
}

// completeWithJSON issues prompt and parses its response with parseFn,
// retrying once with an error-feedback suffix on a *parser.ParseError per
// the error-handling taxonomy (a second failure aborts). shape labels the
// response schema for metrics/audit (e.g. "triage", "hypothesis_generation").
func (o *Orchestrator) completeWithJSON(ctx context.Context, shape, prompt string, parseFn func(string) error) error {
	resp, err := o.deps.LLM.Complete(ctx, prompt)
	if err != nil {
		return fmt.Errorf("reasoning: llm complete: %w", err)
	}
	err = parseFn(resp)
	var perr *parser.ParseError
	if err == nil {
		return nil
	}
	if !errors.As(err, &perr) {
		return err
	}
	o.recordParseFailure(ctx, shape, perr)

	retryPrompt := prompt + fmt.Sprintf(parseRetrySuffix, perr.Error())
	resp, err = o.deps.LLM.Complete(ctx, retryPrompt)
	if err != nil {
		return fmt.Errorf("reasoning: llm complete (retry): %w", err)
	}
	err = parseFn(resp)
	if err != nil && errors.As(err, &perr) {
		o.recordParseFailure(ctx, shape, perr)
	}
	return err
}

func (o *Orchestrator) recordParseFailure(ctx context.Context, shape string, perr *parser.ParseError) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ParseFailures.WithLabelValues(shape).Inc()
	}
	if o.deps.Audit != nil {
		_ = o.deps.Audit.LogParseFailed(ctx, shape, perr)
	}
}

func (o *Orchestrator) triage(ctx context.Context, sm *investigation.StateMachine, query, incidentID string) error {
	incidentContext := ""
	incidentTitle := ""
	if incidentID != "" && o.deps.FetchIncident != nil {
		title, desc, err := o.deps.FetchIncident(ctx, incidentID)
		if err != nil {
			sm.RecordError(fmt.Errorf("triage: fetch incident: %w", err))
		} else {
			incidentTitle = title
			incidentContext = strings.TrimSpace(title + "\n" + desc)
		}
	}

	knowledgeTitles := ""
	if o.deps.Knowledge != nil {
		searchText := strings.TrimSpace(query + " " + incidentTitle)
		res, err := o.deps.Knowledge.Retrieve(ctx, knowledge.Query{Text: searchText})
		if err != nil {
			sm.RecordError(fmt.Errorf("triage: knowledge search: %w", err))
		} else {
			knowledgeTitles = summarizeKnowledgeTitles(res)
		}
	}

	prompt := parser.FillPrompt(triagePromptTemplate, map[string]string{
		"query":           query,
		"incidentId":      incidentID,
		"incidentContext": incidentContext,
		"knowledgeTitles":  knowledgeTitles,
	})

	var result *investigation.TriageResult
	err := o.completeWithJSON(ctx, "triage", prompt, func(resp string) error {
		r, perr := parser.ParseTriage(resp)
		if perr != nil {
			return perr
		}
		result = r
		return nil
	})
	if err != nil {
		return fmt.Errorf("triage: %w", err)
	}
	result.IncidentID = incidentID

	if err := sm.SetTriageResult(result); err != nil {
		return fmt.Errorf("triage: %w", err)
	}
	return o.transition(ctx, sm, investigation.PhaseHypothesize, "triage complete")
}

func summarizeKnowledgeTitles(res knowledge.Result) string {
	var titles []string
	for _, c := range res.Runbooks {
		titles = append(titles, c.Title)
	}
	for _, c := range res.Postmortems {
		titles = append(titles, c.Title)
	}
	for _, c := range res.KnownIssues {
		titles = append(titles, c.Title)
	}
	return strings.Join(titles, "; ")
}

func (o *Orchestrator) hypothesize(ctx context.Context, sm *investigation.StateMachine) error {
	triage := sm.Snapshot().Triage
	prompt := parser.FillPrompt(hypothesizePromptTemplate, map[string]string{
		"summary":        triage.Summary,
		"severity":       string(triage.Severity),
		"services":       strings.Join(triage.AffectedServices, ", "),
		"symptoms":       strings.Join(triage.Symptoms, ", "),
		"availableTools": strings.Join(o.deps.AvailableTools, ", "),
	})

	var inputs []investigation.HypothesisInput
	err := o.completeWithJSON(ctx, "hypothesis_generation", prompt, func(resp string) error {
		parsed, perr := parser.ParseHypothesisGeneration(resp)
		if perr != nil {
			return perr
		}
		inputs = parsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("hypothesize: %w", err)
	}

	for _, input := range inputs {
		if _, err := sm.AddHypothesis(input); err != nil {
			if errors.Is(err, investigation.ErrCapExceeded) {
				break
			}
			return fmt.Errorf("hypothesize: %w", err)
		}
	}

	return o.transition(ctx, sm, investigation.PhaseInvestigate, "hypotheses generated")
}

func (o *Orchestrator) investigateStep(ctx context.Context, sm *investigation.StateMachine, pad *scratchpad.Scratchpad) error {
	h, ok := sm.NextHypothesis()
	if !ok {
		return o.transition(ctx, sm, investigation.PhaseConclude, "no active hypotheses remain")
	}

	for _, q := range h.Queries {
		params := map[string]interface{}{"description": q.Description, "service": q.Service}
		result, err := o.deps.Tools.Execute(ctx, q.Type, params)
		if err != nil {
			pad.Record(q.Type, params, fmt.Sprintf("tool %s failed: %s", q.Type, err.Error()), false)
			continue
		}
		pad.Record(q.Type, params, result, false)
	}

	return o.transition(ctx, sm, investigation.PhaseEvaluate, fmt.Sprintf("evidence gathered for %s", h.ID))
}

// AnalyzeLogsForHypothesis runs the log-analysis side capability against a
// batch of raw log lines for a given hypothesis statement. It is a standalone
// LLM call outside the main phase loop — callers use it to pre-screen logs
// (e.g. inside a custom tool) before those findings are folded into the next
// evaluate() call's scratchpad evidence.
func (o *Orchestrator) AnalyzeLogsForHypothesis(ctx context.Context, statement string, logs []string) (*parser.LogAnalysisResult, error) {
	prompt := parser.FillPrompt(logAnalysisPromptTemplate, map[string]string{
		"statement": statement,
		"logs":      strings.Join(logs, "\n"),
	})

	var result *parser.LogAnalysisResult
	err := o.completeWithJSON(ctx, "log_analysis", prompt, func(resp string) error {
		parsed, perr := parser.ParseLogAnalysis(resp)
		if perr != nil {
			return perr
		}
		result = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("analyze logs: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, sm *investigation.StateMachine, pad *scratchpad.Scratchpad) error {
	h, ok := sm.NextHypothesis()
	if !ok {
		return o.transition(ctx, sm, investigation.PhaseConclude, "no active hypotheses remain")
	}

	prompt := parser.FillPrompt(evaluatePromptTemplate, map[string]string{
		"statement":    h.Statement,
		"hypothesisId": h.ID,
		"category":     string(h.Category),
		"evidence":     compactScratchpad(pad),
	})

	var eval *investigation.EvidenceEvaluation
	err := o.completeWithJSON(ctx, "evidence_evaluation", prompt, func(resp string) error {
		parsed, perr := parser.ParseEvidenceEvaluation(resp)
		if perr != nil {
			return perr
		}
		eval = parsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	if eval.HypothesisID == "" {
		eval.HypothesisID = h.ID
	}

	if err := sm.ApplyEvaluation(eval); err != nil {
		if errors.Is(err, investigation.ErrCapExceeded) {
			// Sub-hypotheses from a branch action hit the cap; proceed with
			// what was already added rather than aborting the investigation.
		} else {
			return fmt.Errorf("evaluate: %w", err)
		}
	}

	sm.IncrementIteration()
	budgetRemains := sm.CanContinue()

	switch eval.Action {
	case investigation.ActionConfirm:
		if eval.Confidence >= 80 {
			return o.transition(ctx, sm, investigation.PhaseConclude, "hypothesis confirmed with high confidence")
		}
		return o.loopBackOrConclude(ctx, sm, budgetRemains, investigation.PhaseInvestigate, "confirmed hypothesis needs more evidence")
	case investigation.ActionPrune:
		if len(sm.ActiveHypotheses()) == 0 {
			if hasConfirmed(sm) {
				return o.transition(ctx, sm, investigation.PhaseConclude, "all hypotheses resolved")
			}
			return o.loopBackOrConclude(ctx, sm, budgetRemains, investigation.PhaseHypothesize, "all hypotheses pruned, generating new ones")
		}
		return o.loopBackOrConclude(ctx, sm, budgetRemains, investigation.PhaseInvestigate, "hypothesis pruned, continuing with others")
	case investigation.ActionBranch:
		return o.loopBackOrConclude(ctx, sm, budgetRemains, investigation.PhaseInvestigate, "branched into sub-hypotheses")
	default: // ActionContinue
		return o.loopBackOrConclude(ctx, sm, budgetRemains, investigation.PhaseInvestigate, "continuing investigation")
	}
}

// loopBackOrConclude transitions to "to" only if the iteration budget still
// has room; otherwise it forces a Conclude so every loop-back path in
// evaluate (not just ActionContinue) is bounded by the same budget.
func (o *Orchestrator) loopBackOrConclude(ctx context.Context, sm *investigation.StateMachine, budgetRemains bool, to investigation.Phase, reason string) error {
	if budgetRemains {
		return o.transition(ctx, sm, to, reason)
	}
	return o.transition(ctx, sm, investigation.PhaseConclude, "iteration budget exhausted, concluding with best available evidence")
}

func hasConfirmed(sm *investigation.StateMachine) bool {
	for _, h := range sm.Snapshot().Hypotheses {
		if h.Status == investigation.StatusConfirmed {
			return true
		}
	}
	return false
}

func compactScratchpad(pad *scratchpad.Scratchpad) string {
	var b strings.Builder
	for _, e := range pad.Entries() {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.ID, e.ToolName, e.Summary)
	}
	if b.Len() == 0 {
		return "(no evidence gathered yet)"
	}
	return b.String()
}

func (o *Orchestrator) conclude(ctx context.Context, sm *investigation.StateMachine, pad *scratchpad.Scratchpad) error {
	inv := sm.Snapshot()
	var findings strings.Builder
	for _, h := range inv.Hypotheses {
		fmt.Fprintf(&findings, "- %s (%s): status=%s confidence=%d evidence=%s\n", h.Statement, h.ID, h.Status, h.Confidence, h.Evidence)
	}
	findings.WriteString("\nScratchpad:\n")
	findings.WriteString(compactScratchpad(pad))

	prompt := parser.FillPrompt(concludePromptTemplate, map[string]string{
		"findings": findings.String(),
	})

	var conclusion *investigation.Conclusion
	err := o.completeWithJSON(ctx, "conclusion", prompt, func(resp string) error {
		parsed, perr := parser.ParseConclusion(resp)
		if perr != nil {
			return perr
		}
		conclusion = parsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("conclude: %w", err)
	}

	return sm.SetConclusion(conclusion)
}

func (o *Orchestrator) remediate(ctx context.Context, sm *investigation.StateMachine) error {
	inv := sm.Snapshot()
	if inv.Conclusion == nil {
		return sm.SetRemediationPlan(&investigation.RemediationPlan{})
	}

	var services []string
	if inv.Triage != nil {
		services = inv.Triage.AffectedServices
	}

	var runbooks []string
	if o.deps.FetchRelevantRunbooks != nil {
		rb, err := o.deps.FetchRelevantRunbooks(ctx, inv.IncidentID, services)
		if err != nil {
			sm.RecordError(fmt.Errorf("remediate: fetch runbooks: %w", err))
		} else {
			runbooks = rb
		}
	}

	var codeCandidates []string
	if o.deps.FindCodeFixCandidates != nil {
		cands, err := o.deps.FindCodeFixCandidates(ctx, inv.Conclusion.RootCause)
		if err != nil {
			sm.RecordError(fmt.Errorf("remediate: find code fix candidates: %w", err))
		} else {
			codeCandidates = cands
		}
	}

	prompt := parser.FillPrompt(remediatePromptTemplate, map[string]string{
		"rootCause":      inv.Conclusion.RootCause,
		"skills":         strings.Join(o.deps.AvailableSkills, ", "),
		"runbooks":       strings.Join(runbooks, "; "),
		"codeCandidates": strings.Join(codeCandidates, "; "),
	})

	var plan *investigation.RemediationPlan
	err := o.completeWithJSON(ctx, "remediation_plan", prompt, func(resp string) error {
		parsed, perr := parser.ParseRemediationPlan(resp)
		if perr != nil {
			return perr
		}
		plan = parsed
		return nil
	})
	if err != nil {
		return fmt.Errorf("remediate: %w", err)
	}

	for _, step := range plan.Steps {
		step.MatchingSkill = matchSkill(step.Action, o.deps.AvailableSkills)
	}

	if err := sm.SetRemediationPlan(plan); err != nil {
		return fmt.Errorf("remediate: %w", err)
	}

	for _, step := range plan.Steps {
		o.executeRemediationStep(ctx, sm, step)
	}
	return nil
}

func matchSkill(action string, skills []string) string {
	lowered := strings.ToLower(action)
	for _, s := range skills {
		if strings.Contains(lowered, strings.ToLower(s)) {
			return s
		}
	}
	return ""
}

func (o *Orchestrator) executeRemediationStep(ctx context.Context, sm *investigation.StateMachine, step *investigation.RemediationStep) {
	approved := o.deps.AutoApproveRemediationRisk[step.RiskLevel]
	if !approved && o.deps.ApproveRemediationStep != nil {
		approved = o.deps.ApproveRemediationStep(step)
	}

	switch {
	case step.MatchingSkill != "" && approved:
		status := investigation.StepExecuting
		_ = sm.UpdateRemediationStep(step.ID, investigation.RemediationStepUpdate{Status: &status})

		result, err := o.deps.Tools.Execute(ctx, toolkit.ToolSkill, map[string]interface{}{
			"name": step.MatchingSkill,
			"args": step.Parameters,
		})
		if err != nil {
			failed := investigation.StepFailed
			errMsg := err.Error()
			_ = sm.UpdateRemediationStep(step.ID, investigation.RemediationStepUpdate{Status: &failed, Error: &errMsg})
			return
		}
		completed := investigation.StepCompleted
		resultStr := fmt.Sprintf("%v", result)
		_ = sm.UpdateRemediationStep(step.ID, investigation.RemediationStepUpdate{Status: &completed, Result: &resultStr})

	case step.Command != "" && step.MatchingSkill == "":
		pending := investigation.StepPending
		errMsg := "Manual execution required: " + step.Command
		_ = sm.UpdateRemediationStep(step.ID, investigation.RemediationStepUpdate{Status: &pending, Error: &errMsg})

	default:
		// Nothing actionable; leave the step pending for a human to pick up.
	}
}
