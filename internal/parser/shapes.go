package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/manthan787/runbookai/internal/investigation"
)

var validSeverities = map[string]investigation.Severity{
	"low":      investigation.SeverityLow,
	"medium":   investigation.SeverityMedium,
	"high":     investigation.SeverityHigh,
	"critical": investigation.SeverityCritical,
}

var validCategories = map[string]investigation.HypothesisCategory{
	"infrastructure": investigation.CategoryInfrastructure,
	"application":    investigation.CategoryApplication,
	"dependency":     investigation.CategoryDependency,
	"configuration":  investigation.CategoryConfiguration,
	"capacity":       investigation.CategoryCapacity,
	"security":       investigation.CategorySecurity,
	"unknown":        investigation.CategoryUnknown,
}

var validEvidence = map[string]investigation.EvidenceStrength{
	"none":   investigation.EvidenceNone,
	"weak":   investigation.EvidenceWeak,
	"strong": investigation.EvidenceStrong,
}

var validActions = map[string]investigation.EvaluationAction{
	"continue": investigation.ActionContinue,
	"branch":   investigation.ActionBranch,
	"prune":    investigation.ActionPrune,
	"confirm":  investigation.ActionConfirm,
}

var validConfidence = map[string]investigation.ConfidenceLevel{
	"low":    investigation.ConfidenceLow,
	"medium": investigation.ConfidenceMedium,
	"high":   investigation.ConfidenceHigh,
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// triageJSON mirrors the wire shape an LLM is prompted to emit for the
// Triage phase.
type triageJSON struct {
	Summary           string   `json:"summary"`
	Severity          string   `json:"severity"`
	AffectedServices  []string `json:"affected_services"`
	Symptoms          []string `json:"symptoms"`
	ErrorMessages     []string `json:"error_messages"`
	InitialHypotheses []string `json:"initial_hypotheses"`
}

// ParseTriage parses a Triage-phase LLM response into a TriageResult.
func ParseTriage(response string) (*investigation.TriageResult, error) {
	var raw triageJSON
	if err := unmarshalJSONBlock(response, &raw); err != nil {
		return nil, err
	}
	if raw.Summary == "" {
		return nil, missingField("summary")
	}
	sev, ok := validSeverities[lower(raw.Severity)]
	if !ok {
		return nil, unknownEnum("severity", raw.Severity)
	}
	if len(raw.AffectedServices) == 0 {
		return nil, missingField("affected_services")
	}
	return &investigation.TriageResult{
		Summary:           raw.Summary,
		Severity:          sev,
		AffectedServices:  raw.AffectedServices,
		Symptoms:          raw.Symptoms,
		ErrorMessages:     raw.ErrorMessages,
		InitialHypotheses: raw.InitialHypotheses,
		WindowStart:       time.Now().Add(-1 * time.Hour).UTC(),
		WindowEnd:         time.Now().UTC(),
	}, nil
}

type plannedQueryJSON struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Service     string `json:"service"`
}

type hypothesisJSON struct {
	Statement string             `json:"statement"`
	Category  string             `json:"category"`
	Priority  int                `json:"priority"`
	Reasoning string             `json:"reasoning"`
	Queries   []plannedQueryJSON `json:"queries"`
}

func toPlannedQueries(raw []plannedQueryJSON) []investigation.PlannedQuery {
	if len(raw) == 0 {
		return nil
	}
	out := make([]investigation.PlannedQuery, 0, len(raw))
	for _, q := range raw {
		out = append(out, investigation.PlannedQuery{Type: q.Type, Description: q.Description, Service: q.Service})
	}
	return out
}

type hypothesisGenerationJSON struct {
	Hypotheses []hypothesisJSON `json:"hypotheses"`
}

// ParseHypothesisGeneration parses the Hypothesize phase's output into a
// slice of HypothesisInput ready for StateMachine.AddHypothesis.
func ParseHypothesisGeneration(response string) ([]investigation.HypothesisInput, error) {
	var raw hypothesisGenerationJSON
	if err := unmarshalJSONBlock(response, &raw); err != nil {
		return nil, err
	}
	if len(raw.Hypotheses) == 0 {
		return nil, missingField("hypotheses")
	}
	out := make([]investigation.HypothesisInput, 0, len(raw.Hypotheses))
	for i, h := range raw.Hypotheses {
		if h.Statement == "" {
			return nil, missingField("hypotheses[].statement")
		}
		cat, ok := validCategories[lower(h.Category)]
		if !ok {
			cat = investigation.CategoryUnknown
		}
		priority := h.Priority
		if priority <= 0 {
			priority = i + 1
		}
		if priority > 5 {
			return nil, outOfRange("hypotheses[].priority", "must be in [1, 5]")
		}
		out = append(out, investigation.HypothesisInput{
			Statement: h.Statement,
			Category:  cat,
			Priority:  priority,
			Reasoning: h.Reasoning,
			Queries:   toPlannedQueries(h.Queries),
		})
	}
	return out, nil
}

type evidenceEvaluationJSON struct {
	HypothesisID  string           `json:"hypothesis_id"`
	Evidence      string           `json:"evidence"`
	Confidence    int              `json:"confidence"`
	Reasoning     string           `json:"reasoning"`
	Action        string           `json:"action"`
	Findings      []string         `json:"findings"`
	SubHypotheses []hypothesisJSON `json:"sub_hypotheses"`
}

// ParseEvidenceEvaluation parses the Evaluate phase's output.
func ParseEvidenceEvaluation(response string) (*investigation.EvidenceEvaluation, error) {
	var raw evidenceEvaluationJSON
	if err := unmarshalJSONBlock(response, &raw); err != nil {
		return nil, err
	}
	if raw.HypothesisID == "" {
		return nil, missingField("hypothesis_id")
	}
	evidence, ok := validEvidence[lower(raw.Evidence)]
	if !ok {
		return nil, unknownEnum("evidence", raw.Evidence)
	}
	action, ok := validActions[lower(raw.Action)]
	if !ok {
		return nil, unknownEnum("action", raw.Action)
	}
	if raw.Confidence < 0 || raw.Confidence > 100 {
		return nil, outOfRange("confidence", "must be in [0, 100]")
	}
	if action == investigation.ActionBranch && len(raw.SubHypotheses) == 0 {
		return nil, missingField("sub_hypotheses")
	}

	var subs []investigation.HypothesisInput
	for i, h := range raw.SubHypotheses {
		cat, ok := validCategories[lower(h.Category)]
		if !ok {
			cat = investigation.CategoryUnknown
		}
		priority := h.Priority
		if priority <= 0 {
			priority = i + 1
		}
		if priority > 5 {
			return nil, outOfRange("sub_hypotheses[].priority", "must be in [1, 5]")
		}
		subs = append(subs, investigation.HypothesisInput{
			Statement: h.Statement,
			Category:  cat,
			Priority:  priority,
			Reasoning: h.Reasoning,
			Queries:   toPlannedQueries(h.Queries),
		})
	}

	return &investigation.EvidenceEvaluation{
		HypothesisID:  raw.HypothesisID,
		Evidence:      evidence,
		Confidence:    raw.Confidence,
		Reasoning:     raw.Reasoning,
		Action:        action,
		Findings:      raw.Findings,
		SubHypotheses: subs,
	}, nil
}

type evidenceChainJSON struct {
	Finding  string `json:"finding"`
	Source   string `json:"source"`
	Strength string `json:"strength"`
}

type conclusionJSON struct {
	RootCause               string              `json:"root_cause"`
	Confidence              string              `json:"confidence"`
	ConfirmedHypothesisID   string              `json:"confirmed_hypothesis_id"`
	EvidenceChain           []evidenceChainJSON `json:"evidence_chain"`
	AlternativeExplanations []string            `json:"alternative_explanations"`
	Unknowns                []string            `json:"unknowns"`
}

// ParseConclusion parses the Conclude phase's output.
func ParseConclusion(response string) (*investigation.Conclusion, error) {
	var raw conclusionJSON
	if err := unmarshalJSONBlock(response, &raw); err != nil {
		return nil, err
	}
	if raw.RootCause == "" {
		return nil, missingField("root_cause")
	}
	confidence, ok := validConfidence[lower(raw.Confidence)]
	if !ok {
		return nil, unknownEnum("confidence", raw.Confidence)
	}

	var chain []investigation.EvidenceChainEntry
	for _, c := range raw.EvidenceChain {
		strength, ok := validEvidence[lower(c.Strength)]
		if !ok {
			strength = investigation.EvidenceWeak
		}
		chain = append(chain, investigation.EvidenceChainEntry{
			Finding:  c.Finding,
			Source:   c.Source,
			Strength: strength,
		})
	}

	return &investigation.Conclusion{
		RootCause:               raw.RootCause,
		Confidence:              confidence,
		ConfirmedHypothesisID:   raw.ConfirmedHypothesisID,
		EvidenceChain:           chain,
		AlternativeExplanations: raw.AlternativeExplanations,
		Unknowns:                raw.Unknowns,
	}, nil
}

type remediationStepJSON struct {
	Action           string                 `json:"action"`
	Description      string                 `json:"description"`
	Command          string                 `json:"command"`
	RollbackCommand  string                 `json:"rollback_command"`
	RiskLevel        string                 `json:"risk_level"`
	RequiresApproval bool                   `json:"requires_approval"`
	Parameters       map[string]interface{} `json:"parameters"`
}

type remediationPlanJSON struct {
	Steps                 []remediationStepJSON `json:"steps"`
	MonitoringHints       []string              `json:"monitoring_hints"`
	EstimatedRecoveryTime string                `json:"estimated_recovery_time"`
}

// ParseRemediationPlan parses the Remediate phase's output, assigning each
// step a sequential id (s1, s2, ...).
func ParseRemediationPlan(response string) (*investigation.RemediationPlan, error) {
	var raw remediationPlanJSON
	if err := unmarshalJSONBlock(response, &raw); err != nil {
		return nil, err
	}
	if len(raw.Steps) == 0 {
		return nil, missingField("steps")
	}

	steps := make([]*investigation.RemediationStep, 0, len(raw.Steps))
	for i, s := range raw.Steps {
		if s.Action == "" {
			return nil, missingField("steps[].action")
		}
		steps = append(steps, &investigation.RemediationStep{
			ID:               stepID(i + 1),
			Action:           s.Action,
			Description:      s.Description,
			Command:          s.Command,
			RollbackCommand:  s.RollbackCommand,
			RiskLevel:        s.RiskLevel,
			RequiresApproval: s.RequiresApproval,
			Parameters:       s.Parameters,
			Status:           investigation.StepPending,
		})
	}

	return &investigation.RemediationPlan{
		Steps:                 steps,
		MonitoringHints:       raw.MonitoringHints,
		EstimatedRecoveryTime: raw.EstimatedRecoveryTime,
	}, nil
}

func stepID(n int) string {
	return fmt.Sprintf("s%d", n)
}

type logFindingJSON struct {
	Statement  string `json:"statement"`
	Evidence   string `json:"evidence"`
	Confidence int    `json:"confidence"`
}

// LogAnalysisResult is the structured outcome of analyzing a batch of log
// lines against a hypothesis.
type LogAnalysisResult struct {
	Findings []logFindingJSON
	Summary  string
}

type logAnalysisJSON struct {
	Findings []logFindingJSON `json:"findings"`
	Summary  string           `json:"summary"`
}

// ParseLogAnalysis parses a tool-result log-analysis response.
func ParseLogAnalysis(response string) (*LogAnalysisResult, error) {
	var raw logAnalysisJSON
	if err := unmarshalJSONBlock(response, &raw); err != nil {
		return nil, err
	}
	return &LogAnalysisResult{Findings: raw.Findings, Summary: raw.Summary}, nil
}
