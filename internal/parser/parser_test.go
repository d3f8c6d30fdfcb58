package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractJSONBareObject(t *testing.T) {
	block, ok := ExtractJSON(`{"a": 1}`)
	require.True(t, ok)
	require.Equal(t, `{"a": 1}`, block)
}

func TestExtractJSONFencedWithProse(t *testing.T) {
	input := "Here is my analysis:\n```json\n{\"a\": 1, \"b\": 2}\n```\nLet me know if you need more."
	block, ok := ExtractJSON(input)
	require.True(t, ok)
	require.Equal(t, `{"a": 1, "b": 2}`, block)
}

func TestExtractJSONNoFenceLabel(t *testing.T) {
	input := "```\n{\"ok\": true}\n```"
	block, ok := ExtractJSON(input)
	require.True(t, ok)
	require.Equal(t, `{"ok": true}`, block)
}

func TestExtractJSONNoneFound(t *testing.T) {
	_, ok := ExtractJSON("there is no structured data here")
	require.False(t, ok)
}

func TestFillPromptSubstitutesPlaceholders(t *testing.T) {
	out := FillPrompt("Investigate {query} for incident {incident_id}", map[string]string{
		"query":       "checkout latency",
		"incident_id": "INC-42",
	})
	require.Equal(t, "Investigate checkout latency for incident INC-42", out)
}

func TestFillPromptLeavesUnknownPlaceholders(t *testing.T) {
	out := FillPrompt("Investigate {query}", map[string]string{"other": "x"})
	require.Equal(t, "Investigate {query}", out)
}

func TestParseTriageValid(t *testing.T) {
	resp := "```json\n{\"summary\": \"checkout 500s\", \"severity\": \"high\", \"affected_services\": [\"checkout\"]}\n```"
	triage, err := ParseTriage(resp)
	require.NoError(t, err)
	require.Equal(t, "checkout 500s", triage.Summary)
	require.Equal(t, "high", string(triage.Severity))
}

func TestParseTriageMissingSummary(t *testing.T) {
	_, err := ParseTriage(`{"severity": "high", "affected_services": ["checkout"]}`)
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindMissingField, pe.Kind)
}

func TestParseTriageUnknownSeverity(t *testing.T) {
	_, err := ParseTriage(`{"summary": "x", "severity": "apocalyptic", "affected_services": ["a"]}`)
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindUnknownEnum, pe.Kind)
}

func TestParseTriageInvalidJSON(t *testing.T) {
	_, err := ParseTriage("no json here at all")
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindInvalidJSON, pe.Kind)
}

func TestParseHypothesisGenerationAssignsDefaultPriority(t *testing.T) {
	resp := `{"hypotheses": [{"statement": "db pool exhaustion", "category": "dependency"}]}`
	hyps, err := ParseHypothesisGeneration(resp)
	require.NoError(t, err)
	require.Len(t, hyps, 1)
	require.Equal(t, 1, hyps[0].Priority)
}

func TestParseEvidenceEvaluationRejectsOutOfRangeConfidence(t *testing.T) {
	resp := `{"hypothesis_id": "h_1", "evidence": "strong", "confidence": 150, "action": "confirm"}`
	_, err := ParseEvidenceEvaluation(resp)
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindOutOfRange, pe.Kind)
}

func TestParseEvidenceEvaluationBranchRequiresSubHypotheses(t *testing.T) {
	resp := `{"hypothesis_id": "h_1", "evidence": "weak", "confidence": 40, "action": "branch"}`
	_, err := ParseEvidenceEvaluation(resp)
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindMissingField, pe.Kind)
}

func TestParseEvidenceEvaluationValid(t *testing.T) {
	resp := `{"hypothesis_id": "h_2", "evidence": "strong", "confidence": 90, "action": "confirm", "findings": ["pool exhausted"]}`
	eval, err := ParseEvidenceEvaluation(resp)
	require.NoError(t, err)
	require.Equal(t, "h_2", eval.HypothesisID)
	require.Equal(t, 90, eval.Confidence)
}

func TestParseConclusionValid(t *testing.T) {
	resp := `{"root_cause": "connection pool exhaustion", "confidence": "high", "confirmed_hypothesis_id": "h_2"}`
	c, err := ParseConclusion(resp)
	require.NoError(t, err)
	require.Equal(t, "connection pool exhaustion", c.RootCause)
	require.Equal(t, "h_2", c.ConfirmedHypothesisID)
}

func TestParseRemediationPlanAssignsSequentialIDs(t *testing.T) {
	resp := `{"steps": [{"action": "restart-pod", "description": "restart"}, {"action": "scale-up", "description": "scale"}]}`
	plan, err := ParseRemediationPlan(resp)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, "s1", plan.Steps[0].ID)
	require.Equal(t, "s2", plan.Steps[1].ID)
}

func TestParseRemediationPlanRejectsEmptySteps(t *testing.T) {
	_, err := ParseRemediationPlan(`{"steps": []}`)
	require.Error(t, err)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, KindMissingField, pe.Kind)
}

func TestParseLogAnalysis(t *testing.T) {
	resp := `{"findings": [{"statement": "spike in 5xx", "evidence": "log line x", "confidence": 80}], "summary": "errors spiked"}`
	res, err := ParseLogAnalysis(resp)
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	require.Equal(t, "errors spiked", res.Summary)
}
