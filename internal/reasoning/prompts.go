package reasoning

// Prompt templates are defined by contract in SPEC_FULL.md — required
// placeholders and response fields, not exact wording. These mirror the
// teacher's buildSystemPrompt/RenderInvestigationPrompt pattern: plain Go
// string templates filled with parser.FillPrompt, no external template
// engine, since the placeholder set is small and fixed per phase.

const triagePromptTemplate = `You are an SRE triaging an incident.

Query: {query}
Incident ID: {incidentId}
Incident context: {incidentContext}
Related knowledge: {knowledgeTitles}

Respond with JSON only:
{
  "summary": "...",
  "severity": "low|medium|high|critical",
  "affected_services": ["..."],
  "symptoms": ["..."],
  "error_messages": ["..."],
  "initial_hypotheses": ["..."]
}`

const hypothesizePromptTemplate = `Given this incident triage, propose root-cause hypotheses to investigate.

Summary: {summary}
Severity: {severity}
Affected services: {services}
Symptoms: {symptoms}

Available tools: {availableTools}

Respond with JSON only:
{
  "hypotheses": [
    {"statement": "...", "category": "infrastructure|application|dependency|configuration|capacity|security|unknown", "priority": 1, "reasoning": "...",
     "queries": [{"type": "<tool name>", "description": "...", "service": "..."}]}
  ]
}`

const evaluatePromptTemplate = `Evaluate the evidence gathered for this hypothesis.

Hypothesis: {statement} (id {hypothesisId})
Category: {category}
Evidence gathered:
{evidence}

Respond with JSON only:
{
  "hypothesis_id": "{hypothesisId}",
  "evidence": "none|weak|strong",
  "confidence": 0,
  "reasoning": "...",
  "action": "continue|branch|prune|confirm",
  "findings": ["..."],
  "sub_hypotheses": [
    {"statement": "...", "category": "...", "priority": 1, "reasoning": "...", "queries": []}
  ]
}`

const concludePromptTemplate = `Synthesize the full investigation into a final conclusion.

All findings:
{findings}

Respond with JSON only:
{
  "root_cause": "...",
  "confidence": "low|medium|high",
  "confirmed_hypothesis_id": "...",
  "evidence_chain": [{"finding": "...", "source": "...", "strength": "none|weak|strong"}],
  "alternative_explanations": ["..."],
  "unknowns": ["..."]
}`

const remediatePromptTemplate = `Propose a remediation plan for this root cause.

Root cause: {rootCause}
Available skills: {skills}
Relevant runbooks: {runbooks}
Code-fix candidates: {codeCandidates}

Respond with JSON only:
{
  "steps": [
    {"action": "...", "description": "...", "command": "...", "rollback_command": "...", "risk_level": "low|medium|high|critical", "requires_approval": true, "parameters": {}}
  ],
  "monitoring_hints": ["..."],
  "estimated_recovery_time": "..."
}`

const logAnalysisPromptTemplate = `Analyze these log lines against the hypothesis "{statement}".

Logs:
{logs}

Respond with JSON only:
{
  "findings": [{"statement": "...", "evidence": "...", "confidence": 0}],
  "summary": "..."
}`

const parseRetrySuffix = "\n\nYour previous response could not be parsed (%s). Reply again with valid JSON only, matching the requested schema exactly."
