package investigation

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// transitions is the allowed-edge graph from SPEC_FULL.md §4.6, mirroring
// the validateStateTransition map pattern this package is grounded on.
var transitions = map[Phase][]Phase{
	PhaseIdle:        {PhaseTriage},
	PhaseTriage:      {PhaseHypothesize, PhaseConclude},
	PhaseHypothesize: {PhaseInvestigate, PhaseConclude},
	PhaseInvestigate: {PhaseEvaluate, PhaseConclude},
	PhaseEvaluate:    {PhaseInvestigate, PhaseHypothesize, PhaseConclude},
	PhaseConclude:    {PhaseRemediate, PhaseComplete},
	PhaseRemediate:   {PhaseComplete},
}

var terminalPhases = map[Phase]bool{
	PhaseComplete: true,
	PhaseError:    true,
}

func isValidTransition(from, to Phase) bool {
	if terminalPhases[from] {
		return false
	}
	if to == PhaseError {
		return true // any non-terminal -> error is always allowed
	}
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// StateMachine owns one Investigation's aggregate state and publishes its
// event stream. All exported methods are safe for concurrent use; the
// machine itself never runs LLM or tool calls — it only maintains
// invariants over the data in SPEC_FULL.md §3.
type StateMachine struct {
	mu   sync.Mutex
	inv  *Investigation
	bus  *eventBus

	maxHypotheses int
	hypCounter    int
}

// New creates a StateMachine in phase idle.
func New(id, query, incidentID string, maxHypotheses, maxIterations int) *StateMachine {
	return &StateMachine{
		inv: &Investigation{
			ID:           id,
			Query:        query,
			IncidentID:   incidentID,
			Phase:        PhaseIdle,
			CreatedAt:    time.Now().UTC(),
			PhaseHistory: nil,
			MaxIteration: maxIterations,
		},
		bus:           newEventBus(),
		maxHypotheses: maxHypotheses,
	}
}

// RestoreParams is everything a checkpoint needs to supply to reconstruct a
// StateMachine mid-investigation. It mirrors a Checkpoint's fields rather
// than accepting one directly, since this package is a dependency of the
// checkpoint package and cannot import it back.
type RestoreParams struct {
	ID            string
	Query         string
	IncidentID    string
	Phase         Phase
	CreatedAt     time.Time
	MaxHypotheses int
	MaxIterations int
	Iteration     int
	Hypotheses    []*Hypothesis
	Evaluations   []*EvidenceEvaluation
	Triage        *TriageResult
	Conclusion    *Conclusion
	Remediation   *RemediationPlan
	Errors        []string
}

// Restore reconstructs a StateMachine from a saved checkpoint so an
// investigation can continue from its saved phase instead of restarting.
// The rebuilt machine's hypothesis counter picks up after the highest
// "h_N" id already present, so newly added hypotheses never collide with
// restored ones.
func Restore(p RestoreParams) *StateMachine {
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	hypCounter := 0
	for _, h := range p.Hypotheses {
		if n, ok := parseHypID(h.ID); ok && n > hypCounter {
			hypCounter = n
		}
	}

	return &StateMachine{
		inv: &Investigation{
			ID:           p.ID,
			Query:        p.Query,
			IncidentID:   p.IncidentID,
			Phase:        p.Phase,
			CreatedAt:    createdAt,
			Hypotheses:   append([]*Hypothesis(nil), p.Hypotheses...),
			Evaluations:  append([]*EvidenceEvaluation(nil), p.Evaluations...),
			Triage:       p.Triage,
			Conclusion:   p.Conclusion,
			Remediation:  p.Remediation,
			Errors:       append([]string(nil), p.Errors...),
			Iteration:    p.Iteration,
			MaxIteration: p.MaxIterations,
		},
		bus:           newEventBus(),
		maxHypotheses: p.MaxHypotheses,
		hypCounter:    hypCounter,
	}
}

func parseHypID(id string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "h_"))
	if err != nil {
		return 0, false
	}
	return n, true
}

// OnDrop installs a hook invoked whenever a subscriber's buffer is full and
// an event is dropped. Intended for wiring a metrics counter.
func (m *StateMachine) OnDrop(fn func(investigationID string)) {
	m.bus.dropped = fn
}

// Subscribe registers a new event subscriber.
func (m *StateMachine) Subscribe(id string) *Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bus.Subscribe(id)
}

// ID returns the investigation id.
func (m *StateMachine) ID() string {
	return m.inv.ID
}

// Phase returns the current phase.
func (m *StateMachine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inv.Phase
}

// Start transitions idle -> triage.
func (m *StateMachine) Start() error {
	return m.TransitionTo(PhaseTriage, "investigation started")
}

// TransitionTo moves the machine to a new phase, validating the edge and
// emitting a phaseChange event. Reaching a terminal phase closes the event
// bus for every subscriber.
func (m *StateMachine) TransitionTo(to Phase, reason string) error {
	m.mu.Lock()
	from := m.inv.Phase
	if !isValidTransition(from, to) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}

	m.inv.Phase = to
	m.inv.PhaseHistory = append(m.inv.PhaseHistory, PhaseHistoryEntry{
		From: from, To: to, At: time.Now().UTC(), Reason: reason,
	})
	if to == PhaseComplete || to == PhaseError {
		now := time.Now().UTC()
		m.inv.CompletedAt = &now
	}
	terminal := terminalPhases[to]
	m.mu.Unlock()

	m.bus.publish(m.inv.ID, Event{Type: EventPhaseChange, From: from, To: to})
	if terminal {
		m.bus.close()
	}
	return nil
}

// SetTriageResult records the Triage phase's output. Valid only while the
// machine is in phase triage.
func (m *StateMachine) SetTriageResult(t *TriageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inv.Phase != PhaseTriage {
		return fmt.Errorf("%w: setTriageResult requires phase triage, got %q", ErrWrongPhase, m.inv.Phase)
	}
	m.inv.Triage = t
	return nil
}

// AddHypothesis inserts a new hypothesis, assigning it the next sequential
// id. If input.ParentID is set, the new hypothesis is linked as a child
// (children are reconstructed by scanning for matching ParentID, never held
// as pointers). Returns CapExceededError once the hard cap is reached.
func (m *StateMachine) AddHypothesis(input HypothesisInput) (string, error) {
	m.mu.Lock()

	if len(m.inv.Hypotheses) >= m.maxHypotheses {
		m.mu.Unlock()
		return "", &CapExceededError{Cap: m.maxHypotheses}
	}
	if input.ParentID != "" {
		if _, ok := m.findLocked(input.ParentID); !ok {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: parent id %q", ErrHypothesisNotFound, input.ParentID)
		}
	}

	m.hypCounter++
	id := fmt.Sprintf("h_%d", m.hypCounter)
	now := time.Now().UTC()
	h := &Hypothesis{
		ID:        id,
		Statement: input.Statement,
		Category:  input.Category,
		Priority:  input.Priority,
		Status:    StatusPending,
		Evidence:  EvidencePending,
		ParentID:  input.ParentID,
		Queries:   input.Queries,
		Reasoning: input.Reasoning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.inv.Hypotheses = append(m.inv.Hypotheses, h)
	m.mu.Unlock()
	m.bus.publish(m.inv.ID, Event{Type: EventHypothesisCreated, Hypothesis: h})
	return id, nil
}

func (m *StateMachine) findLocked(id string) (*Hypothesis, bool) {
	for _, h := range m.inv.Hypotheses {
		if h.ID == id {
			return h, true
		}
	}
	return nil, false
}

// FindHypothesis looks up a hypothesis by id.
func (m *StateMachine) FindHypothesis(id string) (*Hypothesis, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(id)
}

// Children returns the hypotheses whose ParentID equals id, in insertion
// order.
func (m *StateMachine) Children(id string) []*Hypothesis {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Hypothesis
	for _, h := range m.inv.Hypotheses {
		if h.ParentID == id {
			out = append(out, h)
		}
	}
	return out
}

// ActiveHypotheses returns hypotheses whose status is neither pruned nor
// confirmed.
func (m *StateMachine) ActiveHypotheses() []*Hypothesis {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Hypothesis
	for _, h := range m.inv.Hypotheses {
		if h.Status != StatusPruned && h.Status != StatusConfirmed {
			out = append(out, h)
		}
	}
	return out
}

// NextHypothesis returns the active hypothesis with the lowest priority
// number, tie-broken by id (insertion) order.
func (m *StateMachine) NextHypothesis() (*Hypothesis, bool) {
	active := m.ActiveHypotheses()
	if len(active) == 0 {
		return nil, false
	}
	best := active[0]
	for _, h := range active[1:] {
		if h.Priority < best.Priority {
			best = h
		}
	}
	return best, true
}

// ApplyEvaluation appends the evaluation to the investigation's evidence
// log and mutates the target hypothesis per its Action.
func (m *StateMachine) ApplyEvaluation(eval *EvidenceEvaluation) error {
	m.mu.Lock()
	h, ok := m.findLocked(eval.HypothesisID)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrHypothesisNotFound, eval.HypothesisID)
	}
	if eval.EvaluatedAt.IsZero() {
		eval.EvaluatedAt = time.Now().UTC()
	}
	m.inv.Evaluations = append(m.inv.Evaluations, eval)

	h.Evidence = eval.Evidence
	h.Confidence = eval.Confidence
	h.Reasoning = eval.Reasoning
	h.UpdatedAt = time.Now().UTC()

	switch eval.Action {
	case ActionPrune:
		h.Status = StatusPruned
		h.RefutingEvidence = strings.Join(eval.Findings, "; ")
	case ActionConfirm:
		h.Status = StatusConfirmed
		h.ConfirmingEvidence = strings.Join(eval.Findings, "; ")
	case ActionBranch:
		h.Status = StatusInvestigating
	case ActionContinue:
		h.Status = StatusInvestigating
	}
	m.mu.Unlock()

	m.bus.publish(m.inv.ID, Event{Type: EventEvidenceEvaluated, Evaluation: eval})
	m.bus.publish(m.inv.ID, Event{Type: EventHypothesisUpdated, Hypothesis: h})

	if eval.Action == ActionBranch {
		for _, sub := range eval.SubHypotheses {
			if sub.ParentID == "" {
				sub.ParentID = eval.HypothesisID
			}
			if _, err := m.AddHypothesis(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetConclusion records the final conclusion and marks the referenced
// hypothesis confirmed.
func (m *StateMachine) SetConclusion(c *Conclusion) error {
	m.mu.Lock()
	m.inv.Conclusion = c
	if c.ConfirmedHypothesisID != "" {
		if h, ok := m.findLocked(c.ConfirmedHypothesisID); ok {
			h.Status = StatusConfirmed
			h.UpdatedAt = time.Now().UTC()
		}
	}
	m.mu.Unlock()
	m.bus.publish(m.inv.ID, Event{Type: EventConclusionReached, Conclusion: c})
	return nil
}

// SetRemediationPlan installs the remediation plan produced by the
// Remediate phase.
func (m *StateMachine) SetRemediationPlan(p *RemediationPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv.Remediation = p
	return nil
}

// RemediationStepUpdate is a sparse patch applied to one step; nil fields
// are left unchanged.
type RemediationStepUpdate struct {
	Status *RemediationStepStatus
	Result *string
	Error  *string
}

// UpdateRemediationStep applies a partial update to the remediation step
// with the given id.
func (m *StateMachine) UpdateRemediationStep(id string, update RemediationStepUpdate) error {
	m.mu.Lock()
	if m.inv.Remediation == nil {
		m.mu.Unlock()
		return fmt.Errorf("investigation: no remediation plan set")
	}
	var step *RemediationStep
	for _, s := range m.inv.Remediation.Steps {
		if s.ID == id {
			step = s
			break
		}
	}
	if step == nil {
		m.mu.Unlock()
		return fmt.Errorf("investigation: remediation step %q not found", id)
	}
	if update.Status != nil {
		step.Status = *update.Status
	}
	if update.Result != nil {
		step.Result = *update.Result
	}
	if update.Error != nil {
		step.Error = *update.Error
	}
	m.mu.Unlock()

	m.bus.publish(m.inv.ID, Event{Type: EventStepCompleted, Step: step})
	return nil
}

// RecordError appends err to the investigation's error log without
// transitioning phase; callers decide separately whether to transition to
// PhaseError.
func (m *StateMachine) RecordError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.inv.Errors = append(m.inv.Errors, err.Error())
	phase := m.inv.Phase
	m.mu.Unlock()
	m.bus.publish(m.inv.ID, Event{Type: EventError, Err: err, Phase: phase})
}

// IncrementIteration bumps the iteration counter and returns the new value.
func (m *StateMachine) IncrementIteration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv.Iteration++
	return m.inv.Iteration
}

// CanContinue reports whether the iteration budget has remaining capacity.
func (m *StateMachine) CanContinue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inv.Iteration < m.inv.MaxIteration
}

// GetSummary renders a human-readable report of the investigation's current
// state, grouping hypotheses by outcome the way an incident summary would.
func (m *StateMachine) GetSummary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaryLocked()
}

func (m *StateMachine) summaryLocked() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Investigation %s (phase: %s)\n", m.inv.ID, m.inv.Phase)
	fmt.Fprintf(&b, "Query: %s\n", m.inv.Query)

	if m.inv.Triage != nil {
		fmt.Fprintf(&b, "Severity: %s, Services: %s\n", m.inv.Triage.Severity, strings.Join(m.inv.Triage.AffectedServices, ", "))
	}

	var confirmed, active, rejected []*Hypothesis
	for _, h := range m.inv.Hypotheses {
		switch h.Status {
		case StatusConfirmed:
			confirmed = append(confirmed, h)
		case StatusPruned:
			rejected = append(rejected, h)
		default:
			active = append(active, h)
		}
	}

	if len(confirmed) > 0 {
		b.WriteString("\nConfirmed:\n")
		for _, h := range confirmed {
			fmt.Fprintf(&b, "  - %s (%s, confidence %d)\n", h.Statement, h.ID, h.Confidence)
		}
	}
	if len(active) > 0 {
		b.WriteString("\nActive:\n")
		for _, h := range active {
			fmt.Fprintf(&b, "  - %s (%s)\n", h.Statement, h.ID)
		}
	}
	if len(rejected) > 0 {
		b.WriteString("\nRejected / Deprioritized:\n")
		for _, h := range rejected {
			fmt.Fprintf(&b, "  - %s (%s)\n", h.Statement, h.ID)
		}
	}

	if m.inv.Conclusion != nil {
		fmt.Fprintf(&b, "\nConclusion: %s (confidence: %s)\n", m.inv.Conclusion.RootCause, m.inv.Conclusion.Confidence)
	}

	return b.String()
}

// ToJSON serializes the investigation aggregate.
func (m *StateMachine) ToJSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.inv)
}

// Snapshot returns a deep-enough copy of the investigation for checkpoint
// purposes: the slice headers are copied so later mutation of the live
// machine does not retroactively alter a saved checkpoint, but individual
// Hypothesis/Evaluation values are treated as immutable once appended
// (ApplyEvaluation/AddHypothesis never go back and replace array elements
// in place outside the pointer's own fields, which mirrors Checkpoint's
// value-snapshot contract in SPEC_FULL.md §3).
func (m *StateMachine) Snapshot() *Investigation {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *m.inv
	cp.PhaseHistory = append([]PhaseHistoryEntry(nil), m.inv.PhaseHistory...)
	cp.Hypotheses = append([]*Hypothesis(nil), m.inv.Hypotheses...)
	cp.Evaluations = append([]*EvidenceEvaluation(nil), m.inv.Evaluations...)
	cp.Errors = append([]string(nil), m.inv.Errors...)
	return &cp
}

// BuildResult assembles the caller-facing Result from the current state.
func (m *StateMachine) BuildResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rootCause string
	var confidence ConfidenceLevel
	if m.inv.Conclusion != nil {
		rootCause = m.inv.Conclusion.RootCause
		confidence = m.inv.Conclusion.Confidence
	}

	var durationMs int64
	if m.inv.CompletedAt != nil {
		durationMs = m.inv.CompletedAt.Sub(m.inv.CreatedAt).Milliseconds()
	} else {
		durationMs = time.Since(m.inv.CreatedAt).Milliseconds()
	}

	return &Result{
		InvestigationID: m.inv.ID,
		RootCause:       rootCause,
		Confidence:      confidence,
		Summary:         m.summaryLocked(),
		DurationMs:      durationMs,
		Remediation:     m.inv.Remediation,
		Hypotheses:      append([]*Hypothesis(nil), m.inv.Hypotheses...),
		Phase:           m.inv.Phase,
	}
}
