package audit

import "time"

// EventType identifies the kind of audit event being recorded.
type EventType string

const (
	// Investigation lifecycle
	EventInvestigationStarted   EventType = "investigation.started"
	EventInvestigationCompleted EventType = "investigation.completed"
	EventInvestigationFailed    EventType = "investigation.failed"
	EventInvestigationCancelled EventType = "investigation.cancelled"

	// Phase / hypothesis events
	EventPhaseTransition    EventType = "investigation.phase_transition"
	EventHypothesisCreated  EventType = "investigation.hypothesis_created"
	EventHypothesisUpdated  EventType = "investigation.hypothesis_updated"
	EventConclusionReached  EventType = "investigation.conclusion_reached"
	EventEvidenceEvaluated  EventType = "investigation.evidence_evaluated"

	// Parsing
	EventParseFailed EventType = "parser.failed"

	// Approval gate
	EventMutationApproved EventType = "safety.mutation_approved"
	EventMutationRejected EventType = "safety.mutation_rejected"
	EventMutationBlocked  EventType = "safety.mutation_blocked"

	// Remediation
	EventRemediationStepExecuted EventType = "remediation.step_executed"
	EventRemediationStepFailed   EventType = "remediation.step_failed"

	// Checkpoints
	EventCheckpointSaved  EventType = "checkpoint.saved"
	EventCheckpointLoaded EventType = "checkpoint.loaded"
)

// Result is the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event is a single audit record.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	EventType     EventType `json:"event_type"`
	Result        Result    `json:"result"`

	Resource    string                 `json:"resource,omitempty"`
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates an Event with default values populated.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

func (e *Event) WithResource(resource string) *Event {
	e.Resource = resource
	return e
}

func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

func (e *Event) WithDuration(d time.Duration) *Event {
	e.DurationMs = d.Milliseconds()
	return e
}

func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
