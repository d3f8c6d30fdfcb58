// Package checkpoint owns the Checkpoint Store (C9): an immutable snapshot
// of one investigation's progress, persisted so a crashed or paused run can
// resume from the last saved phase instead of from scratch.
//
// A Checkpoint is a value snapshot only. It does not own the scratchpad's
// tool-result bodies — only their ids — so resuming from a checkpoint loses
// access to evicted scratchpad entries; get_full_result on a cleared id
// returns "not found" after resume, which is expected rather than an error.
package checkpoint

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/manthan787/runbookai/internal/investigation"
)

// Checkpoint is one immutable snapshot of an investigation in progress.
type Checkpoint struct {
	ID              string    `json:"id"`
	InvestigationID string    `json:"investigation_id"`
	CreatedAt       time.Time `json:"created_at"`

	Phase investigation.Phase `json:"phase"`
	Query string              `json:"query"`

	Hypotheses []*investigation.Hypothesis         `json:"hypotheses"`
	Evidence   []*investigation.EvidenceEvaluation `json:"evidence,omitempty"`

	// ServicesDiscovered is the deduplicated set of service names named by
	// any hypothesis's planned queries so far. The services triage named up
	// front are kept separately in AffectedServices.
	ServicesDiscovered []string `json:"services_discovered,omitempty"`
	Symptoms           []string `json:"symptoms,omitempty"`
	AffectedServices   []string `json:"affected_services,omitempty"`

	// ScratchpadIDs references the tool-result ids recorded at snapshot
	// time. Bodies are not copied; see package doc.
	ScratchpadIDs []string `json:"scratchpad_ids,omitempty"`

	RootCause   string                         `json:"root_cause,omitempty"`
	Remediation *investigation.RemediationPlan `json:"remediation,omitempty"`

	// Iteration is the investigate/evaluate cycle count at snapshot time, so
	// a resumed investigation keeps counting against the same iteration
	// budget instead of getting a fresh one.
	Iteration int `json:"iteration"`
}

// FromInvestigation builds a Checkpoint from a state machine snapshot and
// the scratchpad ids referenced at the same point in time. id is generated
// by the caller (typically via NewID) so the Store, not this constructor,
// owns id assignment.
func FromInvestigation(id string, inv *investigation.Investigation, scratchpadIDs []string) *Checkpoint {
	cp := &Checkpoint{
		ID:              id,
		InvestigationID: inv.ID,
		CreatedAt:       time.Now().UTC(),
		Phase:           inv.Phase,
		Query:           inv.Query,
		Hypotheses:      inv.Hypotheses,
		Evidence:        inv.Evaluations,
		ScratchpadIDs:   append([]string(nil), scratchpadIDs...),
		Iteration:       inv.Iteration,
	}

	if inv.Triage != nil {
		cp.Symptoms = inv.Triage.Symptoms
		cp.AffectedServices = inv.Triage.AffectedServices
	}
	if inv.Conclusion != nil {
		cp.RootCause = inv.Conclusion.RootCause
	}
	cp.Remediation = inv.Remediation
	cp.ServicesDiscovered = discoverServices(inv.Hypotheses)
	return cp
}

// RestoreStateMachine reconstructs a StateMachine from a checkpoint so an
// orchestrator can continue an investigation from its saved phase instead of
// restarting it. Triage/Conclusion are rebuilt only from the fields the
// checkpoint actually retains (symptoms, affected services, root cause); a
// resumed investigation's triage summary and evidence chain are lost, which
// matches the scratchpad-body loss documented in the package doc.
func RestoreStateMachine(cp *Checkpoint, maxHypotheses, maxIterations int) *investigation.StateMachine {
	p := investigation.RestoreParams{
		ID:            cp.InvestigationID,
		Query:         cp.Query,
		Phase:         cp.Phase,
		CreatedAt:     cp.CreatedAt,
		MaxHypotheses: maxHypotheses,
		MaxIterations: maxIterations,
		Iteration:     cp.Iteration,
		Hypotheses:    cp.Hypotheses,
		Evaluations:   cp.Evidence,
		Remediation:   cp.Remediation,
	}
	if len(cp.Symptoms) > 0 || len(cp.AffectedServices) > 0 {
		p.Triage = &investigation.TriageResult{
			Symptoms:         cp.Symptoms,
			AffectedServices: cp.AffectedServices,
		}
	}
	if cp.RootCause != "" {
		p.Conclusion = &investigation.Conclusion{RootCause: cp.RootCause}
	}
	return investigation.Restore(p)
}

func discoverServices(hyps []*investigation.Hypothesis) []string {
	seen := make(map[string]bool)
	var out []string
	for _, h := range hyps {
		for _, q := range h.Queries {
			if q.Service == "" || seen[q.Service] {
				continue
			}
			seen[q.Service] = true
			out = append(out, q.Service)
		}
	}
	return out
}

// Entry is the lightweight listing shape returned by Store.List, without
// the full hypothesis/evidence payload.
type Entry struct {
	ID              string    `json:"id"`
	InvestigationID string    `json:"investigation_id"`
	CreatedAt       time.Time `json:"created_at"`
	Phase           investigation.Phase `json:"phase"`
}

// Store is the consumed/provided Checkpoint Store interface (C9). Both
// backends in this package satisfy it; callers may also bring their own.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) (string, error)
	Load(ctx context.Context, investigationID, id string) (*Checkpoint, error)
	LoadLatest(ctx context.Context, investigationID string) (*Checkpoint, error)
	List(ctx context.Context, investigationID string) ([]Entry, error)
	ListInvestigations(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, investigationID, id string) error
	DeleteAll(ctx context.Context, investigationID string) error
}

// ErrNotFound is returned by Load/LoadLatest when no checkpoint exists for
// the requested investigation. List-style reads never return this error;
// they silently skip missing or corrupt entries instead, per spec.
var ErrNotFound = fmt.Errorf("checkpoint: not found")

// DefaultMaxPerInvestigation is the default prune threshold applied by both
// backends on Save.
const DefaultMaxPerInvestigation = 50

// NewID generates a checkpoint id: 12 hex characters from a
// cryptographically strong RNG, per spec. It deliberately is not a
// sequential counter, since the Store has no single-writer guarantee across
// backends (filesystem vs sqlite) to make a counter meaningful; ordering is
// instead recovered from CreatedAt at List time.
func NewID() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("checkpoint: generate id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func marshal(cp *Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal: %w", err)
	}
	return data, nil
}

func unmarshal(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return &cp, nil
}
