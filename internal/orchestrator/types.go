package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"forgeloop/internal/events"
	"forgeloop/internal/sandbox"
)

// State is the execution lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StatePlanning State = "PLANNING"
	StateBuilding State = "BUILDING"
	StateTesting  State = "TESTING"
	StateFixing   State = "FIXING"
	StateSuccess  State = "SUCCESS"
	StateFailed   State = "FAILED"
	StateTimeout  State = "TIMEOUT"
)

// IsTerminal reports whether the state ends the execution.
func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateTimeout
}

// IterationState is the terminal state of one build attempt.
type IterationState string

const (
	IterationPending IterationState = "pending"
	IterationSuccess IterationState = "success"
	IterationError   IterationState = "error"
)

// AgentResult is an agent's text artifact.
type AgentResult struct {
	Content    string `json:"content"`
	TokenCount int    `json:"token_count,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Agent is a callable capability taking a prompt and an optional approved
// plan. The orchestrator never assumes streaming.
type Agent interface {
	Invoke(ctx context.Context, prompt, plan string) (*AgentResult, error)
}

// Agents is the trio driving an execution.
type Agents struct {
	Planner Agent
	Builder Agent
	Fixer   Agent
}

// Iteration is a single Build→Test attempt. Iterations are append-only.
type Iteration struct {
	Number    int               `json:"number"`
	StartedAt time.Time         `json:"started_at"`
	State     IterationState    `json:"state"`
	Builder   *AgentResult      `json:"builder,omitempty"`
	Errors    []string          `json:"errors,omitempty"`
	Snapshot  *sandbox.Snapshot `json:"snapshot,omitempty"`
}

// Execution is one autonomous run, keyed by session ID.
type Execution struct {
	mu sync.Mutex

	SessionID string
	Prompt    string
	agents    Agents

	State            State
	StartedAt        time.Time
	Iterations       []*Iteration
	CurrentIteration int
	Plan             string
	Code             string
	Errors           []string
	Snapshots        []sandbox.Snapshot
	Events           []events.Event

	onEvent  events.Callback
	cancel   context.CancelFunc
	timer    *time.Timer
	finished bool
}

// Options tunes a single execution.
type Options struct {
	OnEvent events.Callback
}

// Status is the small read-only projection.
type Status struct {
	SessionID        string        `json:"session_id"`
	State            State         `json:"state"`
	CurrentIteration int           `json:"current_iteration"`
	Iterations       int           `json:"iterations"`
	Errors           int           `json:"errors"`
	Snapshots        int           `json:"snapshots"`
	Events           int           `json:"events"`
	Duration         time.Duration `json:"duration"`
}

// Details is the full read-only projection.
type Details struct {
	Status
	Plan          string             `json:"plan"`
	Code          string             `json:"code"`
	IterationList []*Iteration       `json:"iteration_list"`
	SnapshotList  []sandbox.Snapshot `json:"snapshot_list"`
	EventLog      []events.Event     `json:"event_log"`
	ErrorList     []string           `json:"error_list"`
}

// StopResult reports a manual stop.
type StopResult struct {
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration"`
}

var (
	// ErrAlreadyRunning is returned by Start when the session has an
	// active execution.
	ErrAlreadyRunning = errors.New("execution already running for session")

	// ErrNotFound is returned for operations on unknown sessions.
	ErrNotFound = errors.New("no execution for session")
)
