// Package orchestrator drives the autonomous Planner→Builder→Test→Fixer
// loop for each session: it acquires a sandbox, runs the planning phase,
// iterates builds with error feedback, snapshots each attempt, and emits
// an ordered event stream to the caller.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeloop/internal/events"
	"forgeloop/internal/logging"
	"forgeloop/internal/metrics"
	"forgeloop/internal/sandbox"
)

// Plans exposes the session store's caller-promoted plan. When a caller
// has approved a plan for the session, it overrides the plan the Planner
// produced for builder invocations. *session.Store satisfies it.
type Plans interface {
	ApprovedPlan(sessionID string) string
}

// Sandbox is the slice of the pool manager the orchestrator drives.
// *sandbox.Manager satisfies it; tests substitute a fake.
type Sandbox interface {
	CreateContainer(ctx context.Context, sessionID string) (*sandbox.Container, error)
	WriteFile(ctx context.Context, sessionID, path string, content []byte) error
	CreateSnapshot(ctx context.Context, sessionID string) (*sandbox.Snapshot, error)
	TestCode(ctx context.Context, sessionID string) (*sandbox.TestResult, error)
	DestroyContainer(ctx context.Context, sessionID, reason string) (*sandbox.DestroyResult, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxIterations        int
	MaxOrchestrationTime time.Duration
}

// DefaultConfig returns the documented bounds.
func DefaultConfig() Config {
	return Config{MaxIterations: 5, MaxOrchestrationTime: 15 * time.Minute}
}

// Orchestrator owns all executions in the process.
type Orchestrator struct {
	cfg     Config
	sandbox Sandbox
	bus     *events.Bus
	plans   Plans // nil when no session store is attached
	log     *zap.SugaredLogger

	mu         sync.Mutex
	executions map[string]*Execution
	draining   bool
}

// New creates an orchestrator over a sandbox pool and event bus. plans
// may be nil; then only Planner output drives builder invocations.
func New(cfg Config, sb Sandbox, bus *events.Bus, plans Plans) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.MaxOrchestrationTime <= 0 {
		cfg.MaxOrchestrationTime = 15 * time.Minute
	}
	return &Orchestrator{
		cfg:        cfg,
		sandbox:    sb,
		bus:        bus,
		plans:      plans,
		log:        logging.Component("orchestrator"),
		executions: make(map[string]*Execution),
	}
}

// Start begins an autonomous execution for the session. Fails with
// ErrAlreadyRunning while a previous execution is still in flight.
func (o *Orchestrator) Start(sessionID, prompt string, agents Agents, opts Options) (*Execution, error) {
	o.mu.Lock()
	if o.draining {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator is shutting down")
	}
	if existing, ok := o.executions[sessionID]; ok && !existing.state().IsTerminal() {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	exec := &Execution{
		SessionID: sessionID,
		Prompt:    prompt,
		agents:    agents,
		State:     StateIdle,
		StartedAt: time.Now(),
		onEvent:   opts.OnEvent,
		cancel:    cancel,
	}
	exec.timer = time.AfterFunc(o.cfg.MaxOrchestrationTime, func() { o.timeout(sessionID) })
	o.executions[sessionID] = exec
	o.mu.Unlock()

	metrics.Get().ExecutionsActive.Inc()
	go o.run(ctx, exec)
	return exec, nil
}

// Status returns the small projection, or ErrNotFound.
func (o *Orchestrator) Status(sessionID string) (*Status, error) {
	exec := o.get(sessionID)
	if exec == nil {
		return nil, ErrNotFound
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	st := exec.statusLocked()
	return &st, nil
}

// Details returns the full projection, or ErrNotFound.
func (o *Orchestrator) Details(sessionID string) (*Details, error) {
	exec := o.get(sessionID)
	if exec == nil {
		return nil, ErrNotFound
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()

	d := &Details{
		Status:       exec.statusLocked(),
		Plan:         exec.Plan,
		Code:         exec.Code,
		SnapshotList: append([]sandbox.Snapshot(nil), exec.Snapshots...),
		EventLog:     append([]events.Event(nil), exec.Events...),
		ErrorList:    append([]string(nil), exec.Errors...),
	}
	d.IterationList = append(d.IterationList, exec.Iterations...)
	return d, nil
}

// Stop cleanly cancels an execution: the timer is disarmed, the sandbox
// destroyed, and the execution marked FAILED.
func (o *Orchestrator) Stop(ctx context.Context, sessionID, reason string) (*StopResult, error) {
	exec := o.get(sessionID)
	if exec == nil {
		return nil, ErrNotFound
	}

	exec.mu.Lock()
	if exec.State.IsTerminal() {
		duration := time.Since(exec.StartedAt)
		exec.mu.Unlock()
		return &StopResult{OK: true, Duration: duration}, nil
	}
	exec.timer.Stop()
	exec.mu.Unlock()

	// Terminal state is set before cancellation so the workflow goroutine
	// observes it and does not race a second teardown.
	o.transition(exec, StateFailed)
	exec.cancel()
	o.sandbox.DestroyContainer(ctx, sessionID, "stopped")
	o.emit(exec, events.New(events.ExecutionFailed, map[string]any{"reason": reason}))
	o.finish(exec, StateFailed)

	o.log.Infow("execution stopped", "session", sessionID, "reason", reason)
	return &StopResult{OK: true, Duration: time.Since(exec.StartedAt)}, nil
}

// Cleanup releases all resources held for a session. Idempotent; a no-op
// after the execution already reached a terminal state and was removed.
func (o *Orchestrator) Cleanup(ctx context.Context, sessionID string) {
	exec := o.get(sessionID)
	if exec == nil {
		return
	}
	exec.mu.Lock()
	terminal := exec.State.IsTerminal()
	exec.timer.Stop()
	exec.onEvent = nil
	exec.mu.Unlock()

	if !terminal {
		exec.cancel()
		o.sandbox.DestroyContainer(ctx, sessionID, "cleanup")
	}

	o.mu.Lock()
	delete(o.executions, sessionID)
	o.mu.Unlock()
	o.bus.DropSession(sessionID)
}

// Drain stops accepting new executions. Used during graceful shutdown.
func (o *Orchestrator) Drain() {
	o.mu.Lock()
	o.draining = true
	o.mu.Unlock()
}

// --- workflow ---

func (o *Orchestrator) run(ctx context.Context, exec *Execution) {
	sid := exec.SessionID

	// Phase 0: sandbox
	o.emit(exec, events.New(events.SandboxCreating, nil))
	if _, err := o.sandbox.CreateContainer(ctx, sid); err != nil {
		o.emit(exec, events.New(events.SandboxFailed, map[string]any{"error": err.Error()}))
		o.fail(ctx, exec, "sandbox creation failed: "+err.Error(), false)
		return
	}
	o.emit(exec, events.New(events.SandboxCreated, nil))

	// Phase 1: planning
	o.transition(exec, StatePlanning)
	o.emit(exec, events.New(events.PlanningStart, nil))
	planRes, err := exec.agents.Planner.Invoke(ctx, exec.Prompt, "")
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled by stop or timeout; the canceller owns teardown.
			return
		}
		o.emit(exec, events.New(events.PlanningFailed, map[string]any{"error": err.Error()}))
		o.fail(ctx, exec, "planning failed: "+err.Error(), true)
		return
	}
	exec.mu.Lock()
	exec.Plan = planRes.Content
	exec.mu.Unlock()
	o.emit(exec, events.New(events.PlanningComplete, map[string]any{"plan_chars": len(planRes.Content)}))

	// Phase 2: build loop
	for i := 1; i <= o.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return
		}

		iter := &Iteration{Number: i, StartedAt: time.Now(), State: IterationPending}
		exec.mu.Lock()
		exec.Iterations = append(exec.Iterations, iter)
		exec.CurrentIteration = i
		exec.mu.Unlock()

		o.transition(exec, StateBuilding)
		o.emit(exec, events.New(events.BuildingStart, map[string]any{"iteration": i}))

		buildRes, err := exec.agents.Builder.Invoke(ctx, o.builderPrompt(exec, i), o.builderPlan(exec))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.emit(exec, events.New(events.BuildingFailed, map[string]any{"iteration": i, "error": err.Error()}))
			exec.mu.Lock()
			iter.State = IterationError
			exec.mu.Unlock()
			o.fail(ctx, exec, "builder failed: "+err.Error(), true)
			return
		}
		exec.mu.Lock()
		iter.Builder = buildRes
		exec.Code = buildRes.Content
		exec.mu.Unlock()
		o.emit(exec, events.New(events.BuildingComplete, map[string]any{"iteration": i}))

		// Materialize files; writes are best-effort.
		files := ExtractFiles(buildRes.Content)
		for _, f := range files {
			if err := o.sandbox.WriteFile(ctx, sid, f.Path, []byte(f.Content)); err != nil {
				o.log.Warnw("file write failed", "session", sid, "path", f.Path, "error", err)
			}
		}

		if snap, err := o.sandbox.CreateSnapshot(ctx, sid); err != nil {
			o.log.Warnw("snapshot failed", "session", sid, "iteration", i, "error", err)
		} else {
			exec.mu.Lock()
			iter.Snapshot = snap
			exec.Snapshots = append(exec.Snapshots, *snap)
			exec.mu.Unlock()
			o.emit(exec, events.New(events.SnapshotCreated, map[string]any{"iteration": i, "name": snap.Name}))
		}

		// Test
		o.transition(exec, StateTesting)
		o.emit(exec, events.New(events.InstallingDependencies, map[string]any{"iteration": i}))
		testRes, err := o.sandbox.TestCode(ctx, sid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			exec.mu.Lock()
			iter.State = IterationError
			exec.mu.Unlock()
			o.fail(ctx, exec, "testing failed: "+err.Error(), true)
			return
		}

		if testRes.Success {
			exec.mu.Lock()
			iter.State = IterationSuccess
			exec.mu.Unlock()
			o.transition(exec, StateSuccess)
			o.emit(exec, events.New(events.ExecutionComplete, map[string]any{
				"iterations": i,
				"files":      len(files),
			}))
			exec.mu.Lock()
			exec.timer.Stop()
			exec.mu.Unlock()
			o.sandbox.DestroyContainer(ctx, sid, "completed")
			o.finish(exec, StateSuccess)
			return
		}

		exec.mu.Lock()
		iter.State = IterationError
		iter.Errors = testRes.Errors
		exec.Errors = append(exec.Errors, testRes.Errors...)
		exec.mu.Unlock()
		o.emit(exec, events.New(events.BuildErrors, map[string]any{"iteration": i, "errors": testRes.Errors}))

		if i == o.cfg.MaxIterations {
			o.transition(exec, StateFailed)
			o.emit(exec, events.New(events.ExecutionFailed, map[string]any{"reason": "max_iterations"}))
			exec.mu.Lock()
			exec.timer.Stop()
			exec.mu.Unlock()
			o.sandbox.DestroyContainer(ctx, sid, "completed")
			o.finish(exec, StateFailed)
			return
		}

		// Fixer primes the next iteration; its output is not applied and
		// its failure does not short-circuit the loop.
		o.transition(exec, StateFixing)
		o.emit(exec, events.New(events.FixingStart, map[string]any{"iteration": i}))
		fixPrompt := fmt.Sprintf(
			"The code has errors. Analyze and fix them.\n\nErrors:\n%s\n\nOriginal code:\n%s",
			strings.Join(testRes.Errors, "\n"), exec.codeSnapshot())
		if _, err := exec.agents.Fixer.Invoke(ctx, fixPrompt, ""); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.log.Warnw("fixer failed", "session", sid, "iteration", i, "error", err)
			o.emit(exec, events.New(events.FixingFailed, map[string]any{"iteration": i, "error": err.Error()}))
		} else {
			o.emit(exec, events.New(events.FixingComplete, map[string]any{"iteration": i}))
		}
	}
}

// builderPlan picks the plan that drives a builder invocation: the
// caller-promoted plan for the session when one exists, else the plan
// this execution's Planner produced.
func (o *Orchestrator) builderPlan(exec *Execution) string {
	if o.plans != nil {
		if approved := o.plans.ApprovedPlan(exec.SessionID); approved != "" {
			return approved
		}
	}
	return exec.planSnapshot()
}

// builderPrompt returns the original prompt on the first iteration and
// the error-augmented prompt afterwards. Only the accumulated test errors
// carry state between iterations.
func (o *Orchestrator) builderPrompt(exec *Execution, iteration int) string {
	if iteration == 1 {
		return exec.Prompt
	}
	exec.mu.Lock()
	errs := strings.Join(exec.Errors, "\n")
	exec.mu.Unlock()
	return fmt.Sprintf(
		"Previous attempt had errors. Fix them and try again.\n\nErrors:\n%s\n\nOriginal request: %s",
		errs, exec.Prompt)
}

// fail moves the execution to FAILED, tearing down the sandbox when one
// was created.
func (o *Orchestrator) fail(ctx context.Context, exec *Execution, message string, destroySandbox bool) {
	if exec.state().IsTerminal() {
		return
	}
	exec.mu.Lock()
	exec.Errors = append(exec.Errors, message)
	exec.timer.Stop()
	exec.mu.Unlock()

	if destroySandbox {
		o.sandbox.DestroyContainer(ctx, exec.SessionID, "failed")
	}
	o.transition(exec, StateFailed)
	o.emit(exec, events.New(events.ExecutionFailed, map[string]any{"reason": message}))
	o.finish(exec, StateFailed)
}

// timeout fires when the orchestration timer lapses.
func (o *Orchestrator) timeout(sessionID string) {
	exec := o.get(sessionID)
	if exec == nil {
		return
	}
	exec.mu.Lock()
	if exec.State.IsTerminal() {
		exec.mu.Unlock()
		return
	}
	exec.mu.Unlock()

	o.log.Warnw("execution timed out", "session", sessionID)
	o.transition(exec, StateTimeout)
	exec.cancel()
	o.emit(exec, events.New(events.ExecutionTimeout, map[string]any{
		"elapsed_ms": time.Since(exec.StartedAt).Milliseconds(),
	}))
	o.sandbox.DestroyContainer(context.Background(), sessionID, "timeout")
	o.finish(exec, StateTimeout)
}

// finish records terminal metrics once.
func (o *Orchestrator) finish(exec *Execution, state State) {
	exec.mu.Lock()
	if exec.finished {
		exec.mu.Unlock()
		return
	}
	exec.finished = true
	exec.mu.Unlock()

	metrics.Get().ExecutionsActive.Dec()
	metrics.Get().ExecutionsTotal.WithLabelValues(string(state)).Inc()
	metrics.Get().ExecutionDuration.Observe(time.Since(exec.StartedAt).Seconds())
	exec.mu.Lock()
	iterations := len(exec.Iterations)
	exec.mu.Unlock()
	if iterations > 0 {
		metrics.Get().ExecutionIterations.Observe(float64(iterations))
	}
}

// transition moves the state machine and emits a state_change event.
func (o *Orchestrator) transition(exec *Execution, to State) {
	exec.mu.Lock()
	from := exec.State
	if from == to || from.IsTerminal() {
		exec.mu.Unlock()
		return
	}
	exec.State = to
	exec.mu.Unlock()

	o.emit(exec, events.New(events.StateChange, map[string]any{"from": string(from), "to": string(to)}))
}

// emit appends the event to the execution log, delivers it to the caller
// callback, and publishes it on the bus — in that order, every time.
func (o *Orchestrator) emit(exec *Execution, ev events.Event) {
	exec.mu.Lock()
	exec.Events = append(exec.Events, ev)
	cb := exec.onEvent
	exec.mu.Unlock()

	if cb != nil {
		cb(ev)
	}
	o.bus.Publish(exec.SessionID, ev)
}

func (o *Orchestrator) get(sessionID string) *Execution {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executions[sessionID]
}

// --- execution accessors ---

func (e *Execution) state() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State
}

func (e *Execution) planSnapshot() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Plan
}

func (e *Execution) codeSnapshot() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Code
}

func (e *Execution) statusLocked() Status {
	return Status{
		SessionID:        e.SessionID,
		State:            e.State,
		CurrentIteration: e.CurrentIteration,
		Iterations:       len(e.Iterations),
		Errors:           len(e.Errors),
		Snapshots:        len(e.Snapshots),
		Events:           len(e.Events),
		Duration:         time.Since(e.StartedAt),
	}
}
