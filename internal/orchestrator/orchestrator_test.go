package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"forgeloop/internal/events"
	"forgeloop/internal/sandbox"
	"forgeloop/internal/transport"
)

// fakeSandbox records orchestrator interactions and scripts test outcomes.
type fakeSandbox struct {
	mu          sync.Mutex
	createErr   error
	writes      map[string]string
	testResults []*sandbox.TestResult
	testErr     error
	testCalls   int
	snapshots   int
	destroyed   []string // reasons, in order
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{writes: make(map[string]string)}
}

func (f *fakeSandbox) CreateContainer(ctx context.Context, sid string) (*sandbox.Container, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &sandbox.Container{SessionID: sid, Name: "fake-" + sid, Status: sandbox.StatusRunning, CreatedAt: time.Now()}, nil
}

func (f *fakeSandbox) WriteFile(ctx context.Context, sid, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[path] = string(content)
	return nil
}

func (f *fakeSandbox) CreateSnapshot(ctx context.Context, sid string) (*sandbox.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return &sandbox.Snapshot{Name: "snap", ImageID: "sha256:1", Timestamp: time.Now()}, nil
}

func (f *fakeSandbox) TestCode(ctx context.Context, sid string) (*sandbox.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.testErr != nil {
		return nil, f.testErr
	}
	idx := f.testCalls
	f.testCalls++
	if idx < len(f.testResults) {
		return f.testResults[idx], nil
	}
	return &sandbox.TestResult{Success: true}, nil
}

func (f *fakeSandbox) DestroyContainer(ctx context.Context, sid, reason string) (*sandbox.DestroyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, reason)
	return &sandbox.DestroyResult{OK: true, Lifetime: time.Second}, nil
}

func (f *fakeSandbox) destroyReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

// funcAgent adapts a function to the Agent capability.
type funcAgent func(ctx context.Context, prompt, plan string) (*AgentResult, error)

func (f funcAgent) Invoke(ctx context.Context, prompt, plan string) (*AgentResult, error) {
	return f(ctx, prompt, plan)
}

func textAgent(content string) Agent {
	return funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
		return &AgentResult{Content: content}, nil
	})
}

func waitTerminal(t *testing.T, o *Orchestrator, sid string) *Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		details, err := o.Details(sid)
		if err == nil && details.State.IsTerminal() && len(details.EventLog) > 0 {
			// Wait for the terminal event too, so assertions on the event
			// log never race the workflow goroutine's final emit.
			switch details.EventLog[len(details.EventLog)-1].Type {
			case events.ExecutionComplete, events.ExecutionFailed, events.ExecutionTimeout:
				st := details.Status
				return &st
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return nil
}

func newTestOrchestrator(sb Sandbox) *Orchestrator {
	return New(Config{MaxIterations: 5, MaxOrchestrationTime: time.Minute}, sb, events.NewBus(), nil)
}

// staticPlans scripts the session store's approved plan.
type staticPlans map[string]string

func (p staticPlans) ApprovedPlan(sessionID string) string { return p[sessionID] }

const builderOutput = "Sure!\n```html\n// filepath: index.html\n<!DOCTYPE html>\n<h1>hi</h1>\n```"

func TestHappyPathSucceedsOnFirstIteration(t *testing.T) {
	sb := newFakeSandbox()
	o := newTestOrchestrator(sb)

	var evMu sync.Mutex
	var eventTypes []events.Type
	agents := Agents{
		Planner: textAgent("Build a static greeting page"),
		Builder: textAgent(builderOutput),
		Fixer:   textAgent("unused"),
	}
	_, err := o.Start("sid", "make a greeting page", agents, Options{OnEvent: func(ev events.Event) {
		evMu.Lock()
		eventTypes = append(eventTypes, ev.Type)
		evMu.Unlock()
	}})
	if err != nil {
		t.Fatal(err)
	}

	st := waitTerminal(t, o, "sid")
	if st.State != StateSuccess {
		t.Fatalf("state = %s", st.State)
	}
	if st.Iterations != 1 || st.Snapshots != 1 || st.Errors != 0 {
		t.Fatalf("unexpected counts: %+v", st)
	}

	details, _ := o.Details("sid")
	if details.Plan != "Build a static greeting page" {
		t.Fatalf("plan = %q", details.Plan)
	}
	if sb.writes["index.html"] == "" {
		t.Fatal("index.html was not materialized")
	}

	evMu.Lock()
	last := eventTypes[len(eventTypes)-1]
	evMu.Unlock()
	if last != events.ExecutionComplete {
		t.Fatalf("event log ends with %s", last)
	}
	if got := sb.destroyReasons(); len(got) != 1 || got[0] != "completed" {
		t.Fatalf("destroy reasons = %v", got)
	}
}

func TestSelfHealsInTwoIterations(t *testing.T) {
	sb := newFakeSandbox()
	sb.testResults = []*sandbox.TestResult{
		{Success: false, Errors: []string{"Syntax error in ./index.js: unexpected token"}},
		{Success: true},
	}
	o := newTestOrchestrator(sb)

	var mu sync.Mutex
	var builderPrompts []string
	fixerCalled := false

	agents := Agents{
		Planner: textAgent("plan"),
		Builder: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			mu.Lock()
			builderPrompts = append(builderPrompts, prompt)
			mu.Unlock()
			return &AgentResult{Content: "```js\n// filepath: index.js\nconst x = 1;\n```"}, nil
		}),
		Fixer: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			mu.Lock()
			fixerCalled = true
			mu.Unlock()
			if !strings.HasPrefix(prompt, "The code has errors. Analyze and fix them.") {
				t.Errorf("fixer prompt malformed: %q", prompt)
			}
			return &AgentResult{Content: "fix advice"}, nil
		}),
	}

	if _, err := o.Start("sid", "build it", agents, Options{}); err != nil {
		t.Fatal(err)
	}
	st := waitTerminal(t, o, "sid")

	if st.State != StateSuccess || st.CurrentIteration != 2 || st.Snapshots != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	mu.Lock()
	defer mu.Unlock()
	if !fixerCalled {
		t.Fatal("fixer was never invoked")
	}
	if len(builderPrompts) != 2 {
		t.Fatalf("builder invoked %d times", len(builderPrompts))
	}
	if builderPrompts[0] != "build it" {
		t.Fatalf("first builder prompt = %q", builderPrompts[0])
	}
	if !strings.HasPrefix(builderPrompts[1], "Previous attempt had errors. Fix them and try again.") ||
		!strings.Contains(builderPrompts[1], "Syntax error in ./index.js") ||
		!strings.HasSuffix(builderPrompts[1], "Original request: build it") {
		t.Fatalf("second builder prompt malformed: %q", builderPrompts[1])
	}
}

func TestCallerApprovedPlanDrivesBuilder(t *testing.T) {
	sb := newFakeSandbox()
	o := New(Config{MaxIterations: 5, MaxOrchestrationTime: time.Minute}, sb, events.NewBus(),
		staticPlans{"sid": "caller plan"})

	var mu sync.Mutex
	var builderPlans []string
	agents := Agents{
		Planner: textAgent("planner plan"),
		Builder: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			mu.Lock()
			builderPlans = append(builderPlans, plan)
			mu.Unlock()
			return &AgentResult{Content: builderOutput}, nil
		}),
		Fixer: textAgent("f"),
	}
	if _, err := o.Start("sid", "build it", agents, Options{}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, "sid")

	mu.Lock()
	defer mu.Unlock()
	if len(builderPlans) != 1 || builderPlans[0] != "caller plan" {
		t.Fatalf("builder should receive the promoted plan, got %v", builderPlans)
	}
}

func TestBuilderFallsBackToPlannerPlan(t *testing.T) {
	sb := newFakeSandbox()
	o := New(Config{MaxIterations: 5, MaxOrchestrationTime: time.Minute}, sb, events.NewBus(),
		staticPlans{}) // nothing promoted for this session

	var mu sync.Mutex
	var builderPlans []string
	agents := Agents{
		Planner: textAgent("planner plan"),
		Builder: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			mu.Lock()
			builderPlans = append(builderPlans, plan)
			mu.Unlock()
			return &AgentResult{Content: builderOutput}, nil
		}),
		Fixer: textAgent("f"),
	}
	if _, err := o.Start("sid", "build it", agents, Options{}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, "sid")

	mu.Lock()
	defer mu.Unlock()
	if len(builderPlans) != 1 || builderPlans[0] != "planner plan" {
		t.Fatalf("builder should fall back to the planner's plan, got %v", builderPlans)
	}
}

func TestMaxIterationsExhausted(t *testing.T) {
	sb := newFakeSandbox()
	for i := 0; i < 5; i++ {
		sb.testResults = append(sb.testResults, &sandbox.TestResult{
			Success: false,
			Errors:  []string{"Syntax error in ./broken.js: nope"},
		})
	}
	o := newTestOrchestrator(sb)

	var mu sync.Mutex
	var eventTypes []events.Type
	var lastFailure events.Event
	agents := Agents{
		Planner: textAgent("plan"),
		Builder: textAgent("```js\n// filepath: broken.js\nconst x = ;\n```"),
		Fixer:   textAgent("advice"),
	}
	if _, err := o.Start("sid", "build", agents, Options{OnEvent: func(ev events.Event) {
		mu.Lock()
		eventTypes = append(eventTypes, ev.Type)
		if ev.Type == events.ExecutionFailed {
			lastFailure = ev
		}
		mu.Unlock()
	}}); err != nil {
		t.Fatal(err)
	}

	st := waitTerminal(t, o, "sid")
	if st.State != StateFailed {
		t.Fatalf("state = %s", st.State)
	}
	if st.Iterations != 5 {
		t.Fatalf("iterations = %d", st.Iterations)
	}
	if st.Errors < 5 {
		t.Fatalf("errors = %d, want >= 5", st.Errors)
	}
	mu.Lock()
	defer mu.Unlock()
	if lastFailure.Data["reason"] != "max_iterations" {
		t.Fatalf("failure reason = %v", lastFailure.Data["reason"])
	}
}

func TestOrchestrationTimeout(t *testing.T) {
	sb := newFakeSandbox()
	o := New(Config{MaxIterations: 5, MaxOrchestrationTime: 50 * time.Millisecond}, sb, events.NewBus(), nil)

	agents := Agents{
		Planner: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			<-ctx.Done() // planner blocks until cancelled
			return nil, ctx.Err()
		}),
		Builder: textAgent("x"),
		Fixer:   textAgent("x"),
	}

	var mu sync.Mutex
	sawTimeout := false
	if _, err := o.Start("sid", "p", agents, Options{OnEvent: func(ev events.Event) {
		if ev.Type == events.ExecutionTimeout {
			mu.Lock()
			sawTimeout = true
			mu.Unlock()
		}
	}}); err != nil {
		t.Fatal(err)
	}

	st := waitTerminal(t, o, "sid")
	if st.State != StateTimeout {
		t.Fatalf("state = %s", st.State)
	}
	mu.Lock()
	if !sawTimeout {
		t.Fatal("execution_timeout never emitted")
	}
	mu.Unlock()

	reasons := sb.destroyReasons()
	found := false
	for _, r := range reasons {
		if r == "timeout" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sandbox not destroyed with reason timeout: %v", reasons)
	}
}

func TestSandboxUnavailableFailsWithoutIterations(t *testing.T) {
	sb := newFakeSandbox()
	sb.createErr = &transport.TransportError{Category: transport.CategoryPermissionDenied, Op: "docker run"}
	o := newTestOrchestrator(sb)

	var mu sync.Mutex
	sawSandboxFailed := false
	agents := Agents{Planner: textAgent("p"), Builder: textAgent("b"), Fixer: textAgent("f")}
	if _, err := o.Start("sid", "p", agents, Options{OnEvent: func(ev events.Event) {
		if ev.Type == events.SandboxFailed {
			mu.Lock()
			sawSandboxFailed = true
			mu.Unlock()
		}
	}}); err != nil {
		t.Fatal(err)
	}

	st := waitTerminal(t, o, "sid")
	if st.State != StateFailed {
		t.Fatalf("state = %s", st.State)
	}
	if st.Iterations != 0 {
		t.Fatalf("no iterations should be recorded, got %d", st.Iterations)
	}
	mu.Lock()
	if !sawSandboxFailed {
		t.Fatal("sandbox_failed never emitted")
	}
	mu.Unlock()
}

func TestPlannerFailureFailsExecution(t *testing.T) {
	sb := newFakeSandbox()
	o := newTestOrchestrator(sb)

	agents := Agents{
		Planner: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			return nil, errors.New("bot did not answer within 60s")
		}),
		Builder: textAgent("b"),
		Fixer:   textAgent("f"),
	}
	if _, err := o.Start("sid", "p", agents, Options{}); err != nil {
		t.Fatal(err)
	}

	st := waitTerminal(t, o, "sid")
	if st.State != StateFailed {
		t.Fatalf("state = %s", st.State)
	}
	details, _ := o.Details("sid")
	if len(details.ErrorList) == 0 || !strings.Contains(details.ErrorList[0], "planning failed") {
		t.Fatalf("error list = %v", details.ErrorList)
	}
}

func TestStartRejectsConcurrentExecution(t *testing.T) {
	sb := newFakeSandbox()
	o := newTestOrchestrator(sb)

	block := make(chan struct{})
	agents := Agents{
		Planner: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			<-block
			return &AgentResult{Content: "plan"}, nil
		}),
		Builder: textAgent(builderOutput),
		Fixer:   textAgent("f"),
	}
	if _, err := o.Start("sid", "p", agents, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Start("sid", "p", agents, Options{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(block)
	waitTerminal(t, o, "sid")

	// After the first run finishes, the session may start again.
	if _, err := o.Start("sid", "p", Agents{
		Planner: textAgent("plan"), Builder: textAgent(builderOutput), Fixer: textAgent("f"),
	}, Options{}); err != nil {
		t.Fatalf("restart after terminal state failed: %v", err)
	}
	waitTerminal(t, o, "sid")
}

func TestStopCancelsExecution(t *testing.T) {
	sb := newFakeSandbox()
	o := newTestOrchestrator(sb)

	agents := Agents{
		Planner: funcAgent(func(ctx context.Context, prompt, plan string) (*AgentResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Builder: textAgent("b"),
		Fixer:   textAgent("f"),
	}
	if _, err := o.Start("sid", "p", agents, Options{}); err != nil {
		t.Fatal(err)
	}

	res, err := o.Stop(context.Background(), "sid", "operator request")
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatal("stop should report ok")
	}

	st := waitTerminal(t, o, "sid")
	if st.State != StateFailed {
		t.Fatalf("state = %s", st.State)
	}

	reasons := sb.destroyReasons()
	if len(reasons) == 0 || reasons[0] != "stopped" {
		t.Fatalf("destroy reasons = %v", reasons)
	}
}

func TestStopUnknownSessionReturnsNotFound(t *testing.T) {
	o := newTestOrchestrator(newFakeSandbox())
	if _, err := o.Stop(context.Background(), "ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := o.Status("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	sb := newFakeSandbox()
	o := newTestOrchestrator(sb)

	agents := Agents{Planner: textAgent("plan"), Builder: textAgent(builderOutput), Fixer: textAgent("f")}
	if _, err := o.Start("sid", "p", agents, Options{}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, "sid")

	o.Cleanup(context.Background(), "sid")
	if _, err := o.Status("sid"); !errors.Is(err, ErrNotFound) {
		t.Fatal("cleanup should remove the execution")
	}
	// Second cleanup is a no-op.
	o.Cleanup(context.Background(), "sid")
}

func TestEventsArriveInGenerationOrder(t *testing.T) {
	sb := newFakeSandbox()
	o := newTestOrchestrator(sb)

	var mu sync.Mutex
	var seen []events.Type
	agents := Agents{Planner: textAgent("plan"), Builder: textAgent(builderOutput), Fixer: textAgent("f")}
	if _, err := o.Start("sid", "p", agents, Options{OnEvent: func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	}}); err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, o, "sid")

	mu.Lock()
	defer mu.Unlock()

	wantPrefix := []events.Type{events.SandboxCreating, events.SandboxCreated}
	for i, w := range wantPrefix {
		if seen[i] != w {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, seen[i], w, seen)
		}
	}

	index := func(tp events.Type) int {
		for i, s := range seen {
			if s == tp {
				return i
			}
		}
		return -1
	}
	if !(index(events.PlanningStart) < index(events.PlanningComplete) &&
		index(events.PlanningComplete) < index(events.BuildingStart) &&
		index(events.BuildingStart) < index(events.BuildingComplete) &&
		index(events.BuildingComplete) < index(events.SnapshotCreated) &&
		index(events.SnapshotCreated) < index(events.ExecutionComplete)) {
		t.Fatalf("phase events out of order: %v", seen)
	}

	// The delivered sequence must equal the execution's own log.
	details, _ := o.Details("sid")
	if len(details.EventLog) != len(seen) {
		t.Fatalf("callback saw %d events, log has %d", len(seen), len(details.EventLog))
	}
	for i := range seen {
		if details.EventLog[i].Type != seen[i] {
			t.Fatalf("log/callback diverge at %d: %s vs %s", i, details.EventLog[i].Type, seen[i])
		}
	}
}
