package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/registry"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// counterModule is a minimal test module: Init seeds state.counter=0,
// the "increment" action bumps it by params["by"] (default 1).
type counterModule struct {
	NopModule
	initErr   error
	actionErr error
	panicOn   string
}

func (m *counterModule) Init(snap snapshot.Snapshot, _ map[string]any) (map[string]any, error) {
	if m.initErr != nil {
		return nil, m.initErr
	}
	state := snap.State
	if state == nil {
		state = map[string]any{}
	}
	state["counter"] = 0
	return state, nil
}

func (m *counterModule) HandleAction(snap snapshot.Snapshot, action string, params map[string]any) (bool, map[string]any, any, error) {
	if action == m.panicOn {
		panic("boom")
	}
	if action != "increment" {
		return false, nil, nil, &ErrUnknownAction{Action: action}
	}
	if m.actionErr != nil {
		return false, nil, nil, m.actionErr
	}
	by := 1
	if v, ok := params["by"].(int); ok {
		by = v
	}
	state := map[string]any{"counter": snap.State["counter"].(int) + by}
	return true, state, state["counter"], nil
}

func newTestWorker(t *testing.T, reg *registry.Registry, bus *eventbus.Bus, m Module) *Worker {
	t.Helper()
	id := ident.New(ident.KindAgent)
	snap := snapshot.New(id, "counter", []string{"demo"}, map[string]any{}, nil, "counterModule")
	w := NewWorker(nil, reg, bus, m, snap, Config{})
	t.Cleanup(func() { w.Stop("test cleanup") })
	return w
}

func TestInitCommitsReadyLifecycle(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	m := &counterModule{}
	w := newTestWorker(t, reg, nil, m)
	if err := reg.Register(mustGetAgent(t, w), w); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()
	snap, err := w.Init(ctx)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if snap.Lifecycle != snapshot.LifecycleReady {
		t.Errorf("Lifecycle = %v, want ready", snap.Lifecycle)
	}
	if snap.Version != 1 {
		t.Errorf("Version = %d, want 1", snap.Version)
	}
	if snap.State["counter"] != 0 {
		t.Errorf("State[counter] = %v, want 0", snap.State["counter"])
	}

	regSnap, err := reg.GetAgent(w.ID())
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if regSnap.Version != snap.Version {
		t.Errorf("registry version = %d, want %d (write-through)", regSnap.Version, snap.Version)
	}
}

func TestExecuteActionCommitsAndWritesThrough(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	m := &counterModule{}
	w := newTestWorker(t, reg, nil, m)
	mustRegister(t, reg, w)

	ctx := context.Background()
	if _, err := w.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	result, err := w.ExecuteAction(ctx, "increment", map[string]any{"by": 5})
	if err != nil {
		t.Fatalf("ExecuteAction() error = %v", err)
	}
	if result != 5 {
		t.Errorf("result = %v, want 5", result)
	}

	snap, err := w.GetAgent(ctx)
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	if snap.State["counter"] != 5 {
		t.Errorf("State[counter] = %v, want 5", snap.State["counter"])
	}

	regSnap, _ := reg.GetAgent(w.ID())
	if regSnap.State["counter"] != 5 {
		t.Errorf("registry State[counter] = %v, want 5 (write-through)", regSnap.State["counter"])
	}
}

func TestExecuteActionUnknownActionLeavesStateUnchanged(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	m := &counterModule{}
	w := newTestWorker(t, reg, nil, m)
	mustRegister(t, reg, w)
	ctx := context.Background()
	w.Init(ctx)

	before, _ := w.GetAgent(ctx)
	_, err := w.ExecuteAction(ctx, "nonexistent", nil)
	var unknown *ErrUnknownAction
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want *ErrUnknownAction", err)
	}

	after, _ := w.GetAgent(ctx)
	if after.Version != before.Version {
		t.Errorf("Version changed on unknown action: %d -> %d", before.Version, after.Version)
	}
}

func TestExecuteActionPanicRecoversAndPreservesState(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	m := &counterModule{panicOn: "explode"}
	w := newTestWorker(t, reg, nil, m)
	mustRegister(t, reg, w)
	ctx := context.Background()
	w.Init(ctx)

	before, _ := w.GetAgent(ctx)
	_, err := w.ExecuteAction(ctx, "explode", nil)
	var execFailed *ErrExecutionFailed
	if !errors.As(err, &execFailed) {
		t.Fatalf("err = %v, want *ErrExecutionFailed", err)
	}

	after, _ := w.GetAgent(ctx)
	if after.Version != before.Version {
		t.Errorf("Version changed after panic: %d -> %d", before.Version, after.Version)
	}

	// Worker must still be responsive after a recovered panic.
	if _, err := w.ExecuteAction(ctx, "increment", nil); err != nil {
		t.Fatalf("worker unresponsive after panic: %v", err)
	}
}

func TestExecuteActionTimeoutReturnsErrTimeout(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	m := &blockingModule{started: started, release: release}
	w := newTestWorker(t, reg, nil, m)
	mustRegister(t, reg, w)
	w.Init(context.Background())

	// Occupy the worker's single-threaded run loop with a blocked
	// action so the next call's send onto reqCh cannot be received
	// until we release it — making the timeout below deterministic
	// rather than racing the run loop's readiness.
	go w.ExecuteAction(context.Background(), "block", nil)
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := w.ExecuteAction(ctx, "increment", nil)
	var timeout *ErrTimeout
	if !errors.As(err, &timeout) {
		t.Fatalf("err = %v, want *ErrTimeout", err)
	}
}

// blockingModule's "block" action blocks until release is closed,
// signaling on started once it has begun executing.
type blockingModule struct {
	NopModule
	started chan struct{}
	release chan struct{}
}

func (m *blockingModule) Init(snap snapshot.Snapshot, _ map[string]any) (map[string]any, error) {
	return snap.State, nil
}

func (m *blockingModule) HandleAction(snap snapshot.Snapshot, action string, _ map[string]any) (bool, map[string]any, any, error) {
	if action != "block" {
		return false, nil, nil, &ErrUnknownAction{Action: action}
	}
	close(m.started)
	<-m.release
	return true, snap.State, nil, nil
}

func TestSendMessageInvokesHandleMessage(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	seen := make(chan Message, 1)
	m := &recordingModule{onMessage: func(msg Message) { seen <- msg }}
	w := newTestWorker(t, reg, nil, m)
	mustRegister(t, reg, w)
	w.Init(context.Background())

	msg := Message{ID: ident.New(ident.KindEvent), Payload: map[string]any{"hello": "world"}}
	if err := w.SendMessage(msg); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	select {
	case got := <-seen:
		if got.Payload["hello"] != "world" {
			t.Errorf("payload = %v", got.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("HandleMessage was never invoked")
	}
}

func TestSendSignalInvokesHandleSignal(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	seen := make(chan Signal, 1)
	m := &recordingModule{onSignal: func(sig Signal) { seen <- sig }}
	w := newTestWorker(t, reg, nil, m)
	mustRegister(t, reg, w)
	w.Init(context.Background())

	if err := w.SendSignal(Signal{Kind: "pause"}); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}

	select {
	case got := <-seen:
		if got.Kind != "pause" {
			t.Errorf("Kind = %q, want pause", got.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("HandleSignal was never invoked")
	}
}

func TestStopRunsTerminateAndClosesDone(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Close()

	terminated := make(chan string, 1)
	m := &recordingModule{onTerminate: func(reason string) { terminated <- reason }}
	w := NewWorker(nil, reg, nil, m, snapshot.New(ident.New(ident.KindAgent), "t", nil, nil, nil, "recordingModule"), Config{})
	mustRegister(t, reg, w)
	w.Init(context.Background())

	w.Stop("shutting down")

	select {
	case reason := <-terminated:
		if reason != "shutting down" {
			t.Errorf("reason = %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("Terminate was never invoked")
	}

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never closed after Stop")
	}
}

// recordingModule lets individual tests observe which callback fired
// without needing a bespoke Module for every case.
type recordingModule struct {
	NopModule
	onMessage   func(Message)
	onSignal    func(Signal)
	onTerminate func(reason string)
}

func (m *recordingModule) Init(snap snapshot.Snapshot, _ map[string]any) (map[string]any, error) {
	return snap.State, nil
}

func (m *recordingModule) HandleMessage(snap snapshot.Snapshot, msg Message) (map[string]any, error) {
	if m.onMessage != nil {
		m.onMessage(msg)
	}
	return snap.State, nil
}

func (m *recordingModule) HandleSignal(snap snapshot.Snapshot, sig Signal) (map[string]any, error) {
	if m.onSignal != nil {
		m.onSignal(sig)
	}
	return snap.State, nil
}

func (m *recordingModule) Terminate(_ snapshot.Snapshot, reason string) error {
	if m.onTerminate != nil {
		m.onTerminate(reason)
	}
	return nil
}

func mustRegister(t *testing.T, reg *registry.Registry, w *Worker) {
	t.Helper()
	snap, err := reg.GetAgent(w.ID())
	if err == nil {
		_ = snap
		return
	}
	if err := reg.Register(mustGetAgent(t, w), w); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
}

func mustGetAgent(t *testing.T, w *Worker) snapshot.Snapshot {
	t.Helper()
	snap, err := w.GetAgent(context.Background())
	if err != nil {
		t.Fatalf("GetAgent() error = %v", err)
	}
	return snap
}
