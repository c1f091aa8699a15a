package agent

import (
	"fmt"

	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// The safe* wrappers run a single Module callback inside a recover
// scope and turn a panic into an *ErrExecutionFailed (spec §7
// "Execution — execution_failed": "a panicking callback is recovered
// ... the snapshot is left exactly as it was before the call"). Every
// worker callsite goes through one of these instead of calling the
// Module interface directly.

func safeInit(m Module, snap snapshot.Snapshot, config map[string]any) (state map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			state, err = nil, &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return m.Init(snap, config)
}

func safeTransform(t Transform, snap snapshot.Snapshot) (out snapshot.Snapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = snapshot.Snapshot{}, &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return t(snap)
}

func safeAction(m Module, snap snapshot.Snapshot, action string, params map[string]any) (ok bool, state map[string]any, result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, state, result = false, nil, nil
			err = &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return m.HandleAction(snap, action, params)
}

func safeMessage(m Module, snap snapshot.Snapshot, msg Message) (state map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			state, err = nil, &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return m.HandleMessage(snap, msg)
}

func safeSignal(m Module, snap snapshot.Snapshot, sig Signal) (state map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			state, err = nil, &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return m.HandleSignal(snap, sig)
}

func safeEvent(m Module, snap snapshot.Snapshot, ev eventbus.Event) (state map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			state, err = nil, &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return m.HandleEvent(snap, ev)
}

func safeTerminate(m Module, snap snapshot.Snapshot, reason string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ErrExecutionFailed{Cause: fmt.Errorf("panic: %v", p)}
		}
	}()
	return m.Terminate(snap, reason)
}
