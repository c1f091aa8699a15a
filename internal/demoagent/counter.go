// Package demoagent provides a reference agent.Module used by the
// runtime's own tests and by cmd/agentmeshd's demo mode: the counter
// agent from spec §8's seed scenarios 1-3. It exists to give the CLI
// and the test suite a module that is not hand-rolled inline, not to
// showcase every callback.
package demoagent

import (
	"fmt"

	"github.com/nugget/agentmesh/internal/agent"
	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// Type and Capability are the canonical values used to start a Counter
// agent (spec §8 seed scenario 1: type=:demo, capabilities=[:ping]).
const (
	Type           = "demo"
	CapabilityPing = "ping"

	ActionIncrement = "increment"
	ActionDecrement = "decrement"
	ActionPing      = "ping"
)

// Counter is an agent.Module holding a single integer counter in
// state["counter"]. It supports three actions:
//
//   - increment: params{"amount": int} -> result{"counter": int, "incremented_by": int}
//   - decrement: params{"amount": int} -> result{"counter": int, "decremented_by": int}
//   - ping:      no params -> result{"counter": int}
//
// Every successful action is also broadcast on the "action_executed"
// topic by the worker itself (spec §4.4), so a caller wanting
// ping-specific notifications subscribes to that and filters on
// data["action"] == "ping" rather than a Counter-specific topic.
//
// Any other action returns agent.ErrUnknownAction.
type Counter struct {
	agent.NopModule
}

// Init seeds state["counter"] to 0 unless the caller's initial_state
// already provided one (spec §8 seed scenario 1: state.counter=0).
func (Counter) Init(snap snapshot.Snapshot, _ map[string]any) (map[string]any, error) {
	state := cloneState(snap.State)
	if _, ok := state["counter"]; !ok {
		state["counter"] = 0
	}
	if _, ok := state["counter"].(int); !ok {
		return nil, fmt.Errorf("demoagent: initial_state[counter] must be an int, got %T", state["counter"])
	}
	return state, nil
}

// HandleAction implements increment/decrement/ping. It never returns a
// partial error path silently: an unrecognized amount type is an
// invalid_response per spec §4.4, not a panic.
func (Counter) HandleAction(snap snapshot.Snapshot, action string, params map[string]any) (bool, map[string]any, any, error) {
	counter, _ := snap.State["counter"].(int)

	switch action {
	case ActionIncrement, ActionDecrement:
		amount, err := intParam(params, "amount", 1)
		if err != nil {
			return false, nil, nil, err
		}
		delta := amount
		key := "incremented_by"
		if action == ActionDecrement {
			delta = -amount
			key = "decremented_by"
		}
		next := counter + delta
		state := cloneState(snap.State)
		state["counter"] = next
		result := map[string]any{"counter": next, key: amount}
		return true, state, result, nil

	case ActionPing:
		return true, snap.State, map[string]any{"counter": counter}, nil

	default:
		return false, nil, nil, &agent.ErrUnknownAction{Action: action}
	}
}

// HandleEvent is a no-op: Counter does not react to bus traffic.
func (Counter) HandleEvent(snap snapshot.Snapshot, _ eventbus.Event) (map[string]any, error) {
	return snap.State, nil
}

func (Counter) Terminate(snapshot.Snapshot, string) error { return nil }

func intParam(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, &agent.ErrInvalidResponse{Detail: fmt.Sprintf("param %q must be numeric, got %T", key, v)}
	}
}

func cloneState(s map[string]any) map[string]any {
	out := make(map[string]any, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	return out
}
