// Package agent implements the per-agent serialized worker that owns
// user-defined agent state and dispatches user-supplied callbacks
// (spec component D, §4.4). Each agent maps to exactly one *Worker,
// realized as a goroutine with a request channel — the "per-process
// mailbox" design note in spec §9: "realize each agent as a task + a
// request channel carrying a sum-type of requests... the single-writer
// discipline is enforced by the channel."
package agent

import (
	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// Module is the user callback contract (spec §6 "User callback
// contract" / §9 "Behaviour + opaque user module"). A static-typed
// interface replaces the source's metadata-driven module lookup:
// dispatch is a direct interface call stored on the worker, not a
// runtime lookup through snapshot.Metadata["module"].
//
// Every method receives the agent's current snapshot by value
// (snapshots are immutable, spec §3) and returns either updated state
// or an error. The worker — not the module — is responsible for
// stamping Version/UpdatedAt and committing through to the registry.
type Module interface {
	// Init runs once, immediately after the worker is registered with
	// lifecycle = initializing. Returning an error aborts start_agent
	// (spec §4.5 "On any failure before registration..."/after
	// registration, "registration_failed" is only for the registry
	// step itself; an Init error is start_failed).
	Init(snap snapshot.Snapshot, config map[string]any) (newState map[string]any, err error)

	// HandleAction dispatches a named action. ok=false with a non-nil
	// err models spec's "{error, reason}" outcome (no state change,
	// reason passed through verbatim); ok=true commits newState and
	// returns result (spec §4.4 "{ok, new_snapshot, result}").
	HandleAction(snap snapshot.Snapshot, action string, params map[string]any) (ok bool, newState map[string]any, result any, err error)

	// HandleEvent reacts to a bus event the worker subscribed to.
	// A nil error commits newState; otherwise the snapshot is
	// unchanged (the event is logged and dropped, spec §7 callback
	// containment).
	HandleEvent(snap snapshot.Snapshot, ev eventbus.Event) (newState map[string]any, err error)

	// HandleSignal reacts to a signal delivered with no queueing
	// (spec §4.4 "Signals").
	HandleSignal(snap snapshot.Snapshot, sig Signal) (newState map[string]any, err error)

	// HandleMessage processes one envelope off the FIFO message queue
	// (spec §4.4 "Messages": "invoking a message handler per
	// envelope" — the spec names this handler but does not include it
	// in the §6 callback-contract list; this implementation treats it
	// as part of the contract, documented in DESIGN.md's
	// internal/agent section).
	HandleMessage(snap snapshot.Snapshot, msg Message) (newState map[string]any, err error)

	// Terminate runs once during stop_agent, before the worker exits.
	Terminate(snap snapshot.Snapshot, reason string) error
}

// Signal is the envelope delivered to HandleSignal (spec §3
// "Message and signal envelope shapes beyond what the runtime needs
// to route them" — kept minimal per that Non-goal).
type Signal struct {
	ID      ident.ID
	From    ident.ID
	Kind    string
	Payload map[string]any
}

// Message is the envelope queued by SendMessage and drained by
// HandleMessage.
type Message struct {
	ID      ident.ID
	From    ident.ID
	Payload map[string]any
}

// NopModule provides no-op defaults for every callback (spec §6
// "Defaults: identity for state, unknown_action for actions").
// Embed it in a user module to implement only the callbacks that
// matter.
type NopModule struct{}

func (NopModule) Init(snap snapshot.Snapshot, _ map[string]any) (map[string]any, error) {
	return snap.State, nil
}

func (NopModule) HandleAction(snap snapshot.Snapshot, action string, _ map[string]any) (bool, map[string]any, any, error) {
	return false, nil, nil, &ErrUnknownAction{Action: action}
}

func (NopModule) HandleEvent(snap snapshot.Snapshot, _ eventbus.Event) (map[string]any, error) {
	return snap.State, nil
}

func (NopModule) HandleSignal(snap snapshot.Snapshot, _ Signal) (map[string]any, error) {
	return snap.State, nil
}

func (NopModule) HandleMessage(snap snapshot.Snapshot, _ Message) (map[string]any, error) {
	return snap.State, nil
}

func (NopModule) Terminate(snapshot.Snapshot, string) error { return nil }
