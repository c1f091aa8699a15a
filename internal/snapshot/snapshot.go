// Package snapshot defines the agent snapshot value type shared by the
// agent runtime and the registry (spec §3 "Agent snapshot"). Kept as
// its own package so neither internal/registry nor internal/agent has
// to import the other just to share this type.
package snapshot

import (
	"time"

	"github.com/nugget/agentmesh/internal/ident"
)

// Lifecycle is the externally visible state of an agent.
type Lifecycle string

const (
	LifecycleInitializing Lifecycle = "initializing"
	LifecycleReady         Lifecycle = "ready"
	LifecycleTerminating   Lifecycle = "terminating"
	LifecycleStopped       Lifecycle = "stopped"
)

// Snapshot is the externally visible description of an agent at one
// instant. It is immutable once published: every mutation produces a
// new Snapshot via With (spec §3 invariant).
type Snapshot struct {
	ID           ident.ID
	Type         string
	Capabilities []string
	Lifecycle    Lifecycle
	State        map[string]any
	Version      int64
	ParentID     *ident.ID
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// New builds the initial snapshot for a freshly constructed agent:
// Lifecycle = initializing, Version = 0 (the first committed mutation
// bumps it to 1, matching spec §8 seed scenario 1's "version=1" after
// init completes).
func New(id ident.ID, typ string, capabilities []string, initialState map[string]any, parentID *ident.ID, module string) Snapshot {
	now := time.Now()
	state := make(map[string]any, len(initialState))
	for k, v := range initialState {
		state[k] = v
	}
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	return Snapshot{
		ID:           id,
		Type:         typ,
		Capabilities: caps,
		Lifecycle:    LifecycleInitializing,
		State:        state,
		Version:      0,
		ParentID:     parentID,
		Metadata:     map[string]any{"module": module},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// With returns a copy of the snapshot with newState and newLifecycle
// applied, Version incremented, and UpdatedAt refreshed. The receiver
// is left unmodified (spec §3: "mutation produces a new snapshot").
func (s Snapshot) With(newState map[string]any, newLifecycle Lifecycle) Snapshot {
	out := s
	out.State = newState
	out.Lifecycle = newLifecycle
	out.Version = s.Version + 1
	out.UpdatedAt = time.Now()
	return out
}

// WithLifecycle returns a copy with only the lifecycle field changed,
// still bumping Version/UpdatedAt per the mutation invariant.
func (s Snapshot) WithLifecycle(l Lifecycle) Snapshot {
	return s.With(s.State, l)
}

// HasCapability reports whether the snapshot advertises the given
// capability tag.
func (s Snapshot) HasCapability(tag string) bool {
	for _, c := range s.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Clone deep-copies the mutable fields of a snapshot so callers can
// freely mutate the result without affecting the original (snapshots
// are otherwise meant to be shared read-only across threads, spec §5).
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Capabilities = append([]string(nil), s.Capabilities...)
	out.State = cloneMap(s.State)
	out.Metadata = cloneMap(s.Metadata)
	if s.ParentID != nil {
		id := *s.ParentID
		out.ParentID = &id
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
