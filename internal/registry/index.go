package registry

import (
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// internalRegistration extends the public Registration with the
// bookkeeping the index needs (the liveness-watch cancel channel).
// Never exposed outside the registry package.
type internalRegistration struct {
	Registration
	stopWatch chan struct{}
}

// index holds the registration map and its two secondary indices, by
// type and by capability. There is no by-"location" index: this is an
// in-process runtime with a single node, so every registration has the
// same location (spec §3 (R2) still requires the by-type and
// by-capability indices to stay in lockstep with the registration
// map). All mutation happens on the
// registry's single goroutine, so no locking is needed here.
type index struct {
	agents       map[string]*internalRegistration
	byTypeIdx    map[string]map[string]struct{}
	byCapIdx     map[string]map[string]struct{}
}

func newIndex() *index {
	return &index{
		agents:    make(map[string]*internalRegistration),
		byTypeIdx: make(map[string]map[string]struct{}),
		byCapIdx:  make(map[string]map[string]struct{}),
	}
}

func (ix *index) insert(reg *internalRegistration) {
	key := reg.AgentID.String()
	ix.agents[key] = reg
	ix.addToTypeIndex(key, reg.Snapshot.Type)
	for _, c := range reg.Snapshot.Capabilities {
		ix.addToCapIndex(key, c)
	}
}

func (ix *index) update(reg *internalRegistration, newSnap snapshot.Snapshot) {
	key := reg.AgentID.String()
	oldSnap := reg.Snapshot

	if oldSnap.Type != newSnap.Type {
		ix.removeFromTypeIndex(key, oldSnap.Type)
		ix.addToTypeIndex(key, newSnap.Type)
	}
	if !sameCapabilities(oldSnap.Capabilities, newSnap.Capabilities) {
		for _, c := range oldSnap.Capabilities {
			ix.removeFromCapIndex(key, c)
		}
		for _, c := range newSnap.Capabilities {
			ix.addToCapIndex(key, c)
		}
	}

	reg.Snapshot = newSnap
	reg.LastSeen = newSnap.UpdatedAt
}

func (ix *index) remove(id ident.ID) {
	key := id.String()
	reg, ok := ix.agents[key]
	if !ok {
		return
	}
	if reg.stopWatch != nil {
		select {
		case <-reg.stopWatch:
			// already closed
		default:
			close(reg.stopWatch)
		}
	}
	ix.removeFromTypeIndex(key, reg.Snapshot.Type)
	for _, c := range reg.Snapshot.Capabilities {
		ix.removeFromCapIndex(key, c)
	}
	delete(ix.agents, key)
}

func (ix *index) all() []snapshot.Snapshot {
	out := make([]snapshot.Snapshot, 0, len(ix.agents))
	for _, reg := range ix.agents {
		out = append(out, reg.Snapshot)
	}
	return out
}

func (ix *index) byType(typ string) []snapshot.Snapshot {
	keys := ix.byTypeIdx[typ]
	out := make([]snapshot.Snapshot, 0, len(keys))
	for key := range keys {
		out = append(out, ix.agents[key].Snapshot)
	}
	return out
}

func (ix *index) byCapability(capability string) []snapshot.Snapshot {
	keys := ix.byCapIdx[capability]
	out := make([]snapshot.Snapshot, 0, len(keys))
	for key := range keys {
		out = append(out, ix.agents[key].Snapshot)
	}
	return out
}

func (ix *index) addToTypeIndex(key, typ string) {
	set, ok := ix.byTypeIdx[typ]
	if !ok {
		set = make(map[string]struct{})
		ix.byTypeIdx[typ] = set
	}
	set[key] = struct{}{}
}

func (ix *index) removeFromTypeIndex(key, typ string) {
	set, ok := ix.byTypeIdx[typ]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(ix.byTypeIdx, typ)
	}
}

func (ix *index) addToCapIndex(key, capability string) {
	set, ok := ix.byCapIdx[capability]
	if !ok {
		set = make(map[string]struct{})
		ix.byCapIdx[capability] = set
	}
	set[key] = struct{}{}
}

func (ix *index) removeFromCapIndex(key, capability string) {
	set, ok := ix.byCapIdx[capability]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(ix.byCapIdx, capability)
	}
}

func sameCapabilities(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, c := range a {
		seen[c]++
	}
	for _, c := range b {
		seen[c]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}
