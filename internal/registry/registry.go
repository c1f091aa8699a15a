// Package registry is the authoritative directory mapping agent
// identity to {agent snapshot, worker handle, indices} (spec component
// B, §4.2). It is realized as a single-threaded actor: all operations
// are submitted over a request channel and executed one at a time, in
// FIFO arrival order, by a single goroutine — the "per-process
// mailbox" design note in spec §9 applied to the registry itself
// rather than to agents.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// WorkerHandle is the opaque handle the registry holds for a
// registered agent's worker. It is implemented by *agent.Worker; the
// registry never imports the agent package, avoiding a dependency
// cycle (the agent package imports the registry to write snapshots
// through, per spec §4.4 "Registry synchronization").
type WorkerHandle interface {
	// ID returns the agent identity this handle addresses.
	ID() ident.ID
	// Done returns a channel closed when the worker has exited. This
	// is the liveness watch primitive spec §4.2/(R1) requires.
	Done() <-chan struct{}
	// Stop asks the worker to exit, best-effort.
	Stop(reason string)
}

// ErrAlreadyRegistered is returned by Register when the agent id is
// already present in the registry.
type ErrAlreadyRegistered struct{ ID ident.ID }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("registry: agent %s already registered", e.ID)
}

// ErrNotFound is returned by lookups for an unknown agent id.
type ErrNotFound struct{ ID ident.ID }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("registry: agent %s not found", e.ID)
}

// ErrTransformFailed wraps a panic or error raised by an UpdateAgent
// transform. The registration is left untouched when this is returned.
type ErrTransformFailed struct{ Cause error }

func (e *ErrTransformFailed) Error() string {
	return fmt.Sprintf("registry: transform failed: %v", e.Cause)
}

func (e *ErrTransformFailed) Unwrap() error { return e.Cause }

// Registration is the record the registry holds per agent (spec §3
// "Registration record").
type Registration struct {
	AgentID      ident.ID
	Worker       WorkerHandle
	Snapshot     snapshot.Snapshot
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Transform mutates a snapshot. It may return an error to abort the
// update; it must never retain a reference to the snapshot it is
// handed beyond the call (the registry treats snapshots as immutable
// value types, spec §3).
type Transform func(snapshot.Snapshot) (snapshot.Snapshot, error)

// Registry is the process-wide agent directory. Construct one with
// New and share the pointer; do not use a package-level global (spec
// §9 design note: "constructed once on startup by a root supervisor;
// passed by reference").
type Registry struct {
	logger *slog.Logger
	reqCh  chan request
	quit   chan struct{}
}

// New creates a Registry and starts its serializing worker goroutine.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger,
		reqCh:  make(chan request),
		quit:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the registry's worker goroutine. Pending liveness
// watchers are released. Not part of the spec surface; provided for
// clean process shutdown in cmd/agentmeshd.
func (r *Registry) Close() {
	close(r.quit)
}

// --- request/response plumbing -------------------------------------------------

type opKind int

const (
	opRegister opKind = iota
	opGetAgent
	opGetWorker
	opUpdateAgent
	opFindByType
	opFindByCapability
	opListAll
	opUnregister
	opWorkerDied
)

type request struct {
	kind      opKind
	id        ident.ID
	snap      snapshot.Snapshot
	worker    WorkerHandle
	transform Transform
	query     string
	reply     chan response
}

type response struct {
	snap  snapshot.Snapshot
	snaps []snapshot.Snapshot
	worker WorkerHandle
	err   error
}

func (r *Registry) call(req request) response {
	req.reply = make(chan response, 1)
	select {
	case r.reqCh <- req:
	case <-r.quit:
		return response{err: fmt.Errorf("registry: closed")}
	}
	select {
	case resp := <-req.reply:
		return resp
	case <-r.quit:
		return response{err: fmt.Errorf("registry: closed")}
	}
}

// run is the registry's single serializing goroutine. Every state
// mutation happens here and nowhere else, which is what makes (R1),
// (R2), and (R3) hold across any externally observable moment.
func (r *Registry) run() {
	state := newIndex()
	for {
		select {
		case req := <-r.reqCh:
			req.reply <- r.handle(state, req)
		case <-r.quit:
			for _, reg := range state.agents {
				if reg.stopWatch != nil {
					close(reg.stopWatch)
				}
			}
			return
		}
	}
}

func (r *Registry) handle(state *index, req request) response {
	switch req.kind {
	case opRegister:
		return r.doRegister(state, req)
	case opGetAgent:
		reg, ok := state.agents[req.id.String()]
		if !ok {
			return response{err: &ErrNotFound{ID: req.id}}
		}
		return response{snap: reg.Snapshot}
	case opGetWorker:
		reg, ok := state.agents[req.id.String()]
		if !ok {
			return response{err: &ErrNotFound{ID: req.id}}
		}
		return response{worker: reg.Worker}
	case opUpdateAgent:
		return r.doUpdate(state, req)
	case opFindByType:
		return response{snaps: state.byType(req.query)}
	case opFindByCapability:
		return response{snaps: state.byCapability(req.query)}
	case opListAll:
		return response{snaps: state.all()}
	case opUnregister:
		state.remove(req.id)
		return response{}
	case opWorkerDied:
		state.remove(req.id)
		r.logger.Info("registry: worker died, deregistered", "agent_id", req.id.String())
		return response{}
	default:
		return response{err: fmt.Errorf("registry: unknown op %d", req.kind)}
	}
}

func (r *Registry) doRegister(state *index, req request) response {
	if _, exists := state.agents[req.id.String()]; exists {
		return response{err: &ErrAlreadyRegistered{ID: req.id}}
	}
	stopWatch := make(chan struct{})
	now := time.Now()
	reg := &internalRegistration{
		Registration: Registration{
			AgentID:      req.id,
			Worker:       req.worker,
			Snapshot:     req.snap,
			RegisteredAt: now,
			LastSeen:     now,
		},
		stopWatch: stopWatch,
	}
	state.insert(reg)

	// Liveness watch: exactly one per registration (R1), installed
	// atomically with the index update above (both happen inside this
	// single serialized call).
	go r.watch(req.id, req.worker, stopWatch)

	return response{snap: reg.Snapshot}
}

func (r *Registry) watch(id ident.ID, worker WorkerHandle, stop <-chan struct{}) {
	select {
	case <-worker.Done():
		r.call(request{kind: opWorkerDied, id: id})
	case <-stop:
	case <-r.quit:
	}
}

func (r *Registry) doUpdate(state *index, req request) response {
	reg, ok := state.agents[req.id.String()]
	if !ok {
		return response{err: &ErrNotFound{ID: req.id}}
	}

	newSnap, transformErr := safeTransform(req.transform, reg.Snapshot)
	if transformErr != nil {
		return response{err: &ErrTransformFailed{Cause: transformErr}}
	}

	// (R3): the registry never lets a version go backwards.
	if newSnap.Version <= reg.Snapshot.Version {
		return response{err: &ErrTransformFailed{Cause: fmt.Errorf("transform did not advance version (%d -> %d)", reg.Snapshot.Version, newSnap.Version)}}
	}

	state.update(reg, newSnap)
	return response{snap: newSnap}
}

// safeTransform runs the transform in a protected scope: a panicking
// transform is converted into an error and the candidate snapshot is
// discarded (spec §9 "User-provided transforms that may raise").
func safeTransform(t Transform, in snapshot.Snapshot) (out snapshot.Snapshot, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t(in)
}

// --- public synchronous API ----------------------------------------------------

// Register adds a new registration. Errors with ErrAlreadyRegistered
// if the id is already present.
func (r *Registry) Register(snap snapshot.Snapshot, worker WorkerHandle) error {
	resp := r.call(request{kind: opRegister, id: snap.ID, snap: snap, worker: worker})
	return resp.err
}

// GetAgent returns the current registered snapshot for id.
func (r *Registry) GetAgent(id ident.ID) (snapshot.Snapshot, error) {
	resp := r.call(request{kind: opGetAgent, id: id})
	return resp.snap, resp.err
}

// GetWorker returns the worker handle registered for id.
func (r *Registry) GetWorker(id ident.ID) (WorkerHandle, error) {
	resp := r.call(request{kind: opGetWorker, id: id})
	return resp.worker, resp.err
}

// UpdateAgent applies transform to the current snapshot and commits
// the result iff transform succeeds and its output snapshot advances
// Version. This is the write-through target the agent runtime calls
// after every committed mutation (spec §4.4 "Registry synchronization").
func (r *Registry) UpdateAgent(id ident.ID, transform Transform) (snapshot.Snapshot, error) {
	resp := r.call(request{kind: opUpdateAgent, id: id, transform: transform})
	return resp.snap, resp.err
}

// FindByType returns all registered snapshots with the given type tag.
func (r *Registry) FindByType(typ string) []snapshot.Snapshot {
	resp := r.call(request{kind: opFindByType, query: typ})
	return resp.snaps
}

// FindByCapability returns all registered snapshots advertising the
// given capability tag.
func (r *Registry) FindByCapability(capability string) []snapshot.Snapshot {
	resp := r.call(request{kind: opFindByCapability, query: capability})
	return resp.snaps
}

// ListAll returns every registered snapshot.
func (r *Registry) ListAll() []snapshot.Snapshot {
	resp := r.call(request{kind: opListAll})
	return resp.snaps
}

// Unregister removes id from the registry. Idempotent: unregistering
// an unknown or already-removed id succeeds silently (spec §4.2).
func (r *Registry) Unregister(id ident.ID) {
	r.call(request{kind: opUnregister, id: id})
}
