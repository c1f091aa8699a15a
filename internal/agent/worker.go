package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/registry"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// Bus topics a Worker emits (spec §6 "Event topic catalog").
const (
	TopicActionExecuted = "action_executed"
	TopicActionFailed   = "action_failed"
)

// Transform mutates a snapshot for Worker.UpdateAgent. The worker
// always re-stamps Version/UpdatedAt/ID after running transform, so a
// transform only needs to express the new State/Lifecycle it wants
// (spec §4.4 "Atomicity of updates").
type Transform func(snapshot.Snapshot) (snapshot.Snapshot, error)

// Config is the immutable configuration captured by a worker at
// startup (spec §4.4 "Internal state: ... immutable config captured
// at startup").
type Config struct {
	// Subscriptions are exact bus topics the worker subscribes to at
	// startup (spec §4.4 "The runtime subscribes at startup to
	// relevant topics").
	Subscriptions []string
	// Patterns are bus glob patterns the worker subscribes to.
	Patterns []string
	// MessageBuffer sizes the queued-message channel (default 64).
	MessageBuffer int
	// SignalBuffer sizes the immediate-signal channel (default 16).
	SignalBuffer int
	// InitConfig is handed to Module.Init verbatim.
	InitConfig map[string]any
}

// Worker is the per-agent serialized execution context (spec §4.4).
// It implements registry.WorkerHandle so the registry can hold it and
// install a liveness watch.
type Worker struct {
	id     ident.ID
	logger *slog.Logger
	module Module
	reg    *registry.Registry
	bus    *eventbus.Bus
	cfg    Config

	current snapshot.Snapshot

	reqCh   chan request
	msgCh   chan msgEnvelope
	sigCh   chan sigEnvelope
	eventCh chan eventbus.Event

	exited   chan struct{}
	stopOnce sync.Once
}

// NewWorker constructs a worker for initSnap and starts its run loop.
// The worker is not yet "ready": callers must call Init before
// treating the agent as usable (the lifecycle controller does this as
// part of start_agent, spec §4.5).
func NewWorker(logger *slog.Logger, reg *registry.Registry, bus *eventbus.Bus, module Module, initSnap snapshot.Snapshot, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 64
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = 16
	}
	w := &Worker{
		id:      initSnap.ID,
		logger:  logger.With("agent_id", initSnap.ID.String()),
		module:  module,
		reg:     reg,
		bus:     bus,
		cfg:     cfg,
		current: initSnap,
		reqCh:   make(chan request),
		msgCh:   make(chan msgEnvelope, cfg.MessageBuffer),
		sigCh:   make(chan sigEnvelope, cfg.SignalBuffer),
		eventCh: make(chan eventbus.Event, 64),
		exited:  make(chan struct{}),
	}
	go w.run()
	if bus != nil {
		w.subscribeToBus()
	}
	return w
}

// --- registry.WorkerHandle ------------------------------------------------------

func (w *Worker) ID() ident.ID          { return w.id }
func (w *Worker) Done() <-chan struct{} { return w.exited }

// Stop asks the worker to run Terminate and exit. Safe to call more
// than once.
func (w *Worker) Stop(reason string) {
	w.stopOnce.Do(func() {
		go func() {
			req := request{kind: opTerminate, reason: reason, reply: make(chan response, 1)}
			select {
			case w.reqCh <- req:
				<-req.reply
			case <-w.exited:
			}
		}()
	})
}

// --- bus subscription -----------------------------------------------------------

func (w *Worker) subscribeToBus() {
	sub := eventbus.Subscriber{ID: w.id, Done: w.exited}
	for _, topic := range w.cfg.Subscriptions {
		ch := w.bus.Subscribe(sub, topic)
		go w.forwardEvents(ch)
	}
	for _, pattern := range w.cfg.Patterns {
		ch := w.bus.SubscribePattern(sub, pattern)
		go w.forwardEvents(ch)
	}
}

func (w *Worker) forwardEvents(ch <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case w.eventCh <- ev:
			case <-w.exited:
				return
			}
		case <-w.exited:
			return
		}
	}
}

// --- request plumbing -------------------------------------------------------------

type opKind int

const (
	opInit opKind = iota
	opGetAgent
	opUpdateAgent
	opExecuteAction
	opTerminate
)

type request struct {
	kind      opKind
	transform Transform
	action    string
	params    map[string]any
	reason    string
	reply     chan response
}

type response struct {
	snap   snapshot.Snapshot
	result any
	err    error
}

type msgEnvelope struct {
	msg Message
}

type sigEnvelope struct {
	sig Signal
}

func (k opKind) String() string {
	switch k {
	case opInit:
		return "init"
	case opGetAgent:
		return "get_agent"
	case opUpdateAgent:
		return "update_agent"
	case opExecuteAction:
		return "execute_action"
	case opTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

func (w *Worker) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case w.reqCh <- req:
	case <-ctx.Done():
		return response{}, &ErrTimeout{Op: req.kind.String()}
	case <-w.exited:
		return response{}, &ErrStopped{AgentID: w.id.String()}
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, &ErrTimeout{Op: req.kind.String()}
	case <-w.exited:
		return response{}, &ErrStopped{AgentID: w.id.String()}
	}
}

// --- public synchronous API -------------------------------------------------------

// Init runs the module's Init callback and commits the result with
// lifecycle = ready (spec §4.4 "Lifecycle-state within snapshot").
func (w *Worker) Init(ctx context.Context) (snapshot.Snapshot, error) {
	resp, err := w.call(ctx, request{kind: opInit})
	return resp.snap, err
}

// GetAgent returns the worker's current snapshot (read-only).
func (w *Worker) GetAgent(ctx context.Context) (snapshot.Snapshot, error) {
	resp, err := w.call(ctx, request{kind: opGetAgent})
	return resp.snap, err
}

// UpdateAgent applies transform and commits the result (spec §4.4
// "Atomicity of updates": the snapshot only changes if transform
// completes normally).
func (w *Worker) UpdateAgent(ctx context.Context, transform Transform) (snapshot.Snapshot, error) {
	resp, err := w.call(ctx, request{kind: opUpdateAgent, transform: transform})
	return resp.snap, err
}

// ExecuteAction dispatches action to the module's HandleAction
// callback (spec §4.4 "Action execution").
func (w *Worker) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	resp, err := w.call(ctx, request{kind: opExecuteAction, action: action, params: params})
	return resp.result, err
}

// SendMessage enqueues an envelope for sequential processing (spec
// §4.4 "Messages"). Asynchronous: returns once queued, not once
// processed.
func (w *Worker) SendMessage(msg Message) error {
	select {
	case w.msgCh <- msgEnvelope{msg: msg}:
		return nil
	case <-w.exited:
		return &ErrStopped{AgentID: w.id.String()}
	default:
		return fmt.Errorf("agent: message queue full for %s", w.id)
	}
}

// SendSignal delivers sig with no queueing relative to the message
// backlog (spec §4.4 "Signals"): it is picked up as soon as the
// worker is free, ahead of any pending queued messages.
func (w *Worker) SendSignal(sig Signal) error {
	select {
	case w.sigCh <- sigEnvelope{sig: sig}:
		return nil
	case <-w.exited:
		return &ErrStopped{AgentID: w.id.String()}
	default:
		return fmt.Errorf("agent: signal channel full for %s", w.id)
	}
}

// --- run loop ----------------------------------------------------------------------

func (w *Worker) run() {
	defer close(w.exited)
	for {
		// A pending signal is taken before any other ready work.
		select {
		case env := <-w.sigCh:
			w.handleSignal(env.sig)
			continue
		default:
		}
		select {
		case req := <-w.reqCh:
			done := w.handle(req)
			if done {
				return
			}
		case env := <-w.msgCh:
			w.handleMessage(env.msg)
		case env := <-w.sigCh:
			w.handleSignal(env.sig)
		case ev := <-w.eventCh:
			w.handleEvent(ev)
		}
	}
}

func (w *Worker) handle(req request) (stop bool) {
	switch req.kind {
	case opInit:
		req.reply <- w.doInit()
	case opGetAgent:
		req.reply <- response{snap: w.current}
	case opUpdateAgent:
		req.reply <- w.doUpdate(req.transform)
	case opExecuteAction:
		req.reply <- w.doExecuteAction(req.action, req.params)
	case opTerminate:
		w.doTerminate(req.reason)
		req.reply <- response{snap: w.current}
		return true
	}
	return false
}

func (w *Worker) doInit() response {
	newState, err := safeInit(w.module, w.current, w.cfg.InitConfig)
	if err != nil {
		return response{err: err}
	}
	committed, err := w.commit(newState, snapshot.LifecycleReady)
	if err != nil {
		return response{err: err}
	}
	return response{snap: committed}
}

func (w *Worker) doUpdate(transform Transform) response {
	candidate, err := safeTransform(transform, w.current)
	if err != nil {
		return response{err: err}
	}
	committed, err := w.commit(candidate.State, candidate.Lifecycle)
	if err != nil {
		return response{err: err}
	}
	return response{snap: committed}
}

func (w *Worker) doExecuteAction(action string, params map[string]any) response {
	ok, newState, result, actionErr := safeAction(w.module, w.current, action, params)
	if actionErr != nil {
		if _, panicked := actionErr.(*ErrExecutionFailed); panicked {
			w.logger.Error("action execution panicked", "action", action, "error", actionErr)
		}
		w.emitActionFailed(action, params, actionErr)
		return response{err: actionErr}
	}
	if !ok {
		return response{err: &ErrInvalidResponse{Detail: "HandleAction returned ok=false with no error"}}
	}
	committed, err := w.commit(newState, w.current.Lifecycle)
	if err != nil {
		return response{err: err}
	}
	w.emitActionExecuted(action, params, result)
	return response{snap: committed, result: result}
}

func (w *Worker) handleMessage(msg Message) {
	newState, err := safeMessage(w.module, w.current, msg)
	if err != nil {
		w.logger.Warn("message handler failed", "error", err)
		return
	}
	if _, err := w.commit(newState, w.current.Lifecycle); err != nil {
		w.logger.Warn("message commit failed", "error", err)
	}
}

func (w *Worker) handleSignal(sig Signal) {
	newState, err := safeSignal(w.module, w.current, sig)
	if err != nil {
		w.logger.Warn("signal handler failed", "kind", sig.Kind, "error", err)
		return
	}
	if _, err := w.commit(newState, w.current.Lifecycle); err != nil {
		w.logger.Warn("signal commit failed", "error", err)
	}
}

func (w *Worker) handleEvent(ev eventbus.Event) {
	newState, err := safeEvent(w.module, w.current, ev)
	if err != nil {
		w.logger.Warn("event handler failed", "event_type", ev.Type, "error", err)
		return
	}
	if _, err := w.commit(newState, w.current.Lifecycle); err != nil {
		w.logger.Warn("event commit failed", "error", err)
	}
}

func (w *Worker) doTerminate(reason string) {
	terminating := w.current.WithLifecycle(snapshot.LifecycleTerminating)
	if committed, err := w.commit(terminating.State, snapshot.LifecycleTerminating); err == nil {
		w.current = committed
	}
	if err := safeTerminate(w.module, w.current, reason); err != nil {
		w.logger.Warn("terminate callback failed", "error", err)
	}
}

// commit stamps a fresh Version/UpdatedAt onto the candidate state and
// writes it through to the registry before returning — the strict
// invariant of spec §4.4 "Registry synchronization": "Every committed
// snapshot change inside the runtime must be reflected into the
// registry before the operation returns."
func (w *Worker) commit(newState map[string]any, lifecycle snapshot.Lifecycle) (snapshot.Snapshot, error) {
	candidate := w.current.With(newState, lifecycle)
	if w.reg == nil {
		w.current = candidate
		return candidate, nil
	}
	committed, err := w.reg.UpdateAgent(w.id, func(snapshot.Snapshot) (snapshot.Snapshot, error) {
		return candidate, nil
	})
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	w.current = committed
	return committed, nil
}

func (w *Worker) emitActionExecuted(action string, params map[string]any, result any) {
	if w.bus == nil {
		return
	}
	w.bus.EmitFrom(w.id.String(), TopicActionExecuted, map[string]any{
		"agent_id": w.id.String(),
		"action":   action,
		"params":   params,
		"result":   result,
	}, nil)
}

func (w *Worker) emitActionFailed(action string, params map[string]any, reason error) {
	if w.bus == nil {
		return
	}
	w.bus.EmitFrom(w.id.String(), TopicActionFailed, map[string]any{
		"agent_id": w.id.String(),
		"action":   action,
		"params":   params,
		"reason":   reason.Error(),
	}, nil)
}

