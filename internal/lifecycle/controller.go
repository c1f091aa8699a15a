// Package lifecycle orchestrates agent start/stop/restart sequences
// across the registry and the per-agent worker runtime, emitting
// lifecycle events onto the event bus as it goes (spec component E,
// §4.5).
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/agentmesh/internal/agent"
	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
	"github.com/nugget/agentmesh/internal/registry"
	"github.com/nugget/agentmesh/internal/snapshot"
)

// Lifecycle event topics (spec §6 "Event topic catalog").
const (
	TopicStarted     = "agent_lifecycle.started"
	TopicStopping    = "agent_lifecycle.stopping"
	TopicStopped     = "agent_lifecycle.stopped"
	TopicStartFailed = "agent_lifecycle.start_failed"
)

// StartOptions describes a new agent to start. ID is optional: leave
// it zero to mint a fresh one, or set it to restart an agent under its
// existing identity (RestartAgent does this internally).
type StartOptions struct {
	ID           ident.ID
	Type         string
	Capabilities []string
	InitialState map[string]any
	ParentID     *ident.ID
	Module       agent.Module
	// WorkerConfig carries subscriptions/patterns/buffer sizes and the
	// InitConfig handed to Module.Init.
	WorkerConfig agent.Config
}

// RestartOverrides lets a caller override defaults taken from the
// stopped agent's last snapshot (spec §4.5 "restart_agent ... with
// the saved snapshot's type/capabilities/state/metadata as defaults,
// overridable by the caller").
type RestartOverrides struct {
	Type         *string
	Capabilities []string
	InitialState map[string]any
	InitConfig   map[string]any
	WorkerConfig *agent.Config
}

// record is what the controller remembers about an agent it started,
// so a later RestartAgent (given only an id) can reconstruct a worker
// for it. Go modules are behavior, not data, so unlike the snapshot
// itself this cannot be recovered from the registry alone.
type record struct {
	module       agent.Module
	workerConfig agent.Config
}

// Controller is the process-wide lifecycle orchestrator. Construct
// one with New and share the pointer (spec §9 design note, applied
// the same way to every long-lived service in this runtime).
type Controller struct {
	logger        *slog.Logger
	reg           *registry.Registry
	bus           *eventbus.Bus
	actionTimeout time.Duration
	pollInterval  time.Duration

	mu      sync.Mutex
	records map[string]*record

	stopMonitor chan struct{}
	monitorWg   sync.WaitGroup
}

// New constructs a Controller. pollInterval configures the liveness
// watchdog (see Start); actionTimeout is the default deadline applied
// to StartAgent/RestartAgent calls that are handed a context with no
// deadline of their own.
func New(logger *slog.Logger, reg *registry.Registry, bus *eventbus.Bus, pollInterval, actionTimeout time.Duration) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	if actionTimeout <= 0 {
		actionTimeout = 30 * time.Second
	}
	return &Controller{
		logger:        logger,
		reg:           reg,
		bus:           bus,
		actionTimeout: actionTimeout,
		pollInterval:  pollInterval,
		records:       make(map[string]*record),
		stopMonitor:   make(chan struct{}),
	}
}

// Start begins the background liveness watchdog (supplemented feature
// grounded on a heartbeat-registry's monitorLoop/checkAgentHealth
// pattern): belt-and-suspenders against a worker whose death watch was
// never correctly installed. The primary liveness signal remains the
// blocking watch each of registry.Register and eventbus.Subscribe
// install per spec §4.2/§9.
func (c *Controller) Start() {
	c.monitorWg.Add(1)
	go c.monitorLoop()
}

// Stop halts the watchdog. It does not stop any running agents.
func (c *Controller) Stop() {
	close(c.stopMonitor)
	c.monitorWg.Wait()
}

func (c *Controller) monitorLoop() {
	defer c.monitorWg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopMonitor:
			return
		case <-ticker.C:
			c.checkAgentHealth()
		}
	}
}

// checkAgentHealth cross-checks every registration still known to the
// controller against the registry. A registered agent whose worker has
// already exited (its death watch did not fire) is unregistered here.
// If the registry no longer holds a record the controller still
// remembers, this just reconciles the controller's own bookkeeping.
func (c *Controller) checkAgentHealth() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, idStr := range ids {
		id, err := ident.Parse(idStr)
		if err != nil {
			continue
		}
		worker, err := c.reg.GetWorker(id)
		if err == nil && worker != nil {
			select {
			case <-worker.Done():
				c.reg.Unregister(id)
				c.logger.Warn("lifecycle: deregistered agent whose worker exited unnoticed", "agent_id", idStr)
			default:
				continue
			}
		}
		c.mu.Lock()
		delete(c.records, idStr)
		c.mu.Unlock()
		c.logger.Info("lifecycle: reconciled stale record for departed agent", "agent_id", idStr)
	}
}

func (c *Controller) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.actionTimeout)
}

// StartAgent builds the initial snapshot, spawns a worker, registers
// it, and runs the module's init callback — in that order, per spec
// §4.5. It does not return until the registry holds the post-init
// snapshot with lifecycle = ready, or the sequence has failed and been
// unwound.
func (c *Controller) StartAgent(ctx context.Context, opts StartOptions) (snapshot.Snapshot, *agent.Worker, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	id := opts.ID
	if id.IsZero() {
		id = ident.New(ident.KindAgent)
	}
	moduleName := fmt.Sprintf("%T", opts.Module)
	initSnap := snapshot.New(id, opts.Type, opts.Capabilities, opts.InitialState, opts.ParentID, moduleName)

	w := agent.NewWorker(c.logger, c.reg, c.bus, opts.Module, initSnap, opts.WorkerConfig)

	if err := c.reg.Register(initSnap, w); err != nil {
		w.Stop("registration_failed")
		c.emit(TopicStartFailed, id, err)
		return snapshot.Snapshot{}, nil, &ErrRegistrationFailed{Cause: err}
	}

	readySnap, err := w.Init(ctx)
	if err != nil {
		w.Stop("init_failed")
		c.reg.Unregister(id)
		c.emit(TopicStartFailed, id, err)
		return snapshot.Snapshot{}, nil, err
	}

	c.mu.Lock()
	c.records[id.String()] = &record{module: opts.Module, workerConfig: opts.WorkerConfig}
	c.mu.Unlock()

	c.emitOK(TopicStarted, id)
	return readySnap, w, nil
}

// StopAgent looks up id, marks it terminating, asks the worker to
// exit, and unregisters it. Unknown ids succeed silently, and calling
// StopAgent twice in a row succeeds both times (spec §4.5/§8 "Calling
// stop_agent on an unknown id succeeds. Calling it twice in a row
// succeeds.").
func (c *Controller) StopAgent(_ context.Context, id ident.ID, reason string) error {
	if _, err := c.reg.GetAgent(id); err != nil {
		return nil
	}

	// Best effort: mark terminating before tearing down. A failure
	// here (e.g. the worker already died and deregistered itself
	// concurrently) does not abort the stop sequence.
	c.reg.UpdateAgent(id, func(s snapshot.Snapshot) (snapshot.Snapshot, error) {
		return s.WithLifecycle(snapshot.LifecycleTerminating), nil
	})
	c.emitOK(TopicStopping, id)

	if worker, err := c.reg.GetWorker(id); err == nil && worker != nil {
		worker.Stop(reason)
	}

	c.reg.Unregister(id)

	c.mu.Lock()
	delete(c.records, id.String())
	c.mu.Unlock()

	c.emitOK(TopicStopped, id)
	return nil
}

// RestartAgent stops id, then starts a new worker under the same id
// using the stopped agent's last type/capabilities/state/module as
// defaults, overridable by overrides. Returns ErrModuleNotFound if the
// controller has no record of id's module (it was never started
// through this controller).
func (c *Controller) RestartAgent(ctx context.Context, id ident.ID, overrides RestartOverrides) (snapshot.Snapshot, *agent.Worker, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	lastSnap, err := c.reg.GetAgent(id)
	if err != nil {
		return snapshot.Snapshot{}, nil, err
	}

	c.mu.Lock()
	rec, ok := c.records[id.String()]
	c.mu.Unlock()
	if !ok {
		return snapshot.Snapshot{}, nil, &ErrModuleNotFound{AgentID: id.String()}
	}

	if err := c.StopAgent(ctx, id, "restart"); err != nil {
		return snapshot.Snapshot{}, nil, err
	}

	opts := StartOptions{
		ID:           id,
		Type:         lastSnap.Type,
		Capabilities: lastSnap.Capabilities,
		InitialState: lastSnap.State,
		ParentID:     lastSnap.ParentID,
		Module:       rec.module,
		WorkerConfig: rec.workerConfig,
	}
	if overrides.Type != nil {
		opts.Type = *overrides.Type
	}
	if overrides.Capabilities != nil {
		opts.Capabilities = overrides.Capabilities
	}
	if overrides.InitialState != nil {
		opts.InitialState = overrides.InitialState
	}
	if overrides.WorkerConfig != nil {
		opts.WorkerConfig = *overrides.WorkerConfig
	}
	if overrides.InitConfig != nil {
		opts.WorkerConfig.InitConfig = overrides.InitConfig
	}

	return c.StartAgent(ctx, opts)
}

func (c *Controller) emit(topic string, id ident.ID, err error) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(topic, map[string]any{"agent_id": id.String(), "error": err.Error()}, nil)
}

func (c *Controller) emitOK(topic string, id ident.ID) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(topic, map[string]any{"agent_id": id.String()}, nil)
}
