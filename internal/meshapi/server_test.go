package meshapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/agentmesh/internal/agent"
	"github.com/nugget/agentmesh/internal/demoagent"
	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/lifecycle"
	"github.com/nugget/agentmesh/internal/registry"
	"github.com/nugget/agentmesh/internal/snapshot"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *eventbus.Bus, *agent.Worker) {
	t.Helper()
	reg := registry.New(nil)
	bus := eventbus.New(nil, 100)
	ctrl := lifecycle.New(nil, reg, bus, 50*time.Millisecond, time.Second)

	snap, w, err := ctrl.StartAgent(context.Background(), lifecycle.StartOptions{
		Type:         demoagent.Type,
		Capabilities: []string{demoagent.CapabilityPing},
		InitialState: map[string]any{},
		Module:       demoagent.Counter{},
	})
	if err != nil {
		t.Fatalf("StartAgent() error = %v", err)
	}
	if snap.Lifecycle != snapshot.LifecycleReady {
		t.Fatalf("Lifecycle = %v, want ready", snap.Lifecycle)
	}

	t.Cleanup(func() {
		w.Stop("test cleanup")
		reg.Close()
		bus.Close()
	})

	return NewServer("", 0, reg, bus, nil), reg, bus, w
}

func TestHandleAgentsListsRegisteredAgents(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents", nil)
	s.handleAgents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Agents []agentView `json:"agents"`
		Count  int         `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body.Count != 1 || len(body.Agents) != 1 {
		t.Fatalf("got %d agents, want 1", body.Count)
	}
	if body.Agents[0].Type != demoagent.Type {
		t.Errorf("Type = %q, want %q", body.Agents[0].Type, demoagent.Type)
	}
}

func TestHandleAgentsFiltersByCapability(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents?capability=nonexistent", nil)
	s.handleAgents(rec, req)

	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("Count = %d, want 0 for unknown capability", body.Count)
	}
}

func TestHandleAgentGetReturnsNotFoundForUnknownID(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents/agent_00000000-0000-0000-0000-000000000000", nil)
	req.SetPathValue("id", "agent_00000000-0000-0000-0000-000000000000")
	s.handleAgentGet(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleAgentGetReturnsBadRequestForMalformedID(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/agents/not-an-id", nil)
	req.SetPathValue("id", "not-an-id")
	s.handleAgentGet(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleEventsReportsDroppedTotal(t *testing.T) {
	s, _, bus, w := newTestServer(t)

	if _, err := w.ExecuteAction(context.Background(), demoagent.ActionPing, nil); err != nil {
		t.Fatalf("ExecuteAction() error = %v", err)
	}

	waitForHistory(t, bus)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	s.handleEvents(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Events       []eventView      `json:"events"`
		Count        int              `json:"count"`
		DroppedTotal map[string]int64 `json:"dropped_total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if body.Count == 0 {
		t.Fatal("expected at least one recorded event")
	}
	if body.DroppedTotal == nil {
		t.Error("response has no dropped_total map")
	}
}

func TestHandleDocsRendersEventCatalog(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/docs", nil)
	s.handleDocs(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct == "" {
		t.Error("expected a Content-Type header")
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty rendered docs body")
	}
}

func waitForHistory(t *testing.T, bus *eventbus.Bus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(bus.GetHistory(0)) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for bus history")
}
