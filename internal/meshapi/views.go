package meshapi

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nugget/agentmesh/internal/snapshot"
)

// agentView is the JSON shape returned for a single agent.
type agentView struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Capabilities []string       `json:"capabilities"`
	Lifecycle    string         `json:"lifecycle"`
	State        map[string]any `json:"state"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Uptime       string         `json:"uptime"`
}

func view(snap snapshot.Snapshot) agentView {
	return agentView{
		ID:           snap.ID.String(),
		Type:         snap.Type,
		Capabilities: snap.Capabilities,
		Lifecycle:    string(snap.Lifecycle),
		State:        snap.State,
		Version:      snap.Version,
		CreatedAt:    snap.CreatedAt,
		UpdatedAt:    snap.UpdatedAt,
		Uptime:       humanize.Time(snap.CreatedAt),
	}
}

func viewAll(snaps []snapshot.Snapshot) []agentView {
	out := make([]agentView, len(snaps))
	for i, s := range snaps {
		out[i] = view(s)
	}
	return out
}

// eventView is the JSON shape returned for a single bus event, adding
// a human-readable age alongside the raw timestamp.
type eventView struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Age       string         `json:"age"`
}
