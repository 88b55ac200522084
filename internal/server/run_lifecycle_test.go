package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"agentboard/internal/controlplane"
	"agentboard/internal/model"
	"agentboard/internal/policy"
	"agentboard/internal/session"
)

// fakeRemotePlane backs a real session so the trigger path can be
// exercised end to end through the HTTP surface.
type fakeRemotePlane struct {
	mu       sync.Mutex
	tickets  []model.Ticket
	statuses []controlplane.RunStatusResponse
}

func (f *fakeRemotePlane) Launch(context.Context, controlplane.LaunchRequest) (controlplane.LaunchResponse, error) {
	return controlplane.LaunchResponse{RunID: "run-7"}, nil
}

func (f *fakeRemotePlane) Status(context.Context, string) (controlplane.RunStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return controlplane.RunStatusResponse{Status: "running"}, nil
	}
	resp := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return resp, nil
}

func (f *fakeRemotePlane) SyncArtifacts(context.Context, string) error { return nil }

func (f *fakeRemotePlane) Move(context.Context, string, string, int) error { return nil }

func (f *fakeRemotePlane) Board(context.Context) (controlplane.BoardSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return controlplane.BoardSnapshot{Tickets: f.tickets}, nil
}

func (f *fakeRemotePlane) AppendLog(context.Context, string, []model.Message) error { return nil }

func (f *fakeRemotePlane) SelectLog(context.Context, string, float64, float64) ([]model.Message, error) {
	return nil, nil
}

func TestTriggeredRunOutlivesRequestContext(t *testing.T) {
	cfg := policy.Default()
	cfg.Project = "testproj"
	cfg.Cache.RedisURL = ""
	cfg.Intervals.PollSeconds = 1

	remote := &fakeRemotePlane{
		tickets: []model.Ticket{
			{PK: "t-1", TicketNumber: 1, DisplayID: "AB-1", ColumnID: "col-in-progress", Position: 0},
		},
		// The first poll happens while the request is alive; the run
		// only finishes a full poll interval after the handler returned
		// and net/http canceled the request context.
		statuses: []controlplane.RunStatusResponse{{Status: "running"}, {Status: "finished"}},
	}
	core, err := session.New(context.Background(), session.Options{
		Policy:      cfg,
		Client:      remote,
		DisablePush: true,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(core.Shutdown)

	runtime := NewRuntime(core, Options{})
	srv := httptest.NewServer(runtime.Handler())
	t.Cleanup(srv.Close)

	body, err := json.Marshal(map[string]string{"agent_type": "implementation", "display_id": "AB-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		views := core.Runs()
		if len(views) == 1 {
			if views[0].Phase == model.RunPhaseCompleted {
				break
			}
			if views[0].Phase == model.RunPhaseFailed {
				t.Fatalf("run failed after handler returned: %s", views[0].Error)
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("run never completed: %+v", core.Runs())
		}
		time.Sleep(20 * time.Millisecond)
	}
}
