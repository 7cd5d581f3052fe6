package syncclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"proxyfleet/internal/model"
)

func newFakeCoordinator(t *testing.T, sync SyncResult, settings model.RuntimeSettings) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tasks/pull", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Worker-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"tasks": []model.Task{{ID: 1}, {ID: 2}}})
	})
	mux.HandleFunc("/api/tasks/release", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"released": 1})
	})
	mux.HandleFunc("/api/tasks/result/batch", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"accepted": 1})
	})
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(settings)
	})
	mux.HandleFunc("/api/worker/sync", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(sync)
	})
	return httptest.NewServer(mux)
}

func TestPullTasksReturnsDecodedTasks(t *testing.T) {
	srv := newFakeCoordinator(t, SyncResult{}, model.DefaultSettings())
	defer srv.Close()

	c := NewClient(srv.URL, "worker-1", "secret")
	tasks, err := c.PullTasks(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
}

func TestSyncDecodesFullResponse(t *testing.T) {
	want := SyncResult{
		Settings:       model.DefaultSettings(),
		Quota:          model.Quota{Concurrency: 4, QPS: 2.5},
		Block:          model.BlockDescriptor{Active: true, Epoch: 3, RemainingS: 12},
		RecoveryJitter: 0.7,
	}
	srv := newFakeCoordinator(t, want, model.DefaultSettings())
	defer srv.Close()

	c := NewClient(srv.URL, "worker-1", "secret")
	got, err := c.Sync(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Quota.Concurrency != 4 || got.Block.Epoch != 3 || got.RecoveryJitter != 0.7 {
		t.Fatalf("unexpected decoded sync result: %+v", got)
	}
}

func TestClientSendsWorkerTokenHeader(t *testing.T) {
	srv := newFakeCoordinator(t, SyncResult{}, model.DefaultSettings())
	defer srv.Close()

	c := NewClient(srv.URL, "worker-1", "wrong-token")
	_, err := c.PullTasks(context.Background(), 5)
	if err == nil {
		t.Fatal("expected unauthorized request to fail")
	}
}
