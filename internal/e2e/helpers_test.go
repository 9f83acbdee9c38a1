package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aicpusched/internal/httpapi"
	"aicpusched/internal/manager"
	"aicpusched/pkg/types"
)

func newServer(t *testing.T, cfg manager.Config) (*httptest.Server, *manager.Manager) {
	t.Helper()
	mgr := manager.NewWithConfig(cfg)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return srv, mgr
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func httpPostJSON(t *testing.T, url string, v any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader = http.NoBody
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d want %d, body=%s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// pipelineSpec forwards every record from queue 100 to queue 200 and
// repeats until stopped.
func pipelineSpec(id uint32) types.ModelSpec {
	return types.ModelSpec{
		ID:      id,
		Streams: []types.StreamSpec{{ID: 0, AICPU: true, Head: true}},
		Tasks: []types.TaskSpec{
			{ID: 0, StreamID: 0, Kernel: "modelDequeue"},
			{ID: 1, StreamID: 0, Kernel: "modelEnqueue"},
			{ID: 2, StreamID: 0, Kernel: "modelRepeat"},
		},
		Queues: []types.QueueSpec{
			{ID: 100, Direction: "input"},
			{ID: 200, Direction: "output"},
		},
		Config: &types.ModelConfigSpec{
			Type:        "sync_event",
			OutputPools: []types.PoolSpec{{BlockNum: 8, BlockSize: 256}},
		},
	}
}

func modelStatus(t *testing.T, base string, id uint32) types.ModelStatus {
	t.Helper()
	resp, body := httpGet(t, base+"/models/"+itoa(id))
	expectStatus(t, resp, body, http.StatusOK)
	var st types.ModelStatus
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode model status: %v", err)
	}
	return st
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func itoa(n uint32) string {
	b, _ := json.Marshal(n)
	return string(b)
}
