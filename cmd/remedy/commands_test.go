package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/remedy/internal/config"
	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/skill"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestParseKVArgs(t *testing.T) {
	args, err := parseKVArgs([]string{"env=staging", "version=1.4.2", "note=a=b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args["env"] != "staging" {
		t.Errorf("env = %q, want staging", args["env"])
	}
	if args["version"] != "1.4.2" {
		t.Errorf("version = %q, want 1.4.2", args["version"])
	}
	if args["note"] != "a=b" {
		t.Errorf("note = %q, want a=b (split on first '=' only)", args["note"])
	}
}

func TestParseKVArgs_Empty(t *testing.T) {
	args, err := parseKVArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args != nil {
		t.Errorf("expected nil map for no flags, got %v", args)
	}
}

func TestParseKVArgs_Invalid(t *testing.T) {
	for _, bad := range []string{"noequals", "=value"} {
		if _, err := parseKVArgs([]string{bad}); err == nil {
			t.Errorf("parseKVArgs(%q) succeeded, want error", bad)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("shortID = %q, want 01234567", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q, want abc", got)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	doc := `
id: deploy
steps:
  - id: fetch
    tool: http.get
    args:
      url: https://example.com
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	def, err := skill.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.ID != "deploy" {
		t.Errorf("id = %q, want deploy", def.ID)
	}
}

func TestValidateCommand_BadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("id: deploy\nsteps: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := skill.Load(path); err == nil {
		t.Fatal("expected error for skill with no steps")
	}
}

func TestRunsCommandDecodesSnapshots(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /runs": `[{"runId":"run-1","skillId":"deploy","status":"succeeded","results":[{"stepId":"fetch","status":"succeeded","attempts":1}],"currentStep":1}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/runs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var runs []engine.Snapshot
	if err := decodeJSON(resp, &runs); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].RunID != "run-1" {
		t.Errorf("runId = %q, want run-1", runs[0].RunID)
	}
	if runs[0].Status != engine.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", runs[0].Status)
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestRemediesCommandDecodesRecords(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /remedies": `[{"signature":"deadbeefcafe0123","remedyAction":"reconnect","successCount":4,"failureCount":1}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/remedies?limit=50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var records []memory.Record
	if err := decodeJSON(resp, &records); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].RemedyAction != "reconnect" {
		t.Errorf("action = %q, want reconnect", records[0].RemedyAction)
	}
	if records[0].SuccessCount != 4 {
		t.Errorf("successCount = %d, want 4", records[0].SuccessCount)
	}
}

func TestHistoryCommandDecodesEntries(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /history": `[{"id":"e-1","runId":"run-1","skillId":"deploy","stepId":"fetch","tool":"http.get","signature":"deadbeefcafe0123","policy":"autoHeal","verdict":"healed","status":"failed","attempts":1,"at":"2025-01-01T00:00:00Z"}]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/history?limit=50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entries []memory.Entry
	if err := decodeJSON(resp, &entries); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Verdict != "healed" {
		t.Errorf("verdict = %q, want healed", entries[0].Verdict)
	}
	if !strings.Contains(ts.requests[0].Path, "limit=50") {
		t.Errorf("path = %q, want limit=50 in query", ts.requests[0].Path)
	}
}

func TestCancelCommandPostsToServer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /runs/run-1/cancel": `{"status":"cancelling"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/runs/run-1/cancel", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["status"] != "cancelling" {
		t.Errorf("status = %q, want cancelling", result["status"])
	}
	if ts.requests[0].Method != "POST" {
		t.Errorf("method = %q, want POST", ts.requests[0].Method)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/runs")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestAPIClientWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty header when no token is configured", ts.requests[0].Auth)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4600
	cfg.Engine.MaxConcurrentRuns = 8

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4600" {
			found = true
		}
		if k.Key == "server.token" {
			t.Error("ShowAll must not expose the server token")
		}
	}
	if !found {
		t.Error("expected to find server.port=4600 in ShowAll output")
	}
}

func TestStepErrorLabel(t *testing.T) {
	res := engine.StepResult{StepID: "fetch", Status: engine.StepFailed}
	if got := stepErrorLabel(res); got != "unknown" {
		t.Errorf("label = %q, want unknown for missing error", got)
	}
}

func TestPrintRunResultFormats(t *testing.T) {
	// Smoke test: exercises all result branches without panicking.
	snap := engine.Snapshot{
		RunID:   "run-1",
		SkillID: "deploy",
		Status:  engine.StatusPartiallyFailed,
		Results: []engine.StepResult{
			{StepID: "fetch", Status: engine.StepSucceeded, Attempts: 1},
			{StepID: "push", Status: engine.StepFailed, Attempts: 3},
			{StepID: "notify", Status: engine.StepSkipped},
		},
	}
	printRunResult(snap)
}

func TestRunsCommandEmptyList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /runs": `[]`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/runs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var runs []engine.Snapshot
	if err := decodeJSON(resp, &runs); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected empty list, got %d", len(runs))
	}

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(runs)
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("round-trip = %q, want []", buf.String())
	}
}
