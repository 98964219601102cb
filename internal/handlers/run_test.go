package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dres-dev/DRES-sub000/internal/auth"
	"github.com/dres-dev/DRES-sub000/internal/handlers"
	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/models"
	"github.com/dres-dev/DRES-sub000/internal/run"
	"github.com/dres-dev/DRES-sub000/internal/testutil"
	"github.com/dres-dev/DRES-sub000/internal/websocket"
	"github.com/dres-dev/DRES-sub000/pkg/auditlog"
)

func testAccounts() []auth.Account {
	return []auth.Account{
		{ID: "admin", Password: "secret", Roles: []run.Role{run.RoleAdmin}},
		{ID: "p1", Password: "secret", Roles: []run.Role{run.RoleParticipant}, TeamID: "t1"},
		{ID: "v1", Password: "secret", Roles: []run.Role{run.RoleViewer}},
	}
}

func storedTemplate() models.RunTemplate {
	return models.RunTemplate{
		ID:   "tmpl",
		Name: "Test Competition",
		Tasks: []models.TaskTemplate{
			{
				ID:         "task-a",
				Name:       "Find the whale",
				Duration:   60 * time.Second,
				Validation: models.ValidationConfig{Kind: models.ValidateItem},
				Targets:    []models.Target{{ItemID: "v001"}},
			},
		},
		Teams: []models.Team{
			{ID: "t1", Name: "Team One", Members: []string{"p1"}},
		},
	}
}

// setupServer builds the full handler stack over an in-memory
// repository and returns a running test server.
func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := logger.New()
	repo := testutil.NewTestRepository(t)

	tmpl := storedTemplate()
	if err := repo.SaveTemplate(context.Background(), &tmpl); err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}

	hub := websocket.New(log)
	registry := run.NewRegistry(log, hub, run.RegistryOptions{SweepInterval: time.Hour})
	hub.SetRouter(registry)
	hub.Start()
	registry.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	})

	authn := auth.New("test-secret", time.Hour, testAccounts())
	h := handlers.New(log, registry, repo, authn, hub, auditlog.NewMockClient(), run.Options{}, "http://localhost:8080")

	server := httptest.NewServer(h.Routes())
	t.Cleanup(server.Close)
	return server
}

// login returns a session token for the given user
func login(t *testing.T, server *httptest.Server, user string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": user, "password": "secret"})
	resp, err := http.Post(server.URL+"/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d", resp.StatusCode)
	}
	var lr handlers.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatalf("unparseable login response: %v", err)
	}
	return lr.Token
}

// do sends an authenticated request and returns the response
func do(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	return resp
}

// createRun schedules a run and returns its id
func createRun(t *testing.T, server *httptest.Server, token string) string {
	t.Helper()
	resp := do(t, http.MethodPost, server.URL+"/api/runs", token,
		handlers.CreateRunRequest{TemplateID: "tmpl"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run returned %d", resp.StatusCode)
	}
	var cr handlers.CreateRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		t.Fatalf("unparseable create response: %v", err)
	}
	return cr.RunID
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("unparseable error body: %v", err)
	}
	return body.Code
}

func TestCreateRunAndReadState(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")

	runID := createRun(t, server, token)
	if runID == "" {
		t.Fatal("expected a run id")
	}

	resp := do(t, http.MethodGet, server.URL+"/api/runs/"+runID+"/state", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state returned %d", resp.StatusCode)
	}
	var state handlers.RunStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("unparseable state: %v", err)
	}
	if state.RunID != runID {
		t.Errorf("expected run %s, got %s", runID, state.RunID)
	}
	if state.Status != models.RunCreated {
		t.Errorf("expected status %s, got %s", models.RunCreated, state.Status)
	}
}

func TestCreateRun_UnknownTemplate(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")

	resp := do(t, http.MethodPost, server.URL+"/api/runs", token,
		handlers.CreateRunRequest{TemplateID: "missing"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != handlers.ErrCodeNotFound {
		t.Errorf("expected code %s, got %s", handlers.ErrCodeNotFound, code)
	}
}

func TestRunControl_FullCycle(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")
	runID := createRun(t, server, token)
	base := server.URL + "/api/runs/" + runID

	for _, step := range []string{"/start", "/task/start", "/task/abort", "/end"} {
		resp := do(t, http.MethodPost, base+step, token, nil)
		resp.Body.Close()
		want := http.StatusOK
		if step == "/task/start" {
			want = http.StatusCreated
		}
		if resp.StatusCode != want {
			t.Fatalf("%s returned %d, want %d", step, resp.StatusCode, want)
		}
	}

	resp := do(t, http.MethodGet, base+"/state", token, nil)
	defer resp.Body.Close()
	var state handlers.RunStateResponse
	json.NewDecoder(resp.Body).Decode(&state)
	if state.Status != models.RunTerminated {
		t.Errorf("expected %s after end, got %s", models.RunTerminated, state.Status)
	}
}

func TestStartTask_BeforeRunStart(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")
	runID := createRun(t, server, token)

	resp := do(t, http.MethodPost, server.URL+"/api/runs/"+runID+"/task/start", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != handlers.ErrCodeWrongState {
		t.Errorf("expected code %s, got %s", handlers.ErrCodeWrongState, code)
	}
}

func TestAuthRequired(t *testing.T) {
	server := setupServer(t)

	resp, err := http.Get(server.URL + "/api/runs")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", resp.StatusCode)
	}
}

func TestRoleEnforcedOnControlRoutes(t *testing.T) {
	server := setupServer(t)
	adminToken := login(t, server, "admin")
	runID := createRun(t, server, adminToken)

	viewerToken := login(t, server, "v1")
	resp := do(t, http.MethodPost, server.URL+"/api/runs/"+runID+"/start", viewerToken, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for viewer, got %d", resp.StatusCode)
	}
}

func TestSubmission_OverHTTP(t *testing.T) {
	server := setupServer(t)
	adminToken := login(t, server, "admin")
	runID := createRun(t, server, adminToken)
	base := server.URL + "/api/runs/" + runID

	for _, step := range []string{"/start", "/task/start"} {
		resp := do(t, http.MethodPost, base+step, adminToken, nil)
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			t.Fatalf("%s returned %d", step, resp.StatusCode)
		}
	}
	// no clients are registered, so the readiness gate is already open
	waitForTaskRunning(t, server, base, adminToken)

	participantToken := login(t, server, "p1")
	resp := do(t, http.MethodPost, base+"/submission", participantToken,
		handlers.SubmissionRequest{ItemID: "v001"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submission returned %d", resp.StatusCode)
	}
	var sr handlers.SubmissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("unparseable submission response: %v", err)
	}
	if sr.Status != models.StatusCorrect {
		t.Errorf("expected %s, got %s", models.StatusCorrect, sr.Status)
	}
}

func waitForTaskRunning(t *testing.T, server *httptest.Server, base, token string) {
	t.Helper()
	testutil.Eventually(t, 5*time.Second, func() bool {
		resp := do(t, http.MethodGet, base+"/state", token, nil)
		defer resp.Body.Close()
		var state handlers.RunStateResponse
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return false
		}
		return state.Task != nil && state.Task.Status == models.TaskRunning
	})
}

func TestMalformedBody(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")
	runID := createRun(t, server, token)

	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/runs/%s/goto", server.URL, runID),
		bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != handlers.ErrCodeBadRequest {
		t.Errorf("expected code %s, got %s", handlers.ErrCodeBadRequest, code)
	}
}

func TestJoinQR(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")
	runID := createRun(t, server, token)

	resp := do(t, http.MethodGet, server.URL+"/api/runs/"+runID+"/qr", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("qr returned %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}
}

func TestJoinQR_UnknownRun(t *testing.T) {
	server := setupServer(t)
	token := login(t, server, "admin")

	resp := do(t, http.MethodGet, server.URL+"/api/runs/missing/qr", token, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
