package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"intentline/internal/app"
	"intentline/internal/config"
	"intentline/internal/domain"
)

type testServer struct {
	URL     string
	Runtime *app.Runtime
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	rt, err := app.Open(context.Background(), t.TempDir(), config.Default())
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	handler, err := New(Config{
		Runtime:  rt,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, DevMode: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Runtime: rt,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			rt.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeader(t *testing.T, tenantID string) map[string]string {
	t.Helper()
	token, err := issueJWT(testJWTSecret, tenantID, "tester", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestIntentLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{
		"tenant_id": "acme",
		"user_id":   "u-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	if err := json.Unmarshal(data, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/intents", map[string]any{
		"intent_type": "ingest_file",
		"parameters": map[string]any{
			"source_type": "file_upload",
			"source_id":   "report.pdf",
			"content":     "quarterly numbers",
		},
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit intent status %d: %s", res.StatusCode, string(data))
	}
	var exec ExecutionResponse
	if err := json.Unmarshal(data, &exec); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if exec.Status != domain.ExecutionPending {
		t.Fatalf("submit must return pending, got %s", exec.Status)
	}

	srv.Runtime.Lifecycle.Wait()
	auth := authHeader(t, "acme")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/executions/"+exec.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get execution status %d: %s", res.StatusCode, string(data))
	}
	var done ExecutionResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal execution: %v", err)
	}
	if done.Status != domain.ExecutionCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/wal?from=1&limit=100", nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read wal status %d: %s", res.StatusCode, string(data))
	}
	var events []WALEventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 || events[0].Type != domain.EventIntentReceived {
		t.Fatalf("expected INTENT_RECEIVED first, got %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != domain.EventExecutionCompleted {
		t.Fatalf("expected EXECUTION_COMPLETED last, got %s", last.Type)
	}
	for i, evt := range events {
		if evt.Sequence != int64(i+1) {
			t.Fatalf("gap in stream at %d: %+v", i, evt)
		}
	}
}

func TestTenantRoutesRequireMatchingCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/wal", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// Another tenant's token reads as not found, never forbidden.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/wal", nil, authHeader(t, "globex"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-tenant access, got %d", res.StatusCode)
	}
}

func TestUpgradeConflictIsReported(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	_ = json.Unmarshal(data, &session)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/upgrade", map[string]any{
		"tenant_id": "acme",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upgrade status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/upgrade", map[string]any{
		"tenant_id": "globex",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for rebinding, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPolicyEndpointRestrictsMaterialization(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	auth := authHeader(t, "acme")

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/tenants/acme/policy", map[string]any{
		"ttl": "1h",
		"types": map[string]any{
			"deterministic_digest": map[string]any{},
		},
	}, auth)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("set policy status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions", map[string]any{"tenant_id": "acme"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create session status %d: %s", res.StatusCode, string(data))
	}
	var session SessionResponse
	_ = json.Unmarshal(data, &session)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+session.ID+"/intents", map[string]any{
		"intent_type": "ingest_file",
		"parameters": map[string]any{
			"source_type":          "url",
			"source_id":            "https://example.com/doc",
			"content":              "x",
			"materialization_type": "full_artifact",
		},
	}, nil)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var exec ExecutionResponse
	_ = json.Unmarshal(data, &exec)

	srv.Runtime.Lifecycle.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/executions/"+exec.ID, nil, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get execution status %d: %s", res.StatusCode, string(data))
	}
	var done ExecutionResponse
	_ = json.Unmarshal(data, &done)
	if done.Status != domain.ExecutionFailed {
		t.Fatalf("expected policy-denied execution to fail, got %s", done.Status)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/ready", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d: %s", res.StatusCode, string(data))
	}
	var report map[string]string
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal ready: %v", err)
	}
	if report["wal"] != "ok" || report["state"] != "ok" {
		t.Fatalf("unexpected ready report: %v", report)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"tenant_id": "acme",
		"user_id":   "u-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tenants/acme/wal", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("minted token rejected: %d", res.StatusCode)
	}
}
