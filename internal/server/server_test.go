package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"grantflow/internal/config"
	"grantflow/internal/db"
	"grantflow/internal/directory"
	"grantflow/internal/domain"
	"grantflow/internal/engine"
	"grantflow/internal/metrics"
	"grantflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("Test University")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, directory.NewStatic(cfg))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Metrics:  metrics.New(),
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
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
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

// postStatusForm drives the legacy form endpoint.
func postStatusForm(t *testing.T, srv *testServer, actor, pid, status string) (int, string) {
	t.Helper()
	form := url.Values{"pid": {pid}, "status": {status}}
	req, err := http.NewRequest(http.MethodPost, srv.URL+legacyStatusPath, strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(data)
}

func createProposal(t *testing.T, srv *testServer, department string) domain.Proposal {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/proposals", map[string]any{
		"title":      "Coral reef survey",
		"department": department,
	}, as("pi-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create proposal status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	return p
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestApprovalChainOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProposal(t, srv, "BIO")

	code, msg := postStatusForm(t, srv, "dean-sci", p.ID, "approve")
	if code != http.StatusOK || msg != "Dean/VP approved Part A" {
		t.Fatalf("dean part a: %d %q", code, msg)
	}

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v1/proposals/"+p.ID+"/impact", map[string]any{
		"funds":  "internal",
		"submit": true,
	}, as("pi-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit part b: %d %s", res.StatusCode, string(data))
	}
	var view engine.ProposalView
	_ = json.Unmarshal(data, &view)
	if !view.Proposal.SaveSubmit || !view.Step1 {
		t.Fatalf("expected part b submitted, got %+v", view)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/status", map[string]any{
		"status": "approve",
	}, as("dean-sci"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dean part b: %d %s", res.StatusCode, string(data))
	}
	var status StatusResponse
	if err := json.Unmarshal(data, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Message != "Division Dean approved Part B" || status.Outcome.Impact == nil || !status.Outcome.Impact.Level3 {
		t.Fatalf("unexpected outcome %+v", status)
	}
	if status.Outcome.Step != "step2" || len(status.Notifications) == 0 {
		t.Fatalf("expected step2 with notifications, got %+v", status)
	}

	for _, step := range []struct{ actor, want string }{
		{"veep", "VP for Business approved Part B"},
		{"provost", "Provost approved Part B"},
	} {
		code, msg := postStatusForm(t, srv, step.actor, p.ID, "approve")
		if code != http.StatusOK || msg != step.want {
			t.Fatalf("%s: %d %q", step.actor, code, msg)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+p.ID, nil, as("pi-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get proposal: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &view)
	if !view.Proposal.EmailApproved || !view.Step2 {
		t.Fatalf("expected final approval, got %+v", view.Proposal)
	}
}

func TestLegacyStatusAnswersRejectionsWithOK(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProposal(t, srv, "BIO")

	code, msg := postStatusForm(t, srv, "stranger", p.ID, "approve")
	if code != http.StatusOK || msg != "Access Denied" {
		t.Fatalf("stranger: %d %q", code, msg)
	}
	code, msg = postStatusForm(t, srv, "", p.ID, "approve")
	if code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d %q", code, msg)
	}
	code, _ = postStatusForm(t, srv, "dean-sci", "missing", "approve")
	if code != http.StatusNotFound {
		t.Fatalf("missing proposal: expected 404, got %d", code)
	}
	code, msg = postStatusForm(t, srv, "dean-sci", "", "approve")
	if code != http.StatusOK || msg != "Access Denied" {
		t.Fatalf("empty pid: %d %q", code, msg)
	}
}

func TestStatusJSONRejections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProposal(t, srv, "BIO")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/status", map[string]any{"status": "approve"}, as("stranger"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "permission_denied" {
		t.Fatalf("stranger: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/proposals/"+p.ID+"/status", map[string]any{"status": "bogus"}, as("dean-sci"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_state" {
		t.Fatalf("bogus status: %d %s", res.StatusCode, string(data))
	}
}

func TestProposalAccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProposal(t, srv, "BIO")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+p.ID, nil, as("stranger"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("stranger view: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/nope", nil, as("osp-admin"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals/"+p.ID+"/permissions", nil, as("dean-sci"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("permissions: %d %s", res.StatusCode, string(data))
	}
	var perms map[string]any
	_ = json.Unmarshal(data, &perms)
	if perms["approve"] != "level3" || perms["view"] != true {
		t.Fatalf("unexpected dean permissions %v", perms)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/proposals", nil, as("chair-eng"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var list proposalList
	_ = json.Unmarshal(data, &list)
	if len(list.Items) != 0 {
		t.Fatalf("english chair should not see biology proposals, got %d", len(list.Items))
	}
}

func TestUpdateProposalConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProposal(t, srv, "BIO")

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/proposals/"+p.ID, map[string]any{
		"summary": "Updated",
		"version": p.Version + 5,
	}, as("pi-1"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "version_conflict" {
		t.Fatalf("stale version: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/proposals/"+p.ID, map[string]any{
		"summary": "Updated",
		"version": p.Version,
	}, as("pi-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/proposals/"+p.ID, map[string]any{
		"title": "",
	}, as("pi-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty title: %d %s", res.StatusCode, string(data))
	}
}

func TestAddApproverConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProposal(t, srv, "BIO")
	endpoint := srv.URL + "/v1/proposals/" + p.ID + "/approvers"

	res, data := doJSON(t, client, http.MethodPost, endpoint, map[string]any{"user_id": "reviewer"}, as("dean-sci"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add approver: %d %s", res.StatusCode, string(data))
	}
	var a domain.Approver
	_ = json.Unmarshal(data, &a)
	if a.UserID != "reviewer" || a.Replaces != domain.LevelNone {
		t.Fatalf("unexpected approver %+v", a)
	}
	res, data = doJSON(t, client, http.MethodPost, endpoint, map[string]any{"user_id": "reviewer"}, as("dean-sci"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "approver_exists" {
		t.Fatalf("duplicate approver: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, endpoint, map[string]any{"user_id": "other"}, as("pi-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("owner assigning approver: expected 403, got %d", res.StatusCode)
	}
}

func TestEventsAndNotificationsScope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	p := createProposal(t, srv, "BIO")
	postStatusForm(t, srv, "dean-sci", p.ID, "approve")

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events", nil, as("pi-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("pi full log: expected 403, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?proposal_id="+p.ID+"&limit=1", nil, as("pi-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pi proposal log: %d %s", res.StatusCode, string(data))
	}
	var page paginatedEvents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one event and a cursor, got %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?type=proposal.status", nil, as("osp-admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("osp log: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].Payload["status"] != "approve" {
		t.Fatalf("expected one status event, got %+v", page.Items)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications", nil, as("pi-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("pi outbox: expected 403, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/notifications?proposal_id="+p.ID, nil, as("osp-admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("osp outbox: %d %s", res.StatusCode, string(data))
	}
	var outbox notificationList
	_ = json.Unmarshal(data, &outbox)
	if len(outbox.Items) != 2 {
		t.Fatalf("expected submitted and approved notifications, got %d", len(outbox.Items))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/notifications/"+outbox.Items[0].ID+"/requeue", nil, as("osp-admin"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("requeue of a sent notification: expected 404, got %d", res.StatusCode)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("anonymous me: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"actor_id": "dean-sci"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(data, &login)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-Actor-Id":    "osp-admin",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "dean-sci" || me.Source != "jwt" || me.Email != "dean.sciences@example.edu" || me.OSP {
		t.Fatalf("unexpected principal %+v", me)
	}

	_, key, err := srv.Engine.CreateAPIKey(context.Background(), "osp-admin", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key me: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "osp-admin" || me.Source != "api_key" || !me.OSP {
		t.Fatalf("unexpected principal %+v", me)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	p := createProposal(t, srv, "BIO")
	postStatusForm(t, srv, "stranger", p.ID, "approve")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", res.StatusCode)
	}
	if !strings.Contains(string(data), "go_goroutines") {
		t.Fatalf("expected runtime collectors in exposition")
	}
}

func TestOpenAPIDocumentConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make(chan []byte, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/openapi.json", nil)
			if err != nil {
				errs <- err
				return
			}
			req.Header.Set("X-Actor-Id", "osp-admin")
			res, err := srv.Client().Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err != nil {
				errs <- err
				return
			}
			if res.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d: %s", res.StatusCode, data)
				return
			}
			bodies <- data
		}()
	}
	wg.Wait()
	close(errs)
	close(bodies)
	for err := range errs {
		t.Fatalf("openapi request: %v", err)
	}
	var first []byte
	for data := range bodies {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("invalid openapi json: %v", err)
		}
		if _, ok := doc["paths"]; !ok {
			t.Fatalf("openapi document has no paths")
		}
		if first == nil {
			first = data
		} else if !bytes.Equal(first, data) {
			t.Fatalf("concurrent requests saw different documents")
		}
	}
}
