package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"atelier/internal/config"
	"atelier/internal/db"
	"atelier/internal/engine"
	"atelier/internal/limits"
	"atelier/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("atelier-test")
	cfg.Auth.JWTSecret = "test-secret"
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:  e,
		Auth:    AuthConfig{JWTSecret: cfg.Auth.JWTSecret},
		Limiter: limits.NewMemoryLimiter(),
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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

func humanHeaders(t *testing.T, srv *testServer, userID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login",
		map[string]any{"user_id": userID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body DevLoginResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + body.Token}
}

func agentHeaders(t *testing.T, srv *testServer, id, studio string, tier int) map[string]string {
	t.Helper()
	ctx := context.Background()
	if _, err := srv.Engine.RegisterAgent(ctx, id, studio, tier); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	key, _, err := srv.Engine.IssueAPIKey(ctx, id, "test")
	if err != nil {
		t.Fatalf("issue api key: %v", err)
	}
	return map[string]string{"X-Api-Key": key}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return body.Error.Code
}

func TestHealthIsOpenAndRestIsNot(t *testing.T) {
	srv := newTestServer(t)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/drafts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %q", code)
	}
}

func TestDraftLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	author := agentHeaders(t, srv, "studio-a", "Studio A", 2)
	maker := agentHeaders(t, srv, "studio-b", "Studio B", 1)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/drafts",
		map[string]any{"title": "neon alley", "content": "v1"}, author)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, string(data))
	}
	var draft DraftResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if draft.IsSandbox {
		t.Fatal("verified agent drafts must not be sandboxed")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/drafts/"+draft.ID+"/pull-requests",
		map[string]any{"content": "v2", "severity": "major", "description": "relight"}, maker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create pr status %d: %s", res.StatusCode, string(data))
	}
	var pr PullRequestResponse
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("unmarshal pr: %v", err)
	}

	// only the draft author may decide
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pull-requests/"+pr.ID+"/decide",
		map[string]any{"decision": "merge"}, maker)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("maker decide status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/pull-requests/"+pr.ID+"/decide",
		map[string]any{"decision": "merge"}, author)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	var decided PullRequestResponse
	if err := json.Unmarshal(data, &decided); err != nil {
		t.Fatalf("unmarshal decided: %v", err)
	}
	if decided.Status != "merged" {
		t.Fatalf("status = %q", decided.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/drafts/"+draft.ID+"/versions", nil, author)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions status %d: %s", res.StatusCode, string(data))
	}
	var versions []VersionResponse
	if err := json.Unmarshal(data, &versions); err != nil {
		t.Fatalf("unmarshal versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("version count = %d", len(versions))
	}
}

func TestUnverifiedAgentIsSandboxedAndGated(t *testing.T) {
	srv := newTestServer(t)
	rookie := agentHeaders(t, srv, "studio-new", "New Studio", 0)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/drafts",
		map[string]any{"title": "first try"}, rookie)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("sandbox draft status %d: %s", res.StatusCode, string(data))
	}
	var draft DraftResponse
	if err := json.Unmarshal(data, &draft); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if !draft.IsSandbox {
		t.Fatal("tier 0 draft must be sandboxed")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/drafts/"+draft.ID+"/fix-requests",
		map[string]any{"description": "fix the hands"}, rookie)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("unverified fix-request status %d: %s", res.StatusCode, string(data))
	}
}

func TestHumanTokenCannotActAsAgent(t *testing.T) {
	srv := newTestServer(t)
	human := humanHeaders(t, srv, "collector-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/drafts",
		map[string]any{"title": "nope"}, human)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("human create draft status %d: %s", res.StatusCode, string(data))
	}
}

func TestCommissionFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	human := humanHeaders(t, srv, "collector-1")
	agent := agentHeaders(t, srv, "studio-a", "Studio A", 1)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/commissions",
		map[string]any{"description": "paint my cat", "reward_amount": 120.0}, human)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create commission status %d: %s", res.StatusCode, string(data))
	}
	var c CommissionResponseBody
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal commission: %v", err)
	}
	if c.PaymentStatus != "pending" {
		t.Fatalf("payment status = %q", c.PaymentStatus)
	}

	// funded but not yet escrowed: hidden from agents
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/commissions", nil, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agent list status %d: %s", res.StatusCode, string(data))
	}
	var listed []CommissionResponseBody
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("agent sees %d commissions before escrow", len(listed))
	}

	// escrow via webhook
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payments/webhook", map[string]any{
		"provider":          "stripe-sim",
		"provider_event_id": "evt-1",
		"commission_id":     c.ID,
		"event_type":        "payment_intent.succeeded",
	}, human)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status %d: %s", res.StatusCode, string(data))
	}
	var hook engine.WebhookResult
	if err := json.Unmarshal(data, &hook); err != nil {
		t.Fatalf("unmarshal webhook result: %v", err)
	}
	if !hook.Applied {
		t.Fatal("first delivery must apply")
	}

	// replay is acknowledged but not re-applied
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/payments/webhook", map[string]any{
		"provider":          "stripe-sim",
		"provider_event_id": "evt-1",
		"commission_id":     c.ID,
		"event_type":        "payment_intent.succeeded",
	}, human)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook replay status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &hook); err != nil {
		t.Fatalf("unmarshal replay result: %v", err)
	}
	if hook.Applied {
		t.Fatal("replay must not re-apply")
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/commissions", nil, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("agent list status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 1 || listed[0].PaymentStatus != "escrowed" {
		t.Fatalf("agent view after escrow = %+v", listed)
	}
}

func TestCommissionIDMustBeUUIDv4(t *testing.T) {
	srv := newTestServer(t)
	human := humanHeaders(t, srv, "collector-1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/commissions/not-a-uuid", nil, human)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "COMMISSION_ID_INVALID" {
		t.Fatalf("code = %q", code)
	}

	// a UUID, but not version 4
	res, data = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v1/commissions/6ba7b810-9dad-11d1-80b4-00c04fd430c8", nil, human)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("v1 uuid status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "COMMISSION_ID_INVALID" {
		t.Fatalf("code = %q", code)
	}
}

func TestUnknownQueryKeyRejected(t *testing.T) {
	srv := newTestServer(t)
	human := humanHeaders(t, srv, "collector-1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/commissions?sort=reward", nil, human)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bad_request" {
		t.Fatalf("code = %q", code)
	}
}

func TestMultimodalScoreEndpoint(t *testing.T) {
	srv := newTestServer(t)
	agent := agentHeaders(t, srv, "studio-a", "Studio A", 1)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/scores/multimodal", map[string]any{
		"scores":   map[string]float64{"visual": 80, "narrative": 70},
		"provider": "openai",
	}, agent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("score status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]float64
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal score: %v", err)
	}
	if body["score"] < 0 || body["score"] > 100 {
		t.Fatalf("score out of range: %v", body["score"])
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/scores/multimodal", map[string]any{
		"scores": map[string]float64{"smell": 50},
	}, agent)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown modality status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "VALIDATION_FAILED" {
		t.Fatalf("code = %q", code)
	}
}

func TestEscrowIsCreatorOnly(t *testing.T) {
	srv := newTestServer(t)
	owner := humanHeaders(t, srv, "collector-1")
	stranger := humanHeaders(t, srv, "collector-2")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/commissions",
		map[string]any{"description": "paint my cat", "reward_amount": 500.0}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create commission status %d: %s", res.StatusCode, string(data))
	}
	var c CommissionResponseBody
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal commission: %v", err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/commissions/"+c.ID+"/escrow", nil, stranger)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger escrow status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "COMMISSION_NOT_OWNER" {
		t.Fatalf("code = %q", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/commissions/"+c.ID, nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get commission status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal commission: %v", err)
	}
	if c.PaymentStatus != "pending" {
		t.Fatalf("payment status after rejected escrow = %q", c.PaymentStatus)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/commissions/"+c.ID+"/escrow", nil, owner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owner escrow status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal commission: %v", err)
	}
	if c.PaymentStatus != "escrowed" {
		t.Fatalf("payment status after owner escrow = %q", c.PaymentStatus)
	}
}
