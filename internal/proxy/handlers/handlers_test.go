package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
	"github.com/pysugar/antigravity-nexus/internal/dispatch"
	"github.com/pysugar/antigravity-nexus/internal/pool"
	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/translator"
	"github.com/pysugar/antigravity-nexus/internal/usage"
)

type stubDispatcher struct {
	lastModel string
	err       error
	events    [][2]string
}

func (d *stubDispatcher) Messages(_ context.Context, req *translator.MessagesRequest) (*translator.MessagesResponse, error) {
	d.lastModel = req.Model
	if d.err != nil {
		return nil, d.err
	}
	return &translator.MessagesResponse{
		ID:    "msg_test",
		Type:  "message",
		Role:  "assistant",
		Model: req.Model,
		Content: []translator.ContentBlock{
			{Type: "text", Text: "stub reply"},
		},
		StopReason: "end_turn",
	}, nil
}

func (d *stubDispatcher) StreamMessages(_ context.Context, req *translator.MessagesRequest, emit translator.StreamEmitter) error {
	d.lastModel = req.Model
	if d.err != nil {
		return d.err
	}
	for _, ev := range d.events {
		if err := emit(ev[0], []byte(ev[1])); err != nil {
			return err
		}
	}
	return nil
}

type stubRefresher struct {
	calls []string
	errs  map[string]error
}

func (s *stubRefresher) ForceRefresh(_ context.Context, email string) (string, error) {
	s.calls = append(s.calls, email)
	if err := s.errs[email]; err != nil {
		return "", err
	}
	return "tok", nil
}

func newTestServer(t *testing.T, cfg store.Config, d Dispatcher, ref Refresher, emails ...string) (*httptest.Server, *store.Store, *Server) {
	t.Helper()
	t.Setenv("AGNEXUS_CONFIG_DIR", t.TempDir())
	catalog.ResetForTest()

	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.json"), 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, email := range emails {
		if err := st.Upsert(store.Account{Email: email, Kind: store.CredentialOAuth, Enabled: true}); err != nil {
			t.Fatal(err)
		}
	}

	srv := New(cfg, d, pool.NewManager(st, nil, cfg), nil, ref, st)
	r := chi.NewRouter()
	srv.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, st, srv
}

func postJSON(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestMessagesNonStreaming(t *testing.T) {
	d := &stubDispatcher{}
	ts, _, _ := newTestServer(t, store.DefaultConfig(), d, nil, "a@x.com")

	resp := postJSON(t, ts.URL+"/v1/messages",
		`{"model":"antigravity-claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["id"] != "msg_test" {
		t.Errorf("id = %v", body["id"])
	}
	// Aliases resolve to the canonical id before dispatch.
	if d.lastModel != "claude-sonnet-4-5" {
		t.Errorf("dispatched model = %q", d.lastModel)
	}
}

func TestMessagesValidation(t *testing.T) {
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")

	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{"max_tokens":10,"messages":[{"role":"user","content":"x"}]}`, "model is required"},
		{"no messages", `{"model":"claude-sonnet-4-5","max_tokens":10,"messages":[]}`, "messages must not be empty"},
		{"no max_tokens", `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"x"}]}`, "max_tokens"},
		{"bad json", `{"model":`, "invalid JSON"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/messages", tc.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			body := decodeBody(t, resp)
			detail := body["error"].(map[string]interface{})
			if detail["type"] != "invalid_request_error" {
				t.Errorf("error type = %v", detail["type"])
			}
			if !strings.Contains(detail["message"].(string), tc.want) {
				t.Errorf("message = %v, want %q", detail["message"], tc.want)
			}
		})
	}
}

func TestMessagesUnknownModel(t *testing.T) {
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")

	resp := postJSON(t, ts.URL+"/v1/messages",
		`{"model":"gpt-4o","max_tokens":10,"messages":[{"role":"user","content":"x"}]}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"].(map[string]interface{})["type"] != "not_found_error" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestMessagesStreaming(t *testing.T) {
	d := &stubDispatcher{events: [][2]string{
		{"message_start", `{"type":"message_start"}`},
		{"message_stop", `{"type":"message_stop"}`},
	}}
	ts, _, _ := newTestServer(t, store.DefaultConfig(), d, nil, "a@x.com")

	resp := postJSON(t, ts.URL+"/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"x"}]}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	out := sb.String()
	if !strings.Contains(out, "event: message_start") || !strings.Contains(out, "event: message_stop") {
		t.Errorf("stream body = %q", out)
	}
}

func TestStreamErrorBeforeOutputKeepsStatus(t *testing.T) {
	d := &stubDispatcher{err: &dispatch.Error{
		Status:  http.StatusBadRequest,
		Type:    "invalid_request_error",
		Message: "all accounts are rate limited",
	}}
	ts, _, _ := newTestServer(t, store.DefaultConfig(), d, nil, "a@x.com")

	resp := postJSON(t, ts.URL+"/v1/messages",
		`{"model":"claude-sonnet-4-5","max_tokens":10,"stream":true,"messages":[{"role":"user","content":"x"}]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"].(map[string]interface{})["message"] != "all accounts are rate limited" {
		t.Errorf("body = %v", body)
	}
}

func TestCountTokensNotImplemented(t *testing.T) {
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")

	resp := postJSON(t, ts.URL+"/v1/messages/count_tokens", `{}`, nil)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestModelsList(t *testing.T) {
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")

	resp, err := http.Get(ts.URL + "/v1/models")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out modelList
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) == 0 {
		t.Fatal("empty model list")
	}
	if out.HasMore {
		t.Error("has_more should be false")
	}
	if out.FirstID != out.Data[0].ID || out.LastID != out.Data[len(out.Data)-1].ID {
		t.Errorf("first/last = %q/%q", out.FirstID, out.LastID)
	}
	for _, m := range out.Data {
		if m.Type != "model" || m.ID == "" {
			t.Errorf("bad entry %+v", m)
		}
	}
}

func TestAPIKeyGate(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.APIKey = "sekret"
	ts, _, _ := newTestServer(t, cfg, &stubDispatcher{}, nil, "a@x.com")

	body := `{"model":"claude-sonnet-4-5","max_tokens":10,"messages":[{"role":"user","content":"x"}]}`

	resp := postJSON(t, ts.URL+"/v1/messages", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/v1/messages", body, map[string]string{"Authorization": "Bearer sekret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/v1/messages", body, map[string]string{"x-api-key": "sekret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("x-api-key status = %d", resp.StatusCode)
	}

	// Health stays open.
	hresp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", hresp.StatusCode)
	}
}

func TestAdminGate(t *testing.T) {
	cfg := store.DefaultConfig()
	cfg.APIKey = "sekret"
	cfg.WebUIPassword = "adminpw"
	ts, _, _ := newTestServer(t, cfg, &stubDispatcher{}, nil, "a@x.com")

	resp, err := http.Get(ts.URL + "/account-limits")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("open status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/account-limits", nil)
	req.Header.Set("x-api-key", "adminpw")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d", resp.StatusCode)
	}
}

func TestAccountLimitsJSONAndTable(t *testing.T) {
	ts, st, srv := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com", "b@x.com")
	srv.pool.MarkRateLimited("a@x.com", 2*time.Minute, "claude-sonnet-4-5")
	if err := st.SetInvalid("b@x.com", "revoked"); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/account-limits")
	if err != nil {
		t.Fatal(err)
	}
	var out accountLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(out.Accounts) != 2 {
		t.Fatalf("accounts = %d", len(out.Accounts))
	}
	var a, b accountStatus
	for _, acc := range out.Accounts {
		switch acc.Email {
		case "a@x.com":
			a = acc
		case "b@x.com":
			b = acc
		}
	}
	if lim, ok := a.Limits["claude-sonnet-4-5"]; !ok || !lim.Limited {
		t.Errorf("account a limits = %+v", a.Limits)
	}
	if !b.Invalid || b.Reason != "revoked" {
		t.Errorf("account b = %+v", b)
	}

	tresp, err := http.Get(ts.URL + "/account-limits?format=table")
	if err != nil {
		t.Fatal(err)
	}
	defer tresp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, rerr := tresp.Body.Read(buf)
		sb.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	table := sb.String()
	if !strings.Contains(table, "ACCOUNT") || !strings.Contains(table, "a@x.com") {
		t.Errorf("table = %q", table)
	}
	if !strings.Contains(table, "invalid") {
		t.Errorf("table should flag the invalid account: %q", table)
	}
}

func TestAccountLimitsIncludesHistory(t *testing.T) {
	ts, _, srv := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")
	tr, err := usage.NewTracker(filepath.Join(t.TempDir(), "usage-history.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	tr.Record("claude-sonnet-4-5")
	srv.usage = tr

	resp, err := http.Get(ts.URL + "/account-limits?includeHistory=true")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out accountLimitsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.History) != 1 {
		t.Errorf("history hours = %d, want 1", len(out.History))
	}
}

func TestRefreshToken(t *testing.T) {
	ref := &stubRefresher{errs: map[string]error{"b@x.com": fmt.Errorf("invalid_grant")}}
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, ref, "a@x.com", "b@x.com")

	resp := postJSON(t, ts.URL+"/refresh-token", ``, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	results := body["results"].(map[string]interface{})
	if results["a@x.com"] != "ok" {
		t.Errorf("a result = %v", results["a@x.com"])
	}
	if !strings.Contains(results["b@x.com"].(string), "invalid_grant") {
		t.Errorf("b result = %v", results["b@x.com"])
	}
	if len(ref.calls) != 2 {
		t.Errorf("refresh calls = %v", ref.calls)
	}

	resp = postJSON(t, ts.URL+"/refresh-token", `{"email":"a@x.com"}`, nil)
	body = decodeBody(t, resp)
	results = body["results"].(map[string]interface{})
	if len(results) != 1 {
		t.Errorf("targeted refresh results = %v", results)
	}
}

func TestPresetEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")

	resp, err := http.Get(ts.URL + "/presets/server/")
	if err != nil {
		t.Fatal(err)
	}
	body := decodeBody(t, resp)
	list := body["presets"].([]interface{})
	if len(list) == 0 {
		t.Fatal("no built-in server presets")
	}

	resp = postJSON(t, ts.URL+"/presets/claude/", `{"name":"mine","settings":{"ANTHROPIC_MODEL":"gemini-3-flash"}}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}

	// Built-ins are refused.
	resp = postJSON(t, ts.URL+"/presets/claude/", `{"name":"claude-opus","settings":{}}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("builtin save status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/presets/claude/?name=mine", nil)
	dresp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	dresp.Body.Close()
	if dresp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", dresp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/presets/unknown/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown kind status = %d", resp.StatusCode)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	ts, _, _ := newTestServer(t, store.DefaultConfig(), &stubDispatcher{}, nil, "a@x.com")

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "agent-fixed")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "agent-fixed" {
		t.Errorf("request id = %q", got)
	}

	resp2, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if got := resp2.Header.Get("X-Request-ID"); !strings.HasPrefix(got, "agent-") {
		t.Errorf("generated request id = %q", got)
	}
}
