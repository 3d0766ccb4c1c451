package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestUserAgentShape(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "antigravity/") {
		t.Fatalf("UserAgent = %q, want antigravity/ prefix", ua)
	}
	if len(strings.Fields(ua)) != 2 {
		t.Fatalf("UserAgent = %q, want 'antigravity/<ver> <os>/<arch>'", ua)
	}
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(5 * time.Second)
	resp, err := c.GenerateContent(context.Background(), srv.URL+"/v1internal", "tok-123", []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got.Get("Authorization") != "Bearer tok-123" {
		t.Errorf("Authorization = %q", got.Get("Authorization"))
	}
	if got.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", got.Get("Content-Type"))
	}
	if !strings.HasPrefix(got.Get("User-Agent"), "antigravity/") {
		t.Errorf("User-Agent = %q", got.Get("User-Agent"))
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(got.Get("Client-Metadata")), &meta); err != nil {
		t.Fatalf("Client-Metadata not JSON: %v", err)
	}
	if meta["pluginType"] != "GEMINI" {
		t.Errorf("Client-Metadata pluginType = %q", meta["pluginType"])
	}
	if got.Get("X-Goog-Api-Client") == "" {
		t.Error("X-Goog-Api-Client missing")
	}
}

func TestLoadCodeAssistProjectShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string project", `{"cloudaicompanionProject":"proj-123"}`, "proj-123"},
		{"object project", `{"cloudaicompanionProject":{"id":"proj-456"}}`, "proj-456"},
		{"absent", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r LoadCodeAssistResponse
			if err := json.Unmarshal([]byte(tt.body), &r); err != nil {
				t.Fatal(err)
			}
			if got := r.ProjectID(); got != tt.want {
				t.Errorf("ProjectID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadCodeAssistFallsBackToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cloudaicompanionProject":"proj-ok","currentTier":{"id":"free-tier"}}`))
	}))
	defer good.Close()

	c := NewClient(5 * time.Second)
	c.SetDiscoveryEndpoints([]string{bad.URL + "/v1internal", good.URL + "/v1internal"})

	out, err := c.LoadCodeAssist(context.Background(), "tok")
	if err != nil {
		t.Fatal(err)
	}
	if out.ProjectID() != "proj-ok" {
		t.Errorf("ProjectID = %q", out.ProjectID())
	}
	if out.CurrentTier == nil || out.CurrentTier.ID != "free-tier" {
		t.Errorf("CurrentTier = %+v", out.CurrentTier)
	}
}

func TestContextCancellationAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(5 * time.Second)
	if _, err := c.GenerateContent(ctx, srv.URL+"/v1internal", "tok", []byte(`{}`)); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
