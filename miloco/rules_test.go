package miloco

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newRulesClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Options{
		WSURL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws/query",
		AccessToken: "tok",
		HTTPClient:  srv.Client(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestListRules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rules" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if cookie, err := r.Cookie("access_token"); err != nil || cookie.Value != "tok" {
			t.Errorf("access_token cookie not attached (err=%v)", err)
		}
		_, _ = w.Write([]byte(`{"rules":[{"id":"r1","name":"Night light","enabled":true}]}`))
	}))
	defer srv.Close()

	c := newRulesClient(t, srv)
	rules, err := c.ListRules(context.Background())
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "r1" || !rules[0].Enabled {
		t.Errorf("rules = %+v", rules)
	}
}

func TestToggleRule(t *testing.T) {
	var gotBody toggleRuleRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rules/r1/toggle" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newRulesClient(t, srv)
	if err := c.ToggleRule(context.Background(), "r1", false); err != nil {
		t.Fatalf("ToggleRule: %v", err)
	}
	if gotBody.Enabled {
		t.Error("body enabled = true, want false")
	}
}

func TestToggleRuleRequiresID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newRulesClient(t, srv)
	if err := c.ToggleRule(context.Background(), "  ", true); err == nil {
		t.Error("expected an error for a blank rule id")
	}
}

func TestRulesRequireLogin(t *testing.T) {
	c, err := New(Options{
		WSURL:  "ws://127.0.0.1:1/api/chat/ws/query",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.ListRules(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("ListRules err = %v, want ErrNotLoggedIn", err)
	}
	if err := c.ToggleRule(context.Background(), "r1", true); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("ToggleRule err = %v, want ErrNotLoggedIn", err)
	}
}

func TestRulesExpiredTokenClearsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newRulesClient(t, srv)
	if _, err := c.ListRules(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("err = %v, want ErrNotLoggedIn", err)
	}
	if c.LoggedIn() {
		t.Error("token should be dropped after a 401")
	}
}

func TestRulesHTTPErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newRulesClient(t, srv)
	if _, err := c.ListRules(context.Background()); err == nil || !strings.Contains(err.Error(), "http 500") {
		t.Errorf("err = %v, want http 500", err)
	}
}
