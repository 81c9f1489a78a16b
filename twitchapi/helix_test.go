package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// mockTwitch serves both the token endpoint and /helix/users.
func mockTwitch(t *testing.T, users func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth2/token":
			n := tokenRequests.Add(1)
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse token form: %v", err)
			}
			if r.Form.Get("client_id") != "test-client-id" || r.Form.Get("client_secret") != "test-secret" {
				t.Errorf("token request missing client credentials: %v", r.Form)
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": fmt.Sprintf("token-%d", n),
				"token_type":   "bearer",
				"expires_in":   3600,
			})
		case "/helix/users":
			users(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, &tokenRequests
}

func newTestClient(server *httptest.Server) *HelixClient {
	return &HelixClient{
		AppTokenSource: &TokenSource{
			ClientID:     "test-client-id",
			ClientSecret: "test-secret",
			TokenURL:     server.URL + "/oauth2/token",
			HTTPClient:   server.Client(),
		},
		ClientID:   "test-client-id",
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
	}
}

func TestHelixClient_GetUsers(t *testing.T) {
	server, tokenRequests := mockTwitch(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer token-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		ids := r.URL.Query()["id"]
		data := make([]map[string]string, 0, len(ids))
		for _, id := range ids {
			if id == "ghost" {
				continue
			}
			data = append(data, map[string]string{"id": id, "login": "l" + id, "display_name": "User " + id})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	})

	client := newTestClient(server)
	users, err := client.GetUsers(context.Background(), []string{"1", "ghost", "2"})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("GetUsers() returned %d users, want 2", len(users))
	}
	if users[1].DisplayName != "User 2" {
		t.Errorf("display name = %q", users[1].DisplayName)
	}

	// cached token is reused
	if _, err := client.GetUsers(context.Background(), []string{"3"}); err != nil {
		t.Fatalf("second GetUsers() error = %v", err)
	}
	if got := tokenRequests.Load(); got != 1 {
		t.Errorf("token requests = %d, want 1", got)
	}
}

func TestHelixClient_GetUsersBatches(t *testing.T) {
	var calls atomic.Int32
	server, _ := mockTwitch(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if n := len(r.URL.Query()["id"]); n > maxUsersPerRequest {
			t.Errorf("batch of %d ids exceeds limit", n)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": []map[string]string{}})
	})

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", i)
	}
	if _, err := newTestClient(server).GetUsers(context.Background(), ids); err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("helix calls = %d, want 3", got)
	}
}

func TestHelixClient_GetUsers401RefreshRetry(t *testing.T) {
	var attempts atomic.Int32
	server, tokenRequests := mockTwitch(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-2" {
			t.Errorf("retry auth = %q, want refreshed token", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"id": "u-123", "display_name": "U"}},
		})
	})

	users, err := newTestClient(server).GetUsers(context.Background(), []string{"u-123"})
	if err != nil {
		t.Fatalf("GetUsers() error = %v", err)
	}
	if len(users) != 1 || users[0].ID != "u-123" {
		t.Fatalf("GetUsers() = %+v", users)
	}
	if got := tokenRequests.Load(); got != 2 {
		t.Errorf("token requests = %d, want 2", got)
	}
}

func TestHelixClient_GetUsersServerError(t *testing.T) {
	server, _ := mockTwitch(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := newTestClient(server).GetUsers(context.Background(), []string{"1"})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("GetUsers() error = %v, want status 503", err)
	}
}

func TestTokenSource_GetMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	if _, err := ts.Get(context.Background()); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}
