package identity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExtractUsername_ValidMatrixID(t *testing.T) {
	got, err := ExtractUsername("@jdoe:matrix.example.com")
	if err != nil {
		t.Fatalf("ExtractUsername returned error: %v", err)
	}
	if got != "jdoe" {
		t.Errorf("ExtractUsername = %q, want %q", got, "jdoe")
	}
}

func TestExtractUsername_RejectsMissingAtPrefix(t *testing.T) {
	if _, err := ExtractUsername("jdoe:matrix.example.com"); err == nil {
		t.Error("expected error for a user ID missing the @ prefix")
	}
}

func TestExtractUsername_RejectsMissingDomain(t *testing.T) {
	if _, err := ExtractUsername("@jdoe"); err == nil {
		t.Error("expected error for a user ID with no homeserver part")
	}
}

func TestExtractUsername_RejectsInvalidCharacters(t *testing.T) {
	if _, err := ExtractUsername("@jdoe!:matrix.example.com"); err == nil {
		t.Error("expected error for an invalid username character")
	}
}

func TestRolesForGroups_AdminGroupGrantsAdminPermission(t *testing.T) {
	perms := rolesForGroups([]string{"platform-admins"})
	if _, ok := perms[PermAgentAdmin]; !ok {
		t.Error("expected agent:admin permission for an admin group")
	}
}

func TestRolesForGroups_UnknownGroupFallsBackToViewer(t *testing.T) {
	perms := rolesForGroups([]string{"book-club"})
	if _, ok := perms[PermAgentStatus]; !ok {
		t.Error("expected viewer fallback to still grant agent:status")
	}
	if _, ok := perms[PermAgentAdmin]; ok {
		t.Error("unexpected admin permission for an unrelated group")
	}
}

func TestRolesForGroups_NoGroupsGrantsViewer(t *testing.T) {
	perms := rolesForGroups(nil)
	if len(perms) != 1 {
		t.Fatalf("got %d permissions, want 1 (viewer only)", len(perms))
	}
}

func TestLockoutTracker_BlocksAfterMaxAttempts(t *testing.T) {
	lt := newLockoutTracker(3, time.Minute)
	for i := 0; i < 3; i++ {
		if err := lt.check("user-1"); err != nil {
			t.Fatalf("attempt %d should not be locked out yet: %v", i, err)
		}
		lt.recordFailure("user-1")
	}
	if err := lt.check("user-1"); err == nil {
		t.Error("expected lockout after exceeding max failed attempts")
	}
}

func TestLockoutTracker_WindowExpiry(t *testing.T) {
	lt := newLockoutTracker(1, time.Millisecond)
	lt.recordFailure("user-2")
	time.Sleep(5 * time.Millisecond)
	if err := lt.check("user-2"); err != nil {
		t.Errorf("expected lockout to expire after the window: %v", err)
	}
}

func newFakeGitLab(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v4/users":
			json.NewEncoder(w).Encode([]GitLabUser{{ID: 7, Username: "jdoe", Email: "jdoe@example.com", Name: "Jane Doe"}})
		case r.URL.Path == "/api/v4/users/7/memberships":
			json.NewEncoder(w).Encode([]gitlabMembership{
				{Source: struct {
					Kind string `json:"kind"`
					Name string `json:"name"`
				}{Kind: "group", Name: "platform-developers"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestValidateUser_ResolvesAndCaches(t *testing.T) {
	srv := newFakeGitLab(t)
	defer srv.Close()

	v := NewValidator(ValidatorConfig{GitLabURL: srv.URL}, testLogger())

	info, err := v.ValidateUser(context.Background(), "@jdoe:matrix.example.com")
	if err != nil {
		t.Fatalf("ValidateUser returned error: %v", err)
	}
	if info.Username != "jdoe" {
		t.Errorf("Username = %q, want jdoe", info.Username)
	}
	if !info.HasPermission(PermAgentStart) {
		t.Error("expected developer group to grant agent:start")
	}

	srv.Close()
	cached, err := v.ValidateUser(context.Background(), "@jdoe:matrix.example.com")
	if err != nil {
		t.Fatalf("expected cached validation to succeed after server shutdown: %v", err)
	}
	if cached.Username != "jdoe" {
		t.Errorf("cached Username = %q, want jdoe", cached.Username)
	}
}

func TestValidateUser_UnknownUserFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]GitLabUser{})
	}))
	defer srv.Close()

	v := NewValidator(ValidatorConfig{GitLabURL: srv.URL}, testLogger())
	if _, err := v.ValidateUser(context.Background(), "@ghost:matrix.example.com"); err == nil {
		t.Error("expected error for a user GitLab does not recognize")
	}
}

func TestValidateUser_DeniesGroupNotAllowed(t *testing.T) {
	srv := newFakeGitLab(t)
	defer srv.Close()

	v := NewValidator(ValidatorConfig{GitLabURL: srv.URL, AllowedGroups: []string{"platform-admins"}}, testLogger())
	if _, err := v.ValidateUser(context.Background(), "@jdoe:matrix.example.com"); err == nil {
		t.Error("expected authorization error when user's groups don't intersect AllowedGroups")
	}
}

func TestGitLabHTTPClient_AttachesClientCredentialsToken(t *testing.T) {
	var sawAuth string
	gitlab := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/v4/users":
			json.NewEncoder(w).Encode([]GitLabUser{{ID: 7, Username: "jdoe"}})
		case "/api/v4/users/7/memberships":
			json.NewEncoder(w).Encode([]gitlabMembership{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer gitlab.Close()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "cc-token-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	v := NewValidator(ValidatorConfig{
		GitLabURL:          gitlab.URL,
		GitLabClientID:     "chat-bridge",
		GitLabClientSecret: "secret",
		GitLabTokenURL:     tokenSrv.URL,
	}, testLogger())

	if _, err := v.ValidateUser(context.Background(), "@jdoe:matrix.example.com"); err != nil {
		t.Fatalf("ValidateUser returned error: %v", err)
	}
	if sawAuth != "Bearer cc-token-123" {
		t.Errorf("Authorization header = %q, want Bearer cc-token-123", sawAuth)
	}
}
