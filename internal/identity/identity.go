// Package identity implements the chat bridge's identity validator (C8): it
// resolves a Matrix user ID to a GitLab identity, maps GitLab group
// membership onto a permission set, and separately validates bearer JWTs
// issued by the GitLab OIDC provider.
package identity

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Permission is one of the fixed agent-control capabilities a role grants.
type Permission string

const (
	PermAgentAdmin  Permission = "agent:admin"
	PermAgentStart  Permission = "agent:start"
	PermAgentStop   Permission = "agent:stop"
	PermAgentStatus Permission = "agent:status"
)

// roleMappings mirrors the group-name-substring role tiers: any GitLab
// group whose name contains one of these fragments grants the associated
// permission set. Checked in order, first match wins per group.
var roleMappings = []struct {
	fragment    string
	permissions map[Permission]struct{}
}{
	{"admin", permSet(PermAgentAdmin, PermAgentStart, PermAgentStop, PermAgentStatus)},
	{"maintainer", permSet(PermAgentAdmin, PermAgentStart, PermAgentStop, PermAgentStatus)},
	{"developer", permSet(PermAgentStart, PermAgentStop, PermAgentStatus)},
}

var viewerPermissions = permSet(PermAgentStatus)

func permSet(perms ...Permission) map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		m[p] = struct{}{}
	}
	return m
}

// UserInfo is validated identity and authorization state for one Matrix
// user, cached for CacheTTL after a successful validation.
type UserInfo struct {
	UserID      string
	Username    string
	Email       string
	Name        string
	Groups      []string
	Permissions map[Permission]struct{}
	GitLabID    int
	ValidatedAt time.Time
	ExpiresAt   time.Time
}

// HasPermission reports whether the user was granted perm.
func (u UserInfo) HasPermission(perm Permission) bool {
	_, ok := u.Permissions[perm]
	return ok
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)

// ExtractUsername pulls the GitLab username out of a Matrix user ID of the
// form "@username:homeserver.domain".
func ExtractUsername(matrixUserID string) (string, error) {
	if !strings.HasPrefix(matrixUserID, "@") {
		return "", raveerr.New(raveerr.KindValidation, "invalid Matrix user ID format")
	}
	rest := matrixUserID[1:]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", raveerr.New(raveerr.KindValidation, "invalid Matrix user ID format")
	}
	username := rest[:idx]
	if username == "" {
		return "", raveerr.New(raveerr.KindValidation, "empty username in Matrix user ID")
	}
	if !usernamePattern.MatchString(username) {
		return "", raveerr.Wrap(raveerr.KindValidation, "invalid username format", errInvalidUsername(username))
	}
	return username, nil
}

type errInvalidUsername string

func (e errInvalidUsername) Error() string { return "invalid username: " + string(e) }

// rolesForGroups maps a GitLab group list onto a permission set, falling
// back to the viewer tier when no group matches a more privileged fragment
// or the user belongs to no group at all.
func rolesForGroups(groups []string) map[Permission]struct{} {
	result := make(map[Permission]struct{})
	for _, group := range groups {
		lower := strings.ToLower(group)
		matched := false
		for _, mapping := range roleMappings {
			if strings.Contains(lower, mapping.fragment) {
				for p := range mapping.permissions {
					result[p] = struct{}{}
				}
				matched = true
				break
			}
		}
		if !matched {
			for p := range viewerPermissions {
				result[p] = struct{}{}
			}
		}
	}
	if len(result) == 0 {
		for p := range viewerPermissions {
			result[p] = struct{}{}
		}
	}
	return result
}

// lockoutTracker records recent failed validation attempts per subject and
// enforces a lockout window after too many.
type lockoutTracker struct {
	mu              sync.Mutex
	maxAttempts     int
	window          time.Duration
	failedAttempts  map[string][]time.Time
}

func newLockoutTracker(maxAttempts int, window time.Duration) *lockoutTracker {
	return &lockoutTracker{
		maxAttempts:    maxAttempts,
		window:         window,
		failedAttempts: make(map[string][]time.Time),
	}
}

func (t *lockoutTracker) check(subject string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.prune(subject, now)

	if len(t.failedAttempts[subject]) >= t.maxAttempts {
		return raveerr.New(raveerr.KindAuth, "too many failed authentication attempts, try again later")
	}
	return nil
}

func (t *lockoutTracker) recordFailure(subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.failedAttempts[subject] = append(t.failedAttempts[subject], now)
	t.prune(subject, now)
}

// prune must be called with t.mu held.
func (t *lockoutTracker) prune(subject string, now time.Time) {
	attempts := t.failedAttempts[subject]
	cutoff := now.Add(-t.window)
	kept := attempts[:0]
	for _, ts := range attempts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(t.failedAttempts, subject)
		return
	}
	t.failedAttempts[subject] = kept
}
