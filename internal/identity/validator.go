package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultCacheSize       = 1000
	defaultMaxFailedLogins = 5
	defaultLockoutWindow   = 5 * time.Minute
	gitlabAPITimeout       = 10 * time.Second
)

// GitLabUser is the subset of GitLab's user API response the validator
// uses.
type GitLabUser struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Name     string `json:"name"`
}

type gitlabMembership struct {
	Source struct {
		Kind string `json:"kind"`
		Name string `json:"name"`
	} `json:"source"`
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	GitLabURL      string
	AllowedGroups  []string // empty means every group is allowed
	CacheTTL       time.Duration
	CacheSize      int
	MaxFailedLogins int
	LockoutWindow  time.Duration
	HTTPClient     *http.Client

	// GitLabClientID/Secret/TokenURL configure a client-credentials grant
	// against GitLab's own OAuth application token endpoint. When
	// GitLabClientID is empty the validator falls back to calling the
	// GitLab API without credentials, which only works against instances
	// that allow anonymous reads of the users API.
	GitLabClientID     string
	GitLabClientSecret string
	GitLabTokenURL     string
}

// Validator resolves and authorizes Matrix users against GitLab group
// membership.
type Validator struct {
	gitlabURL     string
	allowedGroups map[string]struct{}
	httpClient    *http.Client
	cache         *identityCache
	cacheTTL      time.Duration
	lockout       *lockoutTracker
	logger        *slog.Logger
}

// NewValidator builds a Validator. logger must not be nil.
func NewValidator(cfg ValidatorConfig, logger *slog.Logger) *Validator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = defaultMaxFailedLogins
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = defaultLockoutWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = gitlabHTTPClient(cfg)
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedGroups) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedGroups))
		for _, g := range cfg.AllowedGroups {
			allowed[g] = struct{}{}
		}
	}

	v := &Validator{
		gitlabURL:     cfg.GitLabURL,
		allowedGroups: allowed,
		httpClient:    cfg.HTTPClient,
		cache:         newIdentityCache(cfg.CacheSize),
		cacheTTL:      cfg.CacheTTL,
		lockout:       newLockoutTracker(cfg.MaxFailedLogins, cfg.LockoutWindow),
		logger:        logger,
	}
	logger.Info("identity validator initialized",
		"gitlab_url", v.gitlabURL,
		"allowed_groups", cfg.AllowedGroups,
		"cache_ttl", v.cacheTTL)
	return v
}

// gitlabHTTPClient returns a client-credentials-authenticated client when
// GitLab OAuth application credentials are configured, falling back to a
// plain client otherwise. context.Background is fine here: the returned
// client's transport refreshes its token lazily on each call rather than
// holding one tied to a request-scoped context.
func gitlabHTTPClient(cfg ValidatorConfig) *http.Client {
	if cfg.GitLabClientID == "" {
		return &http.Client{Timeout: gitlabAPITimeout}
	}
	tokenURL := cfg.GitLabTokenURL
	if tokenURL == "" {
		tokenURL = cfg.GitLabURL + "/oauth/token"
	}
	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.GitLabClientID,
		ClientSecret: cfg.GitLabClientSecret,
		TokenURL:     tokenURL,
	}
	client := ccCfg.Client(context.Background())
	client.Timeout = gitlabAPITimeout
	return client
}

// ValidateUser resolves matrixUserID to an authorized UserInfo, consulting
// the cache first and falling through to a live GitLab lookup on a miss.
func (v *Validator) ValidateUser(ctx context.Context, matrixUserID string) (UserInfo, error) {
	if err := v.lockout.check(matrixUserID); err != nil {
		return UserInfo{}, err
	}

	if cached, ok := v.cache.Get(matrixUserID); ok {
		v.logger.Debug("using cached user info", "user_id", matrixUserID)
		return cached, nil
	}

	username, err := ExtractUsername(matrixUserID)
	if err != nil {
		v.lockout.recordFailure(matrixUserID)
		return UserInfo{}, err
	}

	gitlabUser, groups, err := v.fetchGitLabUser(ctx, username)
	if err != nil {
		v.lockout.recordFailure(matrixUserID)
		v.logger.Warn("user validation failed", "user_id", matrixUserID, "error", err)
		return UserInfo{}, err
	}

	if err := v.authorize(groups); err != nil {
		v.lockout.recordFailure(matrixUserID)
		v.logger.Warn("user authorization failed", "user_id", matrixUserID, "groups", groups)
		return UserInfo{}, err
	}

	now := time.Now()
	info := UserInfo{
		UserID:      matrixUserID,
		Username:    gitlabUser.Username,
		Email:       gitlabUser.Email,
		Name:        gitlabUser.Name,
		Groups:      groups,
		Permissions: rolesForGroups(groups),
		GitLabID:    gitlabUser.ID,
		ValidatedAt: now,
		ExpiresAt:   now.Add(v.cacheTTL),
	}

	v.cache.Add(matrixUserID, info)
	v.logger.Info("user validation successful",
		"user_id", matrixUserID, "username", info.Username, "groups", groups)
	return info, nil
}

func (v *Validator) authorize(groups []string) error {
	if v.allowedGroups == nil {
		return nil
	}
	for _, g := range groups {
		if _, ok := v.allowedGroups[g]; ok {
			return nil
		}
	}
	return raveerr.New(raveerr.KindAuthz, "user is not a member of any allowed group")
}

func (v *Validator) fetchGitLabUser(ctx context.Context, username string) (GitLabUser, []string, error) {
	var users []GitLabUser
	if err := v.getJSON(ctx, fmt.Sprintf("%s/api/v4/users?username=%s", v.gitlabURL, url.QueryEscape(username)), &users); err != nil {
		return GitLabUser{}, nil, err
	}
	if len(users) == 0 {
		return GitLabUser{}, nil, raveerr.New(raveerr.KindAuth, "user not found: "+username)
	}
	user := users[0]

	groups, err := v.fetchGroups(ctx, user.ID)
	if err != nil {
		v.logger.Warn("failed to fetch user groups", "gitlab_id", user.ID, "error", err)
		groups = nil
	}
	return user, groups, nil
}

func (v *Validator) fetchGroups(ctx context.Context, gitlabID int) ([]string, error) {
	var memberships []gitlabMembership
	if err := v.getJSON(ctx, fmt.Sprintf("%s/api/v4/users/%d/memberships", v.gitlabURL, gitlabID), &memberships); err != nil {
		return nil, err
	}

	groups := make([]string, 0, len(memberships))
	for _, m := range memberships {
		if m.Source.Kind == "group" && m.Source.Name != "" {
			groups = append(groups, m.Source.Name)
		}
	}
	return groups, nil
}

func (v *Validator) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "building GitLab API request", err)
	}
	req.Header.Set("User-Agent", "rave-chat-bridge/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return raveerr.Wrap(raveerr.KindTransient, "GitLab API request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return raveerr.New(raveerr.KindAuth, "GitLab resource not found")
	}
	if resp.StatusCode != http.StatusOK {
		return raveerr.New(raveerr.KindTransient, fmt.Sprintf("GitLab API returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "decoding GitLab API response", err)
	}
	return nil
}
