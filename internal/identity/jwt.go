package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

const (
	configTTL    = time.Hour
	tokenLeeway  = 30 * time.Second
	jwksTimeout  = 10 * time.Second
)

var requiredClaims = []string{"sub", "iat", "exp", "aud"}

type oidcDiscoveryDoc struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// TokenValidator validates bearer JWTs issued by a GitLab OIDC provider. It
// offers two verification paths: Verify uses go-oidc's discovery-backed ID
// token verifier, while ValidateJWT performs the manual JWKS/kid-selection
// flow GitLab's older personal-access-token-style bearer tokens need.
type TokenValidator struct {
	issuerURL string
	clientID  string
	client    *http.Client
	logger    *slog.Logger

	idTokenVerifier *oidc.IDTokenVerifier

	mu            sync.Mutex
	discovery     *oidcDiscoveryDoc
	jwks          *jose.JSONWebKeySet
	configLoadedAt time.Time
}

// NewTokenValidator performs OIDC discovery against issuerURL (via go-oidc)
// and returns a TokenValidator ready to verify both ID tokens and bearer
// JWTs for clientID.
func NewTokenValidator(ctx context.Context, issuerURL, clientID string, logger *slog.Logger) (*TokenValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindTransient, "discovering OIDC provider", err)
	}

	return &TokenValidator{
		issuerURL:       issuerURL,
		clientID:        clientID,
		client:          &http.Client{Timeout: jwksTimeout},
		logger:          logger,
		idTokenVerifier: provider.Verifier(&oidc.Config{ClientID: clientID}),
	}, nil
}

// Verify validates rawIDToken as an OIDC ID token using go-oidc's
// discovery-backed verifier and unmarshals its claims into claims.
func (v *TokenValidator) Verify(ctx context.Context, rawIDToken string, claims any) error {
	idToken, err := v.idTokenVerifier.Verify(ctx, rawIDToken)
	if err != nil {
		return raveerr.Wrap(raveerr.KindAuth, "verifying ID token", err)
	}
	if err := idToken.Claims(claims); err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "extracting ID token claims", err)
	}
	return nil
}

// ValidateJWT validates a bearer JWT by manually selecting the signing key
// from the provider's JWKS via the token's kid header, the path GitLab's
// non-ID-token bearer tokens require since they don't carry a nonce.
func (v *TokenValidator) ValidateJWT(ctx context.Context, token string) (map[string]any, error) {
	if err := v.ensureConfig(ctx); err != nil {
		return nil, err
	}

	parsed, err := josejwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindAuth, "invalid token", err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, raveerr.New(raveerr.KindAuth, "token missing key ID")
	}
	kid := parsed.Headers[0].KeyID

	key, err := v.publicKey(kid)
	if err != nil {
		return nil, err
	}

	var claims map[string]any
	if err := parsed.Claims(key, &claims); err != nil {
		return nil, raveerr.Wrap(raveerr.KindAuth, "invalid token signature", err)
	}

	if err := v.checkStandardClaims(claims); err != nil {
		return nil, err
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	return claims, nil
}

func (v *TokenValidator) checkStandardClaims(claims map[string]any) error {
	now := time.Now()

	if exp, ok := numericClaim(claims, "exp"); ok {
		if now.After(time.Unix(int64(exp), 0).Add(tokenLeeway)) {
			return raveerr.New(raveerr.KindAuth, "token expired")
		}
	}
	if iss, ok := claims["iss"].(string); ok {
		v.mu.Lock()
		expectedIssuer := v.discovery.Issuer
		v.mu.Unlock()
		if expectedIssuer != "" && iss != expectedIssuer {
			return raveerr.New(raveerr.KindAuth, "unexpected token issuer")
		}
	}
	return nil
}

func numericClaim(claims map[string]any, key string) (float64, bool) {
	v, ok := claims[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// validateClaims mirrors the required-claims and audience checks.
func (v *TokenValidator) validateClaims(claims map[string]any) error {
	for _, c := range requiredClaims {
		if _, ok := claims[c]; !ok {
			return raveerr.New(raveerr.KindAuth, "missing required claim: "+c)
		}
	}
	if aud, ok := claims["aud"].(string); ok {
		if aud != v.clientID {
			return raveerr.New(raveerr.KindAuth, "invalid audience")
		}
	}
	return nil
}

func (v *TokenValidator) publicKey(kid string) (any, error) {
	v.mu.Lock()
	jwks := v.jwks
	v.mu.Unlock()

	if jwks == nil {
		return nil, raveerr.New(raveerr.KindInternal, "JWKS not loaded")
	}
	for _, key := range jwks.Keys {
		if key.KeyID == kid {
			return key.Key, nil
		}
	}
	return nil, raveerr.New(raveerr.KindAuth, "public key not found for kid: "+kid)
}

func (v *TokenValidator) ensureConfig(ctx context.Context) error {
	v.mu.Lock()
	stale := v.discovery == nil || time.Since(v.configLoadedAt) > configTTL
	v.mu.Unlock()
	if !stale {
		return nil
	}
	return v.loadConfig(ctx)
}

func (v *TokenValidator) loadConfig(ctx context.Context) error {
	var doc oidcDiscoveryDoc
	if err := v.getJSON(ctx, v.issuerURL+"/.well-known/openid_configuration", &doc); err != nil {
		return raveerr.Wrap(raveerr.KindTransient, "loading OIDC configuration", err)
	}

	var jwks jose.JSONWebKeySet
	if doc.JWKSURI != "" {
		if err := v.getJSON(ctx, doc.JWKSURI, &jwks); err != nil {
			return raveerr.Wrap(raveerr.KindTransient, "loading JWKS", err)
		}
	}

	v.mu.Lock()
	v.discovery = &doc
	v.jwks = &jwks
	v.configLoadedAt = time.Now()
	v.mu.Unlock()
	return nil
}

func (v *TokenValidator) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return raveerr.New(raveerr.KindTransient, "unexpected status fetching "+rawURL)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
