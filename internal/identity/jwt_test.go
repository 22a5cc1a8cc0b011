package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	josejwt "github.com/go-jose/go-jose/v4/jwt"
)

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]any{"kid": kid},
	})
	if err != nil {
		t.Fatalf("building signer: %v", err)
	}
	builder := josejwt.Signed(signer)
	for k, v := range claims {
		builder = builder.Claims(map[string]any{k: v})
	}
	raw, err := builder.Serialize()
	if err != nil {
		t.Fatalf("serializing token: %v", err)
	}
	return raw
}

func TestValidateJWT_VerifiesSignatureAndClaims(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	mux := http.NewServeMux()
	var issuerURL string
	mux.HandleFunc("/.well-known/openid_configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oidcDiscoveryDoc{Issuer: issuerURL, JWKSURI: issuerURL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "kid-1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuerURL = srv.URL

	now := time.Now()
	token := signToken(t, key, "kid-1", map[string]any{
		"sub": "user-1",
		"aud": "client-123",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"iss": issuerURL,
	})

	v := &TokenValidator{issuerURL: issuerURL, clientID: "client-123", client: srv.Client(), logger: testLogger()}
	claims, err := v.ValidateJWT(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateJWT returned error: %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub claim = %v, want user-1", claims["sub"])
	}
}

func TestValidateJWT_RejectsWrongAudience(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	mux := http.NewServeMux()
	var issuerURL string
	mux.HandleFunc("/.well-known/openid_configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oidcDiscoveryDoc{Issuer: issuerURL, JWKSURI: issuerURL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &key.PublicKey, KeyID: "kid-1", Algorithm: "RS256", Use: "sig"},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuerURL = srv.URL

	now := time.Now()
	token := signToken(t, key, "kid-1", map[string]any{
		"sub": "user-1",
		"aud": "someone-else",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})

	v := &TokenValidator{issuerURL: issuerURL, clientID: "client-123", client: srv.Client(), logger: testLogger()}
	if _, err := v.ValidateJWT(context.Background(), token); err == nil {
		t.Error("expected error for a token with the wrong audience")
	}
}

func TestValidateJWT_RejectsUnknownKid(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	mux := http.NewServeMux()
	var issuerURL string
	mux.HandleFunc("/.well-known/openid_configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(oidcDiscoveryDoc{Issuer: issuerURL, JWKSURI: issuerURL + "/jwks"})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	issuerURL = srv.URL

	token := signToken(t, key, "missing-kid", map[string]any{"sub": "user-1", "aud": "client-123"})

	v := &TokenValidator{issuerURL: issuerURL, clientID: "client-123", client: srv.Client(), logger: testLogger()}
	if _, err := v.ValidateJWT(context.Background(), token); err == nil {
		t.Error("expected error for a token signed with an unknown key ID")
	}
}
