package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func discoveryHandler(t *testing.T, issuer string, fetches *atomic.Int64) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		if fetches != nil {
			fetches.Add(1)
		}
		_ = json.NewEncoder(w).Encode(DiscoveryDocument{
			Issuer:                issuer,
			AuthorizationEndpoint: issuer + "/authorize",
			TokenEndpoint:         issuer + "/token",
			UserInfoEndpoint:      issuer + "/userinfo",
			EndSessionEndpoint:    issuer + "/logout",
			JWKSUri:               issuer + "/jwks",
		})
	}
}

func TestDiscoverFetchesAndCaches(t *testing.T) {
	var fetches atomic.Int64

	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		discoveryHandler(t, issuer, &fetches)(w, r)
	}))
	defer srv.Close()
	issuer = srv.URL

	c := NewTestDiscoveryClient(srv.Client(), time.Hour, nil)

	doc, err := c.Discover(context.Background(), issuer)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if doc.TokenEndpoint != issuer+"/token" {
		t.Errorf("TokenEndpoint = %q", doc.TokenEndpoint)
	}
	if doc.EndSessionEndpoint != issuer+"/logout" {
		t.Errorf("EndSessionEndpoint = %q", doc.EndSessionEndpoint)
	}

	if _, err := c.Discover(context.Background(), issuer); err != nil {
		t.Fatalf("Discover() second call error = %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("document fetched %d times, want 1 (cached)", got)
	}

	c.ClearCache()
	if _, err := c.Discover(context.Background(), issuer); err != nil {
		t.Fatalf("Discover() after ClearCache() error = %v", err)
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("document fetched %d times after cache clear, want 2", got)
	}
}

func TestDiscoverRejectsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewTestDiscoveryClient(srv.Client(), time.Hour, nil)
	if _, err := c.Discover(context.Background(), srv.URL); err == nil {
		t.Error("Discover() accepted a 500 response")
	}
}

func TestDiscoverRejectsInsecureIssuer(t *testing.T) {
	c := NewDiscoveryClient(nil, time.Hour, nil)
	if _, err := c.Discover(context.Background(), "http://issuer.example.com"); err == nil {
		t.Error("Discover() accepted a plain-http issuer")
	}
}

func TestValidateIssuerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid", "https://issuer.example.com", false},
		{"valid with path", "https://issuer.example.com/oidc", false},
		{"empty", "", true},
		{"http", "http://issuer.example.com", true},
		{"no host", "https://", true},
		{"query", "https://issuer.example.com?x=1", true},
		{"fragment", "https://issuer.example.com#frag", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIssuerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIssuerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDocumentRequiresHTTPS(t *testing.T) {
	doc := &DiscoveryDocument{
		Issuer:                "https://issuer.example.com",
		AuthorizationEndpoint: "http://issuer.example.com/authorize",
		TokenEndpoint:         "https://issuer.example.com/token",
		JWKSUri:               "https://issuer.example.com/jwks",
	}
	if err := validateDocument(doc); err == nil {
		t.Error("validateDocument() accepted a plain-http authorization endpoint")
	}

	doc.AuthorizationEndpoint = "https://issuer.example.com/authorize"
	if err := validateDocument(doc); err != nil {
		t.Errorf("validateDocument() rejected a valid document: %v", err)
	}

	doc.EndSessionEndpoint = "http://issuer.example.com/logout"
	if err := validateDocument(doc); err == nil {
		t.Error("validateDocument() accepted a plain-http end-session endpoint")
	}
}
