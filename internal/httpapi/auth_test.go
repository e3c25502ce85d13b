package httpapi

import (
	"testing"
	"time"
)

func TestAuthorizeBearerAcceptsValidToken(t *testing.T) {
	token := mintToken(t, testSecret, "alice", []string{"notify.read", "notify.ops"}, time.Now().Add(time.Hour))
	claims, authErr := authorizeBearer("Bearer "+token, testSecret, "notify.ops", time.Now().UTC())
	if authErr != nil {
		t.Fatalf("unexpected auth error: %v", authErr)
	}
	if claims.Subject != "alice" {
		t.Fatalf("expected subject alice, got %s", claims.Subject)
	}
}

func TestAuthorizeBearerRejectsWrongScope(t *testing.T) {
	token := mintToken(t, testSecret, "alice", []string{"notify.read"}, time.Now().Add(time.Hour))
	_, authErr := authorizeBearer("Bearer "+token, testSecret, "notify.ops", time.Now().UTC())
	if authErr == nil || authErr.status != 403 {
		t.Fatalf("expected 403, got %+v", authErr)
	}
}

func TestAuthorizeBearerRejectsBadSignature(t *testing.T) {
	token := mintToken(t, "other-secret", "alice", []string{"notify.read"}, time.Now().Add(time.Hour))
	_, authErr := authorizeBearer("Bearer "+token, testSecret, "notify.read", time.Now().UTC())
	if authErr == nil || authErr.status != 401 {
		t.Fatalf("expected 401, got %+v", authErr)
	}
}

func TestAuthorizeBearerRejectsMalformedHeader(t *testing.T) {
	for _, header := range []string{"", "Bearer", "Bearer not.a.jwt.extra", "Basic abc"} {
		if _, authErr := authorizeBearer(header, testSecret, "notify.read", time.Now().UTC()); authErr == nil {
			t.Fatalf("expected rejection for header %q", header)
		}
	}
}

func TestParseScopesShapes(t *testing.T) {
	fromList := parseScopes([]any{"notify.read", "notify.ops"})
	if len(fromList) != 2 {
		t.Fatalf("expected 2 scopes from list, got %v", fromList)
	}
	fromString := parseScopes("notify.read notify.ops")
	if len(fromString) != 2 {
		t.Fatalf("expected 2 scopes from string, got %v", fromString)
	}
	if len(parseScopes(nil)) != 0 {
		t.Fatalf("nil scopes should parse empty")
	}
}
