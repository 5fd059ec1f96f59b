package auth

import (
	"testing"
	"time"
)

func TestStaticTokenValid(t *testing.T) {
	tokens := []string{"tok-a", "tok-b"}
	if !StaticTokenValid(tokens, "tok-a") {
		t.Fatal("expected tok-a to be valid")
	}
	if StaticTokenValid(tokens, "tok-c") {
		t.Fatal("expected tok-c to be invalid")
	}
	if StaticTokenValid(tokens, "") {
		t.Fatal("expected empty token to be invalid")
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	issuer, err := NewSessionTokenIssuer([]string{"secret-1"}, time.Hour)
	if err != nil {
		t.Fatalf("NewSessionTokenIssuer: %v", err)
	}

	token, expiresAt, err := issuer.Mint("node-1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if expiresAt.Before(time.Now()) {
		t.Fatal("expiresAt should be in the future")
	}

	nodeID, _, err := issuer.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if nodeID != "node-1" {
		t.Fatalf("nodeID = %q, want node-1", nodeID)
	}
}

func TestSessionTokenValidatesAcrossRotatedSecrets(t *testing.T) {
	old, err := NewSessionTokenIssuer([]string{"old-secret"}, time.Hour)
	if err != nil {
		t.Fatalf("NewSessionTokenIssuer: %v", err)
	}
	token, _, err := old.Mint("node-2")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	rotated, err := NewSessionTokenIssuer([]string{"new-secret", "old-secret"}, time.Hour)
	if err != nil {
		t.Fatalf("NewSessionTokenIssuer: %v", err)
	}
	nodeID, _, err := rotated.Validate(token)
	if err != nil {
		t.Fatalf("Validate after rotation: %v", err)
	}
	if nodeID != "node-2" {
		t.Fatalf("nodeID = %q, want node-2", nodeID)
	}
}

func TestSessionTokenRejectsUnknownSecret(t *testing.T) {
	issuer, _ := NewSessionTokenIssuer([]string{"secret-1"}, time.Hour)
	token, _, _ := issuer.Mint("node-3")

	other, _ := NewSessionTokenIssuer([]string{"secret-2"}, time.Hour)
	if _, _, err := other.Validate(token); err == nil {
		t.Fatal("expected validation failure with an unrelated secret")
	}
}
