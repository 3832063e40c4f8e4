package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), time.Hour)

	token, err := codec.Issue(Identity{
		Subject: "7f93c2c7-bc32-43f3-87dc-40d0b8fb2cd2",
		Email:   "test@test.com",
		Name:    "Peter Piper",
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := codec.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Subject != "7f93c2c7-bc32-43f3-87dc-40d0b8fb2cd2" {
		t.Errorf("Subject = %q", id.Subject)
	}
	if id.Email != "test@test.com" {
		t.Errorf("Email = %q", id.Email)
	}
	if id.Name != "Peter Piper" {
		t.Errorf("Name = %q", id.Name)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), -time.Minute)

	token, err := codec.Issue(Identity{Subject: "sub"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := codec.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	token, err := NewCodec([]byte("key-a"), time.Hour).Issue(Identity{Subject: "sub"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewCodec([]byte("key-b"), time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	// A token signed with "none" must never verify, whatever its claims say.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "labgate",
		Subject:   "sub",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := NewCodec([]byte("test-secret"), time.Hour).Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), time.Hour)
	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := codec.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), time.Hour)

	original := "https://jupyterlab-23b40dd9.apps.example.com/lab/tree?path=a%20b"
	token, err := codec.IssueState(original, 5*time.Minute)
	if err != nil {
		t.Fatalf("IssueState: %v", err)
	}

	got, err := codec.VerifyState(token)
	if err != nil {
		t.Fatalf("VerifyState: %v", err)
	}
	if got != original {
		t.Errorf("return URL = %q, want %q", got, original)
	}
}

func TestStateTokenIsNotASessionToken(t *testing.T) {
	codec := NewCodec([]byte("test-secret"), time.Hour)

	state, err := codec.IssueState("https://example.com/", 5*time.Minute)
	if err != nil {
		t.Fatalf("IssueState: %v", err)
	}
	// A state token has no subject, so it must not verify as a session.
	if _, err := codec.Verify(state); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("state token verified as session: %v", err)
	}
}
