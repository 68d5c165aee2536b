package session

import (
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
)

const testCodecKey = "cHxZB8z3TcK9mR6vL2nY5qW8sD1fG4hJ7kM0oP3rT6u="

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]string{testCodecKey})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	c := testCodec(t)
	now := time.Now().Round(time.Second).UTC()
	s := Session{
		ID: "sess-1", State: StateIdentified, PrincipalName: "alice@example.com",
		ClientID: "client-1", ConnectorID: "local", Nonce: "nonce-1",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now,
	}

	token, err := c.Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := c.Decode(token)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := pretty.Compare(s, got); diff != "" {
		t.Fatalf("round trip mismatch: %s", diff)
	}
}

func TestCodecRejectsTamperedToken(t *testing.T) {
	c := testCodec(t)
	token, err := c.Encode(Session{ID: "sess-1", State: StateNew})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tampered := token[:len(token)-1] + "x"
	if _, err := c.Decode(tampered); err == nil {
		t.Fatalf("expected tampered token to be rejected")
	}
}

func TestCodecRejectsWrongPrefix(t *testing.T) {
	c := testCodec(t)
	if _, err := c.Decode("not-a-session-token"); err == nil {
		t.Fatalf("expected unrecognized token format to be rejected")
	}
}
