package cryptutil

import "testing"

func TestHashToken_Deterministic(t *testing.T) {
	a, err := HashToken("my-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := HashToken("my-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("expected deterministic hash, got %s vs %s", a, b)
	}
}

func TestHashToken_DifferentTokensDiffer(t *testing.T) {
	a, _ := HashToken("token-a")
	b, _ := HashToken("token-b")
	if a == b {
		t.Errorf("expected different tokens to hash differently")
	}
}

func TestCheckAdminToken_RoundTrip(t *testing.T) {
	salt, err := GenerateSalt(16)
	if err != nil {
		t.Fatalf("unexpected error generating salt: %v", err)
	}
	digest, err := DeriveAdminTokenDigest("s3cret", salt)
	if err != nil {
		t.Fatalf("unexpected error deriving digest: %v", err)
	}
	ok, err := CheckAdminToken("s3cret", salt, digest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Errorf("expected matching token to check out")
	}
	ok, err = CheckAdminToken("wrong", salt, digest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected mismatched token to fail")
	}
}
