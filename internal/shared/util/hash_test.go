package util

import "testing"

func TestHashKey(t *testing.T) {
	token := "dGhpcyBpcyBhIGJlYXJlciB0b2tlbg"
	got := HashKey(token)
	if got != HashKey(token) {
		t.Fatalf("expected stable hash, got %s", got)
	}
	if got == HashKey(token+"x") {
		t.Fatalf("expected distinct hashes for distinct keys")
	}
	for _, ch := range got {
		if !((ch >= 'a' && ch <= 'f') || (ch >= '0' && ch <= '9')) {
			t.Fatalf("hash contains non-hex character: %c", ch)
		}
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex characters, got %d", len(got))
	}
}
