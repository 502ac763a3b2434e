package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := newVault(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed value contains the plaintext")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestSameKeyAcrossInstances(t *testing.T) {
	a := newVault(t, "shared")
	b := newVault(t, "shared")

	sealed, err := a.SealString("token-123")
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.OpenString(sealed)
	if err != nil {
		t.Fatalf("open with second instance: %v", err)
	}
	if got != "token-123" {
		t.Errorf("got %q", got)
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := newVault(t, "correct-passphrase").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := newVault(t, "wrong-passphrase").Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestNonceUniqueness(t *testing.T) {
	v := newVault(t, "nonce-test")
	a, _ := v.Seal([]byte("same"))
	b, _ := v.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestOpenTooShort(t *testing.T) {
	v := newVault(t, "short")
	if _, err := v.Open([]byte{1, 2, 3}); !errors.Is(err, ErrSealedTooShort) {
		t.Errorf("expected ErrSealedTooShort, got %v", err)
	}
	if _, err := v.OpenString("not base64!"); err == nil {
		t.Error("expected decode error")
	}
}
