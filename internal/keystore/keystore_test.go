package keystore

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateAndReload(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ident, err := m.Generate("alpha")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if ident.PeerID == "" {
		t.Fatal("Generated identity has empty peer ID")
	}

	// A fresh manager over the same directory must see the key.
	m2, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got, err := m2.Identity("alpha")
	if err != nil {
		t.Fatalf("Identity failed after reload: %v", err)
	}
	if got.PeerID != ident.PeerID {
		t.Errorf("Peer ID changed across reload: %s vs %s", got.PeerID, ident.PeerID)
	}
}

func TestGenerateDuplicate(t *testing.T) {
	m, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := m.Generate("dup"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := m.Generate("dup"); !errors.Is(err, ErrKeyAlreadyExists) {
		t.Errorf("Expected ErrKeyAlreadyExists, got %v", err)
	}
}

func TestInvalidKeyNames(t *testing.T) {
	m, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for _, name := range []string{"", "a/b", `a\b`, ".hidden"} {
		if _, err := m.Generate(name); !errors.Is(err, ErrInvalidKeyName) {
			t.Errorf("Expected ErrInvalidKeyName for %q, got %v", name, err)
		}
	}
}

func TestKeyNotFound(t *testing.T) {
	m, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := m.Identity("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	if _, err := m.Sign("missing", []byte("data")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Sign should propagate ErrKeyNotFound, got %v", err)
	}
}

func TestEnsure(t *testing.T) {
	m, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	first, err := m.Ensure(DefaultKeyName)
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}
	second, err := m.Ensure(DefaultKeyName)
	if err != nil {
		t.Fatalf("Ensure (existing) failed: %v", err)
	}
	if first.PeerID != second.PeerID {
		t.Error("Ensure should return the same identity on the second call")
	}
}

func TestHasAndList(t *testing.T) {
	m, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	a, err := m.Generate("a")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if _, err := m.Generate("b"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !m.Has(a.PeerID) {
		t.Error("Has should find a stored identity")
	}
	if m.Has("12D3KooWBogus") {
		t.Error("Has should not match an unknown peer")
	}

	names := m.List()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("List mismatch: %v", names)
	}
}

func TestSignVerify(t *testing.T) {
	m, err := Open(t.TempDir(), "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ident, err := m.Generate("signer")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	data := []byte("payload to sign")
	sig, err := m.Sign("signer", data)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	ok, err := ident.PrivKey.GetPublic().Verify(data, sig)
	if err != nil || !ok {
		t.Errorf("Signature did not verify: ok=%v err=%v", ok, err)
	}
}

func TestSealedKeystore(t *testing.T) {
	dir := t.TempDir()

	m, err := Open(dir, "correct horse")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ident, err := m.Generate("sealed")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Right passphrase loads the same identity.
	m2, err := Open(dir, "correct horse")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	got, err := m2.Identity("sealed")
	if err != nil {
		t.Fatalf("Identity failed: %v", err)
	}
	if got.PeerID != ident.PeerID {
		t.Error("Sealed key did not survive reload")
	}

	// Wrong passphrase must not load keys.
	if _, err := Open(dir, "wrong"); err == nil {
		t.Error("Open with wrong passphrase should fail")
	}
}

func TestSealRoundTrip(t *testing.T) {
	plain := []byte("secret key material")

	sealed, err := seal(plain, "pw")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Error("Sealed form should not contain the plaintext")
	}

	got, err := unseal(sealed, "pw")
	if err != nil {
		t.Fatalf("unseal failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("unseal(seal(x)) != x")
	}

	if _, err := unseal(sealed, "other"); err == nil {
		t.Error("unseal with wrong password should fail")
	}
	if _, err := unseal(sealed[:10], "pw"); err == nil {
		t.Error("unseal of truncated data should fail")
	}
}

func TestDelete(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := m.Generate("gone"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if err := m.Delete("gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Identity("gone"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound after delete, got %v", err)
	}

	m2, err := Open(dir, "")
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if _, err := m2.Identity("gone"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("Deleted key should not reappear after reload")
	}
}
