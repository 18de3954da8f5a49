package encryption

import (
	"errors"
	"testing"
)

func TestAESGCMRoundTrip(t *testing.T) {
	enc := NewAESGCM("")

	for _, plain := range []string{"Ada", "ada@example.com", "+44 20 7946 0000", "ünïcødé"} {
		sealed, err := enc.EncryptString(plain, "pii-key")
		if err != nil {
			t.Fatalf("EncryptString(%q) error = %v", plain, err)
		}
		if sealed == plain {
			t.Fatalf("EncryptString(%q) returned plaintext", plain)
		}

		opened, err := enc.DecryptString(sealed, "pii-key")
		if err != nil {
			t.Fatalf("DecryptString() error = %v", err)
		}
		if opened != plain {
			t.Fatalf("DecryptString() = %q, want %q", opened, plain)
		}
	}
}

func TestAESGCMIsNonDeterministic(t *testing.T) {
	enc := NewAESGCM("")

	a, _ := enc.EncryptString("same", "k")
	b, _ := enc.EncryptString("same", "k")
	if a == b {
		t.Fatalf("expected distinct ciphertexts for repeated encryption")
	}
}

func TestAESGCMEmptyPassthrough(t *testing.T) {
	enc := NewAESGCM("")

	sealed, err := enc.EncryptString("", "k")
	if err != nil || sealed != "" {
		t.Fatalf("EncryptString(\"\") = %q, %v; want empty, nil", sealed, err)
	}
	opened, err := enc.DecryptString("", "k")
	if err != nil || opened != "" {
		t.Fatalf("DecryptString(\"\") = %q, %v; want empty, nil", opened, err)
	}
}

func TestAESGCMErrors(t *testing.T) {
	enc := NewAESGCM("")

	if _, err := enc.EncryptString("x", ""); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("EncryptString() with empty key error = %v, want ErrMissingKey", err)
	}

	sealed, _ := enc.EncryptString("secret", "right")
	if _, err := enc.DecryptString(sealed, "wrong"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptString() with wrong key error = %v, want ErrDecryptionFailed", err)
	}
	if _, err := enc.DecryptString("***", "right"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("DecryptString() of garbage error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := enc.DecryptString("AAAA", "right"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("DecryptString() of short input error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestAESGCMContextSeparatesKeys(t *testing.T) {
	a := NewAESGCM("one")
	b := NewAESGCM("two")

	sealed, _ := a.EncryptString("secret", "k")
	if _, err := b.DecryptString(sealed, "k"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("DecryptString() across contexts error = %v, want ErrDecryptionFailed", err)
	}
}
