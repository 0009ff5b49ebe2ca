package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	pubA, privA, err := Keypair()
	if err != nil {
		t.Fatalf("Keypair failed: %v", err)
	}
	pubB, privB, err := Keypair()
	if err != nil {
		t.Fatalf("Keypair failed: %v", err)
	}

	payloads := [][]byte{
		{},
		[]byte("h"),
		[]byte("hello"),
		[]byte("a longer message with spaces and unicode: héllo wörld"),
		bytes.Repeat([]byte{0x42}, 4096),
	}

	for _, msg := range payloads {
		sealed, err := Encrypt(privA, pubB, msg)
		if err != nil {
			t.Fatalf("Encrypt(%d bytes) failed: %v", len(msg), err)
		}

		plain, err := Decrypt(privB, pubA, sealed)
		if err != nil {
			t.Fatalf("Decrypt(%d bytes) failed: %v", len(msg), err)
		}
		if !bytes.Equal(plain, msg) {
			t.Errorf("round trip mismatch: got %q want %q", plain, msg)
		}
	}
}

func TestEncryptFreshNonce(t *testing.T) {
	_, privA, _ := Keypair()
	pubB, _, _ := Keypair()

	first, err := Encrypt(privA, pubB, []byte("same message"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := Encrypt(privA, pubB, []byte("same message"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if first == second {
		t.Error("expected distinct ciphertexts for repeated plaintext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	pubA, privA, _ := Keypair()
	pubB, _, _ := Keypair()
	_, privC, _ := Keypair()

	sealed, err := Encrypt(privA, pubB, []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(privC, pubA, sealed); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt with mismatched key, got %v", err)
	}
}

func TestDecryptCorruptCiphertext(t *testing.T) {
	pubA, privA, _ := Keypair()
	pubB, privB, _ := Keypair()

	sealed, _ := Encrypt(privA, pubB, []byte("secret"))

	cases := []string{
		"",
		"not base64!!!",
		"AAAA",
		sealed[:len(sealed)-8] + "AAAAAAAA",
	}
	for _, c := range cases {
		if _, err := Decrypt(privB, pubA, c); err != ErrDecrypt {
			t.Errorf("Decrypt(%q): expected ErrDecrypt, got %v", c, err)
		}
	}
}

func TestDecryptMalformedKey(t *testing.T) {
	pubA, privA, _ := Keypair()
	pubB, _, _ := Keypair()

	sealed, _ := Encrypt(privA, pubB, []byte("secret"))

	if _, err := Decrypt("zz", pubA, sealed); err != ErrBadKey {
		t.Errorf("expected ErrBadKey, got %v", err)
	}
	if _, err := Encrypt("deadbeef", pubB, []byte("x")); err != ErrBadKey {
		t.Errorf("expected ErrBadKey for short key, got %v", err)
	}
}

func TestSealOpenKey(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	sealed, err := SealKey("correct horse", secret)
	if err != nil {
		t.Fatalf("SealKey failed: %v", err)
	}

	opened, err := OpenKey("correct horse", sealed)
	if err != nil {
		t.Fatalf("OpenKey failed: %v", err)
	}
	if !bytes.Equal(opened, secret) {
		t.Errorf("OpenKey mismatch: got %q", opened)
	}

	if _, err := OpenKey("wrong password", sealed); err != ErrDecrypt {
		t.Errorf("expected ErrDecrypt with wrong password, got %v", err)
	}
}

func TestHashVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}

	if err := VerifyPassword("hunter2", hash); err != nil {
		t.Errorf("VerifyPassword rejected correct password: %v", err)
	}
	if err := VerifyPassword("hunter3", hash); err != ErrBadPassword {
		t.Errorf("expected ErrBadPassword, got %v", err)
	}
	if err := VerifyPassword("hunter2", "garbage"); err == nil {
		t.Error("expected error for malformed hash")
	}
}
