// Package crypto wraps the NaCl primitives used by the connection
// layer: box (public-key authenticated encryption between two peers),
// secretbox + argon2id for sealing the private key at rest, and
// argon2id password hashing for login.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
	saltSize  = 16
)

var (
	ErrDecrypt     = errors.New("crypto: decryption failed")
	ErrBadKey      = errors.New("crypto: malformed key")
	ErrBadPassword = errors.New("crypto: password verification failed")
)

// Keypair generates a Curve25519 keypair, hex-encoded to match the
// identity format carried in handshake frames and the contact store.
func Keypair() (publicKey string, privateKey string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(pub[:]), hex.EncodeToString(priv[:]), nil
}

func decodeKey(s string) (*[keySize]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != keySize {
		return nil, ErrBadKey
	}
	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Encrypt seals plaintext for the peer using our private key and the
// peer's public key. The result is base64(nonce || ciphertext); a fresh
// random nonce is drawn per message.
func Encrypt(privateKey, peerPublicKey string, plaintext []byte) (string, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return "", err
	}
	pub, err := decodeKey(peerPublicKey)
	if err != nil {
		return "", err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	sealed := box.Seal(nonce[:], plaintext, &nonce, pub, priv)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a message sealed by the peer. Failures are reported as
// ErrDecrypt regardless of cause so callers can drop the message
// without learning why it was malformed.
func Decrypt(privateKey, peerPublicKey, encoded string) ([]byte, error) {
	priv, err := decodeKey(privateKey)
	if err != nil {
		return nil, err
	}
	pub, err := decodeKey(peerPublicKey)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < nonceSize {
		return nil, ErrDecrypt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := box.Open(nil, sealed[nonceSize:], &nonce, pub, priv)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func deriveKey(password string, salt []byte) *[keySize]byte {
	var key [keySize]byte
	derived := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, keySize)
	copy(key[:], derived)
	return &key
}

// SealKey encrypts secret (typically the hex private key) under a
// password. Layout: salt || nonce || secretbox ciphertext, base64.
func SealKey(password string, secret []byte) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	key := deriveKey(password, salt)
	sealed := secretbox.Seal(nil, secret, &nonce, key)

	out := make([]byte, 0, saltSize+nonceSize+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce[:]...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// OpenKey reverses SealKey. A wrong password yields ErrDecrypt.
func OpenKey(password, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < saltSize+nonceSize {
		return nil, ErrDecrypt
	}

	salt := raw[:saltSize]
	var nonce [nonceSize]byte
	copy(nonce[:], raw[saltSize:saltSize+nonceSize])

	key := deriveKey(password, salt)
	secret, ok := secretbox.Open(nil, raw[saltSize+nonceSize:], &nonce, key)
	if !ok {
		return nil, ErrDecrypt
	}
	return secret, nil
}

// HashPassword returns salt:hash, both hex, using argon2id.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, keySize)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
}

// VerifyPassword checks password against a salt:hash produced by
// HashPassword.
func VerifyPassword(password, encoded string) error {
	parts := strings.SplitN(encoded, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("crypto: malformed password hash")
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("crypto: malformed password hash: %w", err)
	}
	want, err := hex.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("crypto: malformed password hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, keySize)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrBadPassword
	}
	return nil
}
