// Package user manages local identities: account creation, login, and
// the in-memory session holding the decrypted private key.
package user

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/whisperlink/whisperlink/internal/crypto"
	"github.com/whisperlink/whisperlink/internal/schema"
	"github.com/whisperlink/whisperlink/internal/store"
)

var (
	ErrNoSession     = errors.New("user: no user logged in")
	ErrUsernameTaken = errors.New("user: username already taken")
	ErrBadLogin      = errors.New("user: invalid username or password")
)

// Session is a logged-in identity. PrivateKey lives only in memory;
// the store holds it sealed under the password.
type Session struct {
	UserID     string
	Username   string
	PublicKey  string
	PrivateKey string
}

type Manager struct {
	users *store.UserStore

	mu      sync.Mutex
	current *Session
}

func NewManager(users *store.UserStore) *Manager {
	return &Manager{users: users}
}

// Register creates an account: fresh keypair, password hash, and the
// private key sealed under the password. It does not log the user in.
func (m *Manager) Register(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("user: username and password are required")
	}

	pub, priv, err := crypto.Keypair()
	if err != nil {
		return "", fmt.Errorf("user: generating keypair: %w", err)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("user: hashing password: %w", err)
	}
	sealed, err := crypto.SealKey(password, []byte(priv))
	if err != nil {
		return "", fmt.Errorf("user: sealing private key: %w", err)
	}

	u := schema.User{
		UserID:           uuid.NewString(),
		Username:         username,
		PasswordHash:     hash,
		PublicKey:        pub,
		SealedPrivateKey: sealed,
	}
	if err := m.users.Create(u); err != nil {
		if errors.Is(err, store.ErrExists) {
			return "", ErrUsernameTaken
		}
		return "", err
	}
	return u.UserID, nil
}

// Login verifies the password, unseals the private key, and installs
// the session. A wrong username and a wrong password are reported the
// same way.
func (m *Manager) Login(username, password string) (*Session, error) {
	u, err := m.users.GetByUsername(username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBadLogin
		}
		return nil, err
	}

	if err := crypto.VerifyPassword(password, u.PasswordHash); err != nil {
		if errors.Is(err, crypto.ErrBadPassword) {
			return nil, ErrBadLogin
		}
		return nil, err
	}

	priv, err := crypto.OpenKey(password, u.SealedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("user: unsealing private key: %w", err)
	}

	s := &Session{
		UserID:     u.UserID,
		Username:   u.Username,
		PublicKey:  u.PublicKey,
		PrivateKey: string(priv),
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	_ = m.users.TouchLogin(u.UserID)
	return s, nil
}

// Current returns the active session, if any.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Logout drops the session and the in-memory private key.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
