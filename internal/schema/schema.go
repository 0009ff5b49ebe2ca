package schema

import "time"

// Contact is a known peer and how to reach it.
type Contact struct {
	PeerID         string `gorm:"primaryKey"`
	Username       string
	PublicKey      string
	ConnectionType string // "direct" or "tunnel"
	Address        string // host:port for direct contacts
	TunnelURL      string // public URL for tunnel contacts
	AddedAt        time.Time
	LastSeen       *time.Time
}

// User is a local identity. The private key is stored sealed under the
// user's password and only ever decrypted in memory after login.
type User struct {
	UserID           string `gorm:"primaryKey"`
	Username         string `gorm:"uniqueIndex"`
	PasswordHash     string
	PublicKey        string
	SealedPrivateKey string
	CreatedAt        time.Time
	LastLogin        *time.Time
}
