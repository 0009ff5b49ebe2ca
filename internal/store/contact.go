// Package store provides database access for contacts and local users.
package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/whisperlink/whisperlink/internal/schema"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
)

type ContactStore struct {
	DB *gorm.DB
}

func NewContactStore(db *gorm.DB) *ContactStore {
	return &ContactStore{DB: db}
}

// Add inserts a contact. Existing contacts are not overwritten; the
// trust-on-first-use path in the listener relies on this so a known
// peer's key cannot be replaced by an inbound handshake.
func (cs *ContactStore) Add(c schema.Contact) error {
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now()
	}

	var existing schema.Contact
	err := cs.DB.First(&existing, "peer_id = ?", c.PeerID).Error
	if err == nil {
		return ErrExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return cs.DB.Create(&c).Error
}

func (cs *ContactStore) Get(peerID string) (schema.Contact, error) {
	var c schema.Contact
	err := cs.DB.First(&c, "peer_id = ?", peerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.Contact{}, ErrNotFound
	}
	return c, err
}

func (cs *ContactStore) List() ([]schema.Contact, error) {
	var contacts []schema.Contact
	err := cs.DB.Order("added_at").Find(&contacts).Error
	return contacts, err
}

func (cs *ContactStore) Remove(peerID string) error {
	return cs.DB.Where("peer_id = ?", peerID).Delete(&schema.Contact{}).Error
}

// UpdateLastSeen stamps the contact after a successful handshake.
// Unknown peers are ignored.
func (cs *ContactStore) UpdateLastSeen(peerID string) error {
	now := time.Now()
	return cs.DB.Model(&schema.Contact{}).
		Where("peer_id = ?", peerID).
		Update("last_seen", &now).Error
}
