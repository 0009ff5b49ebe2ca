package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/whisperlink/whisperlink/internal/schema"
)

type UserStore struct {
	DB *gorm.DB
}

func NewUserStore(db *gorm.DB) *UserStore {
	return &UserStore{DB: db}
}

func (us *UserStore) Create(u schema.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	var existing schema.User
	err := us.DB.First(&existing, "username = ?", u.Username).Error
	if err == nil {
		return ErrExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return us.DB.Create(&u).Error
}

func (us *UserStore) GetByUsername(username string) (schema.User, error) {
	var u schema.User
	err := us.DB.First(&u, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return schema.User{}, ErrNotFound
	}
	return u, err
}

// TouchLogin stamps a successful login.
func (us *UserStore) TouchLogin(userID string) error {
	now := time.Now()
	return us.DB.Model(&schema.User{}).
		Where("user_id = ?", userID).
		Update("last_login", &now).Error
}
