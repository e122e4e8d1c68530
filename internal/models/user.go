package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// UserStatus is the presence state tracked by the identity directory.
type UserStatus string

const (
	UserOnline  UserStatus = "online"
	UserAway    UserStatus = "away"
	UserOffline UserStatus = "offline"
)

// User is an already-authenticated identity. The collaboration core
// trusts the id and only consults the directory for existence, status,
// and last-seen bookkeeping.
type User struct {
	ID       string     `json:"id" gorm:"type:char(27);primaryKey"`
	Name     string     `json:"name" gorm:"type:text;not null"`
	Status   UserStatus `json:"status" gorm:"type:varchar(16);not null;default:'offline'"`
	LastSeen time.Time  `json:"last_seen" gorm:"column:last_seen"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// NewUser creates a user with a fresh KSUID and online status.
func NewUser(name string) *User {
	return &User{
		ID:       ksuid.New().String(),
		Name:     name,
		Status:   UserOnline,
		LastSeen: time.Now(),
	}
}
