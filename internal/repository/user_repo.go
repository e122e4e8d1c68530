package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codepair/internal/models"

	"gorm.io/gorm"
)

// UserRepositoryImpl is the gorm-backed identity directory.
type UserRepositoryImpl struct {
	db *gorm.DB
}

// NewUserRepository creates a user repository.
func NewUserRepository(db *gorm.DB) *UserRepositoryImpl {
	return &UserRepositoryImpl{db: db}
}

// GetUser looks up a user by id. The collaboration core calls this for
// every admission check.
func (r *UserRepositoryImpl) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Create inserts a user.
func (r *UserRepositoryImpl) Create(ctx context.Context, user *models.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// TouchLastSeen records presence activity.
func (r *UserRepositoryImpl) TouchLastSeen(ctx context.Context, id string, status models.UserStatus) error {
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "last_seen": time.Now()}).Error
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

// MemoryUserDirectory is an in-memory identity directory for tests and
// single-process setups without a database.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserDirectory creates an empty directory.
func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{users: make(map[string]*models.User)}
}

// Add registers a user.
func (d *MemoryUserDirectory) Add(user *models.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}

// GetUser implements the directory lookup.
func (d *MemoryUserDirectory) GetUser(ctx context.Context, id string) (*models.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return user, nil
}
