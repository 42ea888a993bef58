// Package identity provides username/password account management.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"forum/api/internal/store"
	"forum/api/internal/util"
	"golang.org/x/crypto/bcrypt"
)

const (
	maxUsernameLen = 40
	minPasswordLen = 8
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUsernameTaken  = errors.New("username already taken")
	ErrBadCredentials = errors.New("invalid username or password")
)

// UserStore defines the storage interface for accounts
type UserStore interface {
	GetUserByName(ctx context.Context, username string) (store.User, error)
	InsertUser(ctx context.Context, user store.User) error
	PromoteAdmin(ctx context.Context, userID string) error
}

type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// Register creates a new account with a bcrypt password hash.
func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || utf8.RuneCountInString(username) > maxUsernameLen {
		return store.User{}, fmt.Errorf("%w: username must be 1-%d characters", ErrInvalidInput, maxUsernameLen)
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return store.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}

	if _, err := s.store.GetUserByName(ctx, username); err == nil {
		return store.User{}, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		if store.IsUniqueViolation(err) {
			return store.User{}, ErrUsernameTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Authenticate checks a username/password pair. The same error comes
// back for an unknown name and a wrong password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (store.User, error) {
	if username == "" || password == "" {
		return store.User{}, fmt.Errorf("%w: username and password are required", ErrInvalidInput)
	}

	user, err := s.store.GetUserByName(ctx, username)
	if err != nil {
		return store.User{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrBadCredentials
	}
	return user, nil
}

// EnsureAdmin creates the named administrator account on first boot, or
// promotes an existing account of the same name.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) (store.User, error) {
	existing, err := s.store.GetUserByName(ctx, username)
	if err == nil {
		if !existing.Admin {
			if err := s.store.PromoteAdmin(ctx, existing.ID); err != nil {
				return store.User{}, err
			}
			existing.Admin = true
		}
		return existing, nil
	}

	if utf8.RuneCountInString(password) < minPasswordLen {
		return store.User{}, fmt.Errorf("%w: admin password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash admin password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		PasswordHash: string(hash),
		Admin:        true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create admin: %w", err)
	}
	return user, nil
}
