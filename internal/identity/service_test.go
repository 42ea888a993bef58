package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"forum/api/internal/store"
)

// mockUserStore is a mock implementation of UserStore for testing
type mockUserStore struct {
	users     map[string]store.User
	nameIndex map[string]string // username -> userID
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:     make(map[string]store.User),
		nameIndex: make(map[string]string),
	}
}

func (m *mockUserStore) GetUserByName(ctx context.Context, username string) (store.User, error) {
	if userID, ok := m.nameIndex[username]; ok {
		return m.users[userID], nil
	}
	return store.User{}, errors.New("user not found")
}

func (m *mockUserStore) InsertUser(ctx context.Context, user store.User) error {
	if _, ok := m.nameIndex[user.Username]; ok {
		return errors.New("duplicate username")
	}
	m.users[user.ID] = user
	m.nameIndex[user.Username] = user.ID
	return nil
}

func (m *mockUserStore) PromoteAdmin(ctx context.Context, userID string) error {
	user, ok := m.users[userID]
	if !ok {
		return errors.New("user not found")
	}
	user.Admin = true
	m.users[userID] = user
	return nil
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	user, err := svc.Register(ctx, "maija", "correct horse battery")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.ID == "" || user.Username != "maija" || user.Admin {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.PasswordHash == "correct horse battery" {
		t.Fatal("password stored in the clear")
	}

	got, err := svc.Authenticate(ctx, "maija", "correct horse battery")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, got.ID)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc := NewService(newMockUserStore())

	_, err := svc.Register(context.Background(), "maija", "short")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegisterRejectsOverlongUsername(t *testing.T) {
	svc := NewService(newMockUserStore())

	name := make([]byte, maxUsernameLen+1)
	for i := range name {
		name[i] = 'a'
	}
	_, err := svc.Register(context.Background(), string(name), "long enough password")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// The username limit counts characters, so a 40-character Finnish name
// is fine even though it is 80 bytes of UTF-8.
func TestRegisterCountsUsernameInRunes(t *testing.T) {
	svc := NewService(newMockUserStore())

	name := strings.Repeat("ä", maxUsernameLen)
	user, err := svc.Register(context.Background(), name, "long enough password")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if user.Username != name {
		t.Fatalf("unexpected username: %q", user.Username)
	}

	if _, err := svc.Register(context.Background(), name+"ä", "long enough password"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput past the limit, got %v", err)
	}
}

func TestRegisterRejectsTakenUsername(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "maija", "first password"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := svc.Register(ctx, "maija", "second password")
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	svc := NewService(newMockUserStore())
	ctx := context.Background()

	if _, err := svc.Register(ctx, "maija", "correct horse battery"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	_, err := svc.Authenticate(ctx, "maija", "wrong password")
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
	_, err = svc.Authenticate(ctx, "nobody", "correct horse battery")
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials for unknown user, got %v", err)
	}
}

func TestEnsureAdminCreatesAndPromotes(t *testing.T) {
	mock := newMockUserStore()
	svc := NewService(mock)
	ctx := context.Background()

	admin, err := svc.EnsureAdmin(ctx, "admin", "bootstrap secret")
	if err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	if !admin.Admin {
		t.Fatal("expected admin flag set on created account")
	}

	// Existing plain account gets promoted instead of recreated.
	user, err := svc.Register(ctx, "maija", "correct horse battery")
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	promoted, err := svc.EnsureAdmin(ctx, "maija", "")
	if err != nil {
		t.Fatalf("EnsureAdmin() promote error = %v", err)
	}
	if promoted.ID != user.ID || !promoted.Admin {
		t.Fatalf("unexpected promoted user: %+v", promoted)
	}
	if !mock.users[user.ID].Admin {
		t.Fatal("promotion not persisted")
	}
}
