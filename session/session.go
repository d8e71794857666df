// Package session holds the authenticated identity of the workspace operator
// and decides what that identity may do.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrInvalidCredentials is returned by Login when no credential matches.
	ErrInvalidCredentials = errors.New("session: invalid email or password")

	// ErrNotAuthenticated is returned by Authorize when nobody is logged in.
	ErrNotAuthenticated = errors.New("session: not authenticated")

	// ErrForbidden is returned by Authorize when the role lacks the action.
	ErrForbidden = errors.New("session: action not permitted for role")
)

// Identity is the authenticated user of the current session. Its JSON form
// is the persisted session record.
type Identity struct {
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	IsLoggedIn bool   `json:"isLoggedIn"`
}

// Credential is one row of the static credential table.
type Credential struct {
	Email    string `json:"email" yaml:"email"`
	Password string `json:"password" yaml:"password"`
	Role     Role   `json:"role" yaml:"role"`
}

// DefaultCredentials returns the demo user table.
func DefaultCredentials() []Credential {
	return []Credential{
		{Email: "paralegal@firm.com", Password: "123", Role: RoleParalegal},
		{Email: "associate@firm.com", Password: "123", Role: RoleAssociate},
		{Email: "partner@firm.com", Password: "123", Role: RolePartner},
		{Email: "admin@firm.com", Password: "123", Role: RoleITAdmin},
	}
}

// Store owns the single active Identity and its persisted record.
type Store struct {
	mu          sync.RWMutex
	current     *Identity
	storage     Storage
	credentials []Credential
	logger      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCredentials replaces the demo credential table.
func WithCredentials(creds []Credential) Option {
	return func(s *Store) { s.credentials = creds }
}

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store backed by storage. Call Restore to pick up a record
// persisted by a previous process.
func New(storage Storage, opts ...Option) *Store {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	s := &Store{
		storage:     storage,
		credentials: DefaultCredentials(),
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Restore loads the persisted record. Absent, unreadable or malformed
// records leave the store logged out; they are never an error.
func (s *Store) Restore(ctx context.Context) (Identity, bool) {
	data, err := s.storage.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoRecord) {
			s.logger.Warn("session: loading persisted record", "error", err)
		}
		return Identity{}, false
	}

	id, err := decodeIdentity(data)
	if err != nil {
		s.logger.Debug("session: discarding malformed record", "error", err)
		return Identity{}, false
	}

	s.mu.Lock()
	s.current = &id
	s.mu.Unlock()
	return id, true
}

func decodeIdentity(data []byte) (Identity, error) {
	var raw struct {
		Email      string `json:"email"`
		Role       string `json:"role"`
		IsLoggedIn bool   `json:"isLoggedIn"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Identity{}, err
	}
	if raw.Email == "" {
		return Identity{}, fmt.Errorf("record has no email")
	}
	if !raw.IsLoggedIn {
		return Identity{}, fmt.Errorf("record is not logged in")
	}
	role, err := ParseRole(raw.Role)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Email: raw.Email, Role: role, IsLoggedIn: true}, nil
}

// Login checks the pair against the credential table, persists the new
// Identity and makes it current. On failure the previous Identity stays.
func (s *Store) Login(ctx context.Context, email, password string) (Identity, error) {
	cred, ok := s.lookup(email, password)
	if !ok {
		return Identity{}, ErrInvalidCredentials
	}

	id := Identity{Email: cred.Email, Role: cred.Role, IsLoggedIn: true}
	data, err := json.Marshal(id)
	if err != nil {
		return Identity{}, fmt.Errorf("encoding session record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Save(ctx, data); err != nil {
		return Identity{}, fmt.Errorf("persisting session record: %w", err)
	}
	s.current = &id
	return id, nil
}

func (s *Store) lookup(email, password string) (Credential, bool) {
	var match Credential
	found := false
	for _, c := range s.credentials {
		emailOK := subtle.ConstantTimeCompare([]byte(c.Email), []byte(email)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(c.Password), []byte(password)) == 1
		if emailOK && passOK && !found {
			match = c
			found = true
		}
	}
	return match, found
}

// Logout clears the in-memory Identity and the persisted record. It is
// idempotent; the in-memory state is cleared even if storage fails.
func (s *Store) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	if err := s.storage.Clear(ctx); err != nil {
		return fmt.Errorf("clearing session record: %w", err)
	}
	return nil
}

// Current returns the active Identity, if any.
func (s *Store) Current() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Identity{}, false
	}
	return *s.current, true
}

// HasRole reports whether the active Identity holds one of roles.
func (s *Store) HasRole(roles ...Role) bool {
	id, ok := s.Current()
	if !ok {
		return false
	}
	for _, r := range roles {
		if id.Role == r {
			return true
		}
	}
	return false
}

// Can reports whether the active Identity may perform action.
func (s *Store) Can(action Action) bool {
	return s.Authorize(action) == nil
}

// Authorize returns nil if the active Identity may perform action,
// ErrNotAuthenticated if nobody is logged in and ErrForbidden otherwise.
func (s *Store) Authorize(action Action) error {
	id, ok := s.Current()
	if !ok {
		return ErrNotAuthenticated
	}
	if !id.Role.Can(action) {
		return fmt.Errorf("%w: %s cannot %s", ErrForbidden, id.Role, action)
	}
	return nil
}

// Home returns the landing page for the active Identity.
func (s *Store) Home() Page {
	id, ok := s.Current()
	if !ok {
		return PageLogin
	}
	return id.Role.Home()
}
