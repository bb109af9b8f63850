// Package auth covers user identity, roles and session tokens. Sessions
// are stateless JWTs signed with the server secret; failed logins are
// throttled per account.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kontomat/backend/internal/domain"
)

// Role is the authorization level of a user.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "racunovodja"
	RoleAssistant  Role = "asistent"
)

// CanApprove reports whether the role may approve, reject or correct
// bookings. Assistants are read-only plus chat.
func (r Role) CanApprove() bool { return r == RoleAdmin || r == RoleAccountant }

// CanAdmin reports whether the role may reach the admin surfaces (corpus
// quarantine, audit log, user management, model swap).
func (r Role) CanAdmin() bool { return r == RoleAdmin }

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAccountant, RoleAssistant:
		return true
	}
	return false
}

// User is an operator account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore persists accounts.
type UserStore interface {
	UserByName(ctx context.Context, username string) (*User, error)
	PutUser(ctx context.Context, u *User) error
	Users(ctx context.Context) ([]*User, error)
}

// Claims is the session token payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

const (
	// lockout policy: maxFailures within failureWindow locks the account
	// for lockoutCooldown.
	maxFailures     = 5
	failureWindow   = 15 * time.Minute
	lockoutCooldown = 15 * time.Minute
)

type failureState struct {
	times       []time.Time
	lockedUntil time.Time
}

// Service issues and validates sessions.
type Service struct {
	store    UserStore
	secret   []byte
	tokenTTL time.Duration
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	failures map[string]*failureState
}

func NewService(store UserStore, secret []byte, tokenTTL time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	return &Service{
		store:    store,
		secret:   secret,
		tokenTTL: tokenTTL,
		log:      log,
		now:      time.Now,
		failures: map[string]*failureState{},
	}
}

// CreateUser hashes the password and stores the account.
func (s *Service) CreateUser(ctx context.Context, username, password string, role Role) (*User, error) {
	if !role.Valid() {
		return nil, domain.E(domain.CodeInput, "unknown role "+string(role))
	}
	if len(password) < 10 {
		return nil, domain.E(domain.CodeInput, "password must be at least 10 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.PutUser(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("user created", "user", username, "role", role)
	return u, nil
}

func (s *Service) locked(username string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.failures[username]
	if !ok {
		return 0, false
	}
	now := s.now()
	if st.lockedUntil.After(now) {
		return st.lockedUntil.Sub(now), true
	}
	return 0, false
}

func (s *Service) recordFailure(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	st, ok := s.failures[username]
	if !ok {
		st = &failureState{}
		s.failures[username] = st
	}
	recent := st.times[:0]
	for _, t := range st.times {
		if now.Sub(t) <= failureWindow {
			recent = append(recent, t)
		}
	}
	st.times = append(recent, now)
	if len(st.times) >= maxFailures {
		st.lockedUntil = now.Add(lockoutCooldown)
		st.times = nil
		s.log.Warn("account locked after repeated failures", "user", username)
	}
}

func (s *Service) clearFailures(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, username)
}

// Login validates credentials and returns a signed session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *User, error) {
	if wait, isLocked := s.locked(username); isLocked {
		return "", nil, &domain.Error{Code: domain.CodeLocked,
			Message: "account temporarily locked", RetryAfterSec: int(wait.Seconds()) + 1}
	}

	u, err := s.store.UserByName(ctx, username)
	if err != nil || !u.Active {
		s.recordFailure(username)
		return "", nil, domain.E(domain.CodeAuth, "invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		s.recordFailure(username)
		return "", nil, domain.E(domain.CodeAuth, "invalid credentials")
	}
	s.clearFailures(username)

	now := s.now()
	claims := Claims{
		Role: u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    "kontomat",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			ID:        uuid.NewString(),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign session: %w", err)
	}
	return token, u, nil
}

// Verify parses and validates a session token.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !token.Valid {
		return nil, domain.E(domain.CodeAuth, "invalid or expired session")
	}
	return claims, nil
}

// InMemUserStore backs tests and the bootstrap path.
type InMemUserStore struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewInMemUserStore() *InMemUserStore { return &InMemUserStore{users: map[string]*User{}} }

func (s *InMemUserStore) UserByName(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, domain.E(domain.CodeNotFound, "no such user")
	}
	cp := *u
	return &cp, nil
}

func (s *InMemUserStore) PutUser(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

func (s *InMemUserStore) Users(_ context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}
