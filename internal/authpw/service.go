// Package authpw provides username/password sign-up and token login.
package authpw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"notebook/api/internal/auth"
	"notebook/api/internal/store"
	"notebook/api/internal/validate"
)

const (
	MsgBadCredentials  = "Unable to log in with provided credentials."
	MsgDuplicateName   = "A user with that username already exists."
	MsgInvalidUsername = "Enter a valid username. This value may contain only letters, numbers, and @/./+/-/_ characters."
	MsgPasswordTooLong = "Ensure this field has no more than 72 bytes."
	maxUsernameLength  = 150
	// bcrypt only hashes the first 72 bytes and refuses anything longer.
	maxPasswordBytes   = 72
)

var usernamePattern = regexp.MustCompile(`^[\p{L}\p{N}_.@+-]+$`)

// Service is the credential store: it creates authors with their single
// token, hands that token out on login and tears sessions down on logout.
type Service struct {
	store    UserStore
	sessions SessionStore
	cost     int
}

// UserStore defines the storage interface for auth
type UserStore interface {
	CreateAuthor(ctx context.Context, username, passwordHash, tokenKey string) (store.Credential, error)
	CredentialByUsername(ctx context.Context, username string) (store.Credential, error)
	CredentialByToken(ctx context.Context, key string) (store.Credential, error)
}

// SessionStore records which tokens are signed out.
type SessionStore interface {
	MarkSignedOut(ctx context.Context, token string) error
	ClearSignedOut(ctx context.Context, token string) error
	IsSignedOut(ctx context.Context, token string) (bool, error)
}

// NewService creates a new auth service. cost outside bcrypt's range falls
// back to bcrypt.DefaultCost.
func NewService(users UserStore, sessions SessionStore, cost int) *Service {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: users, sessions: sessions, cost: cost}
}

// SignUpRequest contains sign-up parameters. Pointers distinguish a missing
// field from an empty one.
type SignUpRequest struct {
	Username *string
	Password *string
}

// SignUp creates the author and issues its token in the same transaction.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.Credential, error) {
	errs := validate.FieldErrors{}
	errs.RequiredString("username", req.Username, maxUsernameLength)
	if req.Username != nil && errs["username"] == nil && !usernamePattern.MatchString(*req.Username) {
		errs.Add("username", MsgInvalidUsername)
	}
	errs.RequiredString("password", req.Password, 0)
	if req.Password != nil && errs["password"] == nil && len(*req.Password) > maxPasswordBytes {
		errs.Add("password", MsgPasswordTooLong)
	}
	if err := errs.Err(); err != nil {
		return store.Credential{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*req.Password), s.cost)
	if err != nil {
		return store.Credential{}, fmt.Errorf("hash password: %w", err)
	}
	key, err := auth.NewKey()
	if err != nil {
		return store.Credential{}, err
	}

	created, err := s.store.CreateAuthor(ctx, *req.Username, string(hash), key)
	if errors.Is(err, store.ErrDuplicateUsername) {
		return store.Credential{}, validate.FieldErrors{"username": {MsgDuplicateName}}
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("create author: %w", err)
	}
	return created, nil
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Username *string
	Password *string
}

// SignIn checks the password and returns the author's existing token. The
// token is never rotated; a previous logout is undone.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.Credential, error) {
	errs := validate.FieldErrors{}
	errs.RequiredString("username", req.Username, 0)
	errs.RequiredString("password", req.Password, 0)
	if err := errs.Err(); err != nil {
		return store.Credential{}, err
	}

	cred, err := s.store.CredentialByUsername(ctx, *req.Username)
	if errors.Is(err, sql.ErrNoRows) {
		// Spend the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(*req.Password))
		return store.Credential{}, validate.NonField(MsgBadCredentials)
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("lookup author: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.Author.PasswordHash), []byte(*req.Password)); err != nil {
		return store.Credential{}, validate.NonField(MsgBadCredentials)
	}
	if !cred.Author.IsActive {
		return store.Credential{}, validate.NonField(MsgBadCredentials)
	}

	if err := s.sessions.ClearSignedOut(ctx, cred.Token); err != nil {
		return store.Credential{}, err
	}
	return cred, nil
}

// Authenticate resolves a token key to its author. Unknown, signed-out and
// inactive tokens are all auth.ErrInvalidToken.
func (s *Service) Authenticate(ctx context.Context, key string) (store.Credential, error) {
	key = strings.TrimSpace(key)
	if key == "" || utf8.RuneCountInString(key) > 40 {
		return store.Credential{}, auth.ErrInvalidToken
	}
	cred, err := s.store.CredentialByToken(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Credential{}, auth.ErrInvalidToken
	}
	if err != nil {
		return store.Credential{}, fmt.Errorf("lookup token: %w", err)
	}
	if !cred.Author.IsActive {
		return store.Credential{}, auth.ErrInvalidToken
	}
	signedOut, err := s.sessions.IsSignedOut(ctx, key)
	if err != nil {
		return store.Credential{}, err
	}
	if signedOut {
		return store.Credential{}, auth.ErrInvalidToken
	}
	return cred, nil
}

// SignOut invalidates the token until the next SignIn.
func (s *Service) SignOut(ctx context.Context, key string) error {
	return s.sessions.MarkSignedOut(ctx, key)
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("notebook-timing-guard"), bcrypt.MinCost)
