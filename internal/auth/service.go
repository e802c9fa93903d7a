package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"realprep/internal/security"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// ErrAccountLocked reports an identifier locked out by repeated failures.
type ErrAccountLocked struct {
	Until time.Time
}

func (e ErrAccountLocked) Error() string {
	return "account temporarily locked"
}

// Service implements registration, login, and token refresh on top of the
// lockout tracker and token service. Login failures for unknown emails are
// recorded exactly like failures for real accounts.
type Service struct {
	store   Store
	tokens  *security.TokenService
	lockout *security.LockoutTracker

	// Compared against on unknown-identifier logins so the work done does
	// not reveal whether the account exists.
	dummyHash []byte
}

func NewService(store Store, tokens *security.TokenService, lockout *security.LockoutTracker) *Service {
	dummyHash, err := bcrypt.GenerateFromPassword([]byte("realprep-enumeration-pad"), bcrypt.DefaultCost)
	if err != nil {
		// bcrypt only fails on invalid cost, which DefaultCost is not.
		panic(fmt.Sprintf("generate dummy hash: %v", err))
	}

	return &Service{
		store:     store,
		tokens:    tokens,
		lockout:   lockout,
		dummyHash: dummyHash,
	}
}

// NormalizeIdentifier lowercases and trims a credential identifier so lockout
// and lookups agree on the key.
func NormalizeIdentifier(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func (s *Service) Login(ctx context.Context, email, password string) (Credentials, error) {
	identifier := NormalizeIdentifier(email)

	if state := s.lockout.IsLocked(identifier); state.Locked {
		return Credentials{}, ErrAccountLocked{Until: state.LockedUntil}
	}

	account, err := s.store.ByEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Burn the same hashing work as a real comparison, then count
			// the failure exactly like a wrong password.
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return Credentials{}, s.recordFailure(identifier)
		}
		return Credentials{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Credentials{}, s.recordFailure(identifier)
	}

	if !account.IsActive {
		return Credentials{}, ErrInvalidCredentials
	}

	s.lockout.Clear(identifier)

	now := time.Now().UTC()
	if err := s.store.TouchLogin(ctx, account.ID, now); err != nil {
		return Credentials{}, err
	}
	account.LastLoginAt = &now

	return s.issue(account)
}

func (s *Service) recordFailure(identifier string) error {
	if state := s.lockout.RecordFailure(identifier); state.Locked {
		return ErrAccountLocked{Until: state.LockedUntil}
	}
	return ErrInvalidCredentials
}

func (s *Service) Register(ctx context.Context, username, email, password string) (Credentials, error) {
	email = NormalizeIdentifier(email)

	if _, err := s.store.ByEmail(ctx, email); err == nil {
		return Credentials{}, ErrEmailTaken
	} else if !errors.Is(err, ErrAccountNotFound) {
		return Credentials{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := NewAccountID()
	if err != nil {
		return Credentials{}, err
	}

	account := Account{
		ID:           id,
		Username:     strings.TrimSpace(username),
		Email:        email,
		PasswordHash: string(hash),
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, account); err != nil {
		return Credentials{}, err
	}

	return s.issue(account)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	claims := s.tokens.VerifyRefresh(strings.TrimSpace(refreshToken))
	if claims == nil {
		return Credentials{}, ErrInvalidRefreshToken
	}

	// Privilege and active flags are re-read from the account, not carried
	// over from the old token.
	account, err := s.store.ByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Credentials{}, ErrInvalidRefreshToken
		}
		return Credentials{}, err
	}
	if !account.IsActive {
		return Credentials{}, ErrInvalidRefreshToken
	}

	return s.issue(account)
}

func (s *Service) Me(ctx context.Context, userID string) (AccountView, error) {
	account, err := s.store.ByID(ctx, userID)
	if err != nil {
		return AccountView{}, err
	}
	return account.View(), nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]AccountView, error) {
	accounts, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]AccountView, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, account.View())
	}

	return views, nil
}

// EnsureAdmin seeds the administrative account from the environment on
// startup. A blank triple is a no-op; a partial one is a configuration error.
func (s *Service) EnsureAdmin(ctx context.Context, username, email, password string) error {
	username = strings.TrimSpace(username)
	email = NormalizeIdentifier(email)
	password = strings.TrimSpace(password)

	if username == "" && email == "" && password == "" {
		return nil
	}
	if username == "" || email == "" || password == "" {
		return errors.New("ADMIN_USERNAME, ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	if _, err := s.store.ByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, ErrAccountNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	id, err := NewAccountID()
	if err != nil {
		return err
	}

	return s.store.Create(ctx, Account{
		ID:                 id,
		Username:           username,
		Email:              email,
		PasswordHash:       string(hash),
		IsActive:           true,
		IsAdmin:            true,
		MustChangePassword: true,
		CreatedAt:          time.Now().UTC(),
	})
}

// AccountFlags satisfies the pipeline's admin check collaborator.
func (s *Service) AccountFlags(ctx context.Context, userID string) (bool, bool, error) {
	account, err := s.store.ByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return false, false, nil
		}
		return false, false, err
	}

	return account.IsActive, account.IsAdmin, nil
}

func (s *Service) issue(account Account) (Credentials, error) {
	identity := security.Identity{
		UserID: account.ID,
		Email:  account.Email,
		Admin:  account.IsAdmin,
	}

	access, err := s.tokens.SignAccess(identity)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := s.tokens.SignRefresh(identity)
	if err != nil {
		return Credentials{}, fmt.Errorf("sign refresh token: %w", err)
	}

	return Credentials{
		User:         account.View(),
		Token:        access,
		RefreshToken: refresh,
	}, nil
}
