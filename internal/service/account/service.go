package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirinyoku/railgo/internal/auth"
	"github.com/kirinyoku/railgo/internal/domain"
	"github.com/kirinyoku/railgo/internal/repository"
	postgresrepo "github.com/kirinyoku/railgo/internal/repository/postgres"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 64
	minPasswordLen = 6
	// bcrypt ignores everything past 72 bytes.
	maxPasswordLen = 72
)

type Config struct {
	BcryptCost  int
	AdminAPIKey string
}

// UserStore is implemented by *postgresrepo.UserRepo.
type UserStore interface {
	Create(ctx context.Context, db postgresrepo.DB, u *domain.User) error
	GetByUsername(ctx context.Context, db postgresrepo.DB, username string) (*domain.User, error)
}

type TokenIssuer interface {
	Issue(userID int64, role domain.Role) (string, time.Time, error)
}

type Session struct {
	Token     string
	ExpiresAt time.Time
	User      domain.User
}

type Service struct {
	users  UserStore
	tokens TokenIssuer
	cfg    Config
}

func New(users UserStore, tokens TokenIssuer, cfg Config) *Service {
	return &Service{
		users:  users,
		tokens: tokens,
		cfg:    cfg,
	}
}

// Register creates a user account. An empty role means domain.RoleUser.
//
// Parameters:
//   - ctx: request-scoped context.
//   - username, password: credentials of the new account.
//   - role: requested role.
//   - apiKey: admin API key; required when role is domain.RoleAdmin.
//
// Returns:
//   - *domain.User: the created user.
//   - error: account.ErrUsernameTaken if the username is in use.
//   - error: account.ErrAdminKeyRequired if an admin is requested without the key.
func (s *Service) Register(
	ctx context.Context,
	username, password string,
	role domain.Role,
	apiKey string,
) (*domain.User, error) {
	const op = "service.account.Register"

	username = strings.TrimSpace(username)
	if err := validateCredentials(username, password); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if role == "" {
		role = domain.RoleUser
	}

	if !role.Valid() {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidRole)
	}

	if role == domain.RoleAdmin && !s.ValidAPIKey(apiKey) {
		return nil, fmt.Errorf("%s: %w", op, ErrAdminKeyRequired)
	}

	hash, err := auth.HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	u := &domain.User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
	}

	if err := s.users.Create(ctx, nil, u); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%s: %w", op, ErrUsernameTaken)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return u, nil
}

// Login checks the credentials and issues an access token.
//
// Returns:
//   - error: account.ErrInvalidCredentials for an unknown user or a wrong password.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	const op = "service.account.Login"

	u, err := s.users.GetByUsername(ctx, nil, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if !auth.VerifyPassword(u.PasswordHash, password) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, exp, err := s.tokens.Issue(u.ID, u.Role)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Session{Token: token, ExpiresAt: exp, User: *u}, nil
}

// ValidAPIKey reports whether key matches the configured admin API key.
// It is always false when no key is configured.
func (s *Service) ValidAPIKey(key string) bool {
	if s.cfg.AdminAPIKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) == 1
}

func validateCredentials(username, password string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return ErrInvalidInput
	}

	if len(password) < minPasswordLen || len(password) > maxPasswordLen {
		return ErrInvalidInput
	}

	return nil
}
