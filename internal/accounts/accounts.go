// Package accounts authenticates API users and hands out access and
// refresh tokens.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"zimfarm/internal/auth"
	"zimfarm/internal/domain"
	"zimfarm/internal/store"
)

// Tokens is the body of a successful authorize or refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type Service struct {
	repo       store.Repository
	issuer     *auth.Issuer
	refreshTTL time.Duration
	now        func() time.Time
}

func New(repo store.Repository, issuer *auth.Issuer, refreshTTL time.Duration) *Service {
	return &Service{repo: repo, issuer: issuer, refreshTTL: refreshTTL, now: time.Now}
}

// Authorize checks a username/password pair.
func (s *Service) Authorize(ctx context.Context, username, password string) (Tokens, error) {
	u, err := s.repo.GetUser(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return Tokens{}, fmt.Errorf("%w: invalid credentials", auth.ErrUnauthorized)
	}
	if err != nil {
		return Tokens{}, err
	}
	if !u.Active || !auth.CheckPassword(u.PasswordHash, password) {
		log.Warn().Str("username", username).Msg("failed login")
		return Tokens{}, fmt.Errorf("%w: invalid credentials", auth.ErrUnauthorized)
	}
	return s.issue(ctx, u)
}

// Refresh exchanges a refresh token for a new pair. The old refresh token
// is gone afterwards.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	rt, err := s.repo.ConsumeRefreshToken(ctx, refreshToken, s.now())
	if errors.Is(err, domain.ErrNotFound) {
		return Tokens{}, fmt.Errorf("%w: refresh token invalid or expired", auth.ErrUnauthorized)
	}
	if err != nil {
		return Tokens{}, err
	}
	u, err := s.repo.GetUser(ctx, rt.Username)
	if errors.Is(err, domain.ErrNotFound) {
		return Tokens{}, fmt.Errorf("%w: unknown user", auth.ErrUnauthorized)
	}
	if err != nil {
		return Tokens{}, err
	}
	if !u.Active {
		return Tokens{}, fmt.Errorf("%w: user disabled", auth.ErrUnauthorized)
	}
	return s.issue(ctx, u)
}

func (s *Service) issue(ctx context.Context, u domain.User) (Tokens, error) {
	access, exp, err := s.issuer.Issue(auth.Principal{Username: u.Username, Scope: auth.Scope(u.Scope)})
	if err != nil {
		return Tokens{}, err
	}
	refresh := domain.RefreshToken{Token: uuid.NewString(), Username: u.Username, ExpiresAt: s.now().Add(s.refreshTTL)}
	if err := s.repo.SaveRefreshToken(ctx, refresh); err != nil {
		return Tokens{}, fmt.Errorf("save refresh token: %w", err)
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: refresh.Token,
		TokenType:    "bearer",
		ExpiresIn:    int(exp.Sub(s.now()).Seconds()),
	}, nil
}

type NewUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Email    string `json:"email"`
}

var roles = map[string]bool{
	auth.RoleAdmin: true, auth.RoleManager: true, auth.RoleEditor: true, auth.RoleWorker: true, auth.RoleProcessor: true,
}

func (s *Service) CreateUser(ctx context.Context, p auth.Principal, nu NewUser) (domain.User, error) {
	if err := p.Require("users", "create"); err != nil {
		return domain.User{}, err
	}
	fields := map[string]string{}
	if nu.Username == "" {
		fields["username"] = "is required"
	}
	if len(nu.Password) < 8 {
		fields["password"] = "must be at least 8 characters"
	}
	if !roles[nu.Role] {
		fields["role"] = "unknown role"
	}
	if len(fields) > 0 {
		return domain.User{}, domain.FieldErrors(fields)
	}
	u, err := s.create(ctx, nu)
	if errors.Is(err, store.ErrConflict) {
		return domain.User{}, domain.FieldErrors(map[string]string{"username": "already exists"})
	}
	if err != nil {
		return domain.User{}, err
	}
	log.Info().Str("actor", p.Username).Str("username", u.Username).Str("role", u.Role).Msg("user created")
	return u, nil
}

func (s *Service) create(ctx context.Context, nu NewUser) (domain.User, error) {
	hash, err := auth.HashPassword(nu.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := domain.User{
		Username:     nu.Username,
		PasswordHash: hash,
		Role:         nu.Role,
		Scope:        auth.RoleScope(nu.Role),
		Email:        nu.Email,
		Active:       true,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, p auth.Principal, username string) (domain.User, error) {
	if p.Username != username {
		if err := p.Require("users", "read"); err != nil {
			return domain.User{}, err
		}
	}
	return s.repo.GetUser(ctx, username)
}

// EnsureAdmin creates the bootstrap admin unless it exists. An empty
// password disables the bootstrap.
func (s *Service) EnsureAdmin(ctx context.Context, username, password string) error {
	if password == "" {
		return nil
	}
	_, err := s.create(ctx, NewUser{Username: username, Password: password, Role: auth.RoleAdmin})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	log.Info().Str("username", username).Msg("admin user created")
	return nil
}
