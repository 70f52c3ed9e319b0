//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=../mocks/mock_accounts.go -package=mocks
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatline/internal/chat"
	"chatline/internal/errs"
	"chatline/internal/storage"
)

// Accounts is the persistence the service needs.
type Accounts interface {
	CreateUser(ctx context.Context, account storage.NewAccount) (chat.User, error)
	GetAccountByUsername(ctx context.Context, username string) (*storage.Account, error)
	GetUserByID(ctx context.Context, id string) (*chat.User, error)
	UpdateProfile(ctx context.Context, id string, update storage.ProfileUpdate) (chat.User, error)
}

// Session is returned after a successful signup or login.
type Session struct {
	Token string    `json:"token"`
	User  chat.User `json:"user"`
}

type Service struct {
	accounts   Accounts
	tokens     *Tokens
	bcryptCost int
	log        *slog.Logger
}

func NewService(accounts Accounts, tokens *Tokens, bcryptCost int, log *slog.Logger) *Service {
	return &Service{accounts: accounts, tokens: tokens, bcryptCost: bcryptCost, log: log}
}

func (s *Service) Signup(ctx context.Context, req SignupRequest) (Session, error) {
	req.normalize()
	if err := validate.Struct(req); err != nil {
		return Session{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	hash, err := HashPassword(req.Password, s.bcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("hashing failed: %w", err)
	}
	user, err := s.accounts.CreateUser(ctx, storage.NewAccount{
		Username:     req.Username,
		FullName:     req.FullName,
		Bio:          req.Bio,
		PasswordHash: hash,
	})
	if errors.Is(err, storage.ErrUserExists) {
		return Session{}, fmt.Errorf("%w: username already taken", errs.ErrValidation)
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	s.log.Info("User signed up", "user_id", user.ID, "username", user.Username)
	return s.issue(user)
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	req.normalize()
	if err := validate.Struct(req); err != nil {
		return Session{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	account, err := s.accounts.GetAccountByUsername(ctx, req.Username)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	// same answer for unknown users and wrong passwords
	if account == nil || !ComparePassword(account.PasswordHash, req.Password) {
		return Session{}, fmt.Errorf("%w: invalid credentials", errs.ErrUnauthorized)
	}
	return s.issue(account.User)
}

// Authenticate verifies a bearer token and returns the user id it carries.
func (s *Service) Authenticate(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", errs.ErrUnauthorized)
	}
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	return claims.UserID, nil
}

// Me resolves a token to the profile of a still existing user.
func (s *Service) Me(ctx context.Context, token string) (chat.User, error) {
	userID, err := s.Authenticate(token)
	if err != nil {
		return chat.User{}, err
	}
	user, err := s.accounts.GetUserByID(ctx, userID)
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if user == nil {
		return chat.User{}, fmt.Errorf("%w: account no longer exists", errs.ErrUnauthorized)
	}
	return *user, nil
}

// UpdateProfile validates req and stores it as the profile of userID.
func (s *Service) UpdateProfile(ctx context.Context, userID string, req ProfileRequest) (chat.User, error) {
	req.normalize()
	if err := validate.Struct(req); err != nil {
		return chat.User{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	user, err := s.accounts.UpdateProfile(ctx, userID, storage.ProfileUpdate{
		FullName:  req.FullName,
		Bio:       req.Bio,
		AvatarRef: req.AvatarRef,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return chat.User{}, fmt.Errorf("%w: account no longer exists", errs.ErrUnauthorized)
	}
	if err != nil {
		return chat.User{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	s.log.Info("Profile updated", "user_id", user.ID)
	return user, nil
}

func (s *Service) issue(user chat.User) (Session, error) {
	token, err := s.tokens.Generate(user.ID)
	if err != nil {
		return Session{}, fmt.Errorf("token generation failed: %w", err)
	}
	return Session{Token: token, User: user}, nil
}
