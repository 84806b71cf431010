package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/diagnosis/pixelvault/pkg/auth"
	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/pkg/validate"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// AuthService reports credential failures as *domain.AuthError.
type AuthService interface {
	Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error)
	Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error)
	ChangePassword(ctx context.Context, req *domain.ChangePasswordRequest) error
}

type authService struct {
	users  repository.UserRepository
	config *config.Config
	params *argon2id.Params
}

func NewAuthService(users repository.UserRepository, config *config.Config) AuthService {
	return &authService{users: users, config: config, params: argon2id.DefaultParams}
}

func (s *authService) Register(ctx context.Context, req *domain.RegisterRequest) (*domain.User, error) {
	req.Normalize()
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	hash, err := argon2id.CreateHash(req.Password, s.params)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.Create(ctx, req.Email, hash, domain.RoleUser)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.ErrConflict
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	logger.InfoContext(ctx, "User registered", "user_id", user.ID)
	return user, nil
}

func (s *authService) Login(ctx context.Context, req *domain.LoginRequest) (*domain.LoginResponse, error) {
	req.Normalize()
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	user, err := s.authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return nil, err
	}

	token, err := auth.NewAccessToken(user.ID, user.Email, user.Role, s.config.Auth.JWTSecret, s.config.Auth.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create access token: %w", err)
	}

	return &domain.LoginResponse{
		AccessToken: token,
		ExpiresIn:   int64(s.config.Auth.AccessTokenTTL.Seconds()),
		User:        user.ToUserInfo(),
	}, nil
}

func (s *authService) ChangePassword(ctx context.Context, req *domain.ChangePasswordRequest) error {
	req.Normalize()
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	user, err := s.authenticate(ctx, req.Email, req.Password)
	if err != nil {
		return err
	}

	hash, err := argon2id.CreateHash(req.NewPassword, s.params)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	logger.InfoContext(ctx, "Password changed", "user_id", user.ID)
	return nil
}

func (s *authService) authenticate(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.AuthFailure(domain.UserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	match, legacy, err := comparePassword(password, user.PasswordHash)
	if err != nil {
		logger.WarnContext(ctx, "Unreadable password hash", "user_id", user.ID, "error", err)
		return nil, domain.AuthFailure(domain.InvalidCredentials)
	}
	if !match {
		return nil, domain.AuthFailure(domain.PasswordMismatch)
	}

	if legacy {
		s.upgradeHash(ctx, user, password)
	}
	return user, nil
}

// comparePassword accepts argon2id hashes and bcrypt hashes carried over from
// the previous system. legacy reports a bcrypt match.
func comparePassword(password, hash string) (match, legacy bool, err error) {
	switch {
	case strings.HasPrefix(hash, "$argon2id$"):
		match, err = argon2id.ComparePasswordAndHash(password, hash)
		return match, false, err
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, true, nil
		}
		return err == nil, true, err
	default:
		return false, false, errors.New("unknown password hash format")
	}
}

func (s *authService) upgradeHash(ctx context.Context, user *domain.User, password string) {
	hash, err := argon2id.CreateHash(password, s.params)
	if err != nil {
		logger.WarnContext(ctx, "Failed to rehash legacy password", "user_id", user.ID, "error", err)
		return
	}
	if err := s.users.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		logger.WarnContext(ctx, "Failed to store upgraded password hash", "user_id", user.ID, "error", err)
		return
	}
	user.PasswordHash = hash
	logger.InfoContext(ctx, "Upgraded legacy password hash", "user_id", user.ID)
}
