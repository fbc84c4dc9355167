package auth

import (
	"context"
	"errors"
	"time"

	"lesson-service/internal/user"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrUsernameExists      = errors.New("username already exists")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
)

const refreshTokenTTL = 7 * 24 * time.Hour

type Service struct {
	authRepo *Repository
	userRepo user.Repository
}

func NewService(authRepo *Repository, userRepo user.Repository) *Service {
	return &Service{
		authRepo: authRepo,
		userRepo: userRepo,
	}
}

// Register creates a new user account
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	existing, _ := s.userRepo.GetByUsername(ctx, req.Username)
	if existing != nil {
		return nil, ErrUsernameExists
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	newUser := &user.User{
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
		IsActive: true,
		Password: string(hashedPassword),
	}

	created, err := s.userRepo.Create(ctx, newUser)
	if err != nil {
		return nil, err
	}

	return s.generateTokenPair(ctx, created)
}

// Login authenticates a user and returns tokens
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	u, err := s.userRepo.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return s.generateTokenPair(ctx, u)
}

// RefreshAccessToken generates a new token pair using a refresh token
func (s *Service) RefreshAccessToken(ctx context.Context, refreshTokenString string) (*AuthResponse, error) {
	refreshToken, err := s.authRepo.GetRefreshToken(ctx, refreshTokenString)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	u, err := s.userRepo.GetByID(ctx, refreshToken.UserID)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}

	return s.generateTokenPair(ctx, u)
}

// Logout invalidates a refresh token
func (s *Service) Logout(ctx context.Context, refreshTokenString string) error {
	return s.authRepo.DeleteRefreshToken(ctx, refreshTokenString)
}

// LogoutAll invalidates every refresh token of a user
func (s *Service) LogoutAll(ctx context.Context, userID int) error {
	return s.authRepo.DeleteAllUserTokens(ctx, userID)
}

func (s *Service) generateTokenPair(ctx context.Context, u *user.User) (*AuthResponse, error) {
	accessToken, err := GenerateAccessToken(u.ID, u.Username, u.IsAdmin)
	if err != nil {
		return nil, err
	}

	refreshToken, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(refreshTokenTTL)
	if err := s.authRepo.CreateRefreshToken(ctx, u.ID, refreshToken, expiresAt); err != nil {
		return nil, err
	}

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         u,
	}, nil
}
