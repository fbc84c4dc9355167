package auth

import (
	"time"

	"github.com/uptrace/bun"
)

// RefreshToken stores refresh tokens in database
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`

	ID        int       `bun:"id,pk,autoincrement"`
	UserID    int       `bun:"user_id,notnull"`
	Token     string    `bun:"token,unique,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// RegisterRequest is the request body for registration
type RegisterRequest struct {
	Username string `json:"username" validate:"required,min=3"`
	Email    string `json:"email" validate:"omitempty,email"`
	FullName string `json:"fullName"`
	Password string `json:"password" validate:"required,min=8"`
}

// LoginRequest is the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest is the request body for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// AuthResponse is the response for successful authentication
type AuthResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         interface{} `json:"user"`
}
