package token

import (
	"context"
	"time"
)

// Token is an opaque browser credential standing in for a guest identity.
type Token struct {
	Token     string
	GuestID   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Repository interface {
	Create(ctx context.Context, token Token) error
	Get(ctx context.Context, token string) (*Token, error)
	Delete(ctx context.Context, token string) error
}
