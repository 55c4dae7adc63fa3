// Package guest issues browser guest identities. A guest id owns a cart until
// the buyer logs in and the cart is merged.
package guest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	tokenrepo "storefront-checkout/internal/repository/token"
)

var ErrInvalidToken = errors.New("invalid token")

const defaultTTL = 30 * 24 * time.Hour

type Service struct {
	tokens *tokenManager
	ttl    time.Duration
	logger zerolog.Logger
}

type Option func(*Service)

func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.tokens.now = now } }

func New(repo tokenrepo.Repository, opts ...Option) *Service {
	s := &Service{
		tokens: newTokenManager(repo),
		ttl:    defaultTTL,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Session struct {
	Token     string    `json:"token"`
	GuestID   string    `json:"guestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issue creates a new guest identity and its token.
func (s *Service) Issue(ctx context.Context) (*Session, error) {
	guestID := uuid.NewString()
	token, expiresAt, err := s.tokens.Issue(ctx, guestID, s.ttl)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("guest_id", guestID).Msg("guest: issued")
	return &Session{Token: token, GuestID: guestID, ExpiresAt: expiresAt}, nil
}

// Lookup resolves a token to its guest id.
func (s *Service) Lookup(ctx context.Context, token string) (string, error) {
	guestID, ok := s.tokens.Validate(ctx, token)
	if !ok {
		return "", ErrInvalidToken
	}
	return guestID, nil
}

// Revoke drops a token, typically after its cart was merged on login.
func (s *Service) Revoke(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token)
}

func (s *Service) TTLSeconds() int {
	return int(s.ttl.Seconds())
}
