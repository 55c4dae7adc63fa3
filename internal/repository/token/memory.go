package token

import (
	"context"
	"sync"
	"time"

	"storefront-checkout/internal/domain"
)

type Memory struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]Token)}
}

func (m *Memory) Create(_ context.Context, token Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.Token]; ok {
		return domain.ErrAlreadyExists
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	m.tokens[token.Token] = token
	return nil
}

func (m *Memory) Get(_ context.Context, token string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &t, nil
}

func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return domain.ErrNotFound
	}
	delete(m.tokens, token)
	return nil
}
