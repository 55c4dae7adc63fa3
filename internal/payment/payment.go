// Package payment executes one charge per seller group against a processor.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDeclined is returned when the processor refuses a charge.
var ErrDeclined = errors.New("payment declined")

// ChargeRequest is a single seller's share of an order.
type ChargeRequest struct {
	ChargeID      string
	OrderID       string
	SellerID      string
	Currency      string
	AmountCents   int64
	PaymentMethod string
	BuyerRef      string
}

type ChargeResult struct {
	ProcessorID string
}

// Executor charges a buyer. Implementations must treat ChargeID as an
// idempotency key.
type Executor interface {
	Execute(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// Simulated approves every charge except those for sellers marked as failing.
// An optional delay lets tests exercise per-call timeouts.
type Simulated struct {
	mu      sync.Mutex
	failing map[string]string
	delays  map[string]time.Duration
	calls   []ChargeRequest
}

func NewSimulated() *Simulated {
	return &Simulated{failing: map[string]string{}, delays: map[string]time.Duration{}}
}

// FailSeller makes every charge for sellerID decline with reason.
func (s *Simulated) FailSeller(sellerID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[sellerID] = reason
}

// DelaySeller makes charges for sellerID take d before answering.
func (s *Simulated) DelaySeller(sellerID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[sellerID] = d
}

// Calls returns every request seen so far.
func (s *Simulated) Calls() []ChargeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChargeRequest(nil), s.calls...)
}

func (s *Simulated) Execute(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	reason, fail := s.failing[req.SellerID]
	delay := s.delays[req.SellerID]
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ChargeResult{}, ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return ChargeResult{}, fmt.Errorf("%w: %s", ErrDeclined, reason)
	}
	return ChargeResult{ProcessorID: "sim_" + uuid.NewString()}, nil
}
