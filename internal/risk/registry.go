package risk

import (
	"SwapGate/internal/ledger"
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidRisk   = errors.New("invalid risk")
	ErrAddressExists = errors.New("address already exists")
)

// Registry is an in-memory scoring service. Addresses are registered once;
// unknown addresses score (None, 0).
type Registry struct {
	mu        sync.RWMutex
	addresses map[ledger.AccountID]CategoryRisk
}

func NewRegistry() *Registry {
	return &Registry{
		addresses: make(map[ledger.AccountID]CategoryRisk),
	}
}

// CreateAddress registers an address with its category and score.
func (r *Registry) CreateAddress(address ledger.AccountID, category Category, risk uint8) error {
	if risk > MaxRisk {
		return fmt.Errorf("%w: %d > %d", ErrInvalidRisk, risk, MaxRisk)
	}
	if category == "" {
		category = CategoryNone
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addresses[address]; ok {
		return fmt.Errorf("%w: %s", ErrAddressExists, address)
	}
	r.addresses[address] = CategoryRisk{Category: category, Risk: risk}
	return nil
}

// Lookup returns the registered score or (None, 0).
func (r *Registry) Lookup(address ledger.AccountID) CategoryRisk {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cr, ok := r.addresses[address]; ok {
		return cr
	}
	return CategoryRisk{Category: CategoryNone, Risk: 0}
}

// GetAddress lets the registry serve as an in-process Client.
func (r *Registry) GetAddress(ctx context.Context, address ledger.AccountID) (CategoryRisk, error) {
	if err := ctx.Err(); err != nil {
		return CategoryRisk{}, err
	}
	return r.Lookup(address), nil
}

// Len returns the number of registered addresses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addresses)
}
