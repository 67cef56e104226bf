package nonce

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-secure-stdlib/nonceutil"
)

var ErrUnknownNonce = errors.New("nonce unknown or already redeemed")

// Bound issues single-use values which carry data, e.g. challenges and
// authorization codes bound to the request they were issued for. A value
// can be redeemed once and only until its validity ends.
type Bound[T any] struct {
	service nonceutil.NonceService
	mu      sync.Mutex
	entries map[string]entry[T]
}

type entry[T any] struct {
	data      T
	expiresAt time.Time
}

func NewBound[T any](validity time.Duration) (*Bound[T], error) {
	service := nonceutil.NewNonceServiceWithValidity(validity)
	if err := service.Initialize(); err != nil {
		return nil, fmt.Errorf("could not initialize nonce service: %w", err)
	}
	return &Bound[T]{
		service: service,
		entries: make(map[string]entry[T]),
	}, nil
}

// Issue returns a new value bound to data.
func (b *Bound[T]) Issue(data T) (string, error) {
	n, expiresAt, err := b.service.Get()
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.entries[n] = entry[T]{data: data, expiresAt: expiresAt}
	b.mu.Unlock()
	return n, nil
}

// Redeem consumes the value and returns the data it was bound to. Unknown,
// expired and already redeemed values fail with ErrUnknownNonce.
func (b *Bound[T]) Redeem(nonceStr string) (T, error) {
	b.mu.Lock()
	e, ok := b.entries[nonceStr]
	delete(b.entries, nonceStr)
	b.mu.Unlock()

	var zero T
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownNonce, nonceStr)
	}
	if !b.service.Redeem(nonceStr) {
		return zero, fmt.Errorf("%w: %s expired at %s", ErrUnknownNonce, nonceStr, e.expiresAt.UTC().Format(time.RFC3339))
	}
	return e.data, nil
}

// Tidy drops values whose validity ended before now and returns how many
// are still outstanding.
func (b *Bound[T]) Tidy(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for n, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, n)
		}
	}
	b.service.Tidy()
	return len(b.entries)
}
