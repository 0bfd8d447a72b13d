// Package token issues the capability tokens that identify position and
// coverage ownership.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTokenExists = errors.New("token: already minted")
	ErrNoToken     = errors.New("token: not minted")
	ErrNotOwner    = errors.New("token: caller is not the owner")
)

// Collection names a token namespace.
type Collection string

const (
	CollectionPosition Collection = "position"
	CollectionCoverage Collection = "coverage"
)

// Registry issues and burns ownership tokens.
type Registry interface {
	Mint(ctx context.Context, c Collection, id uint64, owner string) error
	Burn(ctx context.Context, c Collection, id uint64) error
	OwnerOf(ctx context.Context, c Collection, id uint64) (string, error)
}

type tokenKey struct {
	c  Collection
	id uint64
}

// MemoryRegistry is an in-memory Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	owners map[tokenKey]string
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: make(map[tokenKey]string)}
}

func (r *MemoryRegistry) Mint(_ context.Context, c Collection, id uint64, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tokenKey{c, id}
	if _, ok := r.owners[k]; ok {
		return fmt.Errorf("%s #%d: %w", c, id, ErrTokenExists)
	}
	r.owners[k] = owner
	return nil
}

func (r *MemoryRegistry) Burn(_ context.Context, c Collection, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tokenKey{c, id}
	if _, ok := r.owners[k]; !ok {
		return fmt.Errorf("%s #%d: %w", c, id, ErrNoToken)
	}
	delete(r.owners, k)
	return nil
}

func (r *MemoryRegistry) OwnerOf(_ context.Context, c Collection, id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[tokenKey{c, id}]
	if !ok {
		return "", fmt.Errorf("%s #%d: %w", c, id, ErrNoToken)
	}
	return owner, nil
}

// Transfer hands a token to a new owner.
func (r *MemoryRegistry) Transfer(_ context.Context, c Collection, id uint64, from, to string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := tokenKey{c, id}
	owner, ok := r.owners[k]
	if !ok {
		return fmt.Errorf("%s #%d: %w", c, id, ErrNoToken)
	}
	if owner != from {
		return fmt.Errorf("%s #%d: %w", c, id, ErrNotOwner)
	}
	r.owners[k] = to
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
