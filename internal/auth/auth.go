// Package auth gates administrative engine operations behind roles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMissingRole is returned when an actor lacks the role an operation needs.
var ErrMissingRole = errors.New("auth: missing role")

// Role names a capability.
type Role string

const (
	RoleRiskManager   Role = "risk_manager"
	RoleLiquidator    Role = "liquidator"
	RoleLister        Role = "lister"
	RoleOracleUpdater Role = "oracle_updater"
)

// Authorizer answers role membership questions.
type Authorizer interface {
	HasRole(ctx context.Context, actor string, role Role) bool
}

// Require returns ErrMissingRole unless actor holds role.
func Require(ctx context.Context, a Authorizer, actor string, role Role) error {
	if actor == "" || !a.HasRole(ctx, actor, role) {
		return fmt.Errorf("%w: %q is not %s", ErrMissingRole, actor, role)
	}
	return nil
}

// Static is an Authorizer backed by a fixed grant table, usually loaded from
// configuration.
type Static struct {
	mu     sync.RWMutex
	grants map[Role]map[string]struct{}
}

// NewStatic builds an authorizer from role → actors.
func NewStatic(grants map[Role][]string) *Static {
	s := &Static{grants: make(map[Role]map[string]struct{})}
	for role, actors := range grants {
		for _, actor := range actors {
			s.Grant(role, actor)
		}
	}
	return s
}

// Grant adds actor to role.
func (s *Static) Grant(role Role, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[role] == nil {
		s.grants[role] = make(map[string]struct{})
	}
	s.grants[role][actor] = struct{}{}
}

// Revoke removes actor from role.
func (s *Static) Revoke(role Role, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants[role], actor)
}

func (s *Static) HasRole(_ context.Context, actor string, role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[role][actor]
	return ok
}

var _ Authorizer = (*Static)(nil)
