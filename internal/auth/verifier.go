// Package auth verifies bearer tokens and turns them into identities.
package auth

import (
	"context"
	"fmt"

	"notes-sharing-server/internal/domain"
)

// Verifier validates an opaque bearer token. The returned identity never has
// IsAdmin set; that is decided by the policy after verification.
type Verifier interface {
	Verify(ctx context.Context, token string) (*domain.Identity, error)
}

func unauthenticated(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrUnauthenticated, reason, err)
	}
	return fmt.Errorf("%w: %s", domain.ErrUnauthenticated, reason)
}
