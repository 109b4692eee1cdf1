// Package admin holds the single platform arbitrator identity.
package admin

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrOnlyAdmin signals a replacement attempt by anyone but the holder.
	ErrOnlyAdmin = errors.New("admin: only the admin can run this function")
	// ErrNotConfigured signals no arbitrator identity has been bootstrapped.
	ErrNotConfigured = errors.New("admin: arbitrator not configured")
)

// Store defines the persistence the registry needs.
type Store interface {
	Current(ctx context.Context) (string, error)
	Replace(ctx context.Context, identity string) error
	Ensure(ctx context.Context, identity string) error
}

// Registry guards the arbitrator identity: readable by anyone, replaceable
// only by the current holder.
type Registry struct {
	store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store}
}

// Current returns the arbitrator identity.
func (r *Registry) Current(ctx context.Context) (string, error) {
	return r.store.Current(ctx)
}

// Replace swaps in a new arbitrator identity. No escrow side effects; no
// history is retained.
func (r *Registry) Replace(ctx context.Context, callerID, newAdmin string) error {
	if newAdmin == "" {
		return fmt.Errorf("admin: empty identity")
	}
	current, err := r.store.Current(ctx)
	if err != nil {
		return err
	}
	if callerID != current {
		return ErrOnlyAdmin
	}
	return r.store.Replace(ctx, newAdmin)
}

// Bootstrap installs the identity if none is configured yet. Safe to call on
// every startup.
func (r *Registry) Bootstrap(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("admin: empty bootstrap identity")
	}
	return r.store.Ensure(ctx, identity)
}

// PGStore implements Store on the single-row arbitrators table.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Current(ctx context.Context) (string, error) {
	var identity string
	err := s.pool.QueryRow(ctx, `SELECT identity FROM arbitrators WHERE singleton`).Scan(&identity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotConfigured
		}
		return "", fmt.Errorf("admin: read identity: %w", err)
	}
	return identity, nil
}

func (s *PGStore) Replace(ctx context.Context, identity string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE arbitrators SET identity = $1, updated_at = now() WHERE singleton`, identity)
	if err != nil {
		return fmt.Errorf("admin: replace identity: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrNotConfigured
	}
	return nil
}

func (s *PGStore) Ensure(ctx context.Context, identity string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO arbitrators (singleton, identity)
		VALUES (true, $1)
		ON CONFLICT (singleton) DO NOTHING
	`, identity)
	if err != nil {
		return fmt.Errorf("admin: bootstrap identity: %w", err)
	}
	return nil
}
