package admin

import (
	"context"
	"errors"
	"testing"
)

type fakeStore struct {
	identity string
	ensured  bool
}

func (f *fakeStore) Current(ctx context.Context) (string, error) {
	if f.identity == "" {
		return "", ErrNotConfigured
	}
	return f.identity, nil
}

func (f *fakeStore) Replace(ctx context.Context, identity string) error {
	f.identity = identity
	return nil
}

func (f *fakeStore) Ensure(ctx context.Context, identity string) error {
	f.ensured = true
	if f.identity == "" {
		f.identity = identity
	}
	return nil
}

func TestRegistry_ReplaceByHolder(t *testing.T) {
	store := &fakeStore{identity: "admin-1"}
	reg := NewRegistry(store)

	if err := reg.Replace(context.Background(), "admin-1", "admin-2"); err != nil {
		t.Fatalf("replace by holder: %v", err)
	}

	current, err := reg.Current(context.Background())
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if current != "admin-2" {
		t.Fatalf("expected admin-2, got %s", current)
	}

	// The old holder lost the right with the swap.
	if err := reg.Replace(context.Background(), "admin-1", "admin-3"); !errors.Is(err, ErrOnlyAdmin) {
		t.Fatalf("expected ErrOnlyAdmin, got %v", err)
	}
}

func TestRegistry_ReplaceByOthersDenied(t *testing.T) {
	store := &fakeStore{identity: "admin-1"}
	reg := NewRegistry(store)

	if err := reg.Replace(context.Background(), "mallory", "mallory"); !errors.Is(err, ErrOnlyAdmin) {
		t.Fatalf("expected ErrOnlyAdmin, got %v", err)
	}
	if err := reg.Replace(context.Background(), "admin-1", ""); err == nil {
		t.Fatal("expected validation error for empty identity")
	}
}

func TestRegistry_Bootstrap(t *testing.T) {
	store := &fakeStore{}
	reg := NewRegistry(store)

	if _, err := reg.Current(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}

	if err := reg.Bootstrap(context.Background(), "admin-1"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if !store.ensured {
		t.Fatal("expected Ensure to be called")
	}

	// Bootstrap never overwrites an existing identity.
	if err := reg.Bootstrap(context.Background(), "admin-9"); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	current, _ := reg.Current(context.Background())
	if current != "admin-1" {
		t.Fatalf("expected admin-1 to survive re-bootstrap, got %s", current)
	}
}
