package identity

import (
	"errors"
	"testing"

	"github.com/tally-network/tallyd/internal/domain"
	"github.com/tally-network/tallyd/internal/infra/sqlite"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestEnsureUser_CreatesOnFirstContact(t *testing.T) {
	svc := newTestService(t)

	u, err := svc.EnsureUser("u1", "alice", "alice@example.com", domain.RoleEndUser)
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if u.UserID != "u1" || u.Username != "alice" || u.Role != domain.RoleEndUser {
		t.Errorf("account = %+v", u)
	}
}

func TestEnsureUser_RefreshesClaims(t *testing.T) {
	svc := newTestService(t)

	svc.EnsureUser("u1", "alice", "alice@example.com", domain.RoleEndUser)
	u, err := svc.EnsureUser("u1", "alice2", "alice2@example.com", domain.RoleSupervisor)
	if err != nil {
		t.Fatalf("EnsureUser refresh: %v", err)
	}
	if u.Username != "alice2" || u.Role != domain.RoleSupervisor {
		t.Errorf("refreshed account = %+v, want updated username and role", u)
	}
}

func TestEnsureUser_EmptyID(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.EnsureUser("", "x", "x@example.com", domain.RoleEndUser)
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("EnsureUser(\"\") = %v, want ErrUserNotFound", err)
	}
}

func TestResolveUser_ByIDEmailUsername(t *testing.T) {
	svc := newTestService(t)
	svc.EnsureUser("u1", "alice", "alice@example.com", domain.RoleEndUser)

	for _, ref := range []string{"u1", "alice@example.com", "alice"} {
		u, err := svc.ResolveUser(ref)
		if err != nil {
			t.Fatalf("ResolveUser(%q): %v", ref, err)
		}
		if u.UserID != "u1" {
			t.Errorf("ResolveUser(%q) = %s, want u1", ref, u.UserID)
		}
	}
}

func TestResolveUser_NotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ResolveUser("ghost")
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("ResolveUser(ghost) = %v, want ErrUserNotFound", err)
	}
}

func TestResolveUser_NeverFabricatesIdentity(t *testing.T) {
	svc := newTestService(t)

	// Resolution must not create anything as a side effect.
	svc.ResolveUser("ghost")
	_, err := svc.GetUser("ghost")
	if !errors.Is(err, domain.ErrUserNotFound) {
		t.Errorf("GetUser after failed resolve = %v, want ErrUserNotFound", err)
	}
}
