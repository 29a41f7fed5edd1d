package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"enduser", "supervisor", "admin"} {
		r, err := ParseRole(valid)
		if err != nil || string(r) != valid {
			t.Errorf("ParseRole(%q) = %q, %v", valid, r, err)
		}
	}
	for _, bad := range []string{"", "root", "Admin", "ADMIN"} {
		if _, err := ParseRole(bad); !errors.Is(err, ErrInvalidRole) {
			t.Errorf("ParseRole(%q) = %v, want ErrInvalidRole", bad, err)
		}
	}
}

func TestCanAdminister(t *testing.T) {
	if RoleEndUser.CanAdminister() {
		t.Error("enduser must not administer")
	}
	if !RoleSupervisor.CanAdminister() || !RoleAdmin.CanAdminister() {
		t.Error("supervisor and admin must administer")
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	if SessionActive.Terminal() {
		t.Error("active is not terminal")
	}
	if !SessionFinalized.Terminal() || !SessionAborted.Terminal() {
		t.Error("finalized and aborted are terminal")
	}
}

func TestAllocation_Expired(t *testing.T) {
	now := time.Now()

	never := CreditAllocation{}
	if never.Expired(now) {
		t.Error("zero expiry means never expires")
	}

	past := CreditAllocation{ExpiresAt: now.Add(-time.Minute)}
	if !past.Expired(now) {
		t.Error("past expiry should be expired")
	}

	future := CreditAllocation{ExpiresAt: now.Add(time.Minute)}
	if future.Expired(now) {
		t.Error("future expiry should not be expired")
	}
}

func TestTablePricing(t *testing.T) {
	price := TablePricing(map[string]int64{"llama3": 5}, 2)

	tests := []struct {
		model  string
		tokens int64
		want   int64
	}{
		{"llama3", 1000, 5},
		{"llama3", 2000, 10},
		{"unknown", 1000, 2},
		{"llama3", 0, 0},
		{"llama3", -5, 0},
		{"llama3", 1, 1},   // floor: nonzero tokens never price at zero
		{"unknown", 10, 1}, // same floor under the default rate
	}
	for _, tc := range tests {
		if got := price(tc.model, tc.tokens); got != tc.want {
			t.Errorf("price(%s, %d) = %d, want %d", tc.model, tc.tokens, got, tc.want)
		}
	}
}
