package entity

import "testing"

func TestValidateEntityIDAccepts(t *testing.T) {
	for _, id := range []string{"u1", "a", "user-123", "acct:42", "a.b_c@d"} {
		if err := ValidateEntityID(id); err != nil {
			t.Fatalf("ValidateEntityID(%q) = %v, want nil", id, err)
		}
	}
}

func TestValidateEntityIDRejects(t *testing.T) {
	cases := []string{"", "-leading-dash", "has#hash", "_leading_underscore"}
	for _, id := range cases {
		if err := ValidateEntityID(id); err == nil {
			t.Fatalf("ValidateEntityID(%q) = nil, want error", id)
		}
	}
}

func TestValidateEntityIDRejectsTooLong(t *testing.T) {
	long := make([]byte, 257)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateEntityID(string(long)); err == nil {
		t.Fatalf("expected error for 257-byte id")
	}
}

func TestValidateNameAccepts(t *testing.T) {
	for _, name := range []string{"api", "rpm", "some.resource-name_v2"} {
		if err := ValidateName(name, "resource"); err != nil {
			t.Fatalf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
}

func TestValidateNameRejectsLeadingDigit(t *testing.T) {
	if err := ValidateName("1rpm", "limit_name"); err == nil {
		t.Fatalf("expected error for leading digit")
	}
}

func TestValidateNameRejectsHash(t *testing.T) {
	if err := ValidateName("a#b", "resource"); err == nil {
		t.Fatalf("expected error for '#' in name")
	}
}
