package entity

import "fmt"

// entityIDChars / nameChars are precomputed O(1) lookup tables, mirroring
// the teacher's utils.allowedCharsArray: cheaper than regexp.MatchString
// per call, and self-documenting at the table-construction site.
var (
	entityIDChars [128]bool
	nameChars     [128]bool
)

func init() {
	for _, c := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_.-:@" {
		entityIDChars[c] = true
	}
	for _, c := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_.-" {
		nameChars[c] = true
	}
}

// ValidateEntityID checks entity_id/parent_id against
// `^[a-zA-Z0-9][a-zA-Z0-9_.\-:@]{0,255}$` (§4.8). The leading character must
// be alphanumeric; '#' is never in either table, forbidding key-pattern
// injection into the PK/SK grammar.
func ValidateEntityID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("entity id cannot be empty")
	}
	if len(id) > 256 {
		return fmt.Errorf("entity id exceeds 256 characters, got %d", len(id))
	}
	if !isAlnum(rune(id[0])) {
		return fmt.Errorf("entity id must start with an alphanumeric character, got %q", id)
	}
	for i, r := range id {
		if r >= 128 || !entityIDChars[r] {
			return fmt.Errorf("entity id contains invalid character %q at position %d", r, i)
		}
	}
	return nil
}

// ValidateName checks limit_name/resource against
// `^[a-zA-Z][a-zA-Z0-9_.\-]{0,63}$` (§4.8).
func ValidateName(name, kind string) error {
	if len(name) == 0 {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(name) > 64 {
		return fmt.Errorf("%s exceeds 64 characters, got %d", kind, len(name))
	}
	if !isAlpha(rune(name[0])) {
		return fmt.Errorf("%s must start with a letter, got %q", kind, name)
	}
	for i, r := range name {
		if r >= 128 || !nameChars[r] {
			return fmt.Errorf("%s contains invalid character %q at position %d", kind, r, i)
		}
	}
	return nil
}

func isAlpha(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isAlnum(r rune) bool {
	return isAlpha(r) || (r >= '0' && r <= '9')
}
