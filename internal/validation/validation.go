package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidSlug is returned when a slug doesn't match the required format
	ErrInvalidSlug = errors.New("unique id must be lowercase letters, digits and hyphens, starting and ending with a letter or digit")

	// ErrSlugTooShort is returned when a slug is too short
	ErrSlugTooShort = errors.New("unique id must be at least 3 characters")

	// ErrSlugTooLong is returned when a slug is too long
	ErrSlugTooLong = errors.New("unique id must be at most 64 characters")

	// ErrNameRequired is returned when an organization name is empty
	ErrNameRequired = errors.New("organization name is required")

	// ErrNameTooLong is returned when an organization name exceeds the column width
	ErrNameTooLong = errors.New("organization name must be at most 128 characters")

	// slugRegex validates slug format: starts and ends with alphanumeric, can contain hyphens
	slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)
)

// ValidateSlug validates an organization unique id:
// - Must be 3-64 characters long
// - Must start and end with lowercase alphanumeric (a-z, 0-9)
// - Can contain hyphens in the middle
// - No uppercase, no underscores, no other special characters
func ValidateSlug(slug string) error {
	slug = NormalizeSlug(slug)

	if len(slug) < 3 {
		return ErrSlugTooShort
	}
	if len(slug) > 64 {
		return ErrSlugTooLong
	}

	if !slugRegex.MatchString(slug) {
		return ErrInvalidSlug
	}

	return nil
}

// NormalizeSlug normalizes a slug by converting to lowercase and trimming whitespace.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// ValidateOrgName checks an organization display name fits the storage column.
func ValidateOrgName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if len(name) > 128 {
		return ErrNameTooLong
	}
	return nil
}
