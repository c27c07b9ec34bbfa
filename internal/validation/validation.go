// Package validation provides centralized input validation for brwmon.
//
// Host and device names travel inside the ';'-delimited wire format and end
// up as identity rows in the store, so they are restricted to a character
// set that can never collide with a protocol delimiter.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/xtxerr/brwmon/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for entity names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowAt      bool
}

// HostRules returns rules for host names (FQDNs and IP addresses).
func HostRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// DeviceRules returns rules for device names such as "fs1-OST0003_UUID" or
// router NIDs such as "10.0.0.1@o2ib".
func DeviceRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowAt:      true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case '@':
		return rules.AllowAt
	}
	return false
}

// ValidateHostName validates the host name carried in a message header.
func ValidateHostName(name string) error {
	if err := ValidateName(name, HostRules()); err != nil {
		return fmt.Errorf("host %q: %v: %w", name, err, errors.ErrInvalidName)
	}
	return nil
}

// ValidateDeviceName validates a device name carried in a device block.
func ValidateDeviceName(name string) error {
	if err := ValidateName(name, DeviceRules()); err != nil {
		return fmt.Errorf("device %q: %v: %w", name, err, errors.ErrInvalidName)
	}
	return nil
}

// =============================================================================
// LIKE Patterns
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\[\]\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern. The
// result must be used with ESCAPE '\'.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}
