package discovery

import (
    "errors"
    "fmt"
)

// ErrInvalidServiceType is returned for service identifiers that are not
// valid DNS-SD service names (RFC 6335, section 5.1).
var ErrInvalidServiceType = errors.New("discovery: invalid service type")

// ValidateServiceType checks that s is 1-15 ASCII letters, digits or
// hyphens, holds at least one letter, and has no leading, trailing or
// adjacent hyphens.
func ValidateServiceType(s string) error {
    if len(s) < 1 || len(s) > 15 {
        return fmt.Errorf("%w: %q: length must be 1-15", ErrInvalidServiceType, s)
    }
    hasLetter := false
    for i := 0; i < len(s); i++ {
        c := s[i]
        switch {
        case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
            hasLetter = true
        case c >= '0' && c <= '9':
        case c == '-':
            if i == 0 || i == len(s)-1 {
                return fmt.Errorf("%w: %q: leading or trailing hyphen", ErrInvalidServiceType, s)
            }
            if s[i-1] == '-' {
                return fmt.Errorf("%w: %q: adjacent hyphens", ErrInvalidServiceType, s)
            }
        default:
            return fmt.Errorf("%w: %q: illegal character %q", ErrInvalidServiceType, s, c)
        }
    }
    if !hasLetter {
        return fmt.Errorf("%w: %q: needs at least one letter", ErrInvalidServiceType, s)
    }
    return nil
}
