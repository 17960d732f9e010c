// Package validation holds input rules shared by the services.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var handleRegex = regexp.MustCompile(`^[a-z0-9_]{3,20}$`)

// Handles that would read as the service itself or shadow a route segment.
var reservedHandles = map[string]struct{}{
	"admin":         {},
	"api":           {},
	"feed":          {},
	"handle":        {},
	"me":            {},
	"notifications": {},
	"plaza":         {},
	"posts":         {},
	"root":          {},
	"search":        {},
	"settings":      {},
	"support":       {},
	"system":        {},
	"users":         {},
	"ws":            {},
}

var (
	ErrHandleFormat   = errors.New("use 3 to 20 lowercase letters, digits or underscores")
	ErrHandleReserved = errors.New("handle is reserved")
)

// NormalizeHandle is the uniqueness key for a handle: trimmed, lowercased and
// without a leading "@".
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// ValidateHandle checks a normalized handle.
func ValidateHandle(key string) error {
	if !handleRegex.MatchString(key) {
		return ErrHandleFormat
	}
	if _, reserved := reservedHandles[key]; reserved {
		return ErrHandleReserved
	}
	return nil
}
